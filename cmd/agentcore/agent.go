package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/orchestrator"
	"github.com/basket/agentcore/internal/router"
)

var (
	spawnFocus    string
	spawnType     string
	spawnMission  string
	spawnParent   string
	agentStatuses []string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Spawn and inspect agents",
}

var agentSpawnCmd = &cobra.Command{
	Use:   "spawn <task...>",
	Short: "Queue a new agent for the owner",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		agent, err := a.agents.Spawn(cmd.Context(), owner, strings.Join(args, " "), orchestrator.SpawnConfig{
			Focus:     spawnFocus,
			TaskType:  router.TaskType(spawnType),
			MissionID: spawnMission,
			ParentID:  spawnParent,
		})
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), agent)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "spawned %s (%s)\n", agent.ID, agent.Status)
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the owner's agents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		var statuses []orchestrator.Status
		for _, s := range agentStatuses {
			statuses = append(statuses, orchestrator.Status(s))
		}
		agents, err := a.agents.List(cmd.Context(), owner, statuses...)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), agents)
		}
		rows := make([][]string, 0, len(agents))
		for _, ag := range agents {
			rows = append(rows, []string{ag.ID, string(ag.Status), ag.Memory.TaskType, fmt.Sprint(len(ag.Memory.History)), truncate(ag.Task, 50)})
		}
		return table(cmd.OutOrStdout(), "ID\tSTATUS\tTYPE\tTURNS\tTASK", rows)
	},
}

// agentTransitionCmd builds pause/resume, which differ only in the
// orchestrator method they call.
func agentTransitionCmd(use, short, verb string, fn func(*orchestrator.Orchestrator, context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <agent-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := resolveOwner()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := fn(a.agents, cmd.Context(), owner, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
			return nil
		},
	}
}

var agentProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Step every runnable agent of the owner once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		report, err := a.agents.ProcessQueue(cmd.Context(), owner)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), report)
		}
		rows := make([][]string, 0, len(report.Results))
		for _, r := range report.Results {
			rows = append(rows, []string{r.AgentID, string(r.Status), truncate(r.Error, 60)})
		}
		if err := table(cmd.OutOrStdout(), "AGENT\tSTATUS\tERROR", rows); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d stepped, %d failed\n", len(report.Results), report.Failed())
		return nil
	},
}

func init() {
	agentSpawnCmd.Flags().StringVar(&spawnFocus, "focus", "", "agent focus (default general)")
	agentSpawnCmd.Flags().StringVar(&spawnType, "type", "", "task type used for model selection (default analysis)")
	agentSpawnCmd.Flags().StringVar(&spawnMission, "mission", "", "mission id to report completion to")
	agentSpawnCmd.Flags().StringVar(&spawnParent, "parent", "", "parent agent id")
	agentListCmd.Flags().StringSliceVar(&agentStatuses, "status", nil, "only these statuses (repeatable)")

	agentCmd.AddCommand(
		agentSpawnCmd,
		agentListCmd,
		agentTransitionCmd("pause", "Take an agent out of the queue", "paused", (*orchestrator.Orchestrator).Pause),
		agentTransitionCmd("resume", "Put a paused agent back in the queue", "resumed", (*orchestrator.Orchestrator).Resume),
		agentProcessCmd,
	)
}
