package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/scheduler"
)

var (
	taskAction   string
	taskCron     string
	taskPayload  string
	taskRetries  int
	taskDisabled bool
	taskLimit    int
	triggerInput string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage cron-scheduled tasks",
}

func payloadFlag(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--payload must be JSON")
	}
	return json.RawMessage(raw), nil
}

var taskAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		payload, err := payloadFlag(taskPayload)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		t, err := a.sched.RegisterTask(cmd.Context(), owner, scheduler.TaskSpec{
			Name:       args[0],
			Action:     scheduler.ActionType(taskAction),
			Payload:    payload,
			CronExpr:   taskCron,
			MaxRetries: taskRetries,
			Disabled:   taskDisabled,
		})
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), t)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s %q (%s, %s)\n", t.ID, t.Name, t.Action, t.CronExpr)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the owner's scheduled tasks",
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
		tasks, err := a.sched.ListTasks(cmd.Context(), owner)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), tasks)
		}
		now := time.Now()
		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			next := "-"
			if t.Enabled {
				if n, err := scheduler.NextRunTime(t.CronExpr, now); err == nil {
					next = formatTime(&n)
				}
			}
			status := t.LastRunStatus
			if status == "" {
				status = "-"
			}
			rows = append(rows, []string{t.ID, t.Name, string(t.Action), t.CronExpr, fmt.Sprint(t.Enabled),
				status, fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries), next})
		}
		return table(cmd.OutOrStdout(), "ID\tNAME\tACTION\tCRON\tENABLED\tLAST\tRETRIES\tNEXT", rows)
	},
}

func taskEnableCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: use + " a scheduled task",
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
			if err := a.sched.SetEnabled(cmd.Context(), owner, args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", use, args[0])
			return nil
		},
	}
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a scheduled task",
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
		if err := a.sched.DeleteTask(cmd.Context(), owner, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var taskRunsCmd = &cobra.Command{
	Use:   "runs <task-id>",
	Short: "Show recent executions of a task",
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
		execs, err := a.sched.Executions(cmd.Context(), owner, args[0], taskLimit)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), execs)
		}
		rows := make([][]string, 0, len(execs))
		for _, e := range execs {
			detail := e.Output
			if !e.Success {
				detail = e.Error
			}
			rows = append(rows, []string{e.ID, formatTime(&e.CreatedAt), fmt.Sprint(e.Attempt), fmt.Sprint(e.Success), truncate(detail, 50)})
		}
		return table(cmd.OutOrStdout(), "ID\tAT\tATTEMPT\tSUCCESS\tDETAIL", rows)
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <action>",
	Short: "Run an action once, right now, without a stored task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		payload, err := payloadFlag(triggerInput)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		exec, err := a.sched.Trigger(cmd.Context(), scheduler.ActionType(args[0]), owner, payload)
		if exec == nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), exec)
		}
		if !exec.Success {
			return fmt.Errorf("%s failed after %dms: %s", exec.Action, exec.DurationMS, exec.Error)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s ok in %dms: %s\n", exec.Action, exec.DurationMS, exec.Output)
		return nil
	},
}

func init() {
	taskAddCmd.Flags().StringVar(&taskAction, "action", "", "action type, e.g. ai_summary or run_plugin")
	taskAddCmd.Flags().StringVar(&taskCron, "cron", "", "5-field cron expression")
	taskAddCmd.Flags().StringVar(&taskPayload, "payload", "", "JSON payload for the action")
	taskAddCmd.Flags().IntVar(&taskRetries, "retries", 0, "max retries after a failed run")
	taskAddCmd.Flags().BoolVar(&taskDisabled, "disabled", false, "register the task disabled")
	_ = taskAddCmd.MarkFlagRequired("action")
	_ = taskAddCmd.MarkFlagRequired("cron")
	taskRunsCmd.Flags().IntVar(&taskLimit, "limit", 20, "number of executions")
	triggerCmd.Flags().StringVar(&triggerInput, "payload", "", "JSON payload for the action")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskEnableCmd("enable", true), taskEnableCmd("disable", false),
		taskDeleteCmd, taskRunsCmd)
}
