package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/router"
)

var (
	askType    string
	askModel   string
	askSession string
	askSystem  bool
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect the model catalog and routing preferences",
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog models with backend availability",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		models, err := a.router.Catalog().Models(cmd.Context())
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), models)
		}
		rows := make([][]string, 0, len(models))
		for _, m := range models {
			key := "no key"
			if a.cfg.ProviderAPIKey(m.Provider) != "" {
				key = "ok"
			}
			def := ""
			if m.ID == a.cfg.DefaultModel {
				def = "*"
			}
			rows = append(rows, []string{def + m.ID, m.Provider, fmt.Sprint(m.ContextWindow),
				fmt.Sprintf("%.4f/%.4f", m.InputCostPer1K, m.OutputCostPer1K), fmt.Sprint(m.Active), key})
		}
		return table(cmd.OutOrStdout(), "ID\tPROVIDER\tCONTEXT\tCOST/1K IN/OUT\tACTIVE\tKEY", rows)
	},
}

var modelDefaultCmd = &cobra.Command{
	Use:   "default <model-id>",
	Short: "Set default_model in config.yaml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetDefaultModel(config.HomeDir(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "default model set to %s (restart the daemon to apply)\n", args[0])
		return nil
	},
}

var modelKeyCmd = &cobra.Command{
	Use:   "key <provider> <api-key>",
	Short: "Store a provider API key in config.yaml",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := strings.ToLower(strings.TrimSpace(args[0]))
		if err := config.SetProviderKey(config.HomeDir(), provider, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored key for %s\n", provider)
		return nil
	},
}

var modelPreferCmd = &cobra.Command{
	Use:   "prefer <task-type> <model-id>",
	Short: "Pin a model for one task type of the owner",
	Args:  cobra.ExactArgs(2),
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
		if err := a.router.SetPreference(cmd.Context(), owner, router.TaskType(args[0]), args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s now prefers %s\n", args[0], args[1])
		return nil
	},
}

var modelPrefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show the owner's per-task-type model preferences",
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
		prefs, err := a.router.Preferences(cmd.Context(), owner)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), prefs)
		}
		keys := make([]string, 0, len(prefs))
		for k := range prefs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rows := make([][]string, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, []string{k, prefs[k]})
		}
		return table(cmd.OutOrStdout(), "TASK TYPE\tMODEL", rows)
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <prompt...>",
	Short: "Route one prompt through the model router",
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
		resp, err := a.router.Route(cmd.Context(), router.Request{
			Owner:         owner,
			SessionID:     askSession,
			TaskType:      router.TaskType(askType),
			Prompt:        strings.Join(args, " "),
			ModelOverride: askModel,
			SystemPrompt:  askSystem,
			Platform:      "cli",
		})
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
		if interactive() {
			via := resp.ModelID
			if resp.FallbackFrom != "" {
				via += " (fallback from " + resp.FallbackFrom + ")"
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "\n[%s, %dms]\n", via, resp.DurationMS)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askType, "type", "chat", "task type for model selection")
	askCmd.Flags().StringVar(&askModel, "model", "", "force a catalog model id")
	askCmd.Flags().StringVar(&askSession, "session", "", "conversation session id")
	askCmd.Flags().BoolVar(&askSystem, "system", true, "include the persona system prompt")

	modelCmd.AddCommand(modelListCmd, modelDefaultCmd, modelKeyCmd, modelPreferCmd, modelPrefsCmd)
}
