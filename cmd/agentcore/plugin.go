package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/sandbox"
)

var (
	pluginName        string
	pluginDescription string
	pluginRuntime     string
	pluginEntrypoint  string
	pluginConfig      string
	pluginDisabled    bool
	pluginInput       string
	pluginTimeout     time.Duration
	pluginNotify      bool
	pluginLimit       int
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage sandboxed automation plugins",
}

// readPluginSource loads the code file; .wasm modules are base64 encoded
// and select the wasm runtime unless one was given.
func readPluginSource(path string) (code, runtime string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	runtime = pluginRuntime
	if filepath.Ext(path) == ".wasm" {
		if runtime == "" {
			runtime = sandbox.RuntimeWASM
		}
		return base64.StdEncoding.EncodeToString(data), runtime, nil
	}
	return string(data), runtime, nil
}

var pluginCreateCmd = &cobra.Command{
	Use:   "create <file>",
	Short: "Validate, trial-compile and store a plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		code, runtime, err := readPluginSource(args[0])
		if err != nil {
			return err
		}
		name := pluginName
		if name == "" {
			name = trimExt(filepath.Base(args[0]))
		}
		in := sandbox.PluginInput{
			Name:        name,
			Description: pluginDescription,
			Runtime:     runtime,
			Code:        code,
			Entrypoint:  pluginEntrypoint,
		}
		if pluginConfig != "" {
			in.Config = json.RawMessage(pluginConfig)
		}
		if pluginDisabled {
			in.Enabled = json.RawMessage(`false`)
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		p, err := a.sandbox.CreatePlugin(cmd.Context(), owner, in)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), p)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s %q (%s, entrypoint %s)\n", p.ID, p.Name, p.Runtime, p.Entrypoint)
		return nil
	},
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the owner's plugins",
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
		plugins, err := a.sandbox.ListPlugins(cmd.Context(), owner)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), plugins)
		}
		rows := make([][]string, 0, len(plugins))
		for _, p := range plugins {
			rows = append(rows, []string{p.ID, p.Name, p.Runtime, p.Entrypoint, fmt.Sprint(p.Enabled)})
		}
		return table(cmd.OutOrStdout(), "ID\tNAME\tRUNTIME\tENTRYPOINT\tENABLED", rows)
	},
}

var pluginRunCmd = &cobra.Command{
	Use:   "run <plugin-id>",
	Short: "Execute a plugin once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		var input any
		if pluginInput != "" {
			if err := json.Unmarshal([]byte(pluginInput), &input); err != nil {
				return fmt.Errorf("--input: %w", err)
			}
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		exec, err := a.sandbox.ExecutePlugin(cmd.Context(), owner, args[0], sandbox.ExecuteOptions{
			Input:   input,
			Timeout: pluginTimeout,
			Notify:  pluginNotify,
		})
		if exec == nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), exec)
		}
		out := cmd.OutOrStdout()
		for _, line := range exec.Logs {
			fmt.Fprintln(out, "log:", line)
		}
		if !exec.Success {
			return fmt.Errorf("plugin failed after %dms: %s", exec.DurationMS, exec.Error)
		}
		fmt.Fprintf(out, "ok in %dms: %s\n", exec.DurationMS, exec.Result)
		return nil
	},
}

func pluginEnableCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plugin-id>",
		Short: use + " a plugin",
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
			if err := a.sandbox.SetEnabled(cmd.Context(), owner, args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", use, args[0])
			return nil
		},
	}
}

var pluginDeleteCmd = &cobra.Command{
	Use:   "delete <plugin-id>",
	Short: "Delete a plugin; its execution history is kept",
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
		if err := a.sandbox.DeletePlugin(cmd.Context(), owner, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var pluginRunsCmd = &cobra.Command{
	Use:   "runs <plugin-id>",
	Short: "Show recent executions of a plugin",
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
		execs, err := a.sandbox.Executions(cmd.Context(), owner, args[0], pluginLimit)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), execs)
		}
		rows := make([][]string, 0, len(execs))
		for _, e := range execs {
			rows = append(rows, []string{e.ID, formatTime(&e.CreatedAt), fmt.Sprint(e.Success), fmt.Sprintf("%dms", e.DurationMS), truncate(e.Error, 50)})
		}
		return table(cmd.OutOrStdout(), "ID\tAT\tSUCCESS\tDURATION\tERROR", rows)
	},
}

func init() {
	pluginCreateCmd.Flags().StringVar(&pluginName, "name", "", "plugin name (default file name)")
	pluginCreateCmd.Flags().StringVar(&pluginDescription, "description", "", "plugin description")
	pluginCreateCmd.Flags().StringVar(&pluginRuntime, "runtime", "", "javascript or wasm (default from file extension)")
	pluginCreateCmd.Flags().StringVar(&pluginEntrypoint, "entrypoint", "", "exported function to call (default run)")
	pluginCreateCmd.Flags().StringVar(&pluginConfig, "config", "", "JSON object passed as ctx.config")
	pluginCreateCmd.Flags().BoolVar(&pluginDisabled, "disabled", false, "store the plugin disabled")
	pluginRunCmd.Flags().StringVar(&pluginInput, "input", "", "JSON input value")
	pluginRunCmd.Flags().DurationVar(&pluginTimeout, "timeout", 0, "run timeout (default 10s)")
	pluginRunCmd.Flags().BoolVar(&pluginNotify, "notify", false, "notify the owner with the result")
	pluginRunsCmd.Flags().IntVar(&pluginLimit, "limit", 20, "number of executions")

	pluginCmd.AddCommand(pluginCreateCmd, pluginListCmd, pluginRunCmd,
		pluginEnableCmd("enable", true), pluginEnableCmd("disable", false),
		pluginDeleteCmd, pluginRunsCmd)
}
