// Command agentcore runs the agent orchestration core: the HTTP gateway,
// the task scheduler and the agent queue, plus admin subcommands that act
// on the local store directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	homeFlag     string
	ownerFlag    string
	logLevelFlag string
	jsonFlag     bool
)

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "Autonomous agent orchestration core",
	Long: `agentcore hosts per-owner AI agents, a permission authority, a model router,
a plugin sandbox and a cron task scheduler behind one HTTP API.

Run "agentcore serve" to start the daemon. The other subcommands operate on
the local database and are meant for administration and scripting.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if homeFlag != "" {
			return os.Setenv("AGENTCORE_HOME", homeFlag)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "data directory (default $AGENTCORE_HOME or ~/.agentcore)")
	rootCmd.PersistentFlags().StringVar(&ownerFlag, "owner", "", "owner to act for (default $AGENTCORE_OWNER or $USER)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override log_level from config.yaml")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "print JSON instead of tables")

	rootCmd.AddCommand(serveCmd, statusCmd, agentCmd, permissionCmd, pluginCmd, taskCmd, triggerCmd, modelCmd, askCmd)
}

// resolveOwner picks the owner for admin subcommands.
func resolveOwner() (string, error) {
	for _, v := range []string{ownerFlag, os.Getenv("AGENTCORE_OWNER"), os.Getenv("USER")} {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no owner: pass --owner or set AGENTCORE_OWNER")
}

// interactive reports whether stdout is a terminal, in which case logs stay
// in the log file and out of the command output.
func interactive() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
