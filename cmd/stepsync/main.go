package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand(os.Stdout))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	statsFlags := &StatsFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(c, globalFlags),
		createAddCommand(c, globalFlags),
		createStatsCommand(c, globalFlags, statsFlags),
		createListCommand(c, globalFlags),
		createHealthCommand(c, globalFlags),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "stepsync",
		Short: "Record daily steps and keep statistics in sync",
		Long: `stepsync records daily step counts and shows statistics over them.
Run "serve" to expose a step table over HTTP; the other commands talk to it.

Examples:
  stepsync serve --config=stepsync.toml
  stepsync add 9000
  stepsync stats --watch --interval=10s
  stepsync list --api-url=http://remote:8080/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIURL, "api-url", "", "server URL (e.g. http://host:8080/api)")
	pf.DurationVar(&flags.Timeout, "timeout", 0, "request timeout (default from config)")
	pf.StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error")
	return root
}

func createServeCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Serve the step table over HTTP",
		Long: `Open the store named by [store].dsn, create its schema and serve it.
Optionally exports every recorded step to [history] and serves Prometheus
metrics on [metrics].listen. Stops on SIGINT or SIGTERM.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := *globalFlags
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			return c.Serve(cmd.Context(), flags)
		},
	}
}

func createAddCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <steps>",
		Short: "Record a step count",
		Long: `Validate and save a step count between 1 and 100,000.

Examples:
  stepsync add 9000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Add(cmd.Context(), *globalFlags, args[0])
		},
	}
}

func createStatsCommand(c *command, globalFlags *GlobalFlags, statsFlags *StatsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show total, average, min, max and a bar per record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stats(cmd.Context(), *globalFlags, *statsFlags)
		},
	}
	cmd.Flags().BoolVar(&statsFlags.Watch, "watch", false, "keep refreshing until interrupted")
	cmd.Flags().DurationVar(&statsFlags.Interval, "interval", 0, "refresh interval in watch mode (default [cache].refetch_interval)")
	return cmd
}

func createListCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every record as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *globalFlags)
		},
	}
}

func createHealthCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server and its store are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Health(cmd.Context(), *globalFlags)
		},
	}
}
