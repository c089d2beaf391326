// Command cadencebot runs the search-and-act agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cadencebot/internal/agent"
	"cadencebot/internal/app"
	"cadencebot/internal/config"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
)

// Process exit codes.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
	exitAuth   = 3
)

func main() {
	err := rootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cadencebot:", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var ce *config.Error
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ce):
		return exitConfig
	case errors.Is(err, agent.ErrAuth):
		return exitAuth
	default:
		return exitFatal
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cadencebot",
		Short:         "Search for posts and like or follow them at a human pace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), checkCmd(), stateCmd(), versionCmd())
	return root
}

func runCmd() *cobra.Command {
	var opt app.Options
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolveConfigPath(opt.ConfigPath)
			if err != nil {
				return err
			}
			opt.ConfigPath = path

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, opt)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&opt.ConfigPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&opt.ForceNow, "now", false, "Run the first cycle even outside the session windows")
	cmd.Flags().BoolVar(&opt.Once, "once", false, "Stop after one cycle")
	cmd.Flags().BoolVar(&opt.Simulate, "simulate", false, "Gate and record actions without performing them")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var explicit string
			if len(args) == 1 {
				explicit = args[0]
			}
			path, err := resolveConfigPath(explicit)
			if err != nil {
				return err
			}
			return app.Check(path, cmd.OutOrStdout())
		},
	}
}

func stateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the processed-set size and quota counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolveConfigPath(cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rep, err := app.ReadState(ctx, path, time.Now())
			if err != nil {
				return err
			}
			return rep.Print(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cadencebot %s (commit: %s)\n", version, commit)
		},
	}
}

// resolveConfigPath returns explicit when set, else the first existing file
// among $CADENCEBOT_CONFIG and ./cadencebot.{yaml,yml,json}.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	var candidates []string
	if env, ok := os.LookupEnv("CADENCEBOT_CONFIG"); ok && env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, "cadencebot.yaml", "cadencebot.yml", "cadencebot.json")
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &config.Error{Problems: []string{fmt.Sprintf("no configuration file found (searched: %v)", candidates)}}
}
