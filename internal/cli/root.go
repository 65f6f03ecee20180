// Package cli implements the kubilitics-pricing command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-pricing/internal/config"
)

// Build metadata, set with -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

// NewRootCommand returns the root command wired to the process streams.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "kubilitics-pricing",
		Short:         "Guarded pricing recommendations with human approval",
		Long:          "kubilitics-pricing screens pricing questions, asks an oracle for a price, clamps it with safety guardrails and routes it to the right approver.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("PRICING_CONFIG"), "path to the YAML configuration file")

	cmd.AddCommand(
		newServeCmd(a),
		newRecommendCmd(a),
		newTokenCmd(a),
		newVersionCmd(a),
	)
	cmd.SetVersionTemplate(fmt.Sprintf("kubilitics-pricing {{.Version}} (commit %s, built %s)\n", Commit, BuildDate))
	return cmd
}

// loadConfig reads and validates the configuration. The manager is
// returned so serve can watch the file.
func (a *app) loadConfig(ctx context.Context) (*config.Config, config.ConfigManager, error) {
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, err
	}
	return mgr.Get(ctx), mgr, nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(a.stdout, "kubilitics-pricing %s (commit %s, built %s)\n", Version, Commit, BuildDate)
			return nil
		},
	}
}
