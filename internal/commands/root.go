package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rl1809/site-ledger/internal/buildinfo"
	"github.com/rl1809/site-ledger/internal/config"
	"github.com/rl1809/site-ledger/internal/platform/logger"
)

type globalOptions struct {
	configPath string
}

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:     "ledger",
		Short:   "Construction project cash, budget and inventory ledger",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", buildinfo.Version, buildinfo.Commit, buildinfo.Date),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to ledger.yaml (defaults and LEDGER_* env when empty)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newConsumeCommand(opts))
	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newOutboxCommand(opts))

	return rootCmd
}

func (o *globalOptions) load() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}
