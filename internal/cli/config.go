package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/turnstile/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Turnstile configuration files",
	}

	var (
		output string
		force  bool
	)
	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Write an example YAML config file",
		Example: `  turnstile config init --output turnstile.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", output)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			if err := config.WriteExample(output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated example config at %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVar(&output, "output", "turnstile.yaml", "output file path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var path string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a config file with environment overrides and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %s, %d per %s, %s storage\n",
				path, cfg.Limiter.Algorithm, cfg.Limiter.MaxRequests, cfg.Limiter.Interval, cfg.Storage.Backend)
			return nil
		},
	}
	validateCmd.Flags().StringVar(&path, "config", "turnstile.yaml", "config file to validate")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
