package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	internalconfig "github.com/argon-foss/krypton/internal/config"
)

// NewCmdConfig creates the config command group.
func NewCmdConfig(loader *internalconfig.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
		Long:  `Commands for inspecting and validating the krypton configuration.`,
	}

	cmd.AddCommand(newCmdCheck(loader))

	return cmd
}

// newCmdCheck creates the config check command. It loads the
// configuration exactly the way the daemon would and prints the resolved
// values as YAML, so a node operator can verify a config edit before
// restarting.
func newCmdCheck(loader *internalconfig.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the daemon configuration and print the resolved values",
		Example: `  # Validate the configuration the daemon would load
  krypton config check

  # Validate a specific file
  krypton --config /etc/krypton/config.yml config check`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loader.Load()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if file := loader.FileUsed(); file != "" {
				fmt.Fprintf(out, "# configuration file: %s\n", file)
			} else {
				fmt.Fprintln(out, "# no configuration file found, defaults and environment only")
			}

			resolved := *cfg
			if resolved.API.Key != "" {
				resolved.API.Key = "<redacted>"
			}

			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(&resolved); err != nil {
				return fmt.Errorf("encode configuration: %w", err)
			}
			if err := enc.Close(); err != nil {
				return err
			}

			fmt.Fprintln(cmd.ErrOrStderr(), "Configuration is valid")
			return nil
		},
	}
}
