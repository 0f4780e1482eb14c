package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/julianshen/cpghunter/internal/config"
	"github.com/julianshen/cpghunter/internal/security/passes"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the configuration after defaults and overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return writeConfig(cmd.OutOrStdout(), cfg, format)
		},
	}
	showCmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml, json, toml")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and the enabled passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := validateConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

// validateConfig checks option values and that every enabled pass exists
// and can be built from its pass_config entry.
func validateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	reg := passes.NewRegistry(passes.Deps{})
	if err := reg.Validate(cfg.Engine.EnabledPasses); err != nil {
		return err
	}
	for _, id := range cfg.Engine.EnabledPasses {
		if _, err := reg.Resolve(id, cfg.Pass(id)); err != nil {
			return err
		}
	}
	return nil
}

func writeConfig(out io.Writer, cfg *config.Config, format string) error {
	switch format {
	case "yaml", "":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "toml":
		return toml.NewEncoder(out).Encode(cfg)
	}
	return fmt.Errorf("unknown config format %q", format)
}
