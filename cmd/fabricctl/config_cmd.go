package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/fabric"
	"pkt.systems/fabric/client"
	"pkt.systems/fabric/policy"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage fabricctl configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.fabric/" + fabric.DefaultConfigFileName
	if dir, err := fabric.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, fabric.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default fabricctl configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := fabric.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, fabric.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags; keys match flag names.
type configDefaults struct {
	Endpoint           string   `yaml:"endpoint"`
	Port               int      `yaml:"port"`
	Scheme             string   `yaml:"scheme"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	Bundle             string   `yaml:"bundle"`
	Cert               string   `yaml:"cert"`
	Key                string   `yaml:"key"`
	CA                 string   `yaml:"ca"`
	InsecureSkipVerify bool     `yaml:"insecure-skip-verify"`
	HTTPTimeout        string   `yaml:"http-timeout"`
	OverloadTimeout    string   `yaml:"overload-timeout"`
	OverloadInterval   string   `yaml:"overload-interval"`
	TenantMode         string   `yaml:"tenant-mode"`
	Tenant             string   `yaml:"tenant"`
	Versions           []string `yaml:"versions"`
	ReplicaCount       int      `yaml:"replica-count"`
	PlacementMode      string   `yaml:"placement-mode"`
	IPPool             string   `yaml:"ip-pool"`
	MetricsListen      string   `yaml:"metrics-listen"`
	OTLPEndpoint       string   `yaml:"otlp-endpoint"`
	Output             string   `yaml:"output"`
	LogLevel           string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	pd := policy.DefaultDefaults()
	defaults := configDefaults{
		Port:             client.DefaultPort,
		HTTPTimeout:      client.DefaultHTTPTimeout.String(),
		OverloadTimeout:  fabric.DefaultOverloadTimeout.String(),
		OverloadInterval: fabric.DefaultOverloadInterval.String(),
		TenantMode:       "none",
		Versions:         []string{},
		ReplicaCount:     pd.ReplicaCount,
		PlacementMode:    pd.PlacementMode,
		IPPool:           pd.IPPool,
		Output:           "yaml",
		LogLevel:         "info",
	}
	if bundle, err := fabric.DefaultBundlePath(); err == nil {
		if _, err := os.Stat(bundle); err == nil {
			defaults.Bundle = bundle
		}
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
