package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/client"
	"pkt.systems/fabric/policy"
)

type versionsView struct {
	Versions   []string          `json:"versions" yaml:"versions"`
	Operations map[string]string `json:"operations" yaml:"operations"`
}

func newVersionsCommand(run *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List negotiated API versions and the version serving each operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run.with(cmd, func(ctx context.Context, cli *client.Client) error {
				versions, err := cli.Versions(ctx)
				if err != nil {
					return err
				}
				view := versionsView{Operations: make(map[string]string)}
				for _, v := range versions {
					view.Versions = append(view.Versions, v.String())
				}
				for _, op := range client.Operations() {
					v, err := cli.Supports(ctx, op)
					switch {
					case err == nil:
						view.Operations[string(op)] = v.String()
					case errors.Is(err, api.ErrUnsupportedOperation):
						view.Operations[string(op)] = "unsupported"
					default:
						return err
					}
				}
				return printValue(cmd.OutOrStdout(), view)
			})
		},
	}
}

type statsView struct {
	client.Stats `yaml:",inline"`
	Total        string `json:"total" yaml:"total"`
	Available    string `json:"available" yaml:"available"`
}

func newStatsCommand(run *runner) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show backend capacity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run.with(cmd, func(ctx context.Context, cli *client.Client) error {
				st, err := cli.GetStats(ctx, refresh)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), statsView{
					Stats:     st,
					Total:     humanizeBytes(st.TotalCapacity),
					Available: humanizeBytes(st.AvailableCapacity),
				})
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", true, "query the backend instead of returning cached stats")
	return cmd
}

type propertyView struct {
	Key         string `json:"key" yaml:"key"`
	Title       string `json:"title" yaml:"title"`
	Kind        string `json:"kind" yaml:"kind"`
	Default     any    `json:"default" yaml:"default"`
	Minimum     *int   `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Description string `json:"description" yaml:"description"`
}

func newPropertiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "properties",
		Short: "List volume type properties with their effective defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			props := policy.Properties(policyDefaults())
			views := make([]propertyView, 0, len(props))
			for _, p := range props {
				views = append(views, propertyView{
					Key:         p.ScopedName(),
					Title:       p.Title,
					Kind:        string(p.Kind),
					Default:     p.Default,
					Minimum:     p.Minimum,
					Description: p.Description,
				})
			}
			return printValue(cmd.OutOrStdout(), views)
		},
	}
}

func humanizeBytes(v int64) string {
	if v <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(v))
}

func requireSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("--size must be a positive number of GiB")
	}
	return nil
}
