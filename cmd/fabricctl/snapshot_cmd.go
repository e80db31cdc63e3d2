package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pkt.systems/fabric/client"
)

type snapshotFlags struct {
	snap client.Snapshot
}

func (f *snapshotFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.snap.VolumeID, "volume", "", "logical id of the parent volume")
	flags.IntVar(&f.snap.VolumeSize, "volume-size", 0, "parent volume size in GiB")
	flags.StringVar(&f.snap.OwnerID, "owner", "", "owning project id")
	flags.StringVar(&f.snap.Timestamp, "timestamp", "", "backend snapshot timestamp (skips the id lookup)")
}

func newSnapshotCommand(run *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"snap"},
		Short:   "Manage volume snapshots",
	}
	cmd.AddCommand(newSnapshotCreateCommand(run), newSnapshotDeleteCommand(run))
	return cmd
}

func newSnapshotCreateCommand(run *runner) *cobra.Command {
	f := &snapshotFlags{}
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Snapshot a volume and wait until the snapshot is available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap := f.snap
			snap.ID = args[0]
			if snap.VolumeID == "" {
				return fmt.Errorf("--volume is required")
			}
			return run.with(cmd, func(ctx context.Context, cli *client.Client) error {
				created, err := cli.CreateSnapshot(ctx, snap)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), map[string]string{
					"id":        created.ID,
					"volume":    created.VolumeID,
					"timestamp": created.Timestamp,
				})
			})
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func newSnapshotDeleteCommand(run *runner) *cobra.Command {
	f := &snapshotFlags{}
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a snapshot (missing snapshots are not an error)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap := f.snap
			snap.ID = args[0]
			if snap.VolumeID == "" {
				return fmt.Errorf("--volume is required")
			}
			return run.with(cmd, func(ctx context.Context, cli *client.Client) error {
				if err := cli.DeleteSnapshot(ctx, snap); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted snapshot %s\n", snap.ID)
				return nil
			})
		},
	}
	f.register(cmd.Flags())
	return cmd
}
