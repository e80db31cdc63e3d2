package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"pkt.systems/fabric/client"
	"pkt.systems/fabric/policy"
)

// typeFlags collects a volume type from the command line.
type typeFlags struct {
	file  string
	name  string
	specs map[string]string
	qos   map[string]string
}

func (f *typeFlags) register(flags *pflag.FlagSet, prefix string) {
	flags.StringVar(&f.file, prefix+"type-file", "", "YAML file holding a volume type (name, extra-specs, qos-specs)")
	flags.StringVar(&f.name, prefix+"type-name", "", "volume type name")
	flags.StringToStringVar(&f.specs, prefix+"spec", nil, "volume type extra spec (DF:key=value), repeatable")
	flags.StringToStringVar(&f.qos, prefix+"qos", nil, "volume type QoS spec (key=value), repeatable")
}

func (f *typeFlags) volumeType() (*policy.VolumeType, error) {
	if f.file == "" && f.name == "" && len(f.specs) == 0 && len(f.qos) == 0 {
		return nil, nil
	}
	vt := &policy.VolumeType{}
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("read volume type: %w", err)
		}
		if err := yaml.Unmarshal(data, vt); err != nil {
			return nil, fmt.Errorf("parse volume type %s: %w", f.file, err)
		}
	}
	if f.name != "" {
		vt.Name = f.name
	}
	if len(f.specs) > 0 && vt.ExtraSpecs == nil {
		vt.ExtraSpecs = make(map[string]string, len(f.specs))
	}
	for k, v := range f.specs {
		vt.ExtraSpecs[k] = v
	}
	if len(f.qos) > 0 && vt.QoSSpecs == nil {
		vt.QoSSpecs = make(map[string]string, len(f.qos))
	}
	for k, v := range f.qos {
		vt.QoSSpecs[k] = v
	}
	return vt, nil
}

// volumeFlags describes the volume an invocation acts on.
type volumeFlags struct {
	size  int
	owner string
	vt    typeFlags
}

func (f *volumeFlags) register(flags *pflag.FlagSet) {
	flags.IntVar(&f.size, "size", 0, "volume size in GiB")
	flags.StringVar(&f.owner, "owner", "", "owning project id (selects the tenant in owner tenant mode)")
	f.vt.register(flags, "")
}

func (f *volumeFlags) volume(id string) (client.Volume, error) {
	vt, err := f.vt.volumeType()
	if err != nil {
		return client.Volume{}, err
	}
	return client.Volume{ID: id, Size: f.size, Type: vt, OwnerID: f.owner}, nil
}

func newVolumeCommand(run *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "volume",
		Aliases: []string{"vol"},
		Short:   "Manage logical volumes",
	}
	cmd.AddCommand(
		newVolumeCreateCommand(run),
		newVolumeDeleteCommand(run),
		newVolumeExtendCommand(run),
		newVolumeCloneCommand(run),
		newVolumeFromSnapshotCommand(run),
		newVolumeAttachCommand(run),
		newVolumeDetachCommand(run),
		newVolumeRetypeCommand(run),
		newVolumeMetadataCommand(run),
		newVolumeManageCommand(run),
		newVolumeManageSizeCommand(run),
		newVolumeListManageableCommand(run),
		newVolumeUnmanageCommand(run),
	)
	return cmd
}

// volumeAction builds a command that runs fn against the volume named by the
// single positional argument.
func volumeAction(run *runner, use, short string, vf *volumeFlags, fn func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := vf.volume(args[0])
			if err != nil {
				return err
			}
			return run.with(cmd, func(ctx context.Context, cli *client.Client) error {
				return fn(ctx, cmd, cli, vol)
			})
		},
	}
	vf.register(cmd.Flags())
	return cmd
}

func newVolumeCreateCommand(run *runner) *cobra.Command {
	vf := &volumeFlags{}
	return volumeAction(run, "create <id>", "Create a volume and wait until it is available", vf,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			if err := requireSize(vol.Size); err != nil {
				return err
			}
			if err := cli.CreateVolume(ctx, vol); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created volume %s (%d GiB)\n", vol.ID, vol.Size)
			return nil
		})
}

func newVolumeDeleteCommand(run *runner) *cobra.Command {
	vf := &volumeFlags{}
	return volumeAction(run, "delete <id>", "Delete a volume (missing volumes are not an error)", vf,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			if err := cli.DeleteVolume(ctx, vol); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted volume %s\n", vol.ID)
			return nil
		})
}

func newVolumeExtendCommand(run *runner) *cobra.Command {
	vf := &volumeFlags{}
	var newSize int
	cmd := volumeAction(run, "extend <id>", "Grow a volume to --new-size GiB", vf,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			if err := requireSize(newSize); err != nil {
				return fmt.Errorf("--new-size: %w", err)
			}
			if err := cli.ExtendVolume(ctx, vol, newSize); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "extended volume %s to %d GiB\n", vol.ID, newSize)
			return nil
		})
	cmd.Flags().IntVar(&newSize, "new-size", 0, "target size in GiB")
	return cmd
}

func newVolumeCloneCommand(run *runner) *cobra.Command {
	vf := &volumeFlags{}
	var source client.Volume
	cmd := volumeAction(run, "clone <id>", "Create a volume as a copy of --source", vf,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			if source.ID == "" {
				return fmt.Errorf("--source is required")
			}
			if err := requireSize(vol.Size); err != nil {
				return err
			}
			if source.Size == 0 {
				source.Size = vol.Size
			}
			if source.OwnerID == "" {
				source.OwnerID = vol.OwnerID
			}
			if err := cli.CloneVolume(ctx, vol, source); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cloned volume %s from %s\n", vol.ID, source.ID)
			return nil
		})
	cmd.Flags().StringVar(&source.ID, "source", "", "logical id of the source volume")
	cmd.Flags().IntVar(&source.Size, "source-size", 0, "source volume size in GiB (defaults to --size)")
	return cmd
}

func newVolumeFromSnapshotCommand(run *runner) *cobra.Command {
	vf := &volumeFlags{}
	var snap client.Snapshot
	cmd := volumeAction(run, "from-snapshot <id>", "Create a volume from a snapshot", vf,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			if snap.ID == "" && snap.Timestamp == "" {
				return fmt.Errorf("--snapshot or --timestamp is required")
			}
			if snap.VolumeID == "" {
				return fmt.Errorf("--snapshot-volume is required")
			}
			if err := requireSize(vol.Size); err != nil {
				return err
			}
			if snap.OwnerID == "" {
				snap.OwnerID = vol.OwnerID
			}
			if err := cli.CreateVolumeFromSnapshot(ctx, vol, snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created volume %s from snapshot of %s\n", vol.ID, snap.VolumeID)
			return nil
		})
	cmd.Flags().StringVar(&snap.ID, "snapshot", "", "logical snapshot id")
	cmd.Flags().StringVar(&snap.Timestamp, "timestamp", "", "backend snapshot timestamp (skips the id lookup)")
	cmd.Flags().StringVar(&snap.VolumeID, "snapshot-volume", "", "logical id of the snapshot's parent volume")
	cmd.Flags().IntVar(&snap.VolumeSize, "snapshot-size", 0, "parent volume size in GiB at snapshot time")
	return cmd
}

func newVolumeAttachCommand(run *runner) *cobra.Command {
	vf := &volumeFlags{}
	var conn client.Connector
	cmd := volumeAction(run, "attach <id>", "Export a volume to a host and print its iSCSI target", vf,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			info, err := cli.Attach(ctx, vol, conn)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), info)
		})
	cmd.Flags().StringVar(&conn.Initiator, "initiator", "", "host initiator IQN (empty skips access control)")
	cmd.Flags().StringVar(&conn.IP, "ip", "", "host address used to select the access network")
	cmd.Flags().BoolVar(&conn.Multipath, "multipath", false, "report every portal")
	return cmd
}

func newVolumeDetachCommand(run *runner) *cobra.Command {
	vf := &volumeFlags{}
	return volumeAction(run, "detach <id>", "Take a volume offline and clear its access control", vf,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			if err := cli.Detach(ctx, vol); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "detached volume %s\n", vol.ID)
			return nil
		})
}

func newVolumeRetypeCommand(run *runner) *cobra.Command {
	vf := &volumeFlags{}
	next := &typeFlags{}
	cmd := volumeAction(run, "retype <id>", "Apply a new volume type (--new-spec, --new-qos) to a volume", vf,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			vt, err := next.volumeType()
			if err != nil {
				return err
			}
			if vt == nil {
				return fmt.Errorf("a new volume type is required")
			}
			if err := cli.Retype(ctx, vol, vt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retyped volume %s\n", vol.ID)
			return nil
		})
	next.register(cmd.Flags(), "new-")
	return cmd
}

func newVolumeMetadataCommand(run *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Read or replace volume metadata",
	}
	getFlags := &volumeFlags{}
	cmd.AddCommand(volumeAction(run, "get <id>", "Print volume metadata", getFlags,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			md, err := cli.GetMetadata(ctx, vol)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), md)
		}))

	setFlags := &volumeFlags{}
	var pairs map[string]string
	set := volumeAction(run, "set <id>", "Replace volume metadata with --set key=value pairs", setFlags,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			md := make(map[string]string, len(pairs))
			for k, v := range pairs {
				if strings.TrimSpace(k) == "" {
					return fmt.Errorf("metadata keys must not be empty")
				}
				md[k] = v
			}
			if err := cli.UpdateMetadata(ctx, vol, md); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated metadata of volume %s (%d keys)\n", vol.ID, len(md))
			return nil
		})
	set.Flags().StringToStringVar(&pairs, "set", nil, "metadata entry key=value, repeatable")
	cmd.AddCommand(set)
	return cmd
}

func newVolumeManageCommand(run *runner) *cobra.Command {
	vf := &volumeFlags{}
	var ref string
	cmd := volumeAction(run, "manage <id>", "Adopt an existing backend volume under a logical id", vf,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			if err := cli.Manage(ctx, client.ManageRequest{Volume: vol, Reference: ref}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "managed %s as volume %s\n", ref, vol.ID)
			return nil
		})
	cmd.Flags().StringVar(&ref, "ref", "", "backend reference ([tenant:]app:storage:volume)")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func newVolumeManageSizeCommand(run *runner) *cobra.Command {
	var ref, owner string
	cmd := &cobra.Command{
		Use:   "manage-size",
		Short: "Print the size in GiB of a backend volume that could be managed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run.with(cmd, func(ctx context.Context, cli *client.Client) error {
				size, err := cli.ManageGetSize(ctx, client.ManageRequest{Volume: client.Volume{OwnerID: owner}, Reference: ref})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", size)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "backend reference ([tenant:]app:storage:volume)")
	cmd.Flags().StringVar(&owner, "owner", "", "owning project id")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func newVolumeListManageableCommand(run *runner) *cobra.Command {
	var q client.ManageableQuery
	cmd := &cobra.Command{
		Use:   "list-manageable",
		Short: "List backend volumes and whether they can be managed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run.with(cmd, func(ctx context.Context, cli *client.Client) error {
				vols, err := cli.ListManageable(ctx, q)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), vols)
			})
		},
	}
	cmd.Flags().StringVar(&q.OwnerID, "owner", "", "owning project id (selects the tenant in owner tenant mode)")
	cmd.Flags().StringSliceVar(&q.ManagedIDs, "managed", nil, "logical ids already managed by the caller")
	return cmd
}

func newVolumeUnmanageCommand(run *runner) *cobra.Command {
	vf := &volumeFlags{}
	return volumeAction(run, "unmanage <id>", "Release a volume from management without deleting it", vf,
		func(ctx context.Context, cmd *cobra.Command, cli *client.Client, vol client.Volume) error {
			if err := cli.Unmanage(ctx, vol); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unmanaged volume %s\n", vol.ID)
			return nil
		})
}
