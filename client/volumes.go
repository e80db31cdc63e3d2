package client

import (
	"context"
	"fmt"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/resource"
	"pkt.systems/fabric/policy"
)

// CreateVolume provisions vol and waits until its storage instance is
// available.
func (c *Client) CreateVolume(ctx context.Context, vol Volume) error {
	_, err := invoke[Volume, none](ctx, c, OpCreateVolume, vol)
	return err
}

// DeleteVolume detaches and removes vol. A volume the backend does not know
// is treated as deleted.
func (c *Client) DeleteVolume(ctx context.Context, vol Volume) error {
	_, err := invoke[Volume, none](ctx, c, OpDeleteVolume, vol)
	return err
}

// ExtendVolume grows vol to newSize GiB. Shrinking and template-backed
// volumes are left untouched.
func (c *Client) ExtendVolume(ctx context.Context, vol Volume, newSize int) error {
	_, err := invoke[ExtendRequest, none](ctx, c, OpExtendVolume, ExtendRequest{Volume: vol, NewSize: newSize})
	return err
}

// CloneVolume creates vol as a copy of src, growing it when vol is larger.
func (c *Client) CloneVolume(ctx context.Context, vol, src Volume) error {
	_, err := invoke[CloneRequest, none](ctx, c, OpCloneVolume, CloneRequest{Volume: vol, Source: src})
	return err
}

// CreateVolumeFromSnapshot creates vol from snap, growing it when vol is
// larger than the snapshot's volume.
func (c *Client) CreateVolumeFromSnapshot(ctx context.Context, vol Volume, snap Snapshot) error {
	_, err := invoke[SnapshotCloneRequest, none](ctx, c, OpCreateVolumeFromSnapshot, SnapshotCloneRequest{Volume: vol, Snapshot: snap})
	return err
}

// Retype applies newType to vol in place.
func (c *Client) Retype(ctx context.Context, vol Volume, newType *policy.VolumeType) error {
	_, err := invoke[RetypeRequest, none](ctx, c, OpRetype, RetypeRequest{Volume: vol, NewType: newType})
	return err
}

func createVolume(ctx context.Context, s *scope, vol Volume) (none, error) {
	if err := requireID("volume", vol.ID); err != nil {
		return none{}, err
	}
	pol := s.resolver.Resolve(vol.Type)
	tmpl := pol.Template()
	if tmpl == "" && vol.Size <= 0 {
		return none{}, fmt.Errorf("client: volume %s: size must be positive", vol.ID)
	}
	t, err := s.tenant(ctx, vol.OwnerID)
	if err != nil {
		return none{}, err
	}
	req := api.CreateAppInstanceRequest{
		CreateMode: createMode,
		Name:       resource.ManagedName(vol.ID),
	}
	if tmpl != "" {
		req.AppTemplate = &api.PathRef{Path: "/" + resource.Template(tmpl)}
	} else {
		req.UUID = vol.ID
		req.AccessControlMode = "deny_all"
		spec := api.StorageInstanceSpec{
			Name: policy.DefaultStorageName,
			Volumes: []api.VolumeSpec{{
				Name:             policy.DefaultVolumeName,
				Size:             vol.Size,
				ReplicaCount:     pol.ReplicaCount(),
				SnapshotPolicies: []any{},
			}},
		}
		if !s.legacy() {
			spec.IPPool = &api.PathRef{Path: "/" + resource.IPPool(s.pickIPPool(pol))}
			spec.Volumes[0].PlacementMode = pol.PlacementMode()
		}
		req.StorageInstances = []api.StorageInstanceSpec{spec}
	}
	if err := s.createAppInstance(ctx, t, req); err != nil {
		return none{}, err
	}
	p, err := s.volumePath(ctx, t, vol.ID, pol)
	if err != nil {
		return none{}, err
	}
	if err := s.updateQoS(ctx, t, p, vol.Size, pol, false); err != nil {
		return none{}, err
	}
	if err := s.awaitStorageInstance(ctx, t, p); err != nil {
		return none{}, err
	}
	s.logger.Info("client.volume.created", "volume", vol.ID, "size", vol.Size, "tenant", t.String(), "template", tmpl)
	return none{}, nil
}

func deleteVolume(ctx context.Context, s *scope, vol Volume) (none, error) {
	if err := requireID("volume", vol.ID); err != nil {
		return none{}, err
	}
	if _, err := detach(ctx, s, vol); err != nil {
		return none{}, err
	}
	t, err := s.tenant(ctx, vol.OwnerID)
	if err != nil {
		return none{}, err
	}
	err = s.remove(ctx, t, resource.ForVolume(vol.ID).AppInstancePath().String())
	if err := s.ignoreNotFound(err, "client.volume.delete_missing", "volume", vol.ID); err != nil {
		return none{}, err
	}
	s.logger.Info("client.volume.deleted", "volume", vol.ID)
	return none{}, nil
}

func extendVolume(ctx context.Context, s *scope, req ExtendRequest) (none, error) {
	vol := req.Volume
	if err := requireID("volume", vol.ID); err != nil {
		return none{}, err
	}
	if req.NewSize <= vol.Size {
		s.logger.Warn("client.volume.extend_skipped", "volume", vol.ID, "size", vol.Size, "new_size", req.NewSize, "reason", "not larger")
		return none{}, nil
	}
	pol := s.resolver.Resolve(vol.Type)
	if tmpl := pol.Template(); tmpl != "" {
		s.logger.Warn("client.volume.extend_skipped", "volume", vol.ID, "template", tmpl, "reason", "template bound")
		return none{}, nil
	}
	t, err := s.tenant(ctx, vol.OwnerID)
	if err != nil {
		return none{}, err
	}
	p := resource.ForVolume(vol.ID)
	err = s.offlineFlip(ctx, t, p, func() error {
		_, err := s.put(ctx, t, p.VolumePath().String(), api.VolumeUpdate{Size: req.NewSize})
		return err
	})
	if err != nil {
		return none{}, err
	}
	if err := s.updateQoS(ctx, t, p, req.NewSize, pol, false); err != nil {
		return none{}, err
	}
	s.logger.Info("client.volume.extended", "volume", vol.ID, "size", vol.Size, "new_size", req.NewSize)
	return none{}, nil
}

func cloneVolume(ctx context.Context, s *scope, req CloneRequest) (none, error) {
	vol, src := req.Volume, req.Source
	if err := requireID("volume", vol.ID); err != nil {
		return none{}, err
	}
	if err := requireID("source volume", src.ID); err != nil {
		return none{}, err
	}
	t, err := s.tenant(ctx, vol.OwnerID)
	if err != nil {
		return none{}, err
	}
	srcPath, err := s.layout(ctx, t, src.ID)
	if err != nil {
		return none{}, fmt.Errorf("clone source %s: %w", src.ID, err)
	}
	create := api.CreateAppInstanceRequest{
		CreateMode: createMode,
		Name:       resource.ManagedName(vol.ID),
		UUID:       vol.ID,
	}
	s.cloneSource(&create, srcPath.VolumePath().Absolute(), false)
	if err := s.finishClone(ctx, t, vol, create, src.Size); err != nil {
		return none{}, err
	}
	s.logger.Info("client.volume.cloned", "volume", vol.ID, "source", src.ID)
	return none{}, nil
}

func createVolumeFromSnapshot(ctx context.Context, s *scope, req SnapshotCloneRequest) (none, error) {
	vol, snap := req.Volume, req.Snapshot
	if err := requireID("volume", vol.ID); err != nil {
		return none{}, err
	}
	if err := requireID("snapshot volume", snap.VolumeID); err != nil {
		return none{}, err
	}
	t, err := s.tenant(ctx, vol.OwnerID)
	if err != nil {
		return none{}, err
	}
	snapPath, err := s.findSnapshot(ctx, t, snap)
	if err != nil {
		return none{}, err
	}
	if err := s.awaitSnapshot(ctx, t, snapPath); err != nil {
		return none{}, err
	}
	create := api.CreateAppInstanceRequest{
		CreateMode: createMode,
		Name:       resource.ManagedName(vol.ID),
		UUID:       vol.ID,
	}
	s.cloneSource(&create, snapPath.Absolute(), true)
	if err := s.finishClone(ctx, t, vol, create, snap.VolumeSize); err != nil {
		return none{}, err
	}
	s.logger.Info("client.volume.from_snapshot", "volume", vol.ID, "snapshot", snapPath.Snapshot)
	return none{}, nil
}

// finishClone creates the clone, waits for it and grows it to vol.Size when
// the source was smaller.
func (s *scope) finishClone(ctx context.Context, t resource.Tenant, vol Volume, create api.CreateAppInstanceRequest, sourceSize int) error {
	if err := s.createAppInstance(ctx, t, create); err != nil {
		return err
	}
	p, err := s.layout(ctx, t, vol.ID)
	if err != nil {
		return err
	}
	if err := s.awaitStorageInstance(ctx, t, p); err != nil {
		return err
	}
	if vol.Size <= sourceSize {
		return nil
	}
	grown := vol
	grown.Size = sourceSize
	_, err = extendVolume(ctx, s, ExtendRequest{Volume: grown, NewSize: vol.Size})
	return err
}

func retype(ctx context.Context, s *scope, req RetypeRequest) (none, error) {
	vol := req.Volume
	if err := requireID("volume", vol.ID); err != nil {
		return none{}, err
	}
	oldPol := s.resolver.Resolve(vol.Type)
	newPol := s.resolver.Resolve(req.NewType)
	if oldPol.Template() != "" || newPol.Template() != "" {
		s.logger.Warn("client.volume.retype_template", "volume", vol.ID, "old_template", oldPol.Template(), "new_template", newPol.Template())
	}
	t, err := s.tenant(ctx, vol.OwnerID)
	if err != nil {
		return none{}, err
	}
	p, err := s.volumePath(ctx, t, vol.ID, oldPol)
	if err != nil {
		return none{}, err
	}
	if err := s.updateQoS(ctx, t, p, vol.Size, newPol, true); err != nil {
		return none{}, err
	}
	update := api.VolumeUpdate{
		PlacementMode: newPol.PlacementMode(),
		ReplicaCount:  newPol.ReplicaCount(),
	}
	if _, err := s.put(ctx, t, p.VolumePath().String(), update); err != nil {
		return none{}, err
	}
	s.logger.Info("client.volume.retyped", "volume", vol.ID, "type", newPol.TypeName(), "changed", !oldPol.Equal(newPol))
	return none{}, nil
}
