package client

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/resource"
)

// Manage adopts the backend volume named by req.Reference as req.Volume by
// renaming its app instance to the managed name.
func (c *Client) Manage(ctx context.Context, req ManageRequest) error {
	_, err := invoke[ManageRequest, none](ctx, c, OpManage, req)
	return err
}

// ManageGetSize returns the size in GiB of the volume named by
// req.Reference.
func (c *Client) ManageGetSize(ctx context.Context, req ManageRequest) (int, error) {
	return invoke[ManageRequest, int](ctx, c, OpManageGetSize, req)
}

// ListManageable reports every app instance visible in the query's tenant
// and whether it can be adopted with Manage.
func (c *Client) ListManageable(ctx context.Context, q ManageableQuery) ([]ManageableVolume, error) {
	return invoke[ManageableQuery, []ManageableVolume](ctx, c, OpListManageable, q)
}

// Unmanage releases vol by renaming its app instance out of the managed
// namespace. The backend resources are kept.
func (c *Client) Unmanage(ctx context.Context, vol Volume) error {
	_, err := invoke[Volume, none](ctx, c, OpUnmanage, vol)
	return err
}

// volumeRef is a parsed manage reference.
type volumeRef struct {
	tenant    resource.Tenant
	hasTenant bool
	path      resource.Path
}

// parseReference accepts "app:storage:volume" and, on 2.1 and newer,
// "tenant:app:storage:volume". The tenant "root" addresses the top level.
func (s *scope) parseReference(raw string) (volumeRef, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if slices.ContainsFunc(parts, isDotSegment) {
		return volumeRef{}, fmt.Errorf("%w %q: dot segment", ErrInvalidReference, raw)
	}
	var ref volumeRef
	switch {
	case len(parts) == 3:
	case len(parts) == 4 && !s.legacy():
		tenant := parts[0]
		parts = parts[1:]
		ref.hasTenant = true
		if tenant != resource.RootTenant {
			ref.tenant = resource.ParseTenant(tenant)
		}
	default:
		return volumeRef{}, fmt.Errorf("%w %q: want app:storage:volume", ErrInvalidReference, raw)
	}
	if slices.Contains(parts, "") {
		return volumeRef{}, fmt.Errorf("%w %q: empty segment", ErrInvalidReference, raw)
	}
	ref.path = resource.Path{AppInstance: parts[0], StorageInstance: parts[1], Volume: parts[2]}
	return ref, nil
}

func isDotSegment(part string) bool {
	return part == "." || part == ".."
}

// referenceTenant returns the tenant named by ref, or the volume owner's.
func (s *scope) referenceTenant(ctx context.Context, ref volumeRef, ownerID string) (resource.Tenant, error) {
	if ref.hasTenant {
		return ref.tenant, nil
	}
	return s.tenant(ctx, ownerID)
}

func manage(ctx context.Context, s *scope, req ManageRequest) (none, error) {
	vol := req.Volume
	if err := requireID("volume", vol.ID); err != nil {
		return none{}, err
	}
	ref, err := s.parseReference(req.Reference)
	if err != nil {
		return none{}, err
	}
	t, err := s.referenceTenant(ctx, ref, vol.OwnerID)
	if err != nil {
		return none{}, err
	}
	name := resource.ManagedName(vol.ID)
	if _, err := s.put(ctx, t, ref.path.AppInstancePath().String(), api.AppInstanceUpdate{Name: name}); err != nil {
		return none{}, err
	}
	s.logger.Info("client.volume.managed", "volume", vol.ID, "reference", req.Reference, "name", name)
	return none{}, nil
}

func manageGetSize(ctx context.Context, s *scope, req ManageRequest) (int, error) {
	ref, err := s.parseReference(req.Reference)
	if err != nil {
		return 0, err
	}
	t, err := s.referenceTenant(ctx, ref, req.Volume.OwnerID)
	if err != nil {
		return 0, err
	}
	ai, err := s.getAppInstance(ctx, t, ref.path)
	if err != nil {
		return 0, err
	}
	for _, si := range ai.StorageInstances {
		if si.Name != ref.path.StorageInstance {
			continue
		}
		for _, vol := range si.Volumes {
			if vol.Name == ref.path.Volume {
				return vol.Size, nil
			}
		}
	}
	return 0, &api.Error{
		Kind:    api.ErrNotFound,
		Path:    ref.path.String(),
		Message: fmt.Sprintf("volume %s not found in app instance %s", ref.path.Volume, ai.Name),
	}
}

func listManageable(ctx context.Context, s *scope, q ManageableQuery) ([]ManageableVolume, error) {
	var t resource.Tenant
	if q.OwnerID != "" || s.tenants.Mode() != resource.TenantOwner {
		var err error
		if t, err = s.tenant(ctx, q.OwnerID); err != nil {
			return nil, err
		}
	}
	instances, err := s.listAppInstances(ctx, t)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if !s.legacy() && t.Scoped() && !t.Root() {
		prefix = t.Name + ":"
	}
	out := make([]ManageableVolume, 0, len(instances))
	for _, ai := range instances {
		out = append(out, manageable(ai, prefix, q.ManagedIDs))
	}
	s.logger.Debug("client.manageable.listed", "tenant", t.String(), "count", len(out))
	return out, nil
}

func manageable(ai api.AppInstance, prefix string, managedIDs []string) ManageableVolume {
	entry := ManageableVolume{}
	id, named := resource.LogicalID(ai.Name)
	if named {
		entry.LogicalID = id
	}
	var si api.StorageInstance
	var vol api.Volume
	if len(ai.StorageInstances) > 0 {
		si = ai.StorageInstances[0]
		if len(si.Volumes) > 0 {
			vol = si.Volumes[0]
		}
	}
	entry.Reference = prefix + strings.Join([]string{ai.Name, si.Name, vol.Name}, ":")
	entry.Size = vol.Size
	for _, snap := range vol.Snapshots {
		ts := snap.UTCTimestamp
		if ts == "" {
			ts = snap.Timestamp
		}
		entry.Snapshots = append(entry.Snapshots, ManagedSnapshot{Timestamp: ts, UUID: snap.UUID})
	}
	switch {
	case named && (len(managedIDs) == 0 || slices.Contains(managedIDs, id)):
		entry.ReasonNotSafe = "app instance already managed"
	case len(ai.StorageInstances) != 1 || len(si.Volumes) != 1:
		entry.ReasonNotSafe = "app instance has more than one storage instance or volume"
	default:
		entry.SafeToManage = true
	}
	return entry
}

func unmanage(ctx context.Context, s *scope, vol Volume) (none, error) {
	if err := requireID("volume", vol.ID); err != nil {
		return none{}, err
	}
	t, err := s.tenant(ctx, vol.OwnerID)
	if err != nil {
		return none{}, err
	}
	name := resource.UnmanagedName(vol.ID)
	path := resource.ForVolume(vol.ID).AppInstancePath().String()
	if _, err := s.put(ctx, t, path, api.AppInstanceUpdate{Name: name}); err != nil {
		return none{}, err
	}
	s.logger.Info("client.volume.unmanaged", "volume", vol.ID, "name", name)
	return none{}, nil
}
