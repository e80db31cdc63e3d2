package api

import (
	"maps"
	"slices"
)

// Revision 2 keys every nested collection by name. The types below decode that
// shape and convert it to the list-shaped records used everywhere else.

// LegacyAppInstance is the revision 2 app instance.
type LegacyAppInstance struct {
	Name             string                            `json:"name"`
	ID               string                            `json:"id,omitempty"`
	Path             string                            `json:"path,omitempty"`
	AdminState       string                            `json:"admin_state,omitempty"`
	AppTemplate      *PathRef                          `json:"app_template,omitempty"`
	StorageInstances map[string]LegacyStorageInstance `json:"storage_instances,omitempty"`
}

// LegacyStorageInstance is the revision 2 storage instance.
type LegacyStorageInstance struct {
	Name       string                  `json:"name"`
	Path       string                  `json:"path,omitempty"`
	AdminState string                  `json:"admin_state,omitempty"`
	OpState    string                  `json:"op_state,omitempty"`
	Access     Access                  `json:"access"`
	Volumes    map[string]LegacyVolume `json:"volumes,omitempty"`
}

// LegacyVolume is the revision 2 volume.
type LegacyVolume struct {
	Name         string              `json:"name"`
	UUID         string              `json:"uuid,omitempty"`
	Path         string              `json:"path,omitempty"`
	Size         int                 `json:"size"`
	ReplicaCount int                 `json:"replica_count,omitempty"`
	OpState      string              `json:"op_state,omitempty"`
	Snapshots    map[string]Snapshot `json:"snapshots,omitempty"`
}

// LegacyCreateAppInstanceRequest is the revision 2 create body.
type LegacyCreateAppInstanceRequest struct {
	CreateMode        string                               `json:"create_mode,omitempty"`
	UUID              string                               `json:"uuid,omitempty"`
	Name              string                               `json:"name"`
	AccessControlMode string                               `json:"access_control_mode,omitempty"`
	AppTemplate       *PathRef                             `json:"app_template,omitempty"`
	StorageInstances  map[string]LegacyStorageInstanceSpec `json:"storage_instances,omitempty"`
	CloneSrc          string                               `json:"clone_src,omitempty"`
}

// LegacyStorageInstanceSpec is the revision 2 storage instance create body.
type LegacyStorageInstanceSpec struct {
	Name    string                      `json:"name"`
	Volumes map[string]LegacyVolumeSpec `json:"volumes"`
}

// LegacyVolumeSpec is the revision 2 volume create body.
type LegacyVolumeSpec struct {
	Name             string         `json:"name"`
	Size             int            `json:"size"`
	ReplicaCount     int            `json:"replica_count"`
	SnapshotPolicies map[string]any `json:"snapshot_policies"`
}

// Current converts the revision 2 record to the list-shaped form. Collections
// are ordered by key.
func (a LegacyAppInstance) Current() AppInstance {
	out := AppInstance{
		Name:        a.Name,
		ID:          a.ID,
		Path:        a.Path,
		AdminState:  a.AdminState,
		AppTemplate: a.AppTemplate,
	}
	for _, key := range slices.Sorted(maps.Keys(a.StorageInstances)) {
		out.StorageInstances = append(out.StorageInstances, a.StorageInstances[key].Current())
	}
	return out
}

// Current converts the revision 2 record to the list-shaped form.
func (s LegacyStorageInstance) Current() StorageInstance {
	out := StorageInstance{
		Name:       s.Name,
		Path:       s.Path,
		AdminState: s.AdminState,
		OpState:    s.OpState,
		Access:     s.Access,
	}
	for _, key := range slices.Sorted(maps.Keys(s.Volumes)) {
		out.Volumes = append(out.Volumes, s.Volumes[key].Current())
	}
	return out
}

// Current converts the revision 2 record to the list-shaped form.
func (v LegacyVolume) Current() Volume {
	out := Volume{
		Name:         v.Name,
		UUID:         v.UUID,
		Path:         v.Path,
		Size:         v.Size,
		ReplicaCount: v.ReplicaCount,
		OpState:      v.OpState,
	}
	for _, key := range slices.Sorted(maps.Keys(v.Snapshots)) {
		snap := v.Snapshots[key]
		if snap.Timestamp == "" {
			snap.Timestamp = key
		}
		out.Snapshots = append(out.Snapshots, snap)
	}
	return out
}

// Legacy converts a list-shaped create request to the revision 2 body.
func (r CreateAppInstanceRequest) Legacy() LegacyCreateAppInstanceRequest {
	out := LegacyCreateAppInstanceRequest{
		CreateMode:        r.CreateMode,
		UUID:              r.UUID,
		Name:              r.Name,
		AccessControlMode: r.AccessControlMode,
		AppTemplate:       r.AppTemplate,
		CloneSrc:          r.CloneSrc,
	}
	if len(r.StorageInstances) > 0 {
		out.StorageInstances = make(map[string]LegacyStorageInstanceSpec, len(r.StorageInstances))
		for _, si := range r.StorageInstances {
			spec := LegacyStorageInstanceSpec{Name: si.Name, Volumes: make(map[string]LegacyVolumeSpec, len(si.Volumes))}
			for _, vol := range si.Volumes {
				spec.Volumes[vol.Name] = LegacyVolumeSpec{
					Name:             vol.Name,
					Size:             vol.Size,
					ReplicaCount:     vol.ReplicaCount,
					SnapshotPolicies: map[string]any{},
				}
			}
			out.StorageInstances[si.Name] = spec
		}
	}
	return out
}
