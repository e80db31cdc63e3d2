package api

// LoginRequest models the JSON payload for PUT /v{n}/login.
type LoginRequest struct {
	// Name is the account name.
	Name string `json:"name"`
	// Password is the account secret. Never logged.
	Password string `json:"password"`
}

// LoginResponse carries the session token issued by a successful login.
type LoginResponse struct {
	// Key is the session token sent back in the Auth-Token header.
	Key string `json:"key"`
}

// VersionsResponse models GET /api_versions.
type VersionsResponse struct {
	// APIVersions lists the revisions served by the backend ("v2.1", "v2.2").
	APIVersions []string `json:"api_versions"`
}

// ErrorResponse is the error envelope returned by the backend.
type ErrorResponse struct {
	// Name is the backend error class, for example "UnsupportedVersionError".
	Name string `json:"name,omitempty"`
	// Code is the backend specific error code, when present.
	Code any `json:"code,omitempty"`
	// HTTP is the status code echoed by the backend.
	HTTP int `json:"http,omitempty"`
	// Message is a human readable description.
	Message string `json:"message,omitempty"`
	// Errors carries additional validation messages.
	Errors []string `json:"errors,omitempty"`
}

// Envelope wraps payloads returned by revisions 2.1 and newer.
type Envelope[T any] struct {
	// Data is the payload.
	Data T `json:"data"`
	// Tenant echoes the tenant that served the request.
	Tenant string `json:"tenant,omitempty"`
	// Path echoes the resource path.
	Path string `json:"path,omitempty"`
}

// PathRef references another resource by path.
type PathRef struct {
	// Path is the absolute resource path, for example "/app_templates/gold".
	Path string `json:"path"`
}

// Tenant models a tenant record.
type Tenant struct {
	// Name is the tenant name without the "/root" prefix.
	Name string `json:"name"`
	// Path is the tenant path, for example "/root/OS-abc".
	Path string `json:"path,omitempty"`
}

// AppInstance is the top-level provisioning unit. A logical volume maps to
// one app instance holding one storage instance holding one volume.
type AppInstance struct {
	// Name is the app instance name ("OS-<id>" for managed volumes).
	Name string `json:"name"`
	// ID is the backend identifier.
	ID string `json:"id,omitempty"`
	// Path is the resource path.
	Path string `json:"path,omitempty"`
	// Descr is a free-form description.
	Descr string `json:"descr,omitempty"`
	// AdminState is "online" or "offline".
	AdminState string `json:"admin_state,omitempty"`
	// AppTemplate references the template the instance was created from.
	AppTemplate *PathRef `json:"app_template,omitempty"`
	// StorageInstances are the export targets of the app instance.
	StorageInstances []StorageInstance `json:"storage_instances,omitempty"`
}

// StorageInstance is an export target within an app instance.
type StorageInstance struct {
	// Name is the storage instance name ("storage-1" by default).
	Name string `json:"name"`
	// Path is the resource path.
	Path string `json:"path,omitempty"`
	// AdminState is "online" or "offline".
	AdminState string `json:"admin_state,omitempty"`
	// OpState is the convergence state; "available" once provisioned.
	OpState string `json:"op_state,omitempty"`
	// Access describes the iSCSI target, populated once online.
	Access Access `json:"access"`
	// IPPool references the access network pool in use.
	IPPool *PathRef `json:"ip_pool,omitempty"`
	// Volumes are the volumes exported by the storage instance.
	Volumes []Volume `json:"volumes,omitempty"`
}

// Access describes how initiators reach a storage instance.
type Access struct {
	// IQN is the target IQN.
	IQN string `json:"iqn,omitempty"`
	// IPs are the portal addresses.
	IPs []string `json:"ips,omitempty"`
}

// Volume is a block volume inside a storage instance.
type Volume struct {
	// Name is the volume name ("volume-1" by default).
	Name string `json:"name"`
	// UUID is the caller supplied identifier, when set.
	UUID string `json:"uuid,omitempty"`
	// Path is the resource path.
	Path string `json:"path,omitempty"`
	// Size is the capacity in GiB.
	Size int `json:"size"`
	// ReplicaCount is the number of replicas.
	ReplicaCount int `json:"replica_count,omitempty"`
	// PlacementMode selects media placement (2.2+).
	PlacementMode string `json:"placement_mode,omitempty"`
	// OpState is the convergence state.
	OpState string `json:"op_state,omitempty"`
	// Snapshots lists the volume snapshots, when expanded.
	Snapshots []Snapshot `json:"snapshots,omitempty"`
}

// Snapshot is a point-in-time copy of a volume.
type Snapshot struct {
	// Timestamp addresses the snapshot below its volume.
	Timestamp string `json:"timestamp"`
	// UTCTimestamp is the creation timestamp reported by 2.2+.
	UTCTimestamp string `json:"utc_ts,omitempty"`
	// UUID is the caller supplied identifier.
	UUID string `json:"uuid,omitempty"`
	// Path is the resource path.
	Path string `json:"path,omitempty"`
	// OpState is the convergence state; "available" once complete.
	OpState string `json:"op_state,omitempty"`
}

// AppTemplate models an app template.
type AppTemplate struct {
	// Name is the template name.
	Name string `json:"name"`
	// Path is the resource path.
	Path string `json:"path,omitempty"`
	// StorageTemplates describe the storage instances created from the template.
	StorageTemplates []StorageTemplate `json:"storage_templates,omitempty"`
}

// StorageTemplate is the storage-instance portion of an app template.
type StorageTemplate struct {
	// Name is the storage instance name the template produces.
	Name string `json:"name"`
	// VolumeTemplates describe the volumes the template produces.
	VolumeTemplates []VolumeTemplate `json:"volume_templates,omitempty"`
}

// VolumeTemplate is the volume portion of a storage template.
type VolumeTemplate struct {
	// Name is the volume name the template produces.
	Name string `json:"name"`
}

// CreateAppInstanceRequest models POST app_instances.
type CreateAppInstanceRequest struct {
	// CreateMode tags the creating integration.
	CreateMode string `json:"create_mode,omitempty"`
	// UUID is the caller supplied identifier.
	UUID string `json:"uuid,omitempty"`
	// Name is the app instance name.
	Name string `json:"name"`
	// AccessControlMode is "deny_all" for fresh volumes.
	AccessControlMode string `json:"access_control_mode,omitempty"`
	// AppTemplate creates the instance from a template instead of StorageInstances.
	AppTemplate *PathRef `json:"app_template,omitempty"`
	// StorageInstances describe the layout to create.
	StorageInstances []StorageInstanceSpec `json:"storage_instances,omitempty"`
	// CloneSrc is the revision 2 clone source path.
	CloneSrc string `json:"clone_src,omitempty"`
	// CloneVolumeSrc is the volume clone source on 2.1 and newer.
	CloneVolumeSrc *PathRef `json:"clone_volume_src,omitempty"`
	// CloneSnapshotSrc is the snapshot clone source on 2.1 and newer.
	CloneSnapshotSrc *PathRef `json:"clone_snapshot_src,omitempty"`
}

// StorageInstanceSpec describes a storage instance to create.
type StorageInstanceSpec struct {
	// Name is the storage instance name.
	Name string `json:"name"`
	// IPPool selects the access network pool (2.1+).
	IPPool *PathRef `json:"ip_pool,omitempty"`
	// Volumes describe the volumes to create.
	Volumes []VolumeSpec `json:"volumes"`
}

// VolumeSpec describes a volume to create.
type VolumeSpec struct {
	// Name is the volume name.
	Name string `json:"name"`
	// Size is the capacity in GiB.
	Size int `json:"size"`
	// ReplicaCount is the number of replicas.
	ReplicaCount int `json:"replica_count"`
	// PlacementMode selects media placement (2.2+).
	PlacementMode string `json:"placement_mode,omitempty"`
	// SnapshotPolicies is always sent empty.
	SnapshotPolicies []any `json:"snapshot_policies"`
}

// AppInstanceUpdate models PUT on an app instance.
type AppInstanceUpdate struct {
	// Name renames the app instance.
	Name string `json:"name,omitempty"`
	// AdminState switches the instance online or offline.
	AdminState string `json:"admin_state,omitempty"`
	// Force forces an offline transition with active sessions.
	Force bool `json:"force,omitempty"`
}

// VolumeUpdate models PUT on a volume.
type VolumeUpdate struct {
	// Size grows the volume to the supplied GiB.
	Size int `json:"size,omitempty"`
	// ReplicaCount changes the replica count.
	ReplicaCount int `json:"replica_count,omitempty"`
	// PlacementMode changes media placement (2.2+).
	PlacementMode string `json:"placement_mode,omitempty"`
}

// StorageInstanceUpdate models PUT on a storage instance.
type StorageInstanceUpdate struct {
	// IPPool selects the access network pool.
	IPPool *PathRef `json:"ip_pool,omitempty"`
}

// CreateSnapshotRequest models POST on a volume's snapshots collection.
type CreateSnapshotRequest struct {
	// UUID is the caller supplied snapshot identifier.
	UUID string `json:"uuid"`
}

// CreateTenantRequest models POST tenants.
type CreateTenantRequest struct {
	// Name is the tenant name.
	Name string `json:"name"`
}

// Initiator models an initiator record.
type Initiator struct {
	// ID is the initiator IQN.
	ID string `json:"id"`
	// Name is a display name.
	Name string `json:"name,omitempty"`
	// Force creates the initiator even when it already exists elsewhere.
	Force bool `json:"force,omitempty"`
}

// InitiatorGroup models an initiator group record.
type InitiatorGroup struct {
	// Name is the group name.
	Name string `json:"name"`
	// Members reference initiators.
	Members []PathRef `json:"members"`
}

// ACLPolicy models a storage instance ACL.
type ACLPolicy struct {
	// Initiators are individually allowed initiators.
	Initiators []PathRef `json:"initiators"`
	// InitiatorGroups are allowed initiator groups.
	InitiatorGroups []PathRef `json:"initiator_groups"`
}

// IPPool models an access network IP pool.
type IPPool struct {
	// Name is the pool name.
	Name string `json:"name"`
	// Path is the resource path.
	Path string `json:"path"`
	// NetworkPaths describe the networks served by the pool.
	NetworkPaths []NetworkPath `json:"network_paths,omitempty"`
}

// NetworkPath is one network of an IP pool.
type NetworkPath struct {
	// StartIP is the first address of the range.
	StartIP string `json:"start_ip,omitempty"`
	// Netmask is the prefix length.
	Netmask int `json:"netmask,omitempty"`
}

// PerformancePolicy carries the non-zero QoS ceilings of a volume.
type PerformancePolicy map[string]int

// Metadata is the free-form metadata map of an app instance.
type Metadata map[string]string

// System models GET system.
type System struct {
	// UUID identifies the cluster.
	UUID string `json:"uuid,omitempty"`
	// Name is the cluster name.
	Name string `json:"name,omitempty"`
	// SoftwareVersion is the backend release.
	SoftwareVersion string `json:"sw_version,omitempty"`
	// TotalCapacity is the raw capacity in bytes.
	TotalCapacity int64 `json:"total_capacity"`
	// AvailableCapacity is the free capacity in bytes.
	AvailableCapacity int64 `json:"available_capacity"`
}
