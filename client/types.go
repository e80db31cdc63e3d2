package client

import (
	"time"

	"pkt.systems/fabric/policy"
)

// Volume describes a logical volume as the orchestration layer knows it.
type Volume struct {
	// ID is the logical volume identifier; the backend names the volume
	// "OS-<ID>".
	ID string
	// Size is the capacity in GiB.
	Size int
	// Type carries the volume type specs. Nil applies the defaults.
	Type *policy.VolumeType
	// OwnerID is the owning project, used for per-owner tenants.
	OwnerID string
}

// Snapshot describes a logical snapshot of a volume.
type Snapshot struct {
	// ID is the logical snapshot identifier, sent to the backend as uuid.
	ID string
	// VolumeID is the logical id of the parent volume.
	VolumeID string
	// VolumeSize is the parent volume size in GiB at snapshot time.
	VolumeSize int
	// OwnerID is the owning project.
	OwnerID string
	// Timestamp addresses a known backend snapshot directly and skips the
	// uuid lookup.
	Timestamp string
}

// Connector describes the host attaching a volume.
type Connector struct {
	// Initiator is the host IQN. Empty skips ACL setup.
	Initiator string
	// IP is the host address used to choose an access network pool.
	IP string
	// Multipath requests every portal in the connection info.
	Multipath bool
}

// DefaultISCSIPort is the portal port reported in connection info.
const DefaultISCSIPort = 3260

// ConnectionInfo is the iSCSI target returned by Attach.
type ConnectionInfo struct {
	VolumeID     string   `json:"volume_id" yaml:"volume-id"`
	TargetIQN    string   `json:"target_iqn" yaml:"target-iqn"`
	TargetPortal string   `json:"target_portal" yaml:"target-portal"`
	TargetLUN    int      `json:"target_lun" yaml:"target-lun"`
	TargetIQNs   []string `json:"target_iqns,omitempty" yaml:"target-iqns,omitempty"`
	// TargetPortals lists every portal when multipath was requested.
	TargetPortals []string `json:"target_portals,omitempty" yaml:"target-portals,omitempty"`
	TargetLUNs    []int    `json:"target_luns,omitempty" yaml:"target-luns,omitempty"`
}

// ManageRequest adopts an existing backend volume under a logical id.
type ManageRequest struct {
	Volume Volume
	// Reference is "app:storage:volume", or "tenant:app:storage:volume" on
	// 2.1 and newer.
	Reference string
}

// ManageableVolume is a backend app instance reported by ListManageable.
type ManageableVolume struct {
	// Reference can be passed back as ManageRequest.Reference.
	Reference string `json:"reference" yaml:"reference"`
	Size      int    `json:"size" yaml:"size"`
	// SafeToManage is false for instances already managed or with a layout
	// other than one storage instance holding one volume.
	SafeToManage  bool   `json:"safe_to_manage" yaml:"safe-to-manage"`
	ReasonNotSafe string `json:"reason_not_safe,omitempty" yaml:"reason-not-safe,omitempty"`
	// LogicalID is set when the instance carries a managed name.
	LogicalID string            `json:"logical_id,omitempty" yaml:"logical-id,omitempty"`
	Snapshots []ManagedSnapshot `json:"snapshots,omitempty" yaml:"snapshots,omitempty"`
}

// ManagedSnapshot identifies a snapshot of a manageable volume.
type ManagedSnapshot struct {
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	UUID      string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
}

// RetypeRequest moves a volume to a new volume type.
type RetypeRequest struct {
	Volume  Volume
	NewType *policy.VolumeType
}

// Stats summarises backend capacity.
type Stats struct {
	ClusterName       string    `json:"cluster_name,omitempty" yaml:"cluster-name,omitempty"`
	ClusterUUID       string    `json:"cluster_uuid,omitempty" yaml:"cluster-uuid,omitempty"`
	SoftwareVersion   string    `json:"sw_version,omitempty" yaml:"sw-version,omitempty"`
	StorageProtocol   string    `json:"storage_protocol" yaml:"storage-protocol"`
	TotalCapacityGiB  float64   `json:"total_capacity_gb" yaml:"total-capacity-gb"`
	FreeCapacityGiB   float64   `json:"free_capacity_gb" yaml:"free-capacity-gb"`
	TotalCapacity     int64     `json:"total_capacity" yaml:"total-capacity"`
	AvailableCapacity int64     `json:"available_capacity" yaml:"available-capacity"`
	QoSSupport        bool      `json:"qos_support" yaml:"qos-support"`
	UpdatedAt         time.Time `json:"updated_at" yaml:"updated-at"`
}

// ExtendRequest grows a volume to NewSize GiB.
type ExtendRequest struct {
	Volume  Volume
	NewSize int
}

// CloneRequest creates Volume as a copy of Source.
type CloneRequest struct {
	Volume Volume
	Source Volume
}

// SnapshotCloneRequest creates Volume from Snapshot.
type SnapshotCloneRequest struct {
	Volume   Volume
	Snapshot Snapshot
}

// MetadataRequest replaces the metadata of a volume.
type MetadataRequest struct {
	Volume   Volume
	Metadata map[string]string
}

// ManageableQuery scopes ListManageable.
type ManageableQuery struct {
	// OwnerID selects the tenant to list in owner tenant mode.
	OwnerID string
	// ManagedIDs are logical ids the caller already manages. When empty,
	// every instance carrying a managed name counts as managed.
	ManagedIDs []string
}

// AttachRequest exports Volume to the host described by Connector.
type AttachRequest struct {
	Volume    Volume
	Connector Connector
}
