// Package resource derives backend resource names and paths from logical
// identifiers and manages tenant scoping.
package resource

import (
	"net/url"
	"strings"
)

// Name prefixes.
const (
	ManagedPrefix   = "OS-"
	UnmanagedPrefix = "UNMANAGED-"
)

// Default storage instance and volume names used when no template applies.
const (
	DefaultStorageInstance = "storage-1"
	DefaultVolume          = "volume-1"
)

// Collection roots.
const (
	AppInstances     = "app_instances"
	AppTemplates     = "app_templates"
	Tenants          = "tenants"
	System           = "system"
	Initiators       = "initiators"
	InitiatorGroups  = "initiator_groups"
	AccessNetworkIPs = "access_network_ip_pools"
)

// ManagedName returns the backend name of the resource with logical id.
func ManagedName(id string) string {
	return ManagedPrefix + id
}

// UnmanagedName returns the name a released resource is renamed to.
func UnmanagedName(id string) string {
	return UnmanagedPrefix + id
}

// LogicalID strips ManagedPrefix, reporting whether it was present.
func LogicalID(name string) (string, bool) {
	return strings.CutPrefix(name, ManagedPrefix)
}

// Path addresses an app instance or one of its descendants. Levels below
// the first empty one are ignored.
type Path struct {
	AppInstance     string
	StorageInstance string
	Volume          string
	Snapshot        string
}

// ForVolume returns the default-layout path of the volume with logical id.
func ForVolume(id string) Path {
	return Path{
		AppInstance:     ManagedName(id),
		StorageInstance: DefaultStorageInstance,
		Volume:          DefaultVolume,
	}
}

// String renders the relative request path, for example
// "app_instances/OS-1/storage_instances/storage-1/volumes/volume-1".
func (p Path) String() string {
	if p.AppInstance == "" {
		return AppInstances
	}
	var b strings.Builder
	b.WriteString(AppInstances)
	write := func(collection, name string) bool {
		if name == "" {
			return false
		}
		b.WriteByte('/')
		b.WriteString(collection)
		b.WriteByte('/')
		b.WriteString(url.PathEscape(name))
		return true
	}
	b.WriteByte('/')
	b.WriteString(url.PathEscape(p.AppInstance))
	if write("storage_instances", p.StorageInstance) &&
		write("volumes", p.Volume) {
		write("snapshots", p.Snapshot)
	}
	return b.String()
}

// Absolute renders the path with a leading slash, the form used when one
// resource references another in a request body.
func (p Path) Absolute() string {
	return "/" + p.String()
}

// AppInstancePath trims p to the app instance level.
func (p Path) AppInstancePath() Path {
	return Path{AppInstance: p.AppInstance}
}

// StorageInstancePath trims p to the storage instance level.
func (p Path) StorageInstancePath() Path {
	return Path{AppInstance: p.AppInstance, StorageInstance: p.StorageInstance}
}

// VolumePath trims p to the volume level.
func (p Path) VolumePath() Path {
	return Path{AppInstance: p.AppInstance, StorageInstance: p.StorageInstance, Volume: p.Volume}
}

// WithSnapshot returns the snapshot path below p's volume.
func (p Path) WithSnapshot(ts string) Path {
	out := p.VolumePath()
	out.Snapshot = ts
	return out
}

// Snapshots is the snapshot collection of the volume.
func (p Path) Snapshots() string {
	return p.VolumePath().String() + "/snapshots"
}

// ACLPolicy is the ACL sub-resource of the storage instance.
func (p Path) ACLPolicy() string {
	return p.StorageInstancePath().String() + "/acl_policy"
}

// PerformancePolicy is the QoS sub-resource of the volume.
func (p Path) PerformancePolicy() string {
	return p.VolumePath().String() + "/performance_policy"
}

// Metadata is the metadata sub-resource of the app instance.
func (p Path) Metadata() string {
	return p.AppInstancePath().String() + "/metadata"
}

// Template returns the path of the named app template.
func Template(name string) string {
	return AppTemplates + "/" + url.PathEscape(name)
}

// Initiator returns the path of the initiator with the given IQN.
func Initiator(iqn string) string {
	return Initiators + "/" + url.PathEscape(iqn)
}

// InitiatorGroup returns the path of the named initiator group.
func InitiatorGroup(name string) string {
	return InitiatorGroups + "/" + url.PathEscape(name)
}

// IPPool returns the path of the named access network pool.
func IPPool(name string) string {
	return AccessNetworkIPs + "/" + url.PathEscape(name)
}
