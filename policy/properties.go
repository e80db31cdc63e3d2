// Package policy resolves per-volume provisioning attributes from defaults,
// volume type extra specs and QoS specs. It is independent of the transport
// and of the API revision in use.
package policy

import (
	"strconv"

	"pkt.systems/fabric/internal/resource"
)

// Scope prefixes vendor keys in volume type specs ("DF:replica_count").
const Scope = "DF"

// Kind is the value type of a property.
type Kind string

// Property kinds.
const (
	KindInteger Kind = "integer"
	KindString  Kind = "string"
	KindBoolean Kind = "boolean"
)

// Property names.
const (
	ReplicaCount      = "replica_count"
	PlacementMode     = "placement_mode"
	PlacementPolicy   = "placement_policy"
	RoundRobin        = "round_robin"
	IPPool            = "ip_pool"
	Template          = "template"
	ReadIOPSMax       = "read_iops_max"
	WriteIOPSMax      = "write_iops_max"
	TotalIOPSMax      = "total_iops_max"
	ReadBandwidthMax  = "read_bandwidth_max"
	WriteBandwidthMax = "write_bandwidth_max"
	TotalBandwidthMax = "total_bandwidth_max"
	IOPSPerGB         = "iops_per_gb"
	BandwidthPerGB    = "bandwidth_per_gb"
)

// Built-in layout names.
const (
	DefaultStorageName = resource.DefaultStorageInstance
	DefaultVolumeName  = resource.DefaultVolume
)

// Property describes one tunable exposed through volume types.
type Property struct {
	Name        string
	Title       string
	Description string
	Kind        Kind
	Default     any
	// Minimum bounds integer properties; nil means unbounded.
	Minimum *int
}

// ScopedName returns the key as written in volume type specs.
func (p Property) ScopedName() string {
	return Scope + ":" + p.Name
}

// Defaults are the operator supplied default values of every property.
type Defaults struct {
	ReplicaCount      int    `yaml:"replica-count" mapstructure:"replica-count"`
	PlacementMode     string `yaml:"placement-mode" mapstructure:"placement-mode"`
	PlacementPolicy   string `yaml:"placement-policy" mapstructure:"placement-policy"`
	RoundRobin        bool   `yaml:"round-robin" mapstructure:"round-robin"`
	IPPool            string `yaml:"ip-pool" mapstructure:"ip-pool"`
	Template          string `yaml:"template" mapstructure:"template"`
	ReadIOPSMax       int    `yaml:"read-iops-max" mapstructure:"read-iops-max"`
	WriteIOPSMax      int    `yaml:"write-iops-max" mapstructure:"write-iops-max"`
	TotalIOPSMax      int    `yaml:"total-iops-max" mapstructure:"total-iops-max"`
	ReadBandwidthMax  int    `yaml:"read-bandwidth-max" mapstructure:"read-bandwidth-max"`
	WriteBandwidthMax int    `yaml:"write-bandwidth-max" mapstructure:"write-bandwidth-max"`
	TotalBandwidthMax int    `yaml:"total-bandwidth-max" mapstructure:"total-bandwidth-max"`
	IOPSPerGB         int    `yaml:"iops-per-gb" mapstructure:"iops-per-gb"`
	BandwidthPerGB    int    `yaml:"bandwidth-per-gb" mapstructure:"bandwidth-per-gb"`
}

// DefaultDefaults returns the built-in property defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		ReplicaCount:    3,
		PlacementMode:   "hybrid",
		PlacementPolicy: "default",
		IPPool:          "default",
	}
}

func minimum(v int) *int {
	return &v
}

// Properties returns the property table with d applied as defaults.
func Properties(d Defaults) []Property {
	qos := func(name, title string, def int) Property {
		return Property{
			Name:        name,
			Title:       title,
			Description: "Maximum " + title + " for volume QoS, 0 for unlimited.",
			Kind:        KindInteger,
			Default:     def,
			Minimum:     minimum(0),
		}
	}
	return []Property{
		{
			Name:        IOPSPerGB,
			Title:       "IOPS per GB",
			Description: "IOPS granted per GiB of volume size, applied to total_iops_max and capped by it when set. 0 is unlimited.",
			Kind:        KindInteger,
			Default:     d.IOPSPerGB,
			Minimum:     minimum(0),
		},
		{
			Name:        BandwidthPerGB,
			Title:       "Bandwidth per GB",
			Description: "Bandwidth in KiB/s granted per GiB of volume size, applied to total_bandwidth_max and capped by it when set. 0 is unlimited.",
			Kind:        KindInteger,
			Default:     d.BandwidthPerGB,
			Minimum:     minimum(0),
		},
		{
			Name:        PlacementMode,
			Title:       "Placement mode",
			Description: "Media placement: single_flash, all_flash or hybrid. Superseded by placement_policy on newer backends.",
			Kind:        KindString,
			Default:     d.PlacementMode,
		},
		{
			Name:        PlacementPolicy,
			Title:       "Placement policy",
			Description: "Path to a media placement policy, for example /placement_policies/all-flash.",
			Kind:        KindString,
			Default:     d.PlacementPolicy,
		},
		{
			Name:        RoundRobin,
			Title:       "Round robin portals",
			Description: "Rotate the target portals returned on attach.",
			Kind:        KindBoolean,
			Default:     d.RoundRobin,
		},
		{
			Name:        ReplicaCount,
			Title:       "Replica count",
			Description: "Number of replicas per volume. Can only grow after creation.",
			Kind:        KindInteger,
			Default:     d.ReplicaCount,
			Minimum:     minimum(1),
		},
		{
			Name:        IPPool,
			Title:       "IP pool",
			Description: "Access network IP pool. A comma separated list picks one pool at random per attach.",
			Kind:        KindString,
			Default:     d.IPPool,
		},
		{
			Name:        Template,
			Title:       "Template",
			Description: "App template used to provision the volume.",
			Kind:        KindString,
			Default:     d.Template,
		},
		qos(ReadBandwidthMax, "read bandwidth", d.ReadBandwidthMax),
		qos(WriteBandwidthMax, "write bandwidth", d.WriteBandwidthMax),
		qos(TotalBandwidthMax, "total bandwidth", d.TotalBandwidthMax),
		qos(ReadIOPSMax, "read IOPS", d.ReadIOPSMax),
		qos(WriteIOPSMax, "write IOPS", d.WriteIOPSMax),
		qos(TotalIOPSMax, "total IOPS", d.TotalIOPSMax),
	}
}

// DefaultString renders the default the way it is written in volume type specs.
func (p Property) DefaultString() string {
	switch v := p.Default.(type) {
	case int:
		return strconv.Itoa(v)
	case bool:
		if v {
			return "True"
		}
		return "False"
	case string:
		return v
	default:
		return ""
	}
}
