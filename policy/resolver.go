package policy

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"pkt.systems/fabric/api"
	"pkt.systems/pslog"
)

// VolumeType carries the caller's type attributes.
type VolumeType struct {
	ID         string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	ExtraSpecs map[string]string `json:"extra_specs,omitempty" yaml:"extra-specs,omitempty"`
	QoSSpecs   map[string]string `json:"qos_specs,omitempty" yaml:"qos-specs,omitempty"`
}

// Resolver merges property defaults with volume type specs.
type Resolver struct {
	props  []Property
	index  map[string]Property
	logger pslog.Logger
}

// NewResolver returns a Resolver using d as property defaults.
func NewResolver(d Defaults, logger pslog.Logger) *Resolver {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	props := Properties(d)
	index := make(map[string]Property, len(props))
	for _, p := range props {
		index[p.Name] = p
	}
	return &Resolver{props: props, index: index, logger: logger}
}

// Properties returns the property table in effect.
func (r *Resolver) Properties() []Property {
	return slices.Clone(r.props)
}

// Resolve merges defaults, then extra specs, then QoS specs. Only keys in
// the vendor scope are considered. A nil vt yields the defaults and an
// untyped Policy.
func (r *Resolver) Resolve(vt *VolumeType) Policy {
	pol := Policy{values: make(map[string]any, len(r.props))}
	for _, p := range r.props {
		pol.values[p.Name] = p.Default
	}
	if vt == nil {
		return pol
	}
	pol.typed = true
	pol.typeName = vt.Name
	for _, specs := range []map[string]string{vt.ExtraSpecs, vt.QoSSpecs} {
		for _, key := range slices.Sorted(maps.Keys(specs)) {
			name, ok := unscope(key)
			if !ok {
				continue
			}
			value, err := r.convert(name, specs[key])
			if err != nil {
				pol.Issues = append(pol.Issues, err)
				r.logger.Warn("policy.invalid_value", "type", vt.Name, "key", key, "error", err)
				continue
			}
			pol.values[name] = value
		}
	}
	return pol
}

func unscope(key string) (string, bool) {
	scope, name, ok := strings.Cut(key, ":")
	if !ok || scope != Scope || name == "" {
		return "", false
	}
	return name, true
}

// convert types raw for the named property. Unknown properties keep the
// loose conversion: "True"/"False" become booleans, integers become ints.
func (r *Resolver) convert(name, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	prop, known := r.index[name]
	if !known {
		return looseValue(raw), nil
	}
	switch prop.Kind {
	case KindBoolean:
		switch raw {
		case "True", "true", "<is> True":
			return true, nil
		case "False", "false", "<is> False":
			return false, nil
		}
		return nil, fmt.Errorf("%s: %q is not a boolean", name, raw)
	case KindInteger:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", name, raw)
		}
		if prop.Minimum != nil && n < *prop.Minimum {
			return nil, fmt.Errorf("%s: %d is below the minimum %d", name, n, *prop.Minimum)
		}
		return n, nil
	default:
		return raw, nil
	}
}

func looseValue(raw string) any {
	switch raw {
	case "True":
		return true
	case "False":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return raw
}

// Policy is a resolved attribute map.
type Policy struct {
	values   map[string]any
	typed    bool
	typeName string
	// Issues lists spec values that were rejected in favour of the default.
	Issues []error
}

// Typed reports whether the policy came from a volume type.
func (p Policy) Typed() bool {
	return p.typed
}

// TypeName returns the volume type name, if any.
func (p Policy) TypeName() string {
	return p.typeName
}

// Values returns a copy of the attribute map.
func (p Policy) Values() map[string]any {
	return maps.Clone(p.values)
}

// Int returns an integer attribute, 0 when absent or not an integer.
func (p Policy) Int(name string) int {
	n, _ := p.values[name].(int)
	return n
}

// String returns a string attribute.
func (p Policy) String(name string) string {
	switch v := p.values[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns a boolean attribute.
func (p Policy) Bool(name string) bool {
	b, _ := p.values[name].(bool)
	return b
}

// ReplicaCount returns the replica count.
func (p Policy) ReplicaCount() int {
	return p.Int(ReplicaCount)
}

// PlacementMode returns the placement mode.
func (p Policy) PlacementMode() string {
	return p.String(PlacementMode)
}

// PlacementPolicy returns the placement policy path.
func (p Policy) PlacementPolicy() string {
	return p.String(PlacementPolicy)
}

// RoundRobin reports whether attach should rotate portals.
func (p Policy) RoundRobin() bool {
	return p.Bool(RoundRobin)
}

// Template returns the app template name, or "".
func (p Policy) Template() string {
	return strings.TrimSpace(p.String(Template))
}

// IPPools returns the configured pool names.
func (p Policy) IPPools() []string {
	var out []string
	for _, name := range strings.Split(p.String(IPPool), ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return []string{"default"}
	}
	return out
}

// IPPool picks one of IPPools. A nil rng uses the package generator.
func (p Policy) IPPool(rng *rand.Rand) string {
	pools := p.IPPools()
	if len(pools) == 1 {
		return pools[0]
	}
	if rng == nil {
		return pools[rand.IntN(len(pools))]
	}
	return pools[rng.IntN(len(pools))]
}

var performanceKeys = []string{
	ReadIOPSMax,
	WriteIOPSMax,
	TotalIOPSMax,
	ReadBandwidthMax,
	WriteBandwidthMax,
	TotalBandwidthMax,
}

// PerformanceLimits returns the positive *_max ceilings for a volume of
// sizeGiB. With perGB, iops_per_gb and bandwidth_per_gb scale with size and
// fill total_iops_max / total_bandwidth_max, capped by those when they are
// set. An empty result means no performance policy.
func (p Policy) PerformanceLimits(sizeGiB int, perGB bool) api.PerformancePolicy {
	out := api.PerformancePolicy{}
	for _, key := range performanceKeys {
		if v := p.Int(key); v > 0 {
			out[key] = v
		}
	}
	if perGB && sizeGiB > 0 {
		scale := func(perKey, totalKey string) {
			per := p.Int(perKey)
			if per <= 0 {
				return
			}
			v := per * sizeGiB
			if ceiling, ok := out[totalKey]; ok && ceiling < v {
				v = ceiling
			}
			out[totalKey] = v
		}
		scale(IOPSPerGB, TotalIOPSMax)
		scale(BandwidthPerGB, TotalBandwidthMax)
	}
	return out
}

// Equal reports whether p and other resolve to the same attributes.
func (p Policy) Equal(other Policy) bool {
	if len(p.values) != len(other.values) {
		return false
	}
	for k, v := range p.values {
		if ov, ok := other.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
