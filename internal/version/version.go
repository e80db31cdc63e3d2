// Package version reports the build identity of fabric binaries and the
// client name announced to backends.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	defaultModule  = "pkt.systems/fabric"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/fabric/internal/version.buildVersion=...".
var buildVersion = ""

// Info is the build identity derived from ldflags and embedded build info.
type Info struct {
	Module   string
	Version  string
	Revision string
	Modified bool
}

var readInfo = sync.OnceValue(func() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		info = nil
	}
	return fromBuildInfo(strings.TrimSpace(buildVersion), info)
})

// Read returns the build identity of the running binary.
func Read() Info {
	return readInfo()
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the main module path.
func Module() string {
	return Read().Module
}

// ClientName renders the identifier sent to the backend ("fabric/v1.2.3").
func ClientName() string {
	return "fabric/" + Current()
}

func fromBuildInfo(override string, bi *debug.BuildInfo) Info {
	out := Info{Module: defaultModule, Version: override}
	if bi == nil {
		if out.Version == "" {
			out.Version = unknownVersion
		}
		return out
	}
	if path := strings.TrimSpace(bi.Main.Path); path != "" {
		out.Module = path
	}
	var stamp time.Time
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Revision = s.Value
		case "vcs.time":
			stamp, _ = time.Parse(time.RFC3339, s.Value)
		case "vcs.modified":
			out.Modified = s.Value == "true"
		}
	}
	if out.Version != "" {
		return out
	}
	if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
		out.Version = v
		return out
	}
	if out.Revision != "" && !stamp.IsZero() {
		rev := out.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		out.Version = "v0.0.0-" + stamp.UTC().Format("20060102150405") + "-" + rev
		if out.Modified {
			out.Version += "+dirty"
		}
		return out
	}
	out.Version = unknownVersion
	return out
}
