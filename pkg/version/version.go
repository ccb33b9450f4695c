package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the version of the adapter.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	// Build is set with -ldflags -X at release time. Otherwise it is
	// taken from the VCS stamp of the binary.
	Build string
}

// AdapterVersion is the current version of the adapter.
var AdapterVersion = Version{Major: "1", Minor: "0", Patch: "0"}

func (v Version) String() string {
	s := v.Major + "." + v.Minor + "." + v.Patch
	if v.Metadata != "" {
		s += "-" + v.Metadata
	}
	build := v.Build
	if build == "" {
		build = vcsRevision()
	}
	return fmt.Sprintf("Version: %s\nBuild: %s", s, build)
}

func vcsRevision() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, kv := range info.Settings {
			if kv.Key == "vcs.revision" {
				return kv.Value
			}
		}
	}
	return "unknown"
}

// BuildInfo lists the Go toolchain and every module linked into the
// binary, one per line.
func BuildInfo() string {
	var b strings.Builder
	b.WriteString(runtime.Version())
	b.WriteByte('\n')
	info, ok := debug.ReadBuildInfo()
	if !ok {
		b.WriteString("not built in module mode\n")
		return b.String()
	}
	mod := func(kind string, m *debug.Module) {
		fmt.Fprintf(&b, " %s\t%s\t%s\t%s", kind, m.Path, m.Version, m.Sum)
		if m.Replace != nil {
			fmt.Fprintf(&b, "\t=> %s\t%s", m.Replace.Path, m.Replace.Version)
		}
		b.WriteByte('\n')
	}
	mod("mod", &info.Main)
	for _, dep := range info.Deps {
		mod("dep", dep)
	}
	return b.String()
}
