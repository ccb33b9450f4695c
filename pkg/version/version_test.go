package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc"}
	if got, want := v.String(), "Version: 1.2.3-rc1\nBuild: abc"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if s := AdapterVersion.String(); !strings.HasPrefix(s, "Version: 1.0.0\n") {
		t.Fatalf("unexpected adapter version %q", s)
	}
	if !strings.Contains(BuildInfo(), "go") {
		t.Fatal("missing Go version in build info")
	}
}
