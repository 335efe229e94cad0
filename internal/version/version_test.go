package version

import (
	"runtime/debug"
	"testing"
)

func TestResolveFromBuildInfo(t *testing.T) {
	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Version: "v0.3.1"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, true
	}
	info := resolve(read)
	if info.Version != "v0.3.1" || info.BuildTime != "2026-10-01T12:00:00Z" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if got, want := info.String(), "v0.3.1 (0123456789ab-dirty)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestResolveFallsBackToDev(t *testing.T) {
	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, true
	}
	info := resolve(read)
	if info.Version != "dev" || info.String() != "dev" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.GoVersion == "" {
		t.Fatal("missing go version")
	}
	if resolve(func() (*debug.BuildInfo, bool) { return nil, false }).Version != "dev" {
		t.Fatal("expected dev without build info")
	}
}
