package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
	if info.Platform != runtime.GOOS+"/"+runtime.GOARCH {
		t.Errorf("Platform = %q", info.Platform)
	}
	if info.Version == "" {
		t.Error("Version is empty")
	}
}

func TestInfoStringTruncatesCommit(t *testing.T) {
	s := Info{Version: "v1.2.3", GitCommit: "0123456789abcdef", GoVersion: "go1.24", Platform: "linux/amd64"}.String()
	if !strings.Contains(s, "v1.2.3") || !strings.Contains(s, "0123456789ab,") {
		t.Errorf("String() = %q", s)
	}
	if strings.Contains(s, "cdef") {
		t.Errorf("commit should be shortened: %q", s)
	}
}
