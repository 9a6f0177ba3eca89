package watchdog

import (
	"path/filepath"
	"testing"
)

func TestOpenMissingDevice(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "watchdog")); err == nil {
		t.Error("expected an error opening a missing device")
	}
}
