package version

import (
	"strings"
	"testing"
)

func TestVersionValue(t *testing.T) {
	tests := []struct {
		in      string
		want    versionValue
		wantErr bool
	}{
		{"true", versionTrue, false},
		{"false", versionFalse, false},
		{"raw", versionRaw, false},
		{"bogus", versionFalse, true},
	}

	for _, tt := range tests {
		var v versionValue
		err := v.Set(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Set(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if v != tt.want {
			t.Errorf("Set(%q) = %v, want %v", tt.in, v, tt.want)
		}
	}
}

func TestPatchVersion(t *testing.T) {
	old := patchVersion
	defer func() { patchVersion = old }()

	patchVersion = "7"
	if got := PatchVersion(); got != 7 {
		t.Errorf("PatchVersion() = %d, want 7", got)
	}
	patchVersion = "x"
	if got := PatchVersion(); got != 0 {
		t.Errorf("PatchVersion() = %d, want 0 for garbage", got)
	}
}

func TestText(t *testing.T) {
	out := Text()
	for _, key := range []string{"gitVersion:", "goVersion:", "patchVersion:"} {
		if !strings.Contains(out, key) {
			t.Errorf("Text() missing %q:\n%s", key, out)
		}
	}
}
