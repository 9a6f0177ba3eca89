package partition

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/internal/flash/host"
)

func newDevice(t *testing.T, size uint32) *flash.Device {
	t.Helper()
	return flash.NewDevice(host.New(afero.NewMemMapFs(), host.Options{Path: "flash.bin", InitialSize: size, EmulateNOR: true}))
}

func defaultSpecs() []Spec {
	return []Spec{
		{Name: "rom1", Address: 0x102000, Size: 0xf8000, Role: RoleApp},
		{Name: "rboot-config", Address: 0x1000, Size: 0x1000, Role: RoleBootConfig},
		{Name: "rom0", Address: 0x2000, Size: 0xf8000, Role: RoleApp},
		{Name: "spiffs0", Address: 0x200000, Size: 0x100000, Role: RoleFilesystem, ReadOnly: true},
	}
}

func TestNewTable(t *testing.T) {
	tbl, err := NewTable(newDevice(t, 0x400000), defaultSpecs())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	var names []string
	for _, p := range tbl.All() {
		names = append(names, p.Name())
	}
	if got := strings.Join(names, ","); got != "rboot-config,rom0,rom1,spiffs0" {
		t.Errorf("partitions not sorted by address: %s", got)
	}

	slots := tbl.AppSlots()
	if len(slots) != 2 || slots[0].Name() != "rom0" || slots[1].Name() != "rom1" {
		t.Errorf("AppSlots = %v", slots)
	}

	if p, err := tbl.At(0x102010); err != nil || p.Name() != "rom1" {
		t.Errorf("At(0x102010) = %v, %v", p, err)
	}
	if _, err := tbl.At(0x0); !errors.Is(err, ErrNotFound) {
		t.Errorf("At(0) error = %v", err)
	}
	if _, err := tbl.Find("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find(nope) error = %v", err)
	}
}

func TestNewTableValidation(t *testing.T) {
	tests := []struct {
		name  string
		specs []Spec
		want  string
	}{
		{
			name:  "overlap",
			specs: []Spec{{Name: "a", Address: 0x1000, Size: 0x2000, Role: RoleApp}, {Name: "b", Address: 0x2000, Size: 0x1000, Role: RoleApp}},
			want:  "overlap",
		},
		{
			name:  "beyond device",
			specs: []Spec{{Name: "a", Address: 0xf000, Size: 0x2000, Role: RoleApp}},
			want:  "beyond",
		},
		{
			name:  "unaligned",
			specs: []Spec{{Name: "a", Address: 0x1001, Size: 0x1000, Role: RoleApp}},
			want:  "sector aligned",
		},
		{
			name:  "partial sector",
			specs: []Spec{{Name: "a", Address: 0x1000, Size: 0x1800, Role: RoleApp}},
			want:  "whole number of sectors",
		},
		{
			name:  "duplicate",
			specs: []Spec{{Name: "a", Address: 0, Size: 0x1000, Role: RoleApp}, {Name: "a", Address: 0x1000, Size: 0x1000, Role: RoleApp}},
			want:  "duplicate",
		},
		{
			name:  "unknown role",
			specs: []Spec{{Name: "a", Address: 0, Size: 0x1000, Role: "nvs"}},
			want:  "unknown role",
		},
		{
			name:  "empty",
			specs: []Spec{{Name: "a", Address: 0, Size: 0, Role: RoleApp}},
			want:  "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(newDevice(t, 0x10000), tt.specs)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestDeviceAddress(t *testing.T) {
	p := New(newDevice(t, 0x10000), Spec{Name: "app", Address: 0x4000, Size: 0x2000, Role: RoleApp})

	tests := []struct {
		offset, n uint32
		want      uint32
		wantErr   bool
	}{
		{0, 0, 0x4000, false},
		{0x100, 0x10, 0x4100, false},
		{0, 0x2000, 0x4000, false},
		{0x1fff, 1, 0x5fff, false},
		{0x1fff, 2, 0, true},
		{0x2000, 1, 0, true},
		{0xffffffff, 2, 0, true},
	}

	for _, tt := range tests {
		got, err := p.DeviceAddress(tt.offset, tt.n)
		if (err != nil) != tt.wantErr {
			t.Errorf("DeviceAddress(%#x, %#x) error = %v, wantErr %v", tt.offset, tt.n, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, flash.ErrOutOfRange) {
			t.Errorf("error %v does not wrap ErrOutOfRange", err)
		}
		if got != tt.want {
			t.Errorf("DeviceAddress(%#x, %#x) = %#x, want %#x", tt.offset, tt.n, got, tt.want)
		}
	}
}

func TestReadWriteErase(t *testing.T) {
	dev := newDevice(t, 0x10000)
	p := New(dev, Spec{Name: "app", Address: 0x4000, Size: 0x2000, Role: RoleApp})

	if _, err := p.Write(0x10, []byte("firmware")); err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, 8)
	if _, err := dev.Read(0x4010, raw); err != nil {
		t.Fatal(err)
	}
	if string(raw) != "firmware" {
		t.Errorf("device bytes = %q", raw)
	}

	if err := p.Erase(0, 0x1000); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 8)
	if _, err := p.Read(0x10, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0xff}, 8)) {
		t.Errorf("after erase = % x", got)
	}

	if _, err := p.Write(0x1ffc, make([]byte, 8)); !errors.Is(err, flash.ErrOutOfRange) {
		t.Errorf("write past end: %v", err)
	}
}

func TestReadOnly(t *testing.T) {
	p := New(newDevice(t, 0x10000), Spec{Name: "fs", Address: 0, Size: 0x1000, Role: RoleFilesystem, ReadOnly: true})

	if _, err := p.Write(0, []byte{1}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Write: got %v, want ErrReadOnly", err)
	}
	if err := p.Erase(0, 0x1000); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Erase: got %v, want ErrReadOnly", err)
	}
	if _, err := p.Read(0, make([]byte, 4)); err != nil {
		t.Errorf("Read: %v", err)
	}
}
