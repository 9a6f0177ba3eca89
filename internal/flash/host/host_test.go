package host

import (
	"bytes"
	"errors"
	"testing"

	"github.com/spf13/afero"

	"github.com/autopeer-io/flashota/internal/flash"
)

func TestOpenCreatesAndExtends(t *testing.T) {
	tests := []struct {
		name     string
		nor      bool
		wantByte byte
	}{
		{name: "plain", nor: false, wantByte: 0x00},
		{name: "nor", nor: true, wantByte: 0xff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			h := New(fs, Options{Path: "flash.bin", InitialSize: 2 * flash.SectorSize, EmulateNOR: tt.nor})

			size, err := h.Size()
			if err != nil {
				t.Fatalf("Size: %v", err)
			}
			if size != 2*flash.SectorSize {
				t.Errorf("size = %d, want %d", size, 2*flash.SectorSize)
			}

			st, err := fs.Stat("flash.bin")
			if err != nil || st.Size() != 2*flash.SectorSize {
				t.Fatalf("backing file not extended: %v %v", st, err)
			}

			buf := make([]byte, 8)
			if _, err := h.ReadWords(flash.SectorSize, buf); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(buf, bytes.Repeat([]byte{tt.wantByte}, 8)) {
				t.Errorf("new file content = % x, want %#02x", buf, tt.wantByte)
			}
		})
	}
}

func TestExistingFileKeepsSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "flash.bin", make([]byte, 3*flash.SectorSize), 0o644); err != nil {
		t.Fatal(err)
	}

	h := New(fs, Options{Path: "flash.bin", InitialSize: flash.SectorSize})
	size, err := h.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 3*flash.SectorSize {
		t.Errorf("size = %d, want existing %d", size, 3*flash.SectorSize)
	}
}

func TestUnavailable(t *testing.T) {
	h := New(afero.NewMemMapFs(), Options{})
	if _, err := h.ReadID(); !errors.Is(err, flash.ErrMediumUnavailable) {
		t.Errorf("ReadID without a path: got %v, want ErrMediumUnavailable", err)
	}

	ro := New(afero.NewReadOnlyFs(afero.NewMemMapFs()), Options{Path: "flash.bin"})
	n, err := ro.ReadWords(0, make([]byte, 4))
	if n != 0 || !errors.Is(err, flash.ErrMediumUnavailable) {
		t.Errorf("ReadWords on read-only fs: got %d, %v", n, err)
	}
}

func TestProgramSemantics(t *testing.T) {
	tests := []struct {
		name string
		nor  bool
		want byte
	}{
		{name: "overwrite", nor: false, want: 0x0f},
		{name: "nor clears bits only", nor: true, want: 0x0f & 0xf0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(afero.NewMemMapFs(), Options{Path: "f", InitialSize: flash.SectorSize, EmulateNOR: tt.nor})
			if err := h.EraseSector(0); err != nil {
				t.Fatal(err)
			}
			if _, err := h.Program(0, []byte{0xf0}); err != nil {
				t.Fatal(err)
			}
			if _, err := h.Program(0, []byte{0x0f}); err != nil {
				t.Fatal(err)
			}
			got := make([]byte, 4)
			if _, err := h.ReadWords(0, got); err != nil {
				t.Fatal(err)
			}
			if got[0] != tt.want {
				t.Errorf("byte 0 = %#02x, want %#02x", got[0], tt.want)
			}
			if got[1] != 0xff {
				t.Errorf("byte 1 = %#02x, erase should leave 0xff", got[1])
			}
		})
	}
}

func TestIDAndClose(t *testing.T) {
	h := New(afero.NewMemMapFs(), Options{Path: "f"})
	id, err := h.ReadID()
	if err != nil || id != ID {
		t.Errorf("ReadID = %#x, %v", id, err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	// Reopens lazily.
	if size, err := h.Size(); err != nil || size != DefaultInitialSize {
		t.Errorf("Size after Close = %d, %v", size, err)
	}
}
