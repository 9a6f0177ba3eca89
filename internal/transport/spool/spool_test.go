package spool

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/autopeer-io/flashota/internal/ota"
	"github.com/autopeer-io/flashota/internal/transport"
	"github.com/autopeer-io/flashota/internal/transport/transporttest"
	"github.com/autopeer-io/flashota/pkg/options"
)

func newSpool(t *testing.T, fs afero.Fs, dir string) (*Spool, *transporttest.Rig) {
	t.Helper()
	rig := transporttest.NewRig(t)
	o := options.NewSpoolOptions()
	o.Dir = dir
	s := New(fs, o, rig.Dispatcher, 256)
	if err := s.ensureDirs(); err != nil {
		t.Fatal(err)
	}
	return s, rig
}

func exists(t *testing.T, fs afero.Fs, path string) bool {
	t.Helper()
	ok, err := afero.Exists(fs, path)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func TestProcess(t *testing.T) {
	tests := []struct {
		name    string
		msg     []byte
		state   ota.State
		wantErr bool
		movedTo string
	}{
		{
			name:    "newer image commits",
			msg:     transporttest.Message(transporttest.RunningVersion+1, bytes.Repeat([]byte{0xa5}, 1000)),
			state:   ota.StateCommitted,
			movedTo: DoneDir,
		},
		{
			name:    "stale image is discarded",
			msg:     transporttest.Message(transporttest.RunningVersion, []byte("old")),
			state:   ota.StateDiscarding,
			movedTo: DoneDir,
		},
		{
			name:    "oversize image fails",
			msg:     transporttest.Message(transporttest.RunningVersion+1, make([]byte, transporttest.SlotSize+1)),
			state:   ota.StateFailed,
			wantErr: true,
			movedTo: FailedDir,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			s, _ := newSpool(t, fs, "/spool")
			path := "/spool/app.ota"
			if err := afero.WriteFile(fs, path, tt.msg, 0o644); err != nil {
				t.Fatal(err)
			}

			res, err := s.Process(t.Context(), path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Process() error = %v, wantErr %v", err, tt.wantErr)
			}
			if res.State != tt.state {
				t.Errorf("state = %s, want %s", res.State, tt.state)
			}
			if exists(t, fs, path) {
				t.Error("file left in the spool directory")
			}
			if !exists(t, fs, filepath.Join("/spool", tt.movedTo, "app.ota")) {
				t.Errorf("file not moved to %s/", tt.movedTo)
			}
		})
	}
}

func TestProcessLeavesFileWhileBusy(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, rig := newSpool(t, fs, "/spool")
	path := "/spool/app.ota"
	if err := afero.WriteFile(fs, path, transporttest.Message(transporttest.RunningVersion+1, []byte("image")), 0o644); err != nil {
		t.Fatal(err)
	}

	u, err := rig.Dispatcher.Begin(t.Context(), "test", ota.UnknownLength)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Process(t.Context(), path); !errors.Is(err, transport.ErrSessionActive) {
		t.Fatalf("Process() error = %v, want %v", err, transport.ErrSessionActive)
	}
	if !exists(t, fs, path) {
		t.Fatal("file was moved while another session was active")
	}

	u.Abort(t.Context(), errors.New("test done"))
	if _, err := s.Process(t.Context(), path); err != nil {
		t.Fatalf("Process() after the session ended: %v", err)
	}
	if got := rig.Current(t); got != "rom1" {
		t.Errorf("booting %s, want rom1", got)
	}
}

func TestProcessLeavesFileAfterCommit(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, rig := newSpool(t, fs, "/spool")

	first := "/spool/a.ota"
	second := "/spool/b.ota"
	for _, p := range []string{first, second} {
		if err := afero.WriteFile(fs, p, transporttest.Message(transporttest.RunningVersion+1, []byte(p)), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.Process(t.Context(), first); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Process(t.Context(), second); !errors.Is(err, transport.ErrCommitted) {
		t.Fatalf("Process() error = %v, want %v", err, transport.ErrCommitted)
	}
	if !exists(t, fs, second) {
		t.Error("file was moved while a restart was pending")
	}
	if got := rig.Current(t); got != "rom1" {
		t.Errorf("booting %s, want rom1", got)
	}
}

func TestScanIgnoresOtherFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, rig := newSpool(t, fs, "/spool")
	if err := afero.WriteFile(fs, "/spool/notes.txt", []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/spool/a.ota", transporttest.Message(transporttest.RunningVersion+1, []byte("image")), 0o644); err != nil {
		t.Fatal(err)
	}

	s.Scan(t.Context())

	if !exists(t, fs, "/spool/notes.txt") {
		t.Error("unrelated file was touched")
	}
	if !exists(t, fs, "/spool/done/a.ota") {
		t.Error("update file not processed")
	}
	if got := rig.Current(t); got != "rom1" {
		t.Errorf("booting %s, want rom1", got)
	}
}

func TestRunPicksUpDroppedFile(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()
	s, rig := newSpool(t, fs, dir)
	s.RescanInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	tmp := filepath.Join(dir, "app.tmp")
	if err := os.WriteFile(tmp, transporttest.Message(transporttest.RunningVersion+1, []byte("dropped image")), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "app.ota")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !exists(t, fs, filepath.Join(dir, DoneDir, "app.ota")) {
		if time.Now().After(deadline) {
			t.Fatal("dropped file was not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := rig.Current(t); got != "rom1" {
		t.Errorf("booting %s, want rom1", got)
	}
}
