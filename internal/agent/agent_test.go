package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/autopeer-io/flashota/internal/storage"
	"github.com/autopeer-io/flashota/pkg/options"
)

const runningVersion = 2

type fakeHAL struct {
	restarts atomic.Int32
}

func (h *fakeHAL) RunningVersion() uint64 { return runningVersion }
func (h *fakeHAL) DeviceID() string       { return "test-device" }

func (h *fakeHAL) Restart(context.Context) error {
	h.restarts.Add(1)
	return nil
}

func newConfig(t *testing.T) (*Config, *fakeHAL) {
	t.Helper()
	h := &fakeHAL{}
	httpOpts := options.NewHttpOptions()
	httpOpts.Enabled = false
	return &Config{
		FlashOptions:     options.NewFlashOptions(),
		PartitionOptions: options.NewPartitionOptions(),
		OTAOptions:       options.NewOTAOptions(),
		MqttOptions:      options.NewMqttOptions(),
		HttpOptions:      httpOpts,
		S3Options:        options.NewS3Options(),
		SpoolOptions:     options.NewSpoolOptions(),
		HAL:              h,
		StorageOptions:   []storage.Option{storage.WithFs(afero.NewMemMapFs())},
	}, h
}

func TestNewAgentNeedsTransport(t *testing.T) {
	cfg, _ := newConfig(t)
	if _, err := cfg.NewAgent(); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("NewAgent() error = %v, want %v", err, ErrNoTransport)
	}
}

func TestNewAgentRejectsBadVariant(t *testing.T) {
	cfg, _ := newConfig(t)
	cfg.HttpOptions.Enabled = true
	cfg.OTAOptions.Variant = "nonsense"
	if _, err := cfg.NewAgent(); err == nil {
		t.Fatal("NewAgent() accepted an unknown variant")
	}
}

func TestTransports(t *testing.T) {
	cfg, _ := newConfig(t)
	cfg.HttpOptions.Enabled = true
	cfg.SpoolOptions.Enabled = true
	cfg.SpoolOptions.Dir = t.TempDir()

	a, err := cfg.NewAgent()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Storage().Close()

	if diff := cmp.Diff([]string{"http", "spool"}, a.Transports()); diff != "" {
		t.Errorf("Transports() mismatch (-want +got):\n%s", diff)
	}
}

func TestRunInstallsSpooledUpdate(t *testing.T) {
	cfg, h := newConfig(t)
	dir := t.TempDir()
	cfg.SpoolOptions.Enabled = true
	cfg.SpoolOptions.Dir = dir

	a, err := cfg.NewAgent()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	msg := append([]byte{runningVersion + 1}, []byte("firmware built for rom1")...)
	tmp := filepath.Join(dir, "update.part")
	if err := os.WriteFile(tmp, msg, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "update.ota")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.restarts.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("update was not installed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	st, ok := a.Dispatcher().Last()
	if !ok || st.Outcome != "committed" || st.Slot != "rom1" {
		t.Errorf("Last() = %+v, %v; want committed to rom1", st, ok)
	}
	_, slot, err := a.Storage().Boot().Current()
	if err != nil {
		t.Fatal(err)
	}
	if slot.Name() != "rom1" {
		t.Errorf("booting %s, want rom1", slot.Name())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
