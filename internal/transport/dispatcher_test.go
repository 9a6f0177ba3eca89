package transport_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/autopeer-io/flashota/internal/ota"
	"github.com/autopeer-io/flashota/internal/transport"
	"github.com/autopeer-io/flashota/internal/transport/transporttest"
)

type recorder struct {
	mu       sync.Mutex
	statuses []transport.Status
}

func (r *recorder) Report(_ context.Context, st transport.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, st := range r.statuses {
		out = append(out, st.State+"/"+st.Outcome)
	}
	return out
}

func TestSecondSessionRefused(t *testing.T) {
	rig := transporttest.NewRig(t)
	d := rig.Dispatcher
	ctx := context.Background()

	first, err := d.Begin(ctx, "http", ota.UnknownLength)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Begin(ctx, "mqtt", ota.UnknownLength); !errors.Is(err, transport.ErrSessionActive) {
		t.Fatalf("second Begin = %v, want ErrSessionActive", err)
	}
	if !d.Active() {
		t.Error("Active() = false during an upload")
	}

	// The refused attempt must not disturb the first upload.
	img := bytes.Repeat([]byte{0x42}, 2000)
	if err := first.Data(ctx, transporttest.Message(5, img)); err != nil {
		t.Fatal(err)
	}
	res, err := first.End(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != ota.StateCommitted {
		t.Errorf("state = %s", res.State)
	}
	if d.Active() {
		t.Error("Active() = true after End")
	}

	if _, err := d.Begin(ctx, "mqtt", ota.UnknownLength); !errors.Is(err, transport.ErrCommitted) {
		t.Errorf("Begin after a commit = %v, want ErrCommitted", err)
	}
}

func TestCommittedUpdateBlocksResend(t *testing.T) {
	rig := transporttest.NewRig(t)
	d := rig.Dispatcher
	ctx := context.Background()

	running := bytes.Repeat([]byte{0x11}, 1500)
	if _, err := rig.Device.Write(0x2000, running); err != nil {
		t.Fatal(err)
	}

	msg := transporttest.Message(5, bytes.Repeat([]byte{0x55}, 1500))
	if _, err := d.Feed(ctx, "http", bytes.NewReader(msg), int64(len(msg)), 512); err != nil {
		t.Fatal(err)
	}
	if rig.Current(t) != "rom1" {
		t.Fatal("first delivery did not switch to rom1")
	}

	_, err := d.Feed(ctx, "mqtt", bytes.NewReader(msg), int64(len(msg)), 512)
	if !errors.Is(err, transport.ErrCommitted) {
		t.Fatalf("resend = %v, want ErrCommitted", err)
	}
	if !transport.Refused(err) {
		t.Error("Refused() = false for ErrCommitted")
	}
	if got := rig.Current(t); got != "rom1" {
		t.Errorf("boot record flipped back to %s", got)
	}
	if diff := cmp.Diff(running, rig.Slot(t, "rom0", len(running))); diff != "" {
		t.Errorf("running slot overwritten (-want +got):\n%s", diff)
	}
	if rig.Restarts() != 1 {
		t.Errorf("restarts = %d, want 1", rig.Restarts())
	}
	if last, _ := d.Last(); last.Outcome != transport.OutcomeCommitted || last.Source != "http" {
		t.Errorf("Last() = %+v, want the committed upload", last)
	}
}

func TestUploadDone(t *testing.T) {
	rig := transporttest.NewRig(t)
	ctx := context.Background()

	u, err := rig.Dispatcher.Begin(ctx, "http", ota.UnknownLength)
	if err != nil {
		t.Fatal(err)
	}
	u.Abort(ctx, errors.New("client went away"))

	if err := u.Data(ctx, []byte{1}); !errors.Is(err, transport.ErrUploadDone) {
		t.Errorf("Data after Abort = %v", err)
	}
	if _, err := u.End(ctx); !errors.Is(err, transport.ErrUploadDone) {
		t.Errorf("End after Abort = %v", err)
	}
	last, ok := rig.Dispatcher.Last()
	if !ok || last.Outcome != transport.OutcomeAborted {
		t.Errorf("Last() = %+v, %v", last, ok)
	}
	if rig.Current(t) != "rom0" {
		t.Error("boot record changed by an aborted upload")
	}
	if _, err := rig.Dispatcher.Begin(ctx, "http", ota.UnknownLength); err != nil {
		t.Errorf("Begin after Abort = %v", err)
	}
}

func TestFeedReportsStatus(t *testing.T) {
	rec := &recorder{}
	rig := transporttest.NewRig(t)
	rig.Dispatcher.AddReporter(rec)

	img := bytes.Repeat([]byte{0x17}, 3000)
	msg := transporttest.Message(7, img)
	res, err := rig.Dispatcher.Feed(context.Background(), "spool", bytes.NewReader(msg), int64(len(msg)), 256)
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != 7 || res.Written != 3000 {
		t.Errorf("result = %+v", res)
	}

	want := []string{"parsing_version/", "streaming/", "committed/committed"}
	if diff := cmp.Diff(want, rec.states()); diff != "" {
		t.Errorf("reported states (-want +got):\n%s", diff)
	}
	if rig.Restarts() != 1 {
		t.Errorf("restarts = %d", rig.Restarts())
	}
}

func TestFeedStaleAndFailed(t *testing.T) {
	tests := []struct {
		name    string
		msg     []byte
		outcome string
		wantErr error
	}{
		{"stale", transporttest.Message(1, make([]byte, 100)), transport.OutcomeDiscarded, nil},
		{"oversize", transporttest.Message(9, make([]byte, transporttest.SlotSize+1)), transport.OutcomeFailed, ota.ErrCapacityExceeded},
		{"empty", nil, transport.OutcomeFailed, ota.ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := transporttest.NewRig(t)
			_, err := rig.Dispatcher.Feed(context.Background(), "http", bytes.NewReader(tt.msg), ota.UnknownLength, 1024)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			last, _ := rig.Dispatcher.Last()
			if last.Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", last.Outcome, tt.outcome)
			}
			if rig.Current(t) != "rom0" {
				t.Error("boot record changed")
			}
		})
	}
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	f.n--
	p[0] = 0x09
	return 1, nil
}

func TestFeedReadErrorAborts(t *testing.T) {
	rig := transporttest.NewRig(t)
	_, err := rig.Dispatcher.Feed(context.Background(), "s3", &failingReader{n: 10}, ota.UnknownLength, 64)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("got %v", err)
	}
	last, _ := rig.Dispatcher.Last()
	if last.Outcome != transport.OutcomeAborted {
		t.Errorf("outcome = %s", last.Outcome)
	}
	if rig.Dispatcher.Active() {
		t.Error("session left open")
	}
}
