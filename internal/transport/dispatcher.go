// Package transport funnels update messages from every source into one
// firmware update session at a time.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/autopeer-io/flashota/internal/ota"
	"github.com/autopeer-io/flashota/internal/pkg/metrics"
	"github.com/autopeer-io/flashota/pkg/log"
)

var (
	// ErrSessionActive refuses a message while another is being applied.
	ErrSessionActive = errors.New("transport: update session already active")
	// ErrCommitted refuses a message after an update was committed and
	// before the process runs the new firmware.
	ErrCommitted = errors.New("transport: update committed, waiting for restart")
	// ErrUploadDone is returned for calls on a finished upload.
	ErrUploadDone = errors.New("transport: upload already finished")
)

// Refused reports whether err turned a message away without touching the
// device, so the same message can be offered again later.
func Refused(err error) bool {
	return errors.Is(err, ErrSessionActive) || errors.Is(err, ErrCommitted)
}

// Outcomes recorded for finished sessions.
const (
	OutcomeCommitted = "committed"
	OutcomeDiscarded = "discarded"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
	OutcomeRefused   = "refused"
)

// Status describes the progress or result of an update.
type Status struct {
	Source   string    `json:"source"`
	State    string    `json:"state"`
	Outcome  string    `json:"outcome,omitempty"`
	Version  uint64    `json:"version,omitempty"`
	Slot     string    `json:"slot,omitempty"`
	Written  uint32    `json:"written"`
	Received int64     `json:"received"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Reporter publishes status changes, for example to MQTT.
type Reporter interface {
	Report(ctx context.Context, st Status)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, st Status)

func (f ReporterFunc) Report(ctx context.Context, st Status) { f(ctx, st) }

// Dispatcher owns the single-session gate. All session calls run under its
// lock.
type Dispatcher struct {
	mu sync.Mutex

	newSession func() *ota.Session
	active     *Upload
	committed  *Status
	last       *Status
	reporters  []Reporter
}

// NewDispatcher returns a dispatcher creating sessions with newSession.
func NewDispatcher(newSession func() *ota.Session, reporters ...Reporter) *Dispatcher {
	return &Dispatcher{newSession: newSession, reporters: reporters}
}

// AddReporter registers r for every following status change.
func (d *Dispatcher) AddReporter(r Reporter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reporters = append(d.reporters, r)
}

// Active reports whether a session is open.
func (d *Dispatcher) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

// Last returns the status of the most recently finished session.
func (d *Dispatcher) Last() (Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return Status{}, false
	}
	return *d.last, true
}

// Upload is one message being delivered by source.
type Upload struct {
	d       *Dispatcher
	source  string
	session *ota.Session
	started time.Time
	done    bool
}

// Begin opens a session for a message of total bytes, or
// ota.UnknownLength. It fails with ErrSessionActive while another upload is
// open, and with ErrCommitted once an upload has committed: the boot record
// already points at the new firmware and the running version is stale.
func (d *Dispatcher) Begin(ctx context.Context, source string, total int64) (*Upload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil {
		metrics.SessionsTotal.WithLabelValues(source, OutcomeRefused).Inc()
		log.Warn("Refusing update, session active", "source", source, "activeSource", d.active.source)
		return nil, fmt.Errorf("%w (from %s)", ErrSessionActive, d.active.source)
	}
	if c := d.committed; c != nil {
		metrics.SessionsTotal.WithLabelValues(source, OutcomeRefused).Inc()
		log.Warn("Refusing update, restart pending", "source", source, "committedVersion", c.Version, "slot", c.Slot)
		return nil, fmt.Errorf("%w (version %d in %s)", ErrCommitted, c.Version, c.Slot)
	}

	u := &Upload{d: d, source: source, session: d.newSession(), started: time.Now()}
	if err := u.session.Begin(log.NewContext(ctx, log.WithValues("source", source)), total); err != nil {
		return nil, err
	}
	d.active = u
	metrics.SessionActive.Set(1)
	d.report(ctx, u.status(""))
	return u, nil
}

// Data forwards a chunk to the session. A failing chunk finishes the upload.
func (u *Upload) Data(ctx context.Context, p []byte) error {
	u.d.mu.Lock()
	defer u.d.mu.Unlock()

	if u.done {
		return ErrUploadDone
	}
	metrics.SessionBytesTotal.WithLabelValues(u.source).Add(float64(len(p)))

	prev := u.session.State()
	if err := u.session.Data(ctx, p); err != nil {
		u.finish(ctx, OutcomeFailed)
		return err
	}
	if st := u.session.State(); st != prev {
		u.d.report(ctx, u.status(""))
	}
	return nil
}

// End completes the message and returns the session result.
func (u *Upload) End(ctx context.Context) (ota.Result, error) {
	u.d.mu.Lock()
	defer u.d.mu.Unlock()

	if u.done {
		return ota.Result{}, ErrUploadDone
	}
	res, err := u.session.End(ctx)
	switch {
	case err != nil:
		u.finish(ctx, OutcomeFailed)
	case res.State == ota.StateCommitted:
		u.finish(ctx, OutcomeCommitted)
	default:
		u.finish(ctx, OutcomeDiscarded)
	}
	return res, err
}

// Abort abandons the message. It is a no-op on a finished upload.
func (u *Upload) Abort(ctx context.Context, reason error) {
	u.d.mu.Lock()
	defer u.d.mu.Unlock()

	if u.done {
		return
	}
	u.session.Abort(ctx, reason)
	u.finish(ctx, OutcomeAborted)
}

// Result returns the session outcome so far.
func (u *Upload) Result() ota.Result {
	u.d.mu.Lock()
	defer u.d.mu.Unlock()
	return u.session.Result()
}

// Source names the transport that opened the upload.
func (u *Upload) Source() string { return u.source }

func (u *Upload) finish(ctx context.Context, outcome string) {
	u.done = true
	u.d.active = nil

	metrics.SessionActive.Set(0)
	metrics.SessionsTotal.WithLabelValues(u.source, outcome).Inc()
	metrics.SessionDuration.WithLabelValues(outcome).Observe(time.Since(u.started).Seconds())

	st := u.status(outcome)
	u.d.last = &st
	if outcome == OutcomeCommitted {
		u.d.committed = &st
	}
	u.d.report(ctx, st)
}

func (u *Upload) status(outcome string) Status {
	res := u.session.Result()
	st := Status{
		Source:   u.source,
		State:    string(res.State),
		Outcome:  outcome,
		Version:  res.Version,
		Slot:     res.Slot,
		Written:  res.Written,
		Received: res.Received,
		Time:     time.Now().UTC(),
	}
	if res.Err != nil {
		st.Error = res.Err.Error()
	}
	return st
}

func (d *Dispatcher) report(ctx context.Context, st Status) {
	for _, r := range d.reporters {
		r.Report(ctx, st)
	}
}

// Feed delivers the whole of r as one message in chunks of chunkSize. A read
// error aborts the upload.
func (d *Dispatcher) Feed(ctx context.Context, source string, r io.Reader, total int64, chunkSize int) (ota.Result, error) {
	u, err := d.Begin(ctx, source, total)
	if err != nil {
		return ota.Result{}, err
	}

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			u.Abort(ctx, err)
			return ota.Result{}, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := u.Data(ctx, buf[:n]); err != nil {
				return u.Result(), err
			}
		}
		if rerr == io.EOF {
			return u.End(ctx)
		}
		if rerr != nil {
			u.Abort(ctx, rerr)
			return ota.Result{}, fmt.Errorf("transport: read %s: %w", source, rerr)
		}
	}
}
