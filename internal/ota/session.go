// Package ota turns a transport's start, data and end signals into a
// firmware update: it parses the patch version header, writes newer images
// into the inactive ROM slot and switches the boot record only after the
// whole image is in flash.
package ota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/flashota/internal/ota/stream"
	"github.com/autopeer-io/flashota/internal/partition"
	fsmutil "github.com/autopeer-io/flashota/internal/pkg/util/fsm"
	"github.com/autopeer-io/flashota/pkg/log"
)

// State is the position of a session in the update protocol.
type State string

const (
	StateAwaitingStart  State = "awaiting_start"
	StateParsingVersion State = "parsing_version"
	StateStreaming      State = "streaming"
	StateDiscarding     State = "discarding"
	StateCommitted      State = "committed"
	StateFailed         State = "failed"
)

const (
	// EventStart begins a message.
	EventStart = "event_start"
	// EventStale drops an image that is not newer than the running firmware.
	EventStale = "event_stale"
	// EventAccept starts writing a newer image.
	EventAccept = "event_accept"
	// EventCommit switches the boot record after a complete image.
	EventCommit = "event_commit"
	// EventFail abandons the session.
	EventFail = "event_fail"
)

// UnknownLength is passed to Begin when the message size is not known.
const UnknownLength = -1

// Config wires a Session to the device.
type Config struct {
	Header         HeaderMode
	MaxHeaderBytes int
	RunningVersion uint64
	Variant        Variant
	Table          *partition.Table
	Boot           BootSelector

	// Restart is called after a successful commit. Nil disables it.
	Restart func(ctx context.Context) error
}

// Result summarises a finished session.
type Result struct {
	State    State
	Version  uint64
	Slot     string
	Written  uint32
	Received int64
	Err      error
}

// Session is one update message. It is not safe for concurrent use; the
// transport dispatcher serialises calls.
type Session struct {
	cfg Config
	fsm *fsm.FSM
	log log.Logger

	header   headerParser
	total    int64
	received int64
	started  time.Time

	version uint64
	slot    *partition.Partition
	stream  *stream.Stream
	sink    Sink

	err error
}

// NewSession returns a session awaiting the start of a message.
func NewSession(cfg Config) *Session {
	s := &Session{cfg: cfg, log: log.WithName("ota")}

	src := func(states ...State) []string {
		out := make([]string, len(states))
		for i, st := range states {
			out[i] = string(st)
		}
		return out
	}

	events := fsm.Events{
		{Name: EventStart, Src: src(StateAwaitingStart), Dst: string(StateParsingVersion)},
		{Name: EventStale, Src: src(StateParsingVersion), Dst: string(StateDiscarding)},
		{Name: EventAccept, Src: src(StateParsingVersion), Dst: string(StateStreaming)},
		{Name: EventCommit, Src: src(StateStreaming), Dst: string(StateCommitted)},
		{Name: EventFail, Src: src(StateParsingVersion, StateStreaming, StateDiscarding), Dst: string(StateFailed)},
	}

	callbacks := fsm.Callbacks{
		"before_" + EventCommit:            fsmutil.WrapEvent(s.guardCommit),
		"enter_" + string(StateStreaming):  fsmutil.WrapEvent(s.enterStreaming),
		"enter_" + string(StateDiscarding): fsmutil.WrapEvent(s.enterDiscarding),
		"enter_" + string(StateCommitted):  fsmutil.WrapEvent(s.enterCommitted),
		"enter_" + string(StateFailed):     fsmutil.WrapEvent(s.enterFailed),
	}

	s.fsm = fsm.NewFSM(string(StateAwaitingStart), events, callbacks)
	return s
}

// State returns the current protocol state.
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// Version returns the parsed patch version once the header is complete.
func (s *Session) Version() (uint64, bool) {
	return s.version, s.header.done
}

// Begin starts a message of total bytes, or UnknownLength. The session logs
// through the logger carried by ctx, see log.NewContext.
func (s *Session) Begin(ctx context.Context, total int64) error {
	s.log = log.FromContext(ctx).WithName("ota")
	s.header = newHeaderParser(s.cfg.Header, s.cfg.MaxHeaderBytes)
	s.total = total
	s.started = time.Now()
	if err := s.fsm.Event(ctx, EventStart); err != nil {
		return fmt.Errorf("%w: begin in %s", ErrState, s.State())
	}
	s.log.Debug("Update session started", "total", total)
	return nil
}

// Data feeds the next chunk of the message.
func (s *Session) Data(ctx context.Context, p []byte) error {
	s.received += int64(len(p))

	switch s.State() {
	case StateParsingVersion:
		n, err := s.header.feed(p)
		if err != nil {
			return s.fail(ctx, err)
		}
		if !s.header.done {
			return nil
		}
		s.version = s.header.value
		if s.version <= s.cfg.RunningVersion {
			if err := s.fsm.Event(ctx, EventStale); err != nil {
				return s.fail(ctx, err)
			}
			return nil
		}
		if err := s.fsm.Event(ctx, EventAccept); err != nil {
			return s.fail(ctx, err)
		}
		return s.write(ctx, p[n:])
	case StateStreaming:
		return s.write(ctx, p)
	case StateDiscarding:
		return nil
	}
	return fmt.Errorf("%w: data in %s", ErrState, s.State())
}

func (s *Session) write(ctx context.Context, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := s.sink.Write(p); err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

// End finishes the message. A streaming session is verified and committed;
// the returned error reports why it was not.
func (s *Session) End(ctx context.Context) (Result, error) {
	switch s.State() {
	case StateParsingVersion:
		err := s.fail(ctx, fmt.Errorf("%w: message ended inside the version header", ErrProtocol))
		return s.Result(), err
	case StateDiscarding:
		s.log.Info("Discarded stale image", "version", s.version, "running", s.cfg.RunningVersion, "received", s.received)
		return s.Result(), nil
	case StateStreaming:
		if err := s.fsm.Event(ctx, EventCommit); err != nil {
			if s.err == nil {
				s.err = err
			}
			err = s.fail(ctx, s.err)
			return s.Result(), err
		}
		s.restart(ctx)
		return s.Result(), nil
	}
	return s.Result(), fmt.Errorf("%w: end in %s", ErrState, s.State())
}

// Abort abandons the session, for example when the transport drops. The
// boot record is left untouched.
func (s *Session) Abort(ctx context.Context, reason error) {
	switch s.State() {
	case StateParsingVersion, StateStreaming, StateDiscarding:
		if reason == nil {
			reason = errors.New("aborted")
		}
		_ = s.fail(ctx, reason)
	}
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	return s.err
}

// Result returns the session outcome so far.
func (s *Session) Result() Result {
	r := Result{State: s.State(), Version: s.version, Received: s.received, Err: s.err}
	if s.slot != nil {
		r.Slot = s.slot.Name()
	}
	if s.stream != nil {
		r.Written = s.stream.Written()
	}
	return r
}

func (s *Session) fail(ctx context.Context, err error) error {
	if s.err == nil {
		s.err = err
	}
	if s.State() != StateFailed {
		if fsmErr := s.fsm.Event(ctx, EventFail, err); fsmErr != nil {
			s.log.Warn("Failed to record session failure", "err", fsmErr.Error())
		}
	}
	return s.err
}

func (s *Session) restart(ctx context.Context) {
	if s.cfg.Restart == nil {
		return
	}
	s.log.Info("Restarting into new firmware", "slot", s.slot.Name(), "version", s.version)
	if err := s.cfg.Restart(ctx); err != nil {
		s.log.Error(err, "Restart failed, new firmware boots on next reset")
	}
}

// enterStreaming picks the inactive slot and opens the stream into it.
func (s *Session) enterStreaming(ctx context.Context, e *fsm.Event) error {
	rec, err := s.cfg.Boot.Load()
	if err != nil {
		return err
	}
	index, err := s.cfg.Variant.Target(rec)
	if err != nil {
		return err
	}
	slot, err := s.cfg.Table.At(rec.ROMs[index])
	if err != nil {
		return fmt.Errorf("ota: rom %d: %w", index, err)
	}
	if slot.Role() != partition.RoleApp || slot.Address() != rec.ROMs[index] {
		return fmt.Errorf("ota: rom %d at 0x%08x is not the start of an application slot", index, rec.ROMs[index])
	}

	if s.total >= 0 {
		image := s.cfg.Variant.ImageSize(s.total - int64(s.header.n))
		if image > int64(slot.Size()) {
			return fmt.Errorf("%w: %d byte image, slot %s holds %d", ErrCapacityExceeded, image, slot.Name(), slot.Size())
		}
	}

	s.slot = slot
	s.stream = stream.New(slot, slot.Size())
	s.sink = s.cfg.Variant.NewSink(s.stream, slot)
	s.log.Info("Accepted update", "version", s.version, "running", s.cfg.RunningVersion,
		"slot", slot.Name(), "rom", index, "variant", s.cfg.Variant.Name())
	return nil
}

func (s *Session) enterDiscarding(ctx context.Context, e *fsm.Event) error {
	s.log.Info("Ignoring image that is not newer", "version", s.version, "running", s.cfg.RunningVersion)
	return nil
}

// guardCommit closes the sink and switches the boot record. Any failure
// cancels the transition.
func (s *Session) guardCommit(ctx context.Context, e *fsm.Event) error {
	err := s.sink.Close()
	s.sink = nil
	if err == nil {
		err = s.cfg.Variant.SwitchROM(s.cfg.Boot, s.slot)
	}
	if err != nil {
		s.err = err
		e.Cancel(err)
	}
	return nil
}

func (s *Session) enterCommitted(ctx context.Context, e *fsm.Event) error {
	s.log.Info("Update committed", "version", s.version, "slot", s.slot.Name(),
		"bytes", s.stream.Written(), "duration", time.Since(s.started))
	return nil
}

func (s *Session) enterFailed(ctx context.Context, e *fsm.Event) error {
	if s.sink != nil {
		if err := s.sink.Close(); err != nil && !errors.Is(err, s.err) {
			s.log.Warn("Failed to close update stream", "err", err.Error())
		}
		s.sink = nil
	}
	s.log.Error(s.err, "Update failed", "version", s.version, "received", s.received)
	return nil
}
