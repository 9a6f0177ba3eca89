// Package stream writes a firmware image forward-only into a partition,
// erasing sectors just ahead of the data.
package stream

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/pkg/log"
)

var (
	// ErrCapacityExceeded rejects a write that would pass the maximum length.
	ErrCapacityExceeded = errors.New("stream: capacity exceeded")
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("stream: closed")
)

// Partition is the target a Stream writes into.
type Partition interface {
	Name() string
	Size() uint32
	Write(offset uint32, b []byte) (int, error)
	Erase(offset, n uint32) error
}

// State is the lifecycle position of a Stream.
type State int

const (
	StateUninitialized State = iota
	StateWriting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateWriting:
		return "writing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Stream appends to a partition from offset 0. Data is programmed in whole
// words; a sub-word remainder waits for the next write or for Close.
// A Stream is owned by a single session and is not safe for concurrent use.
type Stream struct {
	part  Partition
	max   uint32
	state State

	// cursor counts accepted bytes, flushed those programmed.
	cursor  uint32
	flushed uint32
	// erased is the partition offset up to which sectors have been erased.
	erased uint32

	pending []byte
	err     error
}

// New returns a Stream over part accepting at most max bytes. A zero or
// oversized max is clamped to the partition size.
func New(part Partition, max uint32) *Stream {
	if max == 0 || max > part.Size() {
		max = part.Size()
	}
	return &Stream{part: part, max: max, pending: make([]byte, 0, flash.WordSize)}
}

// Written returns the number of bytes accepted so far.
func (s *Stream) Written() uint32 { return s.cursor }

// Max returns the capacity of the stream.
func (s *Stream) Max() uint32 { return s.max }

// State returns the lifecycle state.
func (s *Stream) State() State { return s.state }

// Write appends p. A write that does not fit is rejected whole and leaves
// the stream unchanged.
func (s *Stream) Write(p []byte) (int, error) {
	switch s.state {
	case StateClosed:
		return 0, ErrClosed
	case StateUninitialized:
		s.state = StateWriting
		log.Debug("Update stream opened", "partition", s.part.Name(), "max", s.max)
	}
	if s.err != nil {
		return 0, s.err
	}
	if uint64(s.cursor)+uint64(len(p)) > uint64(s.max) {
		return 0, fmt.Errorf("%w: %d bytes at %d, limit %d", ErrCapacityExceeded, len(p), s.cursor, s.max)
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := s.cursor + uint32(len(p))
	if err := s.eraseTo(end); err != nil {
		return 0, s.broken(err)
	}

	data := p
	if len(s.pending) > 0 {
		data = append(append([]byte(nil), s.pending...), p...)
	}
	whole := len(data) &^ (flash.WordSize - 1)
	if whole > 0 {
		if err := s.program(data[:whole]); err != nil {
			return 0, s.broken(err)
		}
	}
	s.pending = append(s.pending[:0], data[whole:]...)
	s.cursor = end
	return len(p), nil
}

// eraseTo erases every sector the stream will touch below offset end.
func (s *Stream) eraseTo(end uint32) error {
	if end <= s.erased {
		return nil
	}
	to := min((end+flash.SectorSize-1)&^(flash.SectorSize-1), s.part.Size())
	if err := s.part.Erase(s.erased, to-s.erased); err != nil {
		return err
	}
	s.erased = to
	return nil
}

func (s *Stream) program(b []byte) error {
	n, err := s.part.Write(s.flushed, b)
	s.flushed += uint32(n)
	if err == nil && n != len(b) {
		err = &flash.ShortTransferError{Addr: s.flushed, Done: n, Want: len(b)}
	}
	return err
}

func (s *Stream) broken(err error) error {
	s.err = fmt.Errorf("stream %s: %w", s.part.Name(), err)
	return s.err
}

// Close programs the pending remainder padded with 0xFF and closes the
// stream. Closing twice is a no-op.
func (s *Stream) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	if s.err != nil {
		return s.err
	}
	if len(s.pending) > 0 {
		word := bytes.Repeat([]byte{0xff}, flash.WordSize)
		copy(word, s.pending)
		s.pending = s.pending[:0]
		if uint64(s.flushed)+flash.WordSize > uint64(s.part.Size()) {
			return s.broken(fmt.Errorf("no room to pad final word at %d", s.flushed))
		}
		if err := s.program(word); err != nil {
			return s.broken(err)
		}
	}
	log.Debug("Update stream closed", "partition", s.part.Name(), "written", s.cursor)
	return nil
}
