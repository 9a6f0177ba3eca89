package ota

import (
	"encoding/binary"
	"fmt"
)

// HeaderMode is the encoding of the patch version that prefixes an image.
type HeaderMode string

const (
	// HeaderFixed is a single version byte.
	HeaderFixed HeaderMode = "fixed"
	// HeaderVarint is an unsigned LEB128 varint, low group first.
	HeaderVarint HeaderMode = "varint"
)

// DefaultMaxHeaderBytes bounds a varint header when no limit is configured.
const DefaultMaxHeaderBytes = 24

// headerParser consumes the version header from arbitrarily split chunks.
type headerParser struct {
	mode HeaderMode
	max  int

	n     int
	shift uint
	value uint64
	done  bool
}

func newHeaderParser(mode HeaderMode, max int) headerParser {
	if max <= 0 {
		max = DefaultMaxHeaderBytes
	}
	return headerParser{mode: mode, max: max}
}

// feed consumes header bytes from p and returns how many it used.
func (h *headerParser) feed(p []byte) (int, error) {
	if h.mode == HeaderFixed {
		if len(p) == 0 {
			return 0, nil
		}
		h.value, h.n, h.done = uint64(p[0]), 1, true
		return 1, nil
	}

	for i, b := range p {
		if h.n == h.max {
			return i, fmt.Errorf("%w: version header longer than %d bytes", ErrProtocol, h.max)
		}
		h.n++

		group := uint64(b & 0x7f)
		if group != 0 {
			if h.shift >= 64 || group>>(64-h.shift) != 0 {
				return i + 1, fmt.Errorf("%w: version overflows 64 bits", ErrProtocol)
			}
			h.value |= group << h.shift
		}
		h.shift += 7

		if b&0x80 == 0 {
			h.done = true
			return i + 1, nil
		}
	}
	if h.n == h.max {
		return len(p), fmt.Errorf("%w: version header longer than %d bytes", ErrProtocol, h.max)
	}
	return len(p), nil
}

// AppendHeader appends the encoding of version to b.
func AppendHeader(b []byte, mode HeaderMode, version uint64) ([]byte, error) {
	switch mode {
	case HeaderFixed:
		if version > 0xff {
			return nil, fmt.Errorf("ota: version %d does not fit a fixed header", version)
		}
		return append(b, byte(version)), nil
	case HeaderVarint:
		return binary.AppendUvarint(b, version), nil
	}
	return nil, fmt.Errorf("ota: unknown header mode %q", mode)
}
