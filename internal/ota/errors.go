package ota

import (
	"errors"

	"github.com/autopeer-io/flashota/internal/ota/stream"
)

var (
	// ErrCapacityExceeded means the image does not fit the target slot.
	ErrCapacityExceeded = stream.ErrCapacityExceeded
	// ErrProtocol means the version header is malformed or too long.
	ErrProtocol = errors.New("ota: protocol error")
	// ErrValidation means the image failed checksum or signature verification.
	ErrValidation = errors.New("ota: validation failed")
	// ErrState is returned for a call the current session state does not allow.
	ErrState = errors.New("ota: invalid session state")
)
