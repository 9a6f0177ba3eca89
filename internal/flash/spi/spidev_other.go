//go:build !linux

package spi

import "errors"

// Spidev is only available on Linux.
type Spidev struct{}

// OpenSpidev always fails off Linux.
func OpenSpidev(dev string, speedHz uint32) (*Spidev, error) {
	return nil, errors.New("spidev: not supported on this platform")
}

func (s *Spidev) Close() error { return nil }

func (s *Spidev) Transfer(tx, rx []byte) error {
	return errors.New("spidev: not supported on this platform")
}
