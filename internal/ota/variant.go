package ota

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/autopeer-io/flashota/internal/boot"
	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/internal/ota/stream"
	"github.com/autopeer-io/flashota/internal/partition"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/options"
)

// BootSelector is the persisted ROM choice a variant flips on commit.
type BootSelector interface {
	Load() (boot.Config, error)
	SetCurrent(index int) error
}

// Sink receives the image bytes that follow the version header.
type Sink interface {
	io.WriteCloser
}

// Variant decides where an image goes, how it is checked and how the boot
// record is switched afterwards.
type Variant interface {
	Name() string
	// Target returns the ROM index to write given the current boot record.
	Target(cfg boot.Config) (int, error)
	// ImageSize is the number of ROM bytes carried by a message body of n
	// bytes, the part that follows the version header.
	ImageSize(n int64) int64
	// NewSink wraps the stream writing into slot.
	NewSink(w *stream.Stream, slot *partition.Partition) Sink
	// SwitchROM makes slot the ROM booted next.
	SwitchROM(sel BootSelector, slot *partition.Partition) error
}

// NewVariant builds the variant selected by o.
func NewVariant(o *options.OTAOptions) (Variant, error) {
	switch o.Variant {
	case options.VariantStandard:
		return Standard{}, nil
	case options.VariantAdvanced:
		var v Verifier
		switch o.Verify {
		case options.VerifyChecksum:
			v = Checksum{}
		case options.VerifySignature:
			key, err := ParsePublicKey(o.PublicKey)
			if err != nil {
				return nil, err
			}
			v = Signature{Key: key}
		default:
			return nil, fmt.Errorf("ota: unknown verification method %q", o.Verify)
		}
		a := Advanced{Verifier: v}
		if o.EncryptionKey != "" {
			key, err := ParseEncryptionKey(o.EncryptionKey)
			if err != nil {
				return nil, err
			}
			if a.Cipher, err = NewCipher(key); err != nil {
				return nil, err
			}
		}
		return a, nil
	}
	return nil, fmt.Errorf("ota: unknown variant %q", o.Variant)
}

// Standard writes the raw image into the other of two ROMs and toggles
// between them.
type Standard struct{}

var _ Variant = Standard{}

func (Standard) Name() string { return options.VariantStandard }

func (Standard) ImageSize(n int64) int64 { return n }

func (Standard) Target(cfg boot.Config) (int, error) {
	if cfg.Count < 2 {
		return -1, fmt.Errorf("ota: boot record lists %d roms, need 2", cfg.Count)
	}
	return toggle(cfg.CurrentROM), nil
}

func (Standard) NewSink(w *stream.Stream, _ *partition.Partition) Sink {
	return w
}

func (s Standard) SwitchROM(sel BootSelector, slot *partition.Partition) error {
	cfg, err := sel.Load()
	if err != nil {
		return err
	}
	next, err := s.Target(cfg)
	if err != nil {
		return err
	}
	if cfg.ROMs[next] != slot.Address() {
		return fmt.Errorf("ota: rom %d is at 0x%08x, not in %s", next, cfg.ROMs[next], slot.Name())
	}
	return sel.SetCurrent(next)
}

func toggle(current uint8) int {
	if current == 0 {
		return 1
	}
	return 0
}

// Advanced expects the image followed by a verification trailer and refuses
// to switch to an image that fails it. With a Cipher set, image and trailer
// arrive encrypted and are opened before verification.
type Advanced struct {
	Verifier Verifier
	Cipher   cipher.AEAD
}

var _ Variant = Advanced{}

func (Advanced) Name() string { return options.VariantAdvanced }

func (a Advanced) ImageSize(n int64) int64 {
	if a.Cipher != nil {
		n = decryptedSize(n)
	}
	return n - int64(a.Verifier.Size())
}

func (Advanced) Target(cfg boot.Config) (int, error) {
	if cfg.Count < 2 {
		return -1, fmt.Errorf("ota: boot record lists %d roms, need 2", cfg.Count)
	}
	return (int(cfg.CurrentROM) + 1) % int(cfg.Count), nil
}

func (a Advanced) NewSink(w *stream.Stream, slot *partition.Partition) Sink {
	var sink Sink = &verifyingSink{
		w:        w,
		slot:     slot,
		verifier: a.Verifier,
		hash:     sha256.New(),
	}
	if a.Cipher != nil {
		sink = newDecryptingSink(a.Cipher, sink)
	}
	return sink
}

func (Advanced) SwitchROM(sel BootSelector, slot *partition.Partition) error {
	cfg, err := sel.Load()
	if err != nil {
		return err
	}
	index, err := cfg.IndexOf(slot.Address())
	if err != nil {
		return err
	}
	return sel.SetCurrent(index)
}

// Verifier checks the trailer that follows an advanced image.
type Verifier interface {
	// Size is the trailer length in bytes.
	Size() int
	Verify(digest, trailer []byte) error
}

// Checksum trailers are the SHA-256 digest of the image.
type Checksum struct{}

func (Checksum) Size() int { return sha256.Size }

func (Checksum) Verify(digest, trailer []byte) error {
	if subtle.ConstantTimeCompare(digest, trailer) != 1 {
		return fmt.Errorf("%w: checksum mismatch", ErrValidation)
	}
	return nil
}

// Signature trailers are an Ed25519 signature over the SHA-256 digest of the
// image.
type Signature struct {
	Key ed25519.PublicKey
}

func (Signature) Size() int { return ed25519.SignatureSize }

func (s Signature) Verify(digest, trailer []byte) error {
	if !ed25519.Verify(s.Key, digest, trailer) {
		return fmt.Errorf("%w: bad signature", ErrValidation)
	}
	return nil
}

// ParsePublicKey decodes a hex encoded Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ota: public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ota: public key is %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// ChecksumTrailer returns the checksum trailer for image.
func ChecksumTrailer(image []byte) []byte {
	sum := sha256.Sum256(image)
	return sum[:]
}

// SignatureTrailer returns the signature trailer for image.
func SignatureTrailer(image []byte, key ed25519.PrivateKey) []byte {
	sum := sha256.Sum256(image)
	return ed25519.Sign(key, sum[:])
}

// verifyingSink holds back the trailer-sized tail of the data, hashing and
// forwarding everything before it.
type verifyingSink struct {
	w        *stream.Stream
	slot     *partition.Partition
	verifier Verifier
	hash     hash.Hash
	tail     []byte
}

func (v *verifyingSink) Write(p []byte) (int, error) {
	keep := v.verifier.Size()
	buf := append(v.tail, p...)
	if len(buf) <= keep {
		v.tail = buf
		return len(p), nil
	}

	out := buf[:len(buf)-keep]
	if _, err := v.w.Write(out); err != nil {
		return 0, err
	}
	v.hash.Write(out)
	v.tail = append([]byte(nil), buf[len(buf)-keep:]...)
	return len(p), nil
}

func (v *verifyingSink) Close() error {
	if err := v.w.Close(); err != nil {
		return err
	}

	var err error
	if len(v.tail) < v.verifier.Size() {
		err = fmt.Errorf("%w: image shorter than its %d byte trailer", ErrValidation, v.verifier.Size())
	} else {
		err = v.verifier.Verify(v.hash.Sum(nil), v.tail)
	}
	if err == nil {
		return nil
	}

	// Wipe the first sector so the rejected image can never be booted.
	if eraseErr := v.slot.Erase(0, flash.SectorSize); eraseErr != nil {
		log.Error(eraseErr, "Failed to wipe rejected image", "partition", v.slot.Name())
	}
	return err
}
