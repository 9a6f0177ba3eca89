package ota

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypted images start with a 24 byte XChaCha20-Poly1305 nonce followed by
// the image and its trailer sealed in chunks of EncryptChunkSize plaintext
// bytes. Chunk i is sealed under the nonce with i XORed into its last eight
// bytes. The last chunk, which may be empty, carries additional data {1} and
// every other chunk {0}, so a cut-off stream never opens.
const EncryptChunkSize = 4096

const sealedChunkSize = EncryptChunkSize + chacha20poly1305.Overhead

var (
	adMore  = []byte{0}
	adFinal = []byte{1}
)

// ParseEncryptionKey decodes a hex encoded 32 byte key.
func ParseEncryptionKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ota: encryption key: %w", err)
	}
	if len(b) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("ota: encryption key is %d bytes, want %d", len(b), chacha20poly1305.KeySize)
	}
	return b, nil
}

// NewCipher returns the AEAD that opens images encrypted with key.
func NewCipher(key []byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("ota: %w", err)
	}
	return aead, nil
}

// Encrypt seals plain with key. A nil rnd uses crypto/rand for the nonce.
func Encrypt(key, plain []byte, rnd io.Reader) ([]byte, error) {
	aead, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	if rnd == nil {
		rnd = rand.Reader
	}

	out := make([]byte, chacha20poly1305.NonceSizeX, encryptedSize(int64(len(plain))))
	if _, err := io.ReadFull(rnd, out); err != nil {
		return nil, fmt.Errorf("ota: nonce: %w", err)
	}
	base := append([]byte(nil), out...)

	for counter := uint64(0); ; counter++ {
		n := min(len(plain), EncryptChunkSize)
		final := n < EncryptChunkSize
		ad := adMore
		if final {
			ad = adFinal
		}
		out = aead.Seal(out, chunkNonce(base, counter), plain[:n], ad)
		plain = plain[n:]
		if final {
			return out, nil
		}
	}
}

func chunkNonce(base []byte, counter uint64) []byte {
	n := append([]byte(nil), base...)
	tail := n[len(n)-8:]
	binary.BigEndian.PutUint64(tail, binary.BigEndian.Uint64(tail)^counter)
	return n
}

// encryptedSize is the sealed length of plain bytes.
func encryptedSize(plain int64) int64 {
	chunks := plain/EncryptChunkSize + 1
	return chacha20poly1305.NonceSizeX + plain + chunks*chacha20poly1305.Overhead
}

// decryptedSize inverts encryptedSize.
func decryptedSize(sealed int64) int64 {
	m := sealed - chacha20poly1305.NonceSizeX
	if m < chacha20poly1305.Overhead {
		return 0
	}
	full := m / sealedChunkSize
	return m - (full+1)*chacha20poly1305.Overhead
}

// decryptingSink opens sealed chunks and passes the plaintext on. A chunk is
// only opened once more data follows it, so the last one is known at Close.
type decryptingSink struct {
	aead  cipher.AEAD
	next  Sink
	base  []byte
	buf   []byte
	plain []byte
	count uint64
	err   error
}

func newDecryptingSink(aead cipher.AEAD, next Sink) *decryptingSink {
	return &decryptingSink{aead: aead, next: next}
}

func (d *decryptingSink) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.buf = append(d.buf, p...)

	if d.base == nil {
		if len(d.buf) < chacha20poly1305.NonceSizeX {
			return len(p), nil
		}
		d.base = append([]byte(nil), d.buf[:chacha20poly1305.NonceSizeX]...)
		d.buf = d.buf[chacha20poly1305.NonceSizeX:]
	}

	off := 0
	for len(d.buf)-off > sealedChunkSize {
		if err := d.open(d.buf[off:off+sealedChunkSize], adMore); err != nil {
			return 0, err
		}
		off += sealedChunkSize
	}
	d.buf = append(d.buf[:0], d.buf[off:]...)
	return len(p), nil
}

func (d *decryptingSink) open(sealed, ad []byte) error {
	plain, err := d.aead.Open(d.plain[:0], chunkNonce(d.base, d.count), sealed, ad)
	if err != nil {
		d.err = fmt.Errorf("%w: chunk %d does not decrypt", ErrValidation, d.count)
		return d.err
	}
	d.plain = plain
	d.count++
	if _, err := d.next.Write(plain); err != nil {
		d.err = err
		return err
	}
	return nil
}

// Close opens the final chunk and closes the next sink, which runs the
// trailer check. The next sink is closed on every path.
func (d *decryptingSink) Close() error {
	if d.err == nil {
		if d.base == nil || len(d.buf) < chacha20poly1305.Overhead {
			d.err = fmt.Errorf("%w: encrypted image is truncated", ErrValidation)
		} else {
			_ = d.open(d.buf, adFinal)
		}
	}

	closeErr := d.next.Close()
	if d.err != nil {
		return d.err
	}
	return closeErr
}
