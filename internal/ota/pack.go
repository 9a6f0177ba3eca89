package ota

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/autopeer-io/flashota/pkg/options"
)

// PackOptions describes how an image is framed into an update message.
type PackOptions struct {
	Header  HeaderMode
	Version uint64

	// Variant and Verify take the values of options.OTAOptions.
	Variant string
	Verify  string

	// Key signs the image when Verify is signature.
	Key ed25519.PrivateKey

	// EncryptionKey, when set, encrypts image and trailer of an advanced
	// image. Rand supplies the nonce and defaults to crypto/rand.
	EncryptionKey []byte
	Rand          io.Reader
}

// Pack returns the update message for image: the version header, the image
// and, for the advanced variant, its verification trailer, optionally
// encrypted.
func Pack(image []byte, o PackOptions) ([]byte, error) {
	msg, err := AppendHeader(make([]byte, 0, len(image)+ed25519.SignatureSize+8), o.Header, o.Version)
	if err != nil {
		return nil, err
	}

	switch o.Variant {
	case options.VariantStandard:
		if len(o.EncryptionKey) > 0 {
			return nil, fmt.Errorf("ota: encryption needs the %s variant", options.VariantAdvanced)
		}
		return append(msg, image...), nil
	case options.VariantAdvanced:
	default:
		return nil, fmt.Errorf("ota: unknown variant %q", o.Variant)
	}

	var trailer []byte
	switch o.Verify {
	case options.VerifyChecksum:
		trailer = ChecksumTrailer(image)
	case options.VerifySignature:
		if len(o.Key) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("ota: signing needs an Ed25519 private key")
		}
		trailer = SignatureTrailer(image, o.Key)
	default:
		return nil, fmt.Errorf("ota: unknown verification method %q", o.Verify)
	}

	body := append(append(make([]byte, 0, len(image)+len(trailer)), image...), trailer...)
	if len(o.EncryptionKey) > 0 {
		if body, err = Encrypt(o.EncryptionKey, body, o.Rand); err != nil {
			return nil, err
		}
	}
	return append(msg, body...), nil
}
