package options

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*OTAOptions)(nil)

// OTA variants.
const (
	VariantStandard = "standard"
	VariantAdvanced = "advanced"
)

// Version header encodings.
const (
	HeaderFixed  = "fixed"
	HeaderVarint = "varint"
)

// Verification methods of the advanced variant.
const (
	VerifyChecksum  = "checksum"
	VerifySignature = "signature"
)

// OTAOptions configures the firmware update session.
type OTAOptions struct {
	Variant        string `json:"variant" mapstructure:"variant"`
	VersionHeader  string `json:"version-header" mapstructure:"version-header"`
	MaxHeaderBytes int    `json:"max-header-bytes" mapstructure:"max-header-bytes"`

	// RunningVersion overrides the patch version compiled into the binary.
	RunningVersion uint64 `json:"running-version" mapstructure:"running-version"`

	// Verify is the advanced variant's trailer type: checksum or signature.
	Verify string `json:"verify" mapstructure:"verify"`

	// PublicKey is the hex encoded Ed25519 key used when Verify is signature.
	PublicKey string `json:"public-key" mapstructure:"public-key"`

	// EncryptionKey is the hex encoded 32 byte XChaCha20-Poly1305 key of
	// encrypted advanced images. Empty means images arrive in the clear.
	EncryptionKey string `json:"encryption-key" mapstructure:"encryption-key"`

	// ChunkSize is the size of the pieces transports feed into a session.
	ChunkSize int `json:"chunk-size" mapstructure:"chunk-size"`

	// Restart controls whether a committed update restarts the process.
	Restart bool `json:"restart" mapstructure:"restart"`
}

// NewOTAOptions returns defaults matching the single byte patch version scheme.
func NewOTAOptions() *OTAOptions {
	return &OTAOptions{
		Variant:        VariantStandard,
		VersionHeader:  HeaderFixed,
		MaxHeaderBytes: 24,
		Verify:         VerifyChecksum,
		ChunkSize:      1024,
		Restart:        true,
	}
}

// Validate checks the enumerations and numeric bounds.
func (o *OTAOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.Variant != VariantStandard && o.Variant != VariantAdvanced {
		errs = append(errs, fmt.Errorf("unknown ota variant %q", o.Variant))
	}
	if o.VersionHeader != HeaderFixed && o.VersionHeader != HeaderVarint {
		errs = append(errs, fmt.Errorf("unknown version header mode %q", o.VersionHeader))
	}
	if o.MaxHeaderBytes < 1 || o.MaxHeaderBytes > 64 {
		errs = append(errs, fmt.Errorf("--ota.max-header-bytes must be in [1, 64], got %d", o.MaxHeaderBytes))
	}
	if o.Variant == VariantAdvanced {
		switch o.Verify {
		case VerifyChecksum:
		case VerifySignature:
			if o.PublicKey == "" {
				errs = append(errs, fmt.Errorf("--ota.public-key is required for signature verification"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown verification method %q", o.Verify))
		}
	}
	if o.EncryptionKey != "" {
		if o.Variant != VariantAdvanced {
			errs = append(errs, fmt.Errorf("--ota.encryption-key needs the advanced variant"))
		}
		if b, err := hex.DecodeString(o.EncryptionKey); err != nil || len(b) != 32 {
			errs = append(errs, fmt.Errorf("--ota.encryption-key must be 64 hex digits"))
		}
	}
	if o.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("--ota.chunk-size must be positive"))
	}
	return errs
}

// AddFlags adds flags for OTAOptions to the specified FlagSet.
func (o *OTAOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Variant, "ota.variant", o.Variant, "Update variant: standard (raw image) or advanced (verified image).")
	fs.StringVar(&o.VersionHeader, "ota.version-header", o.VersionHeader, "Patch version header encoding: fixed or varint.")
	fs.IntVar(&o.MaxHeaderBytes, "ota.max-header-bytes", o.MaxHeaderBytes, "Maximum number of bytes a varint version header may use.")
	fs.Uint64Var(&o.RunningVersion, "ota.running-version", o.RunningVersion, "Patch version of the running firmware. Zero uses the compiled-in version.")
	fs.StringVar(&o.Verify, "ota.verify", o.Verify, "Verification trailer of the advanced variant: checksum or signature.")
	fs.StringVar(&o.PublicKey, "ota.public-key", o.PublicKey, "Hex encoded Ed25519 public key for signature verification.")
	fs.StringVar(&o.EncryptionKey, "ota.encryption-key", o.EncryptionKey, "Hex encoded XChaCha20-Poly1305 key. Advanced images are then expected encrypted.")
	fs.IntVar(&o.ChunkSize, "ota.chunk-size", o.ChunkSize, "Size of the chunks transports feed into an update session.")
	fs.BoolVar(&o.Restart, "ota.restart", o.Restart, "Restart after a successful update.")
}
