package app

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/autopeer-io/flashota/internal/ota"
	"github.com/autopeer-io/flashota/pkg/options"
)

func (t *tool) packCommand() *cobra.Command {
	var (
		version     uint64
		keyFile     string
		encryptFile string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "pack IMAGE",
		Short: "Frame a firmware image as an update message",
		Long: `Prefix IMAGE with its patch version header and, for the advanced
variant, append the checksum or signature trailer the agent verifies. With
--encrypt, image and trailer are encrypted for agents started with
--ota.encryption-key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := t.opts.OTAOptions

			image, err := afero.ReadFile(t.fs, args[0])
			if err != nil {
				return err
			}

			po := ota.PackOptions{
				Header:  ota.HeaderMode(o.VersionHeader),
				Version: version,
				Variant: o.Variant,
				Verify:  o.Verify,
			}
			if o.Variant == options.VariantAdvanced && o.Verify == options.VerifySignature {
				if po.Key, err = t.readPrivateKey(keyFile); err != nil {
					return err
				}
			}

			if encryptFile != "" {
				if po.EncryptionKey, err = t.readEncryptionKey(encryptFile); err != nil {
					return err
				}
			}

			msg, err := ota.Pack(image, po)
			if err != nil {
				return err
			}
			if output == "" {
				output = args[0] + ".ota"
			}
			if err := afero.WriteFile(t.fs, output, msg, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d, %d byte image, %d byte message\n", output, version, len(image), len(msg))
			return nil
		},
	}

	fs := cmd.Flags()
	fs.Uint64Var(&version, "patch-version", 0, "Patch version of the image. It must exceed the running version to be installed.")
	fs.StringVar(&keyFile, "key", "", "Hex encoded Ed25519 private key for signature trailers.")
	fs.StringVar(&encryptFile, "encrypt", "", "File holding the hex encoded key to encrypt advanced images with.")
	fs.StringVarP(&output, "output", "o", "", "Output file. Defaults to IMAGE.ota.")
	t.opts.OTAOptions.AddFlags(fs)
	_ = cmd.MarkFlagRequired("patch-version")
	return cmd
}

// readPrivateKey accepts a hex encoded seed or full private key.
func (t *tool) readPrivateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("--key is required for signature trailers")
	}
	data, err := afero.ReadFile(t.fs, path)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", path, err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	}
	return nil, fmt.Errorf("key %s is %d bytes, want a %d byte seed or %d byte key", path, len(b), ed25519.SeedSize, ed25519.PrivateKeySize)
}

func (t *tool) readEncryptionKey(path string) ([]byte, error) {
	data, err := afero.ReadFile(t.fs, path)
	if err != nil {
		return nil, err
	}
	key, err := ota.ParseEncryptionKey(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", path, err)
	}
	return key, nil
}

func (t *tool) keygenCommand() *cobra.Command {
	var encryption bool

	cmd := &cobra.Command{
		Use:   "keygen NAME",
		Short: "Create an Ed25519 signing key pair or an encryption key",
		Long: `Write NAME.key, the hex encoded private seed used by "pack --key", and
NAME.pub, the hex encoded public key for the agent's --ota.public-key.

With --encryption, write NAME.enc instead: a hex encoded key shared by
"pack --encrypt" and the agent's --ota.encryption-key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if encryption {
				key := make([]byte, chacha20poly1305.KeySize)
				if _, err := rand.Read(key); err != nil {
					return err
				}
				return afero.WriteFile(t.fs, args[0]+".enc", []byte(hex.EncodeToString(key)+"\n"), 0o600)
			}

			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			if err := afero.WriteFile(t.fs, args[0]+".key", []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
				return err
			}
			if err := afero.WriteFile(t.fs, args[0]+".pub", []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(pub))
			return nil
		},
	}
	cmd.Flags().BoolVar(&encryption, "encryption", false, "Create a symmetric image encryption key.")
	return cmd
}
