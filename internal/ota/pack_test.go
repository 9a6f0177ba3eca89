package ota

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/autopeer-io/flashota/pkg/options"
)

func TestPackLayout(t *testing.T) {
	img := []byte("image body")

	tests := []struct {
		name string
		opts PackOptions
		want []byte
	}{
		{
			name: "standard fixed",
			opts: PackOptions{Header: HeaderFixed, Version: 3, Variant: options.VariantStandard},
			want: append([]byte{3}, img...),
		},
		{
			name: "standard varint",
			opts: PackOptions{Header: HeaderVarint, Version: 300, Variant: options.VariantStandard},
			want: append([]byte{0xac, 0x02}, img...),
		},
		{
			name: "advanced checksum",
			opts: PackOptions{Header: HeaderFixed, Version: 3, Variant: options.VariantAdvanced, Verify: options.VerifyChecksum},
			want: append(append([]byte{3}, img...), ChecksumTrailer(img)...),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Pack(img, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Pack() (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPackErrors(t *testing.T) {
	tests := []struct {
		name string
		opts PackOptions
	}{
		{"fixed header overflow", PackOptions{Header: HeaderFixed, Version: 256, Variant: options.VariantStandard}},
		{"unknown variant", PackOptions{Header: HeaderFixed, Version: 1, Variant: "delta"}},
		{"unknown verify", PackOptions{Header: HeaderFixed, Version: 1, Variant: options.VariantAdvanced, Verify: "crc"}},
		{"signature without key", PackOptions{Header: HeaderFixed, Version: 1, Variant: options.VariantAdvanced, Verify: options.VerifySignature}},
		{"encrypted standard", PackOptions{Header: HeaderFixed, Version: 1, Variant: options.VariantStandard, EncryptionKey: bytes.Repeat([]byte{1}, 32)}},
		{"short encryption key", PackOptions{Header: HeaderFixed, Version: 1, Variant: options.VariantAdvanced, Verify: options.VerifyChecksum, EncryptionKey: []byte{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Pack([]byte("x"), tt.opts); err == nil {
				t.Error("Pack() succeeded")
			}
		})
	}
}

func TestPackedSignedImageCommits(t *testing.T) {
	key := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{3}, ed25519.SeedSize))
	img := image(9000, 9)

	msg, err := Pack(img, PackOptions{
		Header:  HeaderVarint,
		Version: 1000,
		Variant: options.VariantAdvanced,
		Verify:  options.VerifySignature,
		Key:     key,
	})
	if err != nil {
		t.Fatal(err)
	}

	r := newRig(t)
	s := r.session(Advanced{Verifier: Signature{Key: key.Public().(ed25519.PublicKey)}}, HeaderVarint)
	res, err := deliver(s, msg, 777, int64(len(msg)))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.State != StateCommitted || res.Version != 1000 {
		t.Errorf("Result = %+v", res)
	}
	if diff := cmp.Diff(img, r.slot(t, "rom1", len(img))); diff != "" {
		t.Errorf("slot contents (-want +got):\n%s", diff)
	}
}
