package app

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/autopeer-io/flashota/internal/ota"
	"github.com/autopeer-io/flashota/pkg/mqtt"
	"github.com/autopeer-io/flashota/pkg/options"
)

type fakeClient struct {
	cfg       *mqtt.ClientConfig
	topic     string
	retain    bool
	payload   []byte
	connected bool
}

func (f *fakeClient) Start(context.Context) error           { f.connected = true; return nil }
func (f *fakeClient) AwaitConnection(context.Context) error { return nil }
func (f *fakeClient) IsConnected() bool                     { return f.connected }
func (f *fakeClient) Disconnect(context.Context)            { f.connected = false }

func (f *fakeClient) Publish(_ context.Context, topic string, _ int, retain bool, payload []byte) error {
	f.topic, f.retain, f.payload = topic, retain, payload
	return nil
}

func (f *fakeClient) Subscribe(context.Context, string, int, mqtt.MessageHandler) error { return nil }
func (f *fakeClient) Unsubscribe(context.Context, string) error                       { return nil }

type harness struct {
	fs     afero.Fs
	client *fakeClient
}

func newHarness() *harness {
	return &harness{fs: afero.NewMemMapFs(), client: &fakeClient{}}
}

// run executes one otatool invocation with fresh options.
func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newCommand(&tool{
		fs:   h.fs,
		out:  &out,
		opts: newToolOptions(),
		newClient: func(cfg *mqtt.ClientConfig) (mqtt.Client, error) {
			h.client.cfg = cfg
			return h.client, nil
		},
	})
	cmd.SetArgs(args)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func (h *harness) write(t *testing.T, name string, data []byte) {
	t.Helper()
	if err := afero.WriteFile(h.fs, name, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) read(t *testing.T, name string) []byte {
	t.Helper()
	data, err := afero.ReadFile(h.fs, name)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestPackStandard(t *testing.T) {
	h := newHarness()
	h.write(t, "/fw.bin", []byte("firmware"))

	if _, err := h.run(t, "pack", "/fw.bin", "--patch-version=7"); err != nil {
		t.Fatal(err)
	}
	if got, want := h.read(t, "/fw.bin.ota"), append([]byte{7}, "firmware"...); !bytes.Equal(got, want) {
		t.Errorf("message = %x, want %x", got, want)
	}

	if _, err := h.run(t, "pack", "/fw.bin"); err == nil {
		t.Error("pack without a version succeeded")
	}
}

func TestKeygenAndSignedPack(t *testing.T) {
	h := newHarness()
	h.write(t, "/fw.bin", bytes.Repeat([]byte{0x42}, 5000))

	out, err := h.run(t, "keygen", "/release")
	if err != nil {
		t.Fatal(err)
	}
	pubHex := strings.TrimSpace(string(h.read(t, "/release.pub")))
	if strings.TrimSpace(out) != pubHex {
		t.Errorf("printed key %q, file holds %q", out, pubHex)
	}

	_, err = h.run(t, "pack", "/fw.bin", "-o", "/signed.ota", "--patch-version=300",
		"--ota.variant=advanced", "--ota.version-header=varint", "--ota.verify=signature", "--key=/release.key")
	if err != nil {
		t.Fatal(err)
	}

	msg := h.read(t, "/signed.ota")
	image := h.read(t, "/fw.bin")
	if !bytes.Equal(msg[:2], []byte{0xac, 0x02}) {
		t.Errorf("header = %x, want varint 300", msg[:2])
	}
	body, trailer := msg[2:len(msg)-ed25519.SignatureSize], msg[len(msg)-ed25519.SignatureSize:]
	if !bytes.Equal(body, image) {
		t.Error("message body is not the image")
	}

	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256(image)
	if err := (ota.Signature{Key: pub}).Verify(digest[:], trailer); err != nil {
		t.Errorf("trailer does not verify: %v", err)
	}

	if _, err := h.run(t, "pack", "/fw.bin", "--patch-version=1",
		"--ota.variant=advanced", "--ota.verify=signature"); err == nil {
		t.Error("signing without a key succeeded")
	}
}

func TestInfoAndBootSet(t *testing.T) {
	h := newHarness()
	flags := []string{"--flash.path=/flash.bin"}

	out, err := h.run(t, append([]string{"info"}, flags...)...)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"rboot-config", "rom0,boot", "rom1", "spiffs0", "CURRENT ROM:"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output missing %q:\n%s", want, out)
		}
	}

	out, err = h.run(t, append([]string{"boot", "set", "rom1"}, flags...)...)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "booting rom 1 (rom1)") {
		t.Errorf("boot set output = %q", out)
	}

	out, err = h.run(t, append([]string{"info"}, flags...)...)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "rom1,boot") {
		t.Errorf("rom1 not marked as booting:\n%s", out)
	}

	if _, err := h.run(t, append([]string{"boot", "set", "0"}, flags...)...); err != nil {
		t.Errorf("boot set by index: %v", err)
	}
	for _, bad := range []string{"spiffs0", "7", "nope"} {
		if _, err := h.run(t, append([]string{"boot", "set", bad}, flags...)...); err == nil {
			t.Errorf("boot set %s succeeded", bad)
		}
	}
}

func TestDeploy(t *testing.T) {
	h := newHarness()
	h.write(t, "/fw.bin.ota", []byte{3, 1, 2, 3})

	out, err := h.run(t, "deploy", "/fw.bin.ota", "--retain", "--mqtt.broker=mqtt://broker:1883", "--mqtt.app-version=2.0")
	if err != nil {
		t.Fatal(err)
	}

	o := options.NewMqttOptions()
	o.AppVersion = "2.0"
	if h.client.topic != o.UpdateTopic() || !h.client.retain || !bytes.Equal(h.client.payload, []byte{3, 1, 2, 3}) {
		t.Errorf("published %q retain=%v payload=%x", h.client.topic, h.client.retain, h.client.payload)
	}
	if h.client.cfg.BrokerURL != "mqtt://broker:1883" || h.client.cfg.WillTopic != "" {
		t.Errorf("client config = %+v", h.client.cfg)
	}
	if h.client.connected {
		t.Error("client left connected")
	}
	if !strings.Contains(out, o.UpdateTopic()) {
		t.Errorf("output = %q", out)
	}
}

func TestEncryptedPack(t *testing.T) {
	h := newHarness()
	image := bytes.Repeat([]byte{0x5a}, 5000)
	h.write(t, "/fw.bin", image)

	if _, err := h.run(t, "keygen", "--encryption", "/fleet"); err != nil {
		t.Fatal(err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(h.read(t, "/fleet.enc"))))
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.run(t, "pack", "/fw.bin", "-o", "/enc.ota", "--patch-version=9",
		"--ota.variant=advanced", "--ota.verify=checksum", "--encrypt=/fleet.enc")
	if err != nil {
		t.Fatal(err)
	}
	msg := h.read(t, "/enc.ota")

	// header, nonce, a full sealed chunk and the sealed remainder
	body := len(image) + sha256.Size
	if want := 1 + chacha20poly1305.NonceSizeX + body + 2*chacha20poly1305.Overhead; len(msg) != want {
		t.Fatalf("message is %d bytes, want %d", len(msg), want)
	}
	if msg[0] != 9 {
		t.Errorf("header = %d", msg[0])
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		t.Fatal(err)
	}
	nonce := msg[1 : 1+chacha20poly1305.NonceSizeX]
	first := msg[1+chacha20poly1305.NonceSizeX : 1+chacha20poly1305.NonceSizeX+ota.EncryptChunkSize+chacha20poly1305.Overhead]
	plain, err := aead.Open(nil, nonce, first, []byte{0})
	if err != nil {
		t.Fatalf("first chunk does not open: %v", err)
	}
	if !bytes.Equal(plain, image[:ota.EncryptChunkSize]) {
		t.Error("first chunk is not the start of the image")
	}

	if _, err := h.run(t, "pack", "/fw.bin", "--patch-version=9", "--encrypt=/fleet.enc"); err == nil {
		t.Error("encrypting a standard image succeeded")
	}
}
