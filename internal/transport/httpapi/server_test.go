package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/autopeer-io/flashota/internal/ota"
	"github.com/autopeer-io/flashota/internal/partition"
	"github.com/autopeer-io/flashota/internal/transport"
	"github.com/autopeer-io/flashota/internal/transport/transporttest"
)

func newTestServer(t *testing.T) (*transporttest.Rig, *httptest.Server) {
	t.Helper()
	rig := transporttest.NewRig(t)
	srv := httptest.NewServer(NewServer(Config{
		Dispatcher: rig.Dispatcher,
		Device:     rig.Device,
		Table:      rig.Table,
		Boot:       rig.Boot,
		ChunkSize:  1024,
	}).Handler())
	t.Cleanup(srv.Close)
	return rig, srv
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestUpload(t *testing.T) {
	img := bytes.Repeat([]byte{0x3c}, 9000)

	tests := []struct {
		name      string
		body      []byte
		wantCode  int
		wantState ota.State
		wantBoot  string
	}{
		{"newer image", transporttest.Message(5, img), http.StatusOK, ota.StateCommitted, "rom1"},
		{"stale image", transporttest.Message(1, img), http.StatusOK, ota.StateDiscarding, "rom0"},
		{"oversize image", transporttest.Message(5, make([]byte, transporttest.SlotSize+1)), http.StatusRequestEntityTooLarge, ota.StateFailed, "rom0"},
		{"empty body", nil, http.StatusBadRequest, ota.StateFailed, "rom0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig, srv := newTestServer(t)

			resp, err := http.Post(srv.URL+"/ota/image", "application/octet-stream", bytes.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			got := decode[uploadResponse](t, resp)
			if got.State != string(tt.wantState) {
				t.Errorf("state = %s, want %s (%s)", got.State, tt.wantState, got.Error)
			}
			if b := rig.Current(t); b != tt.wantBoot {
				t.Errorf("boot partition = %s, want %s", b, tt.wantBoot)
			}
		})
	}
}

func TestUploadWhileActive(t *testing.T) {
	rig, srv := newTestServer(t)

	u, err := rig.Dispatcher.Begin(context.Background(), "mqtt", ota.UnknownLength)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Abort(context.Background(), nil)

	resp, err := http.Post(srv.URL+"/ota/image", "application/octet-stream", bytes.NewReader([]byte{5, 1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestUploadAfterCommit(t *testing.T) {
	_, srv := newTestServer(t)

	msg := transporttest.Message(4, []byte("abcdefgh"))
	codes := make([]int, 2)
	for i := range codes {
		resp, err := http.Post(srv.URL+"/ota/image", "application/octet-stream", bytes.NewReader(msg))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes[i] = resp.StatusCode
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusServiceUnavailable {
		t.Errorf("status codes = %v, want [200 503]", codes)
	}
}

func TestInspection(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/flash/info")
	if err != nil {
		t.Fatal(err)
	}
	info := decode[flashInfoResponse](t, resp)
	if info.Size != 0x40000 || info.SizeSource != "medium" || info.AddressMode != "3-byte" {
		t.Errorf("flash info = %+v", info)
	}

	resp, err = http.Get(srv.URL + "/partitions")
	if err != nil {
		t.Fatal(err)
	}
	parts := decode[[]partition.Spec](t, resp)
	var names []string
	for _, p := range parts {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"rboot-config", "rom0", "rom1"}, names); diff != "" {
		t.Errorf("partitions (-want +got):\n%s", diff)
	}

	resp, err = http.Get(srv.URL + "/boot")
	if err != nil {
		t.Fatal(err)
	}
	b := decode[bootResponse](t, resp)
	want := bootResponse{CurrentROM: 0, Partition: "rom0", ROMs: []string{"0x00002000", "0x00012000"}}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("boot (-want +got):\n%s", diff)
	}
}

func TestStatusAfterUpload(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ota/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status before any upload = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/ota/image", "application/octet-stream", bytes.NewReader(transporttest.Message(4, []byte("abcdefgh"))))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/ota/status")
	if err != nil {
		t.Fatal(err)
	}
	st := decode[transport.Status](t, resp)
	if st.Source != Source || st.Outcome != transport.OutcomeCommitted || st.Written != 8 {
		t.Errorf("status = %+v", st)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	_, srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "ok" {
			t.Errorf("%s = %d %q", path, resp.StatusCode, body)
		}
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "flashota_flash_bytes_total") {
		t.Error("metrics output lacks flash counters")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/ota/image")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /ota/image = %d", resp.StatusCode)
	}
}
