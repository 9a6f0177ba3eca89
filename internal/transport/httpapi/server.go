// Package httpapi serves the device API: image upload, flash and partition
// inspection, health probes and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/flashota/internal/boot"
	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/internal/ota"
	"github.com/autopeer-io/flashota/internal/partition"
	"github.com/autopeer-io/flashota/internal/pkg/metrics"
	"github.com/autopeer-io/flashota/internal/transport"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/options"
)

// Source labels sessions started by this transport.
const Source = "http"

const maxDrain = 16 << 20

// Device reports chip information.
type Device interface {
	Info() (flash.Info, error)
}

// Config holds what the server exposes.
type Config struct {
	Dispatcher *transport.Dispatcher
	Device     Device
	Table      *partition.Table
	Boot       *boot.Selector
	ChunkSize  int
}

// Server is the HTTP transport.
type Server struct {
	cfg    Config
	router *mux.Router
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg, router: mux.NewRouter()}

	s.router.HandleFunc("/ota/image", s.upload).Methods(http.MethodPost, http.MethodPut)
	s.router.HandleFunc("/ota/status", s.status).Methods(http.MethodGet)
	s.router.HandleFunc("/flash/info", s.flashInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/partitions", s.partitions).Methods(http.MethodGet)
	s.router.HandleFunc("/boot", s.boot).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the address in o until ctx ends.
func (s *Server) Run(ctx context.Context, o *options.HttpOptions) error {
	ln, err := net.Listen(o.Network, o.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       o.Timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type uploadResponse struct {
	State   string `json:"state"`
	Version uint64 `json:"version"`
	Slot    string `json:"slot,omitempty"`
	Written uint32 `json:"written"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	total := r.ContentLength
	if total < 0 {
		total = ota.UnknownLength
	}

	res, err := s.cfg.Dispatcher.Feed(r.Context(), Source, r.Body, total, s.cfg.ChunkSize)
	resp := uploadResponse{State: string(res.State), Version: res.Version, Slot: res.Slot, Written: res.Written}
	if err != nil {
		// Drain what the client is still sending so it sees the response.
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxDrain))
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, transport.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, transport.ErrCommitted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ota.ErrCapacityExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ota.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, ota.ErrValidation):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, ok := s.cfg.Dispatcher.Last()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no update session has finished"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type flashInfoResponse struct {
	ID          string `json:"id"`
	Size        uint32 `json:"size"`
	SizeSource  string `json:"sizeSource"`
	AddressMode string `json:"addressMode"`
}

func (s *Server) flashInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.cfg.Device.Info()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, flashInfoResponse{
		ID:          log.Hex(info.ID).String(),
		Size:        info.Size,
		SizeSource:  info.SizeSource,
		AddressMode: info.AddressMode.String(),
	})
}

func (s *Server) partitions(w http.ResponseWriter, r *http.Request) {
	parts := s.cfg.Table.All()
	specs := make([]partition.Spec, 0, len(parts))
	for _, p := range parts {
		specs = append(specs, p.Spec())
	}
	writeJSON(w, http.StatusOK, specs)
}

type bootResponse struct {
	CurrentROM int      `json:"currentRom"`
	Partition  string   `json:"partition"`
	Mode       uint8    `json:"mode"`
	ROMs       []string `json:"roms"`
}

func (s *Server) boot(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.cfg.Boot.Load()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	idx, p, err := s.cfg.Boot.Current()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp := bootResponse{CurrentROM: idx, Partition: p.Name(), Mode: cfg.Mode}
	for i := 0; i < int(cfg.Count); i++ {
		resp.ROMs = append(resp.ROMs, log.Hex(cfg.ROMs[i]).String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz fails while the flash cannot be probed.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Device.Info(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "err", err.Error())
	}
}
