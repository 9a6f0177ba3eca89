// Package spool streams update files dropped into a directory.
//
// Writers should create the file under another name and rename it into
// place, since processing starts on the create event.
package spool

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/autopeer-io/flashota/internal/ota"
	"github.com/autopeer-io/flashota/internal/transport"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/options"
)

// Source labels sessions started by this transport.
const Source = "spool"

// Subdirectories receiving processed files.
const (
	DoneDir   = "done"
	FailedDir = "failed"
)

// DefaultRescanInterval picks up files skipped while another session ran.
const DefaultRescanInterval = 10 * time.Second

// Spool feeds files from a directory into update sessions.
type Spool struct {
	fs        afero.Fs
	dir       string
	suffix    string
	d         *transport.Dispatcher
	chunkSize int

	RescanInterval time.Duration
}

// New returns a spool over dir on fs. Run needs fs to be backed by the OS
// filesystem for change notifications.
func New(fs afero.Fs, o *options.SpoolOptions, d *transport.Dispatcher, chunkSize int) *Spool {
	return &Spool{
		fs:             fs,
		dir:            o.Dir,
		suffix:         o.Suffix,
		d:              d,
		chunkSize:      chunkSize,
		RescanInterval: DefaultRescanInterval,
	}
}

func (s *Spool) ensureDirs() error {
	for _, d := range []string{s.dir, filepath.Join(s.dir, DoneDir), filepath.Join(s.dir, FailedDir)} {
		if err := s.fs.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("spool: create %s: %w", d, err)
		}
	}
	return nil
}

// Run processes existing files, then watches the directory until ctx ends.
func (s *Spool) Run(ctx context.Context) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spool: create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("spool: watch %s: %w", s.dir, err)
	}
	log.Info("Watching spool directory", "dir", s.dir, "suffix", s.suffix)

	s.Scan(ctx)

	ticker := time.NewTicker(s.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) && s.matches(ev.Name) {
				s.handle(ctx, ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "Spool watcher error", "dir", s.dir)
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan processes every pending file in name order.
func (s *Spool) Scan(ctx context.Context) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		log.Error(err, "Failed to list spool directory", "dir", s.dir)
		return
	}

	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.Mode().IsRegular() && s.matches(fi.Name()) {
			names = append(names, fi.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		s.handle(ctx, filepath.Join(s.dir, name))
	}
}

func (s *Spool) matches(name string) bool {
	return strings.HasSuffix(name, s.suffix)
}

func (s *Spool) handle(ctx context.Context, path string) {
	res, err := s.Process(ctx, path)
	switch {
	case transport.Refused(err):
		log.Debug("Update refused, leaving spool file for later", "file", path, "reason", err.Error())
	case err != nil:
		log.Error(err, "Spool update failed", "file", path)
	default:
		log.Info("Spool update finished", "file", path, "state", res.State, "version", res.Version)
	}
}

// Process streams one file and moves it to done/ or failed/. A file is left
// in place when the dispatcher refuses it, while another session holds the
// device or a committed update waits for the restart.
func (s *Spool) Process(ctx context.Context, path string) (ota.Result, error) {
	res, err := s.feed(ctx, path)
	if transport.Refused(err) || ctx.Err() != nil {
		return res, err
	}

	dst := DoneDir
	if err != nil {
		dst = FailedDir
	}
	if mvErr := s.fs.Rename(path, filepath.Join(s.dir, dst, filepath.Base(path))); mvErr != nil {
		return res, errors.Join(err, fmt.Errorf("spool: move %s: %w", path, mvErr))
	}
	return res, err
}

func (s *Spool) feed(ctx context.Context, path string) (ota.Result, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return ota.Result{}, fmt.Errorf("spool: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return ota.Result{}, fmt.Errorf("spool: stat %s: %w", path, err)
	}
	return s.d.Feed(ctx, Source, f, fi.Size(), s.chunkSize)
}
