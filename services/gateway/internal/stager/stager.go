// Package stager keeps a trusted copy of the worker executable at a fixed path. Workers run
// under other users' identities and working directories, so they are spawned from a staged
// copy with controlled permissions rather than from the bundle.
package stager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	helpers "idia-astro/go-remotemon/pkg/shared"
)

var ErrProvisioning = errors.New("provisioning error")

type Stager struct {
	Source string
	Target string
	Mode   fs.FileMode

	// gate serializes staging so concurrent first spawns never both write Target
	gate   sync.Mutex
	copies int
	logger *slog.Logger
}

func New(source, target string, mode fs.FileMode) *Stager {
	return &Stager{
		Source: source,
		Target: target,
		Mode:   mode,
		logger: slog.With("component", "stager"),
	}
}

// EnsureStaged copies Source to Target unless Target already exists
func (s *Stager) EnsureStaged() error {
	s.gate.Lock()
	defer s.gate.Unlock()

	if _, err := os.Stat(s.Target); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: stat %s: %v", ErrProvisioning, s.Target, err)
	}

	n, err := s.copy()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	s.copies++
	s.logger.Info("Staged worker executable", "source", s.Source, "target", s.Target, "size", helpers.Size(int(n)), "mode", s.Mode.String())
	return nil
}

// copy writes to a temporary file beside Target and renames it into place, so a reader
// never observes a half-written executable
func (s *Stager) copy() (int64, error) {
	src, err := os.Open(s.Source)
	if err != nil {
		return 0, fmt.Errorf("open bundled worker: %w", err)
	}
	defer helpers.CloseOrLog(src)

	tmp, err := os.CreateTemp(filepath.Dir(s.Target), "."+filepath.Base(s.Target)+".*")
	if err != nil {
		return 0, fmt.Errorf("create staging file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	n, err := io.Copy(tmp, src)
	if err != nil {
		_ = tmp.Close()
		cleanup()
		return 0, fmt.Errorf("copy worker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return 0, fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Chmod(tmpName, s.Mode); err != nil {
		cleanup()
		return 0, fmt.Errorf("chmod staging file: %w", err)
	}
	if err := os.Rename(tmpName, s.Target); err != nil {
		cleanup()
		return 0, fmt.Errorf("install staged worker: %w", err)
	}
	return n, nil
}

// Copies reports how many times the executable has been copied
func (s *Stager) Copies() int {
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.copies
}

// Remove deletes the staged executable. A missing file is not an error.
func (s *Stager) Remove() error {
	s.gate.Lock()
	defer s.gate.Unlock()
	if err := os.Remove(s.Target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Watch logs changes made to the staged executable by anyone but the stager. It returns
// when ctx is done.
func (s *Stager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer helpers.CloseOrLog(w)

	if err := w.Add(filepath.Dir(s.Target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.Target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.Target {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove):
				s.logger.Warn("Staged worker executable removed, it will be re-staged on next spawn", "target", s.Target)
			case ev.Has(fsnotify.Chmod):
				s.logger.Warn("Staged worker executable permissions changed", "target", s.Target)
			case ev.Has(fsnotify.Write):
				s.logger.Warn("Staged worker executable modified", "target", s.Target)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("Watcher error", "error", err)
		}
	}
}
