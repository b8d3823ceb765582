package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Store is the gateway's writable on-disk settings file. Writes are buffered and flushed
// WriteDelay after the last Set, or right away once more than MaxBuffered writes are
// waiting. Flush is also registered as a shutdown hook so nothing buffered is lost.
type Store struct {
	mu          sync.Mutex
	v           *viper.Viper
	path        string
	writeDelay  time.Duration
	maxBuffered int
	buffered    int
	timer       *time.Timer
	flushes     int
}

// OpenStore reads the store at cfg.Path, writing defaults first if the file does not exist
func OpenStore(cfg StoreConfig, defaults map[string]any) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(cfg.Path)
	v.SetConfigType("json")

	s := &Store{
		v:           v,
		path:        cfg.Path,
		writeDelay:  cfg.WriteDelay,
		maxBuffered: cfg.MaxBuffered,
	}

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config store %s: %w", cfg.Path, err)
			}
		}
		for k, val := range defaults {
			v.Set(k, val)
		}
		if err := s.Flush(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.Get(key)
}

func (s *Store) GetInt(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetInt(key)
}

// Set stores a value and schedules a flush
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value)
}

func (s *Store) setLocked(key string, value any) {
	s.v.Set(key, value)
	s.buffered++

	if s.buffered > s.maxBuffered {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if err := s.flushLocked(); err != nil {
			slog.Error("Failed to flush config store", "path", s.path, "error", err)
		}
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.writeDelay, func() {
		if err := s.Flush(); err != nil {
			slog.Error("Failed to flush config store", "path", s.path, "error", err)
		}
	})
}

// Incr adds one to an integer key
func (s *Store) Incr(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.v.GetInt(key) + 1
	s.setLocked(key, next)
	return next
}

// Flush writes all settings to disk synchronously
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("failed to write config store %s: %w", s.path, err)
	}
	s.buffered = 0
	s.flushes++
	return nil
}

// Flushes reports how many times the store has been written
func (s *Store) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// Shutdown is the lifecycle hook form of Flush
func (s *Store) Shutdown(_ context.Context) error {
	return s.Flush()
}
