// Package lifecycle owns process-wide shutdown. Components register a teardown callback once
// instead of installing their own signal handlers; the coordinator runs every callback
// exactly once, in stage order, when the process is interrupted or asked to stop.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
)

// Stages in which teardown callbacks run. Lower stages run first.
const (
	StageServers = 0
	StagePool    = 10
	StageConfig  = 20
)

type TeardownFunc func(ctx context.Context) error

type hook struct {
	name  string
	stage int
	seq   int
	fn    TeardownFunc
}

type Coordinator struct {
	mu    sync.Mutex
	hooks []hook
	once  sync.Once
	err   error
	done  chan struct{}
}

func NewCoordinator() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// Register adds a teardown callback. Callbacks registered after shutdown started are ignored.
func (c *Coordinator) Register(name string, stage int, fn TeardownFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook{name: name, stage: stage, seq: len(c.hooks), fn: fn})
}

// Run blocks until SIGINT/SIGTERM arrives or ctx is cancelled, then shuts down
func (c *Coordinator) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		slog.Info("Signal received, shutting down...")
	case <-c.done:
	}
	return c.Shutdown(context.Background())
}

// Shutdown runs every registered callback once and returns the joined errors. Later calls
// return the result of the first one. A panicking callback is recovered and reported.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.mu.Lock()
		hooks := make([]hook, len(c.hooks))
		copy(hooks, c.hooks)
		c.mu.Unlock()

		sort.SliceStable(hooks, func(i, j int) bool {
			if hooks[i].stage != hooks[j].stage {
				return hooks[i].stage < hooks[j].stage
			}
			return hooks[i].seq < hooks[j].seq
		})

		var errs []error
		for _, h := range hooks {
			if err := runHook(ctx, h); err != nil {
				slog.Error("Teardown failed", "component", h.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
				continue
			}
			slog.Debug("Teardown complete", "component", h.name)
		}
		c.err = errors.Join(errs...)
		close(c.done)
	})
	<-c.done
	return c.err
}

// Done is closed once shutdown has finished
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func runHook(ctx context.Context, h hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.fn(ctx)
}

// ExitCode maps a shutdown result to the process exit status
func ExitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}
