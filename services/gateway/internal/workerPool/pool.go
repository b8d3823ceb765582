package workerPool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prep/socketpair"

	"idia-astro/go-remotemon/pkg/framing"
	helpers "idia-astro/go-remotemon/pkg/shared"
	"idia-astro/go-remotemon/pkg/shared/defs"
	"idia-astro/go-remotemon/services/gateway/internal/metrics"
	"idia-astro/go-remotemon/services/gateway/internal/processHelpers"
	"idia-astro/go-remotemon/services/gateway/internal/stager"
)

const (
	TransportStdio  = "stdio"
	TransportPacket = "packet"

	// DefaultKillGrace is how long a terminated worker gets before its group is killed
	DefaultKillGrace = 5 * time.Second
)

type Options struct {
	Stager         *stager.Stager
	Transport      string
	Codec          framing.Codec
	Denylist       []string
	RequestTimeout time.Duration
	KillGrace      time.Duration
}

type liveness int

const (
	reserved liveness = iota
	active
	dead
)

func (l liveness) String() string {
	switch l {
	case reserved:
		return "RESERVED"
	case active:
		return "ACTIVE"
	default:
		return "DEAD"
	}
}

type record struct {
	id     string
	state  liveness
	worker *Worker
}

// Pool owns every worker subprocess started by the gateway
type Pool struct {
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	records      map[string]*record
	shuttingDown bool

	shutdownOnce sync.Once
	exits        sync.WaitGroup
}

func New(opts Options) *Pool {
	if opts.Transport == "" {
		opts.Transport = TransportStdio
	}
	if opts.Codec == nil {
		opts.Codec = framing.Length{MaxFrame: framing.DefaultMaxFrame}
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	return &Pool{
		opts:    opts,
		logger:  slog.With("component", "workerPool"),
		records: make(map[string]*record),
	}
}

// Spawn starts a worker in cwd under the given identity
func (p *Pool) Spawn(ctx context.Context, cwd string, uid, gid uint32) (*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	rec := &record{id: id, state: reserved}
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrSpawn, ErrShuttingDown)
	}
	p.records[id] = rec
	p.mu.Unlock()

	w, err := p.start(id, cwd, uid, gid)
	if err != nil {
		p.mu.Lock()
		delete(p.records, id)
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	if _, tracked := p.records[id]; tracked {
		rec.state = active
		rec.worker = w
	}
	lateStart := p.shuttingDown
	p.mu.Unlock()

	metrics.WorkerSpawns.Inc()
	metrics.WorkersActive.Inc()
	p.logger.Info("Started worker", "workerId", id, "pid", w.Pid(), "dir", cwd, "uid", uid, "gid", gid, "transport", p.opts.Transport)

	if lateStart {
		p.logger.Info("Worker started during shutdown, terminating", "workerId", id)
		if err := w.Terminate(); err != nil {
			p.logger.Error("Failed to terminate worker", "workerId", id, "error", err)
		}
	}
	return w, nil
}

func (p *Pool) start(id, cwd string, uid, gid uint32) (*Worker, error) {
	staged := p.opts.Stager
	before := staged.Copies()
	if err := staged.EnsureStaged(); err != nil {
		metrics.WorkerSpawnFailures.WithLabelValues("provisioning").Inc()
		return nil, err
	}
	if staged.Copies() != before {
		metrics.Stagings.Inc()
	}

	cmd := exec.Command(staged.Target,
		"--transport="+p.opts.Transport,
		"--framing="+p.opts.Codec.Name(),
		"--max_frame="+strconv.Itoa(p.opts.Codec.Limit()),
	)
	cmd.Dir = cwd
	cmd.SysProcAttr = processHelpers.SpawnAttributes(uid, gid)

	w := &Worker{
		id:      id,
		pool:    p,
		cmd:     cmd,
		uid:     uid,
		gid:     gid,
		dir:     cwd,
		exited:  make(chan struct{}),
		logger:  p.logger.With("workerId", id),
		started: time.Now(),
	}
	opts := ChannelOptions{
		Denylist: p.opts.Denylist,
		Timeout:  p.opts.RequestTimeout,
		Logger:   w.logger,
		Terminate: func() {
			if err := w.Terminate(); err != nil {
				w.logger.Error("Failed to terminate worker", "error", err)
			}
		},
	}

	var err error
	switch p.opts.Transport {
	case TransportPacket:
		err = p.startPacket(w, opts)
	default:
		err = p.startStream(w, opts)
	}
	if err != nil {
		metrics.WorkerSpawnFailures.WithLabelValues("start").Inc()
		return nil, err
	}
	return w, nil
}

func (p *Pool) startStream(w *Worker, opts ChannelOptions) error {
	cmd := w.cmd
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	ch, readers := NewStreamChannel(stdin, stdout, stderr, p.opts.Codec, opts)
	w.channel = ch

	p.exits.Add(1)
	go func() {
		defer p.exits.Done()
		// all reads from the pipes must finish before Wait closes them
		readers.Wait()
		p.reap(w, cmd.Wait())
	}()
	return nil
}

func (p *Pool) startPacket(w *Worker, opts ChannelOptions) error {
	cmd := w.cmd
	ours, theirs, err := socketpair.New("unixgram")
	if err != nil {
		return fmt.Errorf("%w: socketpair: %v", ErrSpawn, err)
	}
	childFile, err := fileOf(theirs)
	helpers.CloseOrLog(theirs)
	if err != nil {
		helpers.CloseOrLog(ours)
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	// fd 3 in the child
	cmd.ExtraFiles = []*os.File{childFile}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		helpers.CloseOrLog(childFile)
		helpers.CloseOrLog(ours)
		return fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}
	err = cmd.Start()
	helpers.CloseOrLog(childFile)
	if err != nil {
		helpers.CloseOrLog(ours)
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	ch, readers := NewPacketChannel(ours, stderr, opts)
	w.channel = ch

	p.exits.Add(1)
	go func() {
		defer p.exits.Done()
		readers.Wait()
		err := cmd.Wait()
		helpers.CloseOrLog(ours)
		p.reap(w, err)
	}()
	return nil
}

func fileOf(conn net.Conn) (*os.File, error) {
	f, ok := conn.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("socket %T has no file descriptor", conn)
	}
	return f.File()
}

// reap runs once the OS has reported the worker's exit
func (p *Pool) reap(w *Worker, waitErr error) {
	code := -1
	if state := w.cmd.ProcessState; state != nil {
		code = state.ExitCode()
	}
	reason := fmt.Sprintf("worker exited with code %d", code)
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		reason = "worker exited: " + waitErr.Error()
	}

	w.markExited(code)
	w.channel.MarkDead(reason)

	p.mu.Lock()
	// the record may not point at w yet if the worker exited before Spawn finished
	if rec, ok := p.records[w.id]; ok && (rec.worker == w || rec.worker == nil) {
		rec.state = dead
		delete(p.records, w.id)
	}
	p.mu.Unlock()

	metrics.WorkersActive.Dec()
	w.logger.Info("Worker exited", "pid", w.Pid(), "exitCode", code)
}

// Kill asks a worker's process group to terminate. It does not wait for the exit.
func (p *Pool) Kill(id string) error {
	p.mu.Lock()
	rec, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if rec.state == reserved {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerNotStarted, id)
	}
	w := rec.worker
	p.mu.Unlock()

	return w.Terminate()
}

// Get returns a tracked worker
func (p *Pool) Get(id string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok || rec.worker == nil {
		return nil, false
	}
	return rec.worker, true
}

// Status describes one tracked worker
func (p *Pool) Status(id string) (defs.WorkerStatus, error) {
	p.mu.Lock()
	rec, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return defs.WorkerStatus{}, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if rec.worker == nil {
		p.mu.Unlock()
		return defs.WorkerStatus{WorkerListItem: defs.WorkerListItem{WorkerId: id, State: rec.state.String()}}, nil
	}
	w := rec.worker
	p.mu.Unlock()
	return w.Status(), nil
}

func (p *Pool) List() []defs.WorkerListItem {
	p.mu.Lock()
	items := make([]defs.WorkerListItem, 0, len(p.records))
	for _, rec := range p.records {
		if rec.worker == nil {
			items = append(items, defs.WorkerListItem{WorkerId: rec.id, State: rec.state.String()})
			continue
		}
		items = append(items, rec.worker.listItem(rec.state))
	}
	p.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Started.Before(items[j].Started) })
	return items
}

// Count is the number of tracked workers, including ones still starting
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Shutdown removes the staged executable and terminates every worker. It runs once and
// never fails; problems are logged.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		if err := p.opts.Stager.Remove(); err != nil {
			p.logger.Error("Failed to remove staged worker", "path", p.opts.Stager.Target, "error", err)
		}

		p.mu.Lock()
		p.shuttingDown = true
		workers := make([]*Worker, 0, len(p.records))
		for _, rec := range p.records {
			if rec.state == active {
				workers = append(workers, rec.worker)
			}
		}
		p.mu.Unlock()

		p.logger.Info("Shutting down worker pool", "workers", len(workers))
		for _, w := range workers {
			if err := w.Terminate(); err != nil {
				p.logger.Error("Failed to terminate worker", "workerId", w.id, "error", err)
			}
		}
	})
}

// Teardown is the lifecycle hook form of Shutdown. It also waits, until ctx is done, for the
// terminated workers to be reaped.
func (p *Pool) Teardown(ctx context.Context) error {
	p.Shutdown()

	done := make(chan struct{})
	go func() {
		p.exits.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Gave up waiting for workers to exit", "remaining", p.Count())
	}
	return nil
}

// Worker is the handle to one running worker subprocess
type Worker struct {
	id      string
	pool    *Pool
	cmd     *exec.Cmd
	channel *Channel
	uid     uint32
	gid     uint32
	dir     string
	started time.Time
	logger  *slog.Logger

	terminateOnce sync.Once
	exited        chan struct{}
	exitMu        sync.Mutex
	exitCode      *int
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

func (w *Worker) IsAlive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return w.channel.State() != Dead
	}
}

// Exited is closed once the worker process has been reaped
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// Submit queues a request on the worker's channel
func (w *Worker) Submit(req Request) (*Pending, error) {
	return w.channel.Submit(req)
}

// Do submits a request and waits for its result
func (w *Worker) Do(ctx context.Context, reqType string, args []json.RawMessage) (json.RawMessage, error) {
	pending, err := w.Submit(Request{Type: reqType, Args: args})
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// Terminate sends SIGTERM to the worker's process group, then SIGKILL if it is still running
// after the pool's grace period
func (w *Worker) Terminate() error {
	select {
	case <-w.exited:
		return nil
	default:
	}

	pid := w.Pid()
	if err := processHelpers.TerminateGroup(pid); err != nil {
		return err
	}
	w.terminateOnce.Do(func() {
		go func() {
			select {
			case <-w.exited:
			case <-time.After(w.pool.opts.KillGrace):
				w.logger.Warn("Worker did not exit after SIGTERM, force killing", "pid", pid)
				if err := processHelpers.KillGroup(pid); err != nil {
					w.logger.Error("Failed to kill worker", "error", err)
				}
			}
		}()
	})
	return nil
}

func (w *Worker) markExited(code int) {
	w.exitMu.Lock()
	w.exitCode = &code
	w.exitMu.Unlock()
	close(w.exited)
}

func (w *Worker) listItem(state liveness) defs.WorkerListItem {
	return defs.WorkerListItem{
		WorkerId:  w.id,
		ProcessId: w.Pid(),
		UserId:    w.uid,
		GroupId:   w.gid,
		Dir:       w.dir,
		State:     state.String(),
		Started:   w.started,
	}
}

// Status describes the worker for the admin API
func (w *Worker) Status() defs.WorkerStatus {
	state := active
	if !w.IsAlive() {
		state = dead
	}
	queued, pending, served := w.channel.Stats()

	w.exitMu.Lock()
	exitCode := w.exitCode
	w.exitMu.Unlock()

	return defs.WorkerStatus{
		WorkerListItem: w.listItem(state),
		Alive:          state == active,
		Busy:           w.channel.State() == Busy,
		Queued:         queued,
		Pending:        pending,
		Served:         served,
		ExitCode:       exitCode,
	}
}
