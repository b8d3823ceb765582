package workerPool

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"idia-astro/go-remotemon/pkg/framing"
	"idia-astro/go-remotemon/pkg/shared/defs"
	"idia-astro/go-remotemon/services/gateway/internal/metrics"
	"idia-astro/go-remotemon/services/gateway/internal/processHelpers"
)

type State int

const (
	Idle State = iota
	Busy
	Dead
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Busy:
		return "BUSY"
	default:
		return "DEAD"
	}
}

type ChannelOptions struct {
	// Denylist holds request types that are refused without reaching the worker
	Denylist []string
	// Timeout bounds each in-flight request from the moment it is written. 0 disables it.
	Timeout time.Duration
	// Terminate is called, without locks held, when the channel gives up on a live worker
	// after a timeout or a corrupt output stream
	Terminate func()
	Logger    *slog.Logger
}

// Channel multiplexes requests over one worker subprocess. At most one request is in flight;
// the rest wait in FIFO order. Request N+1 is never written before request N has resolved.
type Channel struct {
	mu       sync.Mutex
	state    State
	queue    []*Pending
	inflight *Pending
	pending  map[string]*Pending
	served   int
	timer    *time.Timer

	denylist  map[string]struct{}
	timeout   time.Duration
	terminate func()
	logger    *slog.Logger

	// toWrite is the in-flight request the writer has not picked up yet. wake is signalled
	// whenever it is set and closed when the channel dies.
	toWrite *Pending
	wake    chan struct{}
	send    func(*Pending) error
}

func newChannel(opts ChannelOptions, send func(*Pending) error) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		state:     Idle,
		pending:   make(map[string]*Pending),
		denylist:  make(map[string]struct{}, len(opts.Denylist)),
		timeout:   opts.Timeout,
		terminate: opts.Terminate,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		send:      send,
	}
	for _, t := range opts.Denylist {
		c.denylist[t] = struct{}{}
	}
	return c
}

// NewStreamChannel speaks the byte-stream protocol: framed requests on stdin, framed
// responses on stdout, and error text on stderr. Closing stdout ends the reader; the owner
// calls MarkDead once the process has exited.
func NewStreamChannel(stdin io.WriteCloser, stdout, stderr io.Reader, codec framing.Codec, opts ChannelOptions) (*Channel, *sync.WaitGroup) {
	c := newChannel(opts, func(p *Pending) error {
		args := p.Request.Args
		if args == nil {
			args = []json.RawMessage{}
		}
		payload, err := json.Marshal(defs.WorkerRequest{Id: p.Request.ID, Type: p.Request.Type, Args: args})
		if err != nil {
			return err
		}
		return codec.WriteRequest(stdin, payload)
	})

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		c.readFrames(codec.ResponseReader(stdout))
	}()
	go func() {
		defer readers.Done()
		if err := processHelpers.ScanLines(stderr, c.onSideChannel); err != nil {
			c.logger.Debug("Stderr reader stopped", "error", err)
		}
	}()
	go c.writeLoop(stdin)
	return c, &readers
}

// Submit queues a request. A dead channel fails immediately without queueing.
func (c *Channel) Submit(req Request) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Dead {
		return nil, newRequestError(KindDeadWorker, req, "worker has exited")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, exists := c.pending[req.ID]; exists {
		return nil, newRequestError(KindValidation, req, "duplicate request id")
	}

	p := newPending(req)
	c.pending[req.ID] = p
	c.queue = append(c.queue, p)
	if c.state == Idle {
		c.drainNextLocked()
	}
	return p, nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats reports queue depth, pending table size and the number of resolved requests
func (c *Channel) Stats() (queued, pending, served int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue), len(c.pending), c.served
}

func (c *Channel) drainNextLocked() {
	for len(c.queue) > 0 {
		p := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		if _, denied := c.denylist[p.Request.Type]; denied {
			c.resolveLocked(p, nil, newRequestError(KindDenied, p.Request, "request type is not permitted"))
			continue
		}

		c.state = Busy
		c.inflight = p
		c.toWrite = p
		select {
		case c.wake <- struct{}{}:
		default:
		}
		return
	}
	c.state = Idle
}

// resolveLocked removes p from the pending table before notifying its waiter
func (c *Channel) resolveLocked(p *Pending, result json.RawMessage, err error) {
	if _, ok := c.pending[p.Request.ID]; !ok {
		return
	}
	delete(c.pending, p.Request.ID)
	if c.inflight == p {
		c.inflight = nil
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
	}
	c.served++

	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
	}
	metrics.RequestsTotal.WithLabelValues(p.Request.Type, outcome).Inc()
	metrics.RequestDuration.WithLabelValues(p.Request.Type).Observe(time.Since(p.Submitted).Seconds())

	p.resolve(result, err)
}

// finishLocked resolves the in-flight request and moves on to the next queued one
func (c *Channel) finishLocked(result json.RawMessage, err error) {
	p := c.inflight
	c.resolveLocked(p, result, err)
	if c.state != Dead {
		c.state = Idle
		c.drainNextLocked()
	}
}

func (c *Channel) writeLoop(closer io.Closer) {
	for range c.wake {
		c.mu.Lock()
		p := c.toWrite
		c.toWrite = nil
		c.mu.Unlock()
		if p == nil {
			continue
		}
		if err := c.send(p); err != nil {
			c.mu.Lock()
			if c.inflight == p {
				c.finishLocked(nil, newRequestError(KindWorker, p.Request, "failed to write request: "+err.Error()))
			}
			c.mu.Unlock()
			continue
		}
		c.startTimer(p)
	}
	if closer != nil {
		c.closeInput(closer)
	}
}

// closeInput closes the request pipe. exec closes its pipes itself once Wait returns, so
// finding it already closed after a normal exit is not an error.
func (c *Channel) closeInput(closer io.Closer) {
	if err := closer.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		c.logger.Error("Error closing worker input", "error", err)
	}
}

func (c *Channel) startTimer(p *Pending) {
	if c.timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != p {
		return
	}
	c.timer = time.AfterFunc(c.timeout, func() { c.expire(p) })
}

// expire fails a request that has been in flight too long. The worker's output can no
// longer be matched to requests, so the channel dies and the worker is terminated.
func (c *Channel) expire(p *Pending) {
	c.mu.Lock()
	if c.inflight != p {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("Request timed out, terminating worker", "requestId", p.Request.ID, "type", p.Request.Type, "timeout", c.timeout)
	c.resolveLocked(p, nil, newRequestError(KindTimeout, p.Request, "no response within "+c.timeout.String()))
	c.killLocked("worker was terminated after a request timed out")
	c.mu.Unlock()

	if c.terminate != nil {
		c.terminate()
	}
}

func (c *Channel) readFrames(r framing.FrameReader) {
	for {
		frame, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			c.onBrokenStream(err)
			return
		}
		c.onFrame(frame)
	}
}

func (c *Channel) onFrame(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.inflight
	if p == nil {
		c.logger.Warn("Dropping response with no request in flight", "bytes", len(frame))
		return
	}
	if !json.Valid(frame) {
		re := newRequestError(KindTransport, p.Request, "worker response is not valid JSON")
		re.Raw = frame
		c.finishLocked(nil, re)
		return
	}
	c.finishLocked(json.RawMessage(frame), nil)
}

// onBrokenStream handles a framing failure. Nothing after it can be trusted, so the
// in-flight request fails and the channel stops accepting work.
func (c *Channel) onBrokenStream(err error) {
	c.mu.Lock()
	c.logger.Error("Worker output stream is corrupt", "error", err)
	if p := c.inflight; p != nil {
		c.resolveLocked(p, nil, newRequestError(KindTransport, p.Request, err.Error()))
	}
	c.killLocked("worker output stream is corrupt")
	c.mu.Unlock()

	if c.terminate != nil {
		c.terminate()
	}
}

func (c *Channel) onSideChannel(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.inflight
	if p == nil {
		c.logger.Warn("Worker wrote to stderr with no request in flight", "output", line)
		return
	}
	c.finishLocked(nil, newRequestError(KindWorker, p.Request, line))
}

// MarkDead is called once the worker process has exited. Every in-flight and queued
// request is rejected.
func (c *Channel) MarkDead(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killLocked(reason)
}

func (c *Channel) killLocked(reason string) {
	if c.state == Dead {
		return
	}
	c.state = Dead
	c.toWrite = nil
	close(c.wake)

	if p := c.inflight; p != nil {
		c.resolveLocked(p, nil, newRequestError(KindDeadWorker, p.Request, reason))
	}
	queue := c.queue
	c.queue = nil
	for _, p := range queue {
		c.resolveLocked(p, nil, newRequestError(KindDeadWorker, p.Request, reason))
	}
}
