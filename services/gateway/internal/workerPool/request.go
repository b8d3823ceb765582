package workerPool

import (
	"context"
	"encoding/json"
	"time"
)

// Request is one typed call to a worker
type Request struct {
	ID   string
	Type string
	Args []json.RawMessage
}

// Pending is the completion handle of a submitted request. It resolves exactly once.
type Pending struct {
	Request   Request
	Submitted time.Time

	done   chan struct{}
	result json.RawMessage
	err    error
}

func newPending(req Request) *Pending {
	return &Pending{Request: req, Submitted: time.Now(), done: make(chan struct{})}
}

// resolve must only be called by the owning channel, after the request has been removed
// from its pending table
func (p *Pending) resolve(result json.RawMessage, err error) {
	p.result = result
	p.err = err
	close(p.done)
}

// Done is closed once the request has resolved
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request resolves or ctx is done. Giving up on ctx does not cancel
// the request itself.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
