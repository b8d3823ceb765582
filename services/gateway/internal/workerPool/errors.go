package workerPool

import (
	"errors"
	"fmt"

	"idia-astro/go-remotemon/services/gateway/internal/stager"
)

var (
	ErrValidation       = errors.New("invalid request")
	ErrTransport        = errors.New("transport error")
	ErrWorker           = errors.New("worker error")
	ErrDeadWorker       = errors.New("worker is dead")
	ErrDenied           = errors.New("request type is denied")
	ErrTimeout          = errors.New("request timed out")
	ErrUnknownWorker    = errors.New("unknown worker")
	ErrWorkerNotStarted = errors.New("worker has not started yet")
	ErrSpawn            = errors.New("failed to spawn worker")
	ErrShuttingDown     = errors.New("pool is shutting down")

	// ErrProvisioning is returned by Spawn when the worker executable could not be staged
	ErrProvisioning = stager.ErrProvisioning
)

// Kind names a request failure the way clients see it
type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindTransport  Kind = "TransportError"
	KindWorker     Kind = "WorkerError"
	KindDeadWorker Kind = "DeadWorkerError"
	KindDenied     Kind = "Denied"
	KindTimeout    Kind = "TimeoutError"
)

var kindSentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindTransport:  ErrTransport,
	KindWorker:     ErrWorker,
	KindDeadWorker: ErrDeadWorker,
	KindDenied:     ErrDenied,
	KindTimeout:    ErrTimeout,
}

// RequestError is the failure a single request resolves with
type RequestError struct {
	Kind      Kind
	RequestID string
	Type      string
	Message   string
	// Raw holds the bytes that could not be parsed, for transport errors
	Raw []byte
}

func newRequestError(kind Kind, req Request, msg string) *RequestError {
	return &RequestError{Kind: kind, RequestID: req.ID, Type: req.Type, Message: msg}
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s request %s: %s", e.Kind, e.Type, e.RequestID, e.Message)
}

func (e *RequestError) Unwrap() error {
	return kindSentinels[e.Kind]
}

// KindOf returns the kind of a request failure, or "" if err is not one
func KindOf(err error) Kind {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
