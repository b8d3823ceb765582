// Package framing turns the raw byte pipes between the gateway and its worker subprocesses
// into discrete request and response frames.
//
// Two codecs exist. The length codec prefixes every frame with its size as a 4-byte
// big-endian integer. The sentinel codec reproduces the legacy wire format: requests are bare
// JSON objects and responses are raw JSON immediately followed by the literal "--END". It
// only works while no response contains that marker, so it is kept for compatibility with
// older workers and the length codec is the default.
package framing

import (
	"errors"
	"fmt"
	"io"
)

const (
	NameLength   = "length"
	NameSentinel = "sentinel"

	// DefaultMaxFrame bounds a single frame; it is large enough for a full process listing
	DefaultMaxFrame = 64 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrTruncated     = errors.New("stream ended inside a frame")
	ErrUnknownCodec  = errors.New("unknown framing codec")

	ErrMarkerInPayload = errors.New("response contains the frame marker")
)

// FrameReader yields one complete frame per call. It returns io.EOF on a clean end of stream.
type FrameReader interface {
	Next() ([]byte, error)
}

type Codec interface {
	Name() string
	// Limit is the largest frame the codec accepts
	Limit() int
	WriteRequest(w io.Writer, payload []byte) error
	WriteResponse(w io.Writer, payload []byte) error
	RequestReader(r io.Reader) FrameReader
	ResponseReader(r io.Reader) FrameReader
}

// New returns the codec registered under name
func New(name string, maxFrame int) (Codec, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	switch name {
	case NameLength, "":
		return Length{MaxFrame: maxFrame}, nil
	case NameSentinel:
		return Sentinel{MaxFrame: maxFrame}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// writeAll issues a single Write for the whole frame so that concurrent writers on the same
// pipe can never interleave partial frames.
func writeAll(w io.Writer, frame []byte) error {
	n, err := w.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}
