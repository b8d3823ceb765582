package framing

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Marker terminates every response frame of the sentinel codec
var Marker = []byte("--END")

type Sentinel struct {
	MaxFrame int
}

func (Sentinel) Name() string { return NameSentinel }

func (s Sentinel) Limit() int { return s.MaxFrame }

// WriteRequest writes the bare JSON object; the worker side splits requests with a JSON
// decoder rather than a marker.
func (s Sentinel) WriteRequest(w io.Writer, payload []byte) error {
	if len(payload) > s.MaxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), s.MaxFrame)
	}
	return writeAll(w, payload)
}

func (s Sentinel) WriteResponse(w io.Writer, payload []byte) error {
	if len(payload) > s.MaxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), s.MaxFrame)
	}
	if bytes.Contains(payload, Marker) {
		// The reader would cut this response in two
		return fmt.Errorf("%w %q", ErrMarkerInPayload, Marker)
	}
	frame := make([]byte, 0, len(payload)+len(Marker))
	frame = append(frame, payload...)
	frame = append(frame, Marker...)
	return writeAll(w, frame)
}

func (s Sentinel) RequestReader(r io.Reader) FrameReader {
	return &jsonReader{d: json.NewDecoder(r)}
}

func (s Sentinel) ResponseReader(r io.Reader) FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), s.MaxFrame+len(Marker))
	sc.Split(s.Split)
	return &scannerReader{s: sc}
}

// Split is a bufio.SplitFunc cutting the stream at each marker. Bytes seen without a marker
// stay buffered until more data arrives.
func (s Sentinel) Split(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, Marker); i >= 0 {
		return i + len(Marker), data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return 0, nil, ErrTruncated
	}
	return 0, nil, nil
}

type jsonReader struct {
	d *json.Decoder
}

func (jr *jsonReader) Next() ([]byte, error) {
	var raw json.RawMessage
	if err := jr.d.Decode(&raw); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return raw, nil
}
