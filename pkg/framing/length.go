package framing

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const lengthPrefixSize = 4

type Length struct {
	MaxFrame int
}

func (Length) Name() string { return NameLength }

func (l Length) Limit() int { return l.MaxFrame }

func (l Length) encode(w io.Writer, payload []byte) error {
	if len(payload) > l.MaxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), l.MaxFrame)
	}
	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[lengthPrefixSize:], payload)
	return writeAll(w, frame)
}

func (l Length) WriteRequest(w io.Writer, payload []byte) error  { return l.encode(w, payload) }
func (l Length) WriteResponse(w io.Writer, payload []byte) error { return l.encode(w, payload) }

func (l Length) RequestReader(r io.Reader) FrameReader  { return l.reader(r) }
func (l Length) ResponseReader(r io.Reader) FrameReader { return l.reader(r) }

func (l Length) reader(r io.Reader) FrameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), l.MaxFrame+lengthPrefixSize)
	s.Split(l.Split)
	return &scannerReader{s: s}
}

// Split is a bufio.SplitFunc for length-prefixed frames
func (l Length) Split(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) < lengthPrefixSize {
		if atEOF && len(data) > 0 {
			return 0, nil, ErrTruncated
		}
		return 0, nil, nil
	}
	size := int(binary.BigEndian.Uint32(data))
	if size > l.MaxFrame {
		return 0, nil, fmt.Errorf("%w: prefix announces %d bytes", ErrFrameTooLarge, size)
	}
	end := lengthPrefixSize + size
	if len(data) < end {
		if atEOF {
			return 0, nil, ErrTruncated
		}
		return 0, nil, nil
	}
	return end, data[lengthPrefixSize:end], nil
}

type scannerReader struct {
	s *bufio.Scanner
}

func (sr *scannerReader) Next() ([]byte, error) {
	if sr.s.Scan() {
		// The scanner reuses its buffer, so hand out a copy
		tok := sr.s.Bytes()
		out := make([]byte, len(tok))
		copy(out, tok)
		return out, nil
	}
	if err := sr.s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
