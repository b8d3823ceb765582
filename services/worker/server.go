package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"idia-astro/go-remotemon/pkg/framing"
	"idia-astro/go-remotemon/pkg/shared/defs"
)

// RunFunc executes one named operation
type RunFunc func(ctx context.Context, name string, args []json.RawMessage) (any, error)

// Server answers gateway requests one at a time
type Server struct {
	Run    RunFunc
	Logger *slog.Logger
}

// ServeStream reads codec frames from in and answers on out. A failed operation is reported
// as a single line on errOut instead of a response frame. It returns nil when in is closed.
func (s *Server) ServeStream(ctx context.Context, in io.Reader, out, errOut io.Writer, codec framing.Codec) error {
	reader := codec.RequestReader(in)
	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		payload, opErr := s.handle(ctx, frame)
		if opErr == nil {
			err = codec.WriteResponse(out, payload)
			if errors.Is(err, framing.ErrFrameTooLarge) || errors.Is(err, framing.ErrMarkerInPayload) {
				opErr, err = err, nil
			}
			if err != nil {
				return fmt.Errorf("failed to write response: %w", err)
			}
		}
		if opErr != nil {
			if _, err := fmt.Fprintln(errOut, oneLine(opErr.Error())); err != nil {
				return fmt.Errorf("failed to report error: %w", err)
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, frame []byte) ([]byte, error) {
	var req defs.ClientRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	result, err := s.Run(ctx, req.Type, req.Args)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", req.Type, err)
	}
	return payload, nil
}

// ServePacket answers {id,type,args} datagrams with {id,success,result} datagrams until the
// socket is closed
func (s *Server) ServePacket(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, defs.MaxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}

		var req defs.WorkerRequest
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			s.Logger.Warn("Dropping malformed request", "error", err)
			continue
		}

		result, opErr := s.Run(ctx, req.Type, req.Args)
		reply, err := defs.EncodeReply(req.Id, result, opErr)
		if err == nil && len(reply) > defs.MaxDatagram {
			err = fmt.Errorf("%s reply of %d bytes does not fit a datagram", req.Type, len(reply))
		}
		if err != nil {
			s.Logger.Error("Failed to encode reply", "requestId", req.Id, "error", err)
			if reply, err = defs.EncodeReply(req.Id, nil, err); err != nil {
				continue
			}
		}
		if _, err := conn.Write(reply); err != nil {
			return fmt.Errorf("failed to write reply: %w", err)
		}
		s.Logger.Debug("Answered request", "requestId", req.Id, "type", req.Type, "success", opErr == nil)
	}
}

// oneLine keeps a multi-line error from reading as several failures
func oneLine(msg string) string {
	return strings.Join(strings.Fields(msg), " ")
}
