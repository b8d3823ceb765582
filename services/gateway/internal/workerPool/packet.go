package workerPool

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"idia-astro/go-remotemon/pkg/shared/defs"
	"idia-astro/go-remotemon/services/gateway/internal/processHelpers"
)

const MaxDatagram = defs.MaxDatagram

// NewPacketChannel speaks the structured protocol over a connected datagram socket: one
// {id,type,args} datagram per request and one {id,success,result} datagram per reply.
// Replies are matched by id. Stderr, if given, is only logged and the returned group tracks its reader. The owner closes conn after
// the process has exited, which stops the reader.
func NewPacketChannel(conn net.Conn, stderr io.Reader, opts ChannelOptions) (*Channel, *sync.WaitGroup) {
	c := newChannel(opts, func(p *Pending) error {
		args := p.Request.Args
		if args == nil {
			args = []json.RawMessage{}
		}
		payload, err := json.Marshal(defs.WorkerRequest{Id: p.Request.ID, Type: p.Request.Type, Args: args})
		if err != nil {
			return err
		}
		if len(payload) > MaxDatagram {
			return errors.New("request exceeds maximum datagram size")
		}
		_, err = conn.Write(payload)
		return err
	})

	var readers sync.WaitGroup
	go c.readPackets(conn)
	if stderr != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			_ = processHelpers.ScanLines(stderr, func(line string) {
				c.logger.Warn("Worker stderr", "output", line)
			})
		}()
	}
	go c.writeLoop(nil)
	return c, &readers
}

func (c *Channel) readPackets(conn net.Conn) {
	buf := make([]byte, MaxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) {
				c.logger.Debug("Packet reader stopped", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		var reply defs.WorkerReply
		if err := json.Unmarshal(buf[:n], &reply); err != nil {
			c.onBadPacket(append([]byte(nil), buf[:n]...))
			continue
		}
		c.onReply(reply)
	}
}

func (c *Channel) onReply(reply defs.WorkerReply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[reply.Id]
	if !ok || p != c.inflight {
		c.logger.Warn("Dropping reply for unknown request", "requestId", reply.Id)
		return
	}
	if !reply.Success {
		c.finishLocked(nil, newRequestError(KindWorker, p.Request, reply.FailureDetail()))
		return
	}
	result := reply.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	c.finishLocked(result, nil)
}

// onBadPacket fails the in-flight request. Datagram boundaries survive a bad payload, so
// the channel stays usable.
func (c *Channel) onBadPacket(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.inflight
	if p == nil {
		c.logger.Warn("Dropping malformed packet with no request in flight", "bytes", len(raw))
		return
	}
	re := newRequestError(KindTransport, p.Request, "worker reply is not valid JSON")
	re.Raw = raw
	c.finishLocked(nil, re)
}
