// Package session admits websocket clients and pipes their requests to a dedicated worker.
// A connection passes the allow-list, then authentication, then gets its own worker running
// as the authenticated user in that user's home directory.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"idia-astro/go-remotemon/pkg/shared/defs"
	"idia-astro/go-remotemon/services/gateway/internal/auth"
	"idia-astro/go-remotemon/services/gateway/internal/httpHelpers"
	"idia-astro/go-remotemon/services/gateway/internal/metrics"
	"idia-astro/go-remotemon/services/gateway/internal/workerPool"
)

// Close codes sent to rejected clients
const (
	CloseAllowlistError = 4400
	CloseAuthFailed     = 4401
	CloseAccessDenied   = 4403
	CloseSpawnFailed    = websocket.CloseInternalServerErr
)

// KindSpawn is reported when a dead worker could not be replaced
const KindSpawn = "SpawnError"

// StoreKeyConnections counts admitted connections in the config store
const StoreKeyConnections = "connections"

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 100
	// close reasons must fit a control frame
	maxCloseReason = 123
)

// Checker decides whether a remote address may connect
type Checker interface {
	Check(ip string) (bool, error)
}

// Worker is the part of a worker handle a session needs
type Worker interface {
	ID() string
	IsAlive() bool
	Do(ctx context.Context, reqType string, args []json.RawMessage) (json.RawMessage, error)
}

type Spawner interface {
	Spawn(ctx context.Context, cwd string, uid, gid uint32) (Worker, error)
	Kill(id string) error
}

// Counter is satisfied by config.Store
type Counter interface {
	Incr(key string) int
}

// PoolSpawner adapts a worker pool to Spawner
type PoolSpawner struct {
	Pool *workerPool.Pool
}

func (p PoolSpawner) Spawn(ctx context.Context, cwd string, uid, gid uint32) (Worker, error) {
	w, err := p.Pool.Spawn(ctx, cwd, uid, gid)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p PoolSpawner) Kill(id string) error {
	return p.Pool.Kill(id)
}

type Options struct {
	// Allowlist may be nil, which admits every address
	Allowlist Checker
	Auth      auth.Authenticator
	Workers   Spawner
	// Store may be nil
	Store   Counter
	Version string
	// Types are the request types forwarded to workers
	Types []string
}

// Gatekeeper is the websocket endpoint
type Gatekeeper struct {
	opts     Options
	schema   *jsonschema.Schema
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(opts Options) (*Gatekeeper, error) {
	if opts.Auth == nil {
		return nil, errors.New("session: no authenticator configured")
	}
	if opts.Workers == nil {
		return nil, errors.New("session: no worker spawner configured")
	}

	types := append([]string{TypeVersion}, opts.Types...)
	schema, err := compileRequestSchema(types)
	if err != nil {
		return nil, err
	}

	return &Gatekeeper{
		opts:   opts,
		schema: schema,
		upgrader: websocket.Upgrader{
			// Clients are not browsers, the allow-list does the filtering
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.With("component", "session"),
	}, nil
}

func (g *Gatekeeper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := httpHelpers.RemoteAddress(r)
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("Failed to upgrade connection", "remoteAddr", addr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	s := &Session{
		ID:         uuid.NewString(),
		WebSocket:  ws,
		Context:    ctx,
		RemoteAddr: addr,
		g:          g,
		cancel:     cancel,
		sendChan:   make(chan outbound, sendQueueSize),
		inbound:    make(chan []byte, 16),
		quit:       make(chan struct{}),
		sendDone:   make(chan struct{}),
	}
	s.logger = g.logger.With("sessionId", s.ID, "remoteAddr", addr)
	s.logger.Info("New connection")

	s.HandleConnection()
	defer s.HandleDisconnect()
	s.run()
}

type outbound struct {
	data      []byte
	closeCode int
}

// Session is one client connection
type Session struct {
	ID         string
	WebSocket  *websocket.Conn
	Context    context.Context
	RemoteAddr string
	User       *auth.User

	g        *Gatekeeper
	cancel   context.CancelFunc
	logger   *slog.Logger
	sendChan chan outbound
	inbound  chan []byte
	quit     chan struct{}
	sendDone chan struct{}
	worker   Worker
}

var errClosed = errors.New("connection closed")

func (s *Session) HandleConnection() {
	go s.sendHandler()
	go s.readHandler()
}

func (s *Session) run() {
	if s.g.opts.Allowlist != nil {
		admitted, err := s.g.opts.Allowlist.Check(s.RemoteAddr)
		if err != nil {
			s.reject("allowlist_error", CloseAllowlistError, err.Error())
			return
		}
		s.logger.Info("Allow-list check", "passed", admitted)
		if !admitted {
			s.reject("denied", CloseAccessDenied, "Access denied")
			return
		}
	}

	user, err := s.g.opts.Auth.Authenticate(s.Context, s)
	if err != nil {
		if s.Context.Err() != nil {
			s.logger.Info("Client left during authentication")
			return
		}
		s.reject("auth_failed", CloseAuthFailed, err.Error())
		return
	}
	s.User = user
	s.logger = s.logger.With("user", user.Username)

	if _, err := s.ensureWorker(); err != nil {
		s.logger.Error("Failed to spawn worker", "error", err)
		s.reject("spawn_failed", CloseSpawnFailed, "Failed to start worker")
		return
	}

	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	if s.g.opts.Store != nil {
		s.g.opts.Store.Incr(StoreKeyConnections)
	}
	s.logger.Info("Pipe activated", "workerId", s.worker.ID(), "source", user.Source)

	for msg := range s.inbound {
		s.HandleMessage(msg)
	}
}

// HandleMessage answers one client request. Requests are served in arrival order.
func (s *Session) HandleMessage(msg []byte) {
	req, err := parseRequest(s.g.schema, msg)
	if err != nil {
		s.logger.Debug("Rejected request", "error", err)
		s.sendOrLog([]byte(ErrBadRequest.Error()))
		return
	}

	if req.Type == TypeVersion {
		s.reply(map[string]string{"version": s.g.opts.Version})
		return
	}

	w, err := s.ensureWorker()
	if err != nil {
		s.logger.Error("Failed to replace dead worker", "error", err)
		s.reply(defs.Failure{Error: KindSpawn, Type: req.Type, Message: err.Error()})
		return
	}

	result, err := w.Do(s.Context, req.Type, req.Args)
	if err != nil {
		if s.Context.Err() != nil {
			return
		}
		s.reply(failureFor(req.Type, err))
		return
	}
	s.reply(result)
}

func failureFor(reqType string, err error) defs.Failure {
	var re *workerPool.RequestError
	if errors.As(err, &re) {
		return defs.Failure{Error: string(re.Kind), Type: reqType, Message: re.Message}
	}
	return defs.Failure{Error: string(workerPool.KindWorker), Type: reqType, Message: err.Error()}
}

// ensureWorker returns the session's worker, spawning a replacement if it died
func (s *Session) ensureWorker() (Worker, error) {
	if s.worker != nil && s.worker.IsAlive() {
		return s.worker, nil
	}
	if s.worker != nil {
		s.logger.Info("Worker died, respawning", "workerId", s.worker.ID())
		s.killWorker()
	}

	w, err := s.g.opts.Workers.Spawn(s.Context, s.User.Home, s.User.UID, s.User.GID)
	if err != nil {
		return nil, err
	}
	s.worker = w
	return w, nil
}

func (s *Session) killWorker() {
	err := s.g.opts.Workers.Kill(s.worker.ID())
	if err != nil && !errors.Is(err, workerPool.ErrUnknownWorker) {
		s.logger.Error("Failed to kill worker", "workerId", s.worker.ID(), "error", err)
	}
	s.worker = nil
}

func (s *Session) reply(v any) {
	data, err := httpHelpers.Indent(v)
	if err != nil {
		s.logger.Error("Failed to encode reply", "error", err)
		return
	}
	s.sendOrLog(data)
}

func (s *Session) reject(result string, code int, reason string) {
	metrics.ConnectionsTotal.WithLabelValues(result).Inc()
	s.logger.Info("Connection rejected", "code", code, "reason", reason)
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	select {
	case s.sendChan <- outbound{data: []byte(reason), closeCode: code}:
	case <-s.sendDone:
	}
}

func (s *Session) sendOrLog(msg []byte) {
	if err := s.send(msg); err != nil {
		s.logger.Debug("Dropped message for closed connection")
	}
}

func (s *Session) send(msg []byte) error {
	select {
	case s.sendChan <- outbound{data: msg}:
		return nil
	case <-s.sendDone:
		return errClosed
	}
}

// Send and Receive let authenticators talk to the client

func (s *Session) Send(msg string) error {
	return s.send([]byte(msg))
}

func (s *Session) Receive(ctx context.Context) (string, error) {
	select {
	case msg, ok := <-s.inbound:
		if !ok {
			return "", errClosed
		}
		return string(msg), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) readHandler() {
	defer close(s.inbound)
	defer s.cancel()
	for {
		messageType, message, err := s.WebSocket.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("Read ended", "error", err)
			}
			return
		}

		// Ping/pong sequence
		if messageType == websocket.TextMessage && string(message) == "PING" {
			s.sendOrLog([]byte("PONG"))
			continue
		}

		select {
		case s.inbound <- message:
		case <-s.Context.Done():
			return
		}
	}
}

func (s *Session) sendHandler() {
	defer close(s.sendDone)
	for {
		select {
		case msg := <-s.sendChan:
			if err := s.write(msg); err != nil {
				s.logger.Debug("Write failed", "error", err)
				return
			}
		case <-s.quit:
			// flush what is queued, close frames included
			for {
				select {
				case msg := <-s.sendChan:
					if err := s.write(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(msg outbound) error {
	deadline := time.Now().Add(writeWait)
	if msg.closeCode != 0 {
		return s.WebSocket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(msg.closeCode, string(msg.data)), deadline)
	}
	if err := s.WebSocket.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.WebSocket.WriteMessage(websocket.TextMessage, msg.data)
}

func (s *Session) HandleDisconnect() {
	if s.worker != nil {
		s.killWorker()
	}
	close(s.quit)
	<-s.sendDone
	s.cancel()
	if err := s.WebSocket.Close(); err != nil {
		s.logger.Debug("Error closing websocket", "error", err)
	}
	s.logger.Info("Connection terminated")
}
