package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idia-astro/go-remotemon/pkg/shared/defs"
	"idia-astro/go-remotemon/services/gateway/internal/auth"
	"idia-astro/go-remotemon/services/gateway/internal/workerPool"
)

type fakeWorker struct {
	id    string
	alive atomic.Bool
	do    func(reqType string, args []json.RawMessage) (json.RawMessage, error)
}

func (w *fakeWorker) ID() string    { return w.id }
func (w *fakeWorker) IsAlive() bool { return w.alive.Load() }

func (w *fakeWorker) Do(_ context.Context, reqType string, args []json.RawMessage) (json.RawMessage, error) {
	return w.do(reqType, args)
}

type fakeSpawner struct {
	mu      sync.Mutex
	err     error
	do      func(reqType string, args []json.RawMessage) (json.RawMessage, error)
	spawned []*fakeWorker
	cwds    []string
	killed  []string
}

func (f *fakeSpawner) Spawn(_ context.Context, cwd string, _, _ uint32) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w := &fakeWorker{id: "w" + string(rune('0'+len(f.spawned))), do: f.do}
	w.alive.Store(true)
	f.spawned = append(f.spawned, w)
	f.cwds = append(f.cwds, cwd)
	return w, nil
}

func (f *fakeSpawner) Kill(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeSpawner) snapshot() (spawned int, killed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned), append([]string(nil), f.killed...)
}

type staticChecker struct {
	ok  bool
	err error
}

func (c staticChecker) Check(string) (bool, error) { return c.ok, c.err }

type authFunc func(ctx context.Context, conn auth.Conn) (*auth.User, error)

func (f authFunc) Authenticate(ctx context.Context, conn auth.Conn) (*auth.User, error) {
	return f(ctx, conn)
}

func admitAll(context.Context, auth.Conn) (*auth.User, error) {
	return &auth.User{Username: "alice", Home: "/home/alice", UID: 1000, GID: 1000, Source: auth.SourceNone}, nil
}

type counter struct{ n atomic.Int32 }

func (c *counter) Incr(string) int { return int(c.n.Add(1)) }

func echoWorker(reqType string, args []json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"type": reqType, "args": len(args)})
}

func startGatekeeper(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	if opts.Auth == nil {
		opts.Auth = authFunc(admitAll)
	}
	if opts.Types == nil {
		opts.Types = []string{"cpu", "mem"}
	}
	g, err := New(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	return c
}

func roundTrip(t *testing.T, c *websocket.Conn, msg string) string {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
	_, reply, err := c.ReadMessage()
	require.NoError(t, err)
	return string(reply)
}

func TestRequestsReachTheWorker(t *testing.T) {
	workers := &fakeSpawner{do: echoWorker}
	srv := startGatekeeper(t, Options{Workers: workers})
	c := dial(t, srv)

	reply := roundTrip(t, c, `{"type":"cpu","args":[1,"x"]}`)
	assert.Equal(t, "{\n  \"args\": 2,\n  \"type\": \"cpu\"\n}", reply)

	workers.mu.Lock()
	assert.Equal(t, []string{"/home/alice"}, workers.cwds)
	workers.mu.Unlock()
}

func TestBadRequests(t *testing.T) {
	srv := startGatekeeper(t, Options{Workers: &fakeSpawner{do: echoWorker}})
	c := dial(t, srv)

	for _, msg := range []string{
		`not json`,
		`{"type":"observe","args":[]}`,
		`{"type":"cpu"}`,
		`{"type":"cpu","args":{}}`,
		`{"type":3,"args":[]}`,
		`[]`,
	} {
		assert.Equal(t, "Bad request", roundTrip(t, c, msg), msg)
	}
}

func TestVersionIsAnsweredByGateway(t *testing.T) {
	workers := &fakeSpawner{do: func(string, []json.RawMessage) (json.RawMessage, error) {
		t.Error("version must not reach the worker")
		return nil, nil
	}}
	srv := startGatekeeper(t, Options{Workers: workers, Version: "1.2.3"})
	c := dial(t, srv)

	assert.Equal(t, "{\n  \"version\": \"1.2.3\"\n}", roundTrip(t, c, `{"type":"version","args":[]}`))
}

func TestPingPong(t *testing.T) {
	srv := startGatekeeper(t, Options{Workers: &fakeSpawner{do: echoWorker}})
	c := dial(t, srv)
	assert.Equal(t, "PONG", roundTrip(t, c, "PING"))
}

func TestFailuresAreReported(t *testing.T) {
	workers := &fakeSpawner{do: func(reqType string, _ []json.RawMessage) (json.RawMessage, error) {
		if reqType == "cpu" {
			return nil, &workerPool.RequestError{Kind: workerPool.KindDenied, Type: reqType, Message: "denied by policy"}
		}
		return nil, errors.New("boom")
	}}
	srv := startGatekeeper(t, Options{Workers: workers})
	c := dial(t, srv)

	var f defs.Failure
	require.NoError(t, json.Unmarshal([]byte(roundTrip(t, c, `{"type":"cpu","args":[]}`)), &f))
	assert.Equal(t, defs.Failure{Error: "Denied", Type: "cpu", Message: "denied by policy"}, f)

	require.NoError(t, json.Unmarshal([]byte(roundTrip(t, c, `{"type":"mem","args":[]}`)), &f))
	assert.Equal(t, defs.Failure{Error: "WorkerError", Type: "mem", Message: "boom"}, f)
}

func TestRejectedConnectionsAreClosed(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		wantCode   int
		wantReason string
	}{
		{
			name:       "not on allow-list",
			opts:       Options{Allowlist: staticChecker{ok: false}},
			wantCode:   CloseAccessDenied,
			wantReason: "Access denied",
		},
		{
			name:       "allow-list error",
			opts:       Options{Allowlist: staticChecker{err: errors.New("Could not parse IPv6 address")}},
			wantCode:   CloseAllowlistError,
			wantReason: "Could not parse IPv6 address",
		},
		{
			name: "authentication failure",
			opts: Options{Auth: authFunc(func(context.Context, auth.Conn) (*auth.User, error) {
				return nil, auth.ErrInvalidUserName
			})},
			wantCode:   CloseAuthFailed,
			wantReason: "Invalid system user name",
		},
		{
			name:       "spawn failure",
			opts:       Options{Workers: &fakeSpawner{err: workerPool.ErrSpawn}},
			wantCode:   CloseSpawnFailed,
			wantReason: "Failed to start worker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.opts.Workers == nil {
				tt.opts.Workers = &fakeSpawner{do: echoWorker}
			}
			srv := startGatekeeper(t, tt.opts)
			c := dial(t, srv)

			_, _, err := c.ReadMessage()
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantCode, ce.Code)
			assert.Equal(t, tt.wantReason, ce.Text)
		})
	}
}

func TestAuthenticationTalksOverTheSocket(t *testing.T) {
	a := authFunc(func(ctx context.Context, conn auth.Conn) (*auth.User, error) {
		answer, err := auth.Query(ctx, conn, "Password?", time.Second)
		if err != nil {
			return nil, err
		}
		if answer != "hunter2" {
			return nil, auth.ErrAuth
		}
		return admitAll(ctx, conn)
	})
	srv := startGatekeeper(t, Options{Auth: a, Workers: &fakeSpawner{do: echoWorker}})
	c := dial(t, srv)

	_, prompt, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Password?", string(prompt))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("hunter2")))

	assert.Equal(t, "{\n  \"args\": 0,\n  \"type\": \"mem\"\n}", roundTrip(t, c, `{"type":"mem","args":[]}`))
}

func TestWorkerIsKilledOnDisconnect(t *testing.T) {
	workers := &fakeSpawner{do: echoWorker}
	store := &counter{}
	srv := startGatekeeper(t, Options{Workers: workers, Store: store})
	c := dial(t, srv)
	roundTrip(t, c, "PING")
	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool {
		_, killed := workers.snapshot()
		return len(killed) == 1 && killed[0] == "w0"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), store.n.Load())
}

func TestDeadWorkerIsReplaced(t *testing.T) {
	workers := &fakeSpawner{do: echoWorker}
	srv := startGatekeeper(t, Options{Workers: workers})
	c := dial(t, srv)
	roundTrip(t, c, `{"type":"cpu","args":[]}`)

	workers.mu.Lock()
	workers.spawned[0].alive.Store(false)
	workers.mu.Unlock()

	roundTrip(t, c, `{"type":"cpu","args":[]}`)
	spawned, killed := workers.snapshot()
	assert.Equal(t, 2, spawned)
	assert.Equal(t, []string{"w0"}, killed)
}
