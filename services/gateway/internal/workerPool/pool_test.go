package workerPool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idia-astro/go-remotemon/pkg/framing"
	"idia-astro/go-remotemon/pkg/shared/defs"
	"idia-astro/go-remotemon/services/gateway/internal/stager"
)

const helperEnv = "REMOTEMON_TEST_WORKER"

// helperMaxFrame is the --max_frame the helper worker was started with
var helperMaxFrame int

// TestMain lets the test binary double as a worker executable
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperWorker(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func helperHandle(reqType string, args []json.RawMessage) (any, error) {
	switch reqType {
	case "echo":
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	case "pwd":
		return os.Getwd()
	case "limit":
		return helperMaxFrame, nil
	case "big":
		return strings.Repeat("x", 1000), nil
	case "fail":
		return nil, errors.New("failed on purpose")
	case "exit":
		os.Exit(3)
	case "hang":
		time.Sleep(time.Hour)
	}
	return nil, fmt.Errorf("unknown operation %q", reqType)
}

func runHelperWorker(args []string) int {
	transport, codecName := TransportStdio, framing.NameLength
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, "--transport="); ok {
			transport = v
		}
		if v, ok := strings.CutPrefix(a, "--framing="); ok {
			codecName = v
		}
		if v, ok := strings.CutPrefix(a, "--max_frame="); ok {
			helperMaxFrame, _ = strconv.Atoi(v)
		}
	}

	if transport == TransportPacket {
		conn, err := net.FileConn(os.NewFile(3, "packet"))
		if err != nil {
			return 2
		}
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return 0
			}
			var req defs.WorkerRequest
			if err := json.Unmarshal(buf[:n], &req); err != nil {
				continue
			}
			result, opErr := helperHandle(req.Type, req.Args)
			reply, _ := defs.EncodeReply(req.Id, result, opErr)
			_, _ = conn.Write(reply)
		}
	}

	codec, err := framing.New(codecName, helperMaxFrame)
	if err != nil {
		return 2
	}
	reader := codec.RequestReader(os.Stdin)
	for {
		frame, err := reader.Next()
		if err != nil {
			return 0
		}
		var req defs.ClientRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "bad request")
			continue
		}
		result, opErr := helperHandle(req.Type, req.Args)
		if opErr != nil {
			_, _ = fmt.Fprintln(os.Stderr, opErr.Error())
			continue
		}
		payload, _ := json.Marshal(result)
		if err := codec.WriteResponse(os.Stdout, payload); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
	}
}

func newTestPool(t *testing.T, transport string) (*Pool, *stager.Stager) {
	t.Helper()
	codec, err := framing.New(framing.NameLength, 0)
	require.NoError(t, err)
	return newTestPoolWithCodec(t, transport, codec)
}

func newTestPoolWithCodec(t *testing.T, transport string, codec framing.Codec) (*Pool, *stager.Stager) {
	t.Helper()
	t.Setenv(helperEnv, "1")

	exe, err := os.Executable()
	require.NoError(t, err)
	st := stager.New(exe, filepath.Join(t.TempDir(), "remotemon-worker"), 0o750)

	p := New(Options{
		Stager:         st,
		Transport:      transport,
		Codec:          codec,
		Denylist:       []string{"observe"},
		RequestTimeout: 5 * time.Second,
		KillGrace:      time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Teardown(ctx)
	})
	return p, st
}

func spawn(t *testing.T, p *Pool, dir string) *Worker {
	t.Helper()
	w, err := p.Spawn(context.Background(), dir, uint32(os.Getuid()), uint32(os.Getgid()))
	require.NoError(t, err)
	return w
}

func do(t *testing.T, w *Worker, reqType string, args ...json.RawMessage) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.Do(ctx, reqType, args)
}

func waitExited(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Exited():
	case <-time.After(5 * time.Second):
		t.Fatalf("worker %s did not exit", w.ID())
	}
}

func TestSpawnRunsWorkerInDirectory(t *testing.T) {
	p, st := newTestPool(t, TransportStdio)
	dir := t.TempDir()

	w := spawn(t, p, dir)
	assert.True(t, w.IsAlive())
	assert.Equal(t, 1, st.Copies())
	assert.Equal(t, 1, p.Count())

	result, err := do(t, w, "pwd")
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(result, &got))
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err = filepath.EvalSymlinks(got)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	items := p.List()
	require.Len(t, items, 1)
	assert.Equal(t, w.ID(), items[0].WorkerId)
	assert.Equal(t, "ACTIVE", items[0].State)
	assert.Equal(t, w.Pid(), items[0].ProcessId)

	found, ok := p.Get(w.ID())
	require.True(t, ok)
	assert.Same(t, w, found)

	status, err := p.Status(w.ID())
	require.NoError(t, err)
	assert.True(t, status.Alive)
	_, err = p.Status("no-such-worker")
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestWorkerGetsTheFrameLimit(t *testing.T) {
	p, _ := newTestPoolWithCodec(t, TransportStdio, framing.Length{MaxFrame: 256})
	w := spawn(t, p, t.TempDir())

	limit, err := do(t, w, "limit")
	require.NoError(t, err)
	assert.JSONEq(t, `256`, string(limit))

	_, err = do(t, w, "big")
	require.Error(t, err)
	assert.Equal(t, KindWorker, KindOf(err))
	assert.ErrorContains(t, err, "frame exceeds maximum size")

	// only the oversized request failed
	assert.True(t, w.IsAlive())
	result, err := do(t, w, "echo", json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(result))
}

func TestWorkersShareOneStagedCopy(t *testing.T) {
	p, st := newTestPool(t, TransportStdio)

	first := spawn(t, p, t.TempDir())
	second := spawn(t, p, t.TempDir())
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 1, st.Copies())
	assert.Equal(t, 2, p.Count())
}

func TestRestagesAfterExternalRemoval(t *testing.T) {
	p, st := newTestPool(t, TransportStdio)

	spawn(t, p, t.TempDir())
	require.NoError(t, os.Remove(st.Target))
	spawn(t, p, t.TempDir())
	assert.Equal(t, 2, st.Copies())
}

func TestWorkerErrorsAndDenials(t *testing.T) {
	p, _ := newTestPool(t, TransportStdio)
	w := spawn(t, p, t.TempDir())

	_, err := do(t, w, "fail")
	assert.ErrorIs(t, err, ErrWorker)

	_, err = do(t, w, "observe")
	assert.ErrorIs(t, err, ErrDenied)

	result, err := do(t, w, "echo", json.RawMessage(`{"still":"alive"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"still":"alive"}`, string(result))

	status := w.Status()
	assert.True(t, status.Alive)
	assert.Equal(t, 3, status.Served)
}

func TestWorkerExitRejectsPending(t *testing.T) {
	p, _ := newTestPool(t, TransportStdio)
	w := spawn(t, p, t.TempDir())

	queued, err := w.Submit(Request{Type: "echo"})
	require.NoError(t, err)
	_, err = w.Submit(Request{Type: "exit"})
	require.NoError(t, err)
	behind, err := w.Submit(Request{Type: "echo"})
	require.NoError(t, err)

	_, err = queued.Wait(context.Background())
	require.NoError(t, err)
	_, err = behind.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDeadWorker)

	waitExited(t, w)
	assert.False(t, w.IsAlive())
	assert.Eventually(t, func() bool { return p.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	status := w.Status()
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 3, *status.ExitCode)

	_, err = w.Submit(Request{Type: "echo"})
	assert.ErrorIs(t, err, ErrDeadWorker)
}

func TestKill(t *testing.T) {
	p, _ := newTestPool(t, TransportStdio)
	w := spawn(t, p, t.TempDir())

	pending, err := w.Submit(Request{Type: "hang"})
	require.NoError(t, err)

	require.NoError(t, p.Kill(w.ID()))
	waitExited(t, w)
	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDeadWorker)

	assert.Eventually(t, func() bool {
		return errors.Is(p.Kill(w.ID()), ErrUnknownWorker)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKillUnknownWorker(t *testing.T) {
	p, _ := newTestPool(t, TransportStdio)
	assert.ErrorIs(t, p.Kill("no-such-worker"), ErrUnknownWorker)
}

func TestSpawnProvisioningFailure(t *testing.T) {
	dir := t.TempDir()
	p := New(Options{Stager: stager.New(filepath.Join(dir, "missing"), filepath.Join(dir, "staged"), 0o750)})

	_, err := p.Spawn(context.Background(), dir, uint32(os.Getuid()), uint32(os.Getgid()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Equal(t, 0, p.Count())
}

func TestSpawnFailureIsSpawnError(t *testing.T) {
	p, _ := newTestPool(t, TransportStdio)

	_, err := p.Spawn(context.Background(), filepath.Join(t.TempDir(), "missing-dir"), uint32(os.Getuid()), uint32(os.Getgid()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Equal(t, 0, p.Count())
}

func TestShutdown(t *testing.T) {
	p, st := newTestPool(t, TransportStdio)
	first := spawn(t, p, t.TempDir())
	second := spawn(t, p, t.TempDir())

	p.Shutdown()
	p.Shutdown()

	_, err := os.Stat(st.Target)
	assert.True(t, os.IsNotExist(err))
	waitExited(t, first)
	waitExited(t, second)

	_, err = p.Spawn(context.Background(), t.TempDir(), uint32(os.Getuid()), uint32(os.Getgid()))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestPacketTransport(t *testing.T) {
	p, _ := newTestPool(t, TransportPacket)
	w := spawn(t, p, t.TempDir())

	result, err := do(t, w, "echo", json.RawMessage(`"hi"`))
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(result))

	_, err = do(t, w, "fail")
	require.Error(t, err)
	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindWorker, re.Kind)
	assert.Equal(t, "failed on purpose", re.Message)

	require.NoError(t, p.Kill(w.ID()))
	waitExited(t, w)
	_, err = w.Submit(Request{Type: "echo"})
	assert.ErrorIs(t, err, ErrDeadWorker)
}
