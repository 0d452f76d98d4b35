package pool

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synacktraa/cillow/pkg/protocol"
	"github.com/synacktraa/cillow/pkg/types"
)

// TestMain doubles as the fake worker entry point: the pool spawns this test
// binary again with CILLOW_FAKE_WORKER set and talks real frames to it.
func TestMain(m *testing.M) {
	if os.Getenv("CILLOW_FAKE_WORKER") == "1" {
		runFakeWorker()
		return
	}
	os.Exit(m.Run())
}

func runFakeWorker() {
	if os.Getenv("CILLOW_FAKE_NOREADY") == "1" {
		return
	}
	conn := protocol.NewConn(os.Stdin, os.Stdout)
	if err := conn.WriteFrame(protocol.NewReady()); err != nil {
		return
	}
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		req := frame.Request
		switch {
		case req.Source == "die":
			os.Exit(3)
		case req.Source == "hang":
			time.Sleep(10 * time.Minute)
		case strings.HasPrefix(req.Source, "echo:"):
			_ = conn.WriteFrame(protocol.NewStream(protocol.StreamStdout, strings.TrimPrefix(req.Source, "echo:")))
			_ = conn.WriteFrame(protocol.NewResult(nil))
			_ = conn.WriteFrame(protocol.NewEnd())
		case req.Source == "value":
			_ = conn.WriteFrame(protocol.NewResult(int64(5)))
			_ = conn.WriteFrame(protocol.NewEnd())
		default:
			_ = conn.WriteFrame(protocol.NewResult(nil))
			_ = conn.WriteFrame(protocol.NewEnd())
		}
	}
}

func fakeSpawn(extraEnv ...string) SpawnFunc {
	return func(types.Environment) *exec.Cmd {
		cmd := exec.Command(os.Args[0])
		cmd.Env = append(os.Environ(), "CILLOW_FAKE_WORKER=1")
		cmd.Env = append(cmd.Env, extraEnv...)
		return cmd
	}
}

func testPool(t *testing.T, maxInterpreters, perClient int, extraEnv ...string) *Pool {
	t.Helper()
	p := New(Config{
		MaxInterpreters: maxInterpreters,
		PerClient:       perClient,
		Spawn:           fakeSpawn(extraEnv...),
		ValidateEnv:     func(types.Environment) error { return nil },
	}, nil)
	t.Cleanup(p.Shutdown)
	return p
}

type collector struct {
	mu     sync.Mutex
	frames []*protocol.Frame
}

func (c *collector) emit(f *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *collector) kinds() []protocol.FrameKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]protocol.FrameKind, len(c.frames))
	for i, f := range c.frames {
		kinds[i] = f.Kind
	}
	return kinds
}

func (c *collector) exception() *protocol.Exception {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f.Kind == protocol.FrameException {
			return f.Exception
		}
	}
	return nil
}

func runCode(source string) *types.Request {
	return &types.Request{Kind: types.RunCode, Env: types.SystemEnv, Source: source}
}

func TestDispatchReusesWorker(t *testing.T) {
	p := testPool(t, 4, 2)

	first := &collector{}
	require.NoError(t, p.Dispatch("client-1", types.SystemEnv, runCode("echo:hi"), first.emit))
	require.Equal(t, []protocol.FrameKind{
		protocol.FrameStream, protocol.FrameResult, protocol.FrameEnd,
	}, first.kinds())
	assert.Equal(t, "hi", first.frames[0].Stream.Text)
	assert.Equal(t, 1, p.Len())

	second := &collector{}
	require.NoError(t, p.Dispatch("client-1", types.SystemEnv, runCode("value"), second.emit))
	require.Equal(t, []protocol.FrameKind{protocol.FrameResult, protocol.FrameEnd}, second.kinds())
	assert.EqualValues(t, 5, second.frames[0].Result.Value)

	// Same key, still one worker.
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, p.ClientWorkers("client-1"))
}

func TestPerClientQuota(t *testing.T) {
	p := testPool(t, 4, 1)

	c1 := &collector{}
	require.NoError(t, p.Dispatch("client-1", "/envs/e1", runCode("echo:a"), c1.emit))
	require.Nil(t, c1.exception())
	require.Equal(t, 1, p.Len())

	c2 := &collector{}
	require.NoError(t, p.Dispatch("client-1", "/envs/e2", runCode("echo:b"), c2.emit))
	exc := c2.exception()
	require.NotNil(t, exc)
	assert.Equal(t, types.ExcPerClientQuota, exc.Type)
	assert.Equal(t, []protocol.FrameKind{protocol.FrameException, protocol.FrameEnd}, c2.kinds())

	// The refusal did not mutate the pool.
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, p.ClientWorkers("client-1"))
}

func TestGlobalQuota(t *testing.T) {
	p := testPool(t, 1, 1)

	c1 := &collector{}
	require.NoError(t, p.Dispatch("client-1", types.SystemEnv, runCode("echo:a"), c1.emit))
	require.Nil(t, c1.exception())

	c2 := &collector{}
	require.NoError(t, p.Dispatch("client-2", types.SystemEnv, runCode("echo:b"), c2.emit))
	exc := c2.exception()
	require.NotNil(t, exc)
	assert.Equal(t, types.ExcGlobalQuota, exc.Type)
	assert.Equal(t, 1, p.Len())
}

func TestUnknownEnvironment(t *testing.T) {
	p := New(Config{
		MaxInterpreters: 4,
		PerClient:       2,
		Spawn:           fakeSpawn(),
		ValidateEnv:     func(types.Environment) error { return assert.AnError },
	}, nil)
	t.Cleanup(p.Shutdown)

	c := &collector{}
	require.NoError(t, p.Dispatch("client-1", "/envs/missing", runCode("echo:a"), c.emit))
	exc := c.exception()
	require.NotNil(t, exc)
	assert.Equal(t, types.ExcUnknownEnvironment, exc.Type)
	assert.Equal(t, 0, p.Len())
}

func TestDeleteSpawnsFreshWorkerNextTime(t *testing.T) {
	p := testPool(t, 4, 2)

	c := &collector{}
	require.NoError(t, p.Dispatch("client-1", types.SystemEnv, runCode("echo:a"), c.emit))
	require.Equal(t, 1, p.Len())

	assert.True(t, p.Delete("client-1", types.SystemEnv))
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.Delete("client-1", types.SystemEnv))

	// The key is usable again immediately and gets a fresh subprocess.
	c2 := &collector{}
	require.NoError(t, p.Dispatch("client-1", types.SystemEnv, runCode("value"), c2.emit))
	require.Nil(t, c2.exception())
	assert.Equal(t, 1, p.Len())
}

func TestDeleteClientReapsAllEnvs(t *testing.T) {
	p := testPool(t, 4, 3)

	for _, env := range []types.Environment{"/envs/e1", "/envs/e2", "/envs/e3"} {
		c := &collector{}
		require.NoError(t, p.Dispatch("client-1", env, runCode("echo:a"), c.emit))
		require.Nil(t, c.exception())
	}
	require.Equal(t, 3, p.Len())

	assert.Equal(t, 3, p.DeleteClient("client-1", types.ExcCancelled))
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, p.ClientWorkers("client-1"))
}

func TestWorkerDiedMidRequest(t *testing.T) {
	p := testPool(t, 4, 2)

	c := &collector{}
	require.NoError(t, p.Dispatch("client-1", types.SystemEnv, runCode("die"), c.emit))
	exc := c.exception()
	require.NotNil(t, exc)
	assert.Equal(t, types.ExcWorkerDied, exc.Type)
	assert.Equal(t, []protocol.FrameKind{protocol.FrameException, protocol.FrameEnd}, c.kinds())

	// The handle is gone and the next request gets a fresh worker.
	require.Eventually(t, func() bool { return p.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	c2 := &collector{}
	require.NoError(t, p.Dispatch("client-1", types.SystemEnv, runCode("value"), c2.emit))
	require.Nil(t, c2.exception())
}

func TestWorkerStartupFailed(t *testing.T) {
	p := testPool(t, 4, 2, "CILLOW_FAKE_NOREADY=1")

	c := &collector{}
	require.NoError(t, p.Dispatch("client-1", types.SystemEnv, runCode("echo:a"), c.emit))
	exc := c.exception()
	require.NotNil(t, exc)
	assert.Equal(t, types.ExcWorkerStartupFailed, exc.Type)
	assert.Equal(t, 0, p.Len())
}

func TestSameKeyRequestsSerialize(t *testing.T) {
	p := testPool(t, 4, 2)

	var wg sync.WaitGroup
	results := make([]*collector, 8)
	for i := range results {
		results[i] = &collector{}
		wg.Add(1)
		go func(c *collector) {
			defer wg.Done()
			_ = p.Dispatch("client-1", types.SystemEnv, runCode("value"), c.emit)
		}(results[i])
	}
	wg.Wait()

	// Every request completed with a clean stream against one worker.
	assert.Equal(t, 1, p.Len())
	for _, c := range results {
		assert.Equal(t, []protocol.FrameKind{protocol.FrameResult, protocol.FrameEnd}, c.kinds())
	}
}

func TestDeleteCancelsInFlightRequest(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the termination grace period")
	}
	p := testPool(t, 4, 2)

	c := &collector{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Dispatch("client-1", types.SystemEnv, runCode("hang"), c.emit)
	}()

	// Let the request reach the worker, then delete out from under it.
	require.Eventually(t, func() bool { return p.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.True(t, p.Delete("client-1", types.SystemEnv))

	select {
	case <-done:
	case <-time.After(types.GracePeriod + 5*time.Second):
		t.Fatal("in-flight request never resolved after delete")
	}

	exc := c.exception()
	require.NotNil(t, exc)
	assert.Equal(t, types.ExcCancelled, exc.Type)
	assert.Equal(t, protocol.FrameEnd, c.frames[len(c.frames)-1].Kind)
	assert.Equal(t, 0, p.Len())
}

func TestShutdownRefusesDispatch(t *testing.T) {
	p := testPool(t, 4, 2)

	c := &collector{}
	require.NoError(t, p.Dispatch("client-1", types.SystemEnv, runCode("echo:a"), c.emit))
	p.Shutdown()
	assert.Equal(t, 0, p.Len())

	c2 := &collector{}
	require.NoError(t, p.Dispatch("client-1", types.SystemEnv, runCode("echo:b"), c2.emit))
	exc := c2.exception()
	require.NotNil(t, exc)
	assert.Equal(t, types.ExcShutdown, exc.Type)
}
