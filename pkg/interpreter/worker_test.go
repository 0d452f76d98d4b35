package interpreter

import (
	"bytes"
	"io"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synacktraa/cillow/pkg/deps"
	"github.com/synacktraa/cillow/pkg/protocol"
	"github.com/synacktraa/cillow/pkg/pyenv"
	"github.com/synacktraa/cillow/pkg/types"
)

// testWorker assembles a worker around a scripted runner and an in-memory
// frame channel, returning the worker and a drain for the emitted frames.
func testWorker(t *testing.T, handler func(op runnerOp) []map[string]any) (*Worker, func() []*protocol.Frame) {
	t.Helper()

	var out bytes.Buffer
	inspector := deps.NewInspector()

	w := &Worker{
		env:       &pyenv.Env{Ref: types.SystemEnv, Python: "python3"},
		conn:      protocol.NewConn(&bytes.Buffer{}, &out),
		inspector: inspector,
		envVars:   map[string]string{},
		logger:    zerolog.Nop(),
	}
	if handler != nil {
		w.session = fakeRunner(t, handler)
	}

	drain := func() []*protocol.Frame {
		in := protocol.NewConn(&out, &bytes.Buffer{})
		var frames []*protocol.Frame
		for {
			f, err := in.ReadFrame()
			if err == io.EOF {
				return frames
			}
			require.NoError(t, err)
			frames = append(frames, f)
		}
	}
	return w, drain
}

func frameKinds(frames []*protocol.Frame) []protocol.FrameKind {
	kinds := make([]protocol.FrameKind, len(frames))
	for i, f := range frames {
		kinds[i] = f.Kind
	}
	return kinds
}

func TestRunCodeHappyPath(t *testing.T) {
	w, drain := testWorker(t, func(op runnerOp) []map[string]any {
		switch op.Op {
		case "parse":
			return []map[string]any{{"event": "ok"}}
		case "run":
			return []map[string]any{
				{"event": "stdout", "text": "hi\n"},
				{"event": "result", "value": nil},
			}
		default:
			t.Fatalf("unexpected op %q", op.Op)
			return nil
		}
	})

	require.NoError(t, w.handle(&types.Request{Kind: types.RunCode, Source: "print('hi')"}))

	frames := drain()
	require.Equal(t, []protocol.FrameKind{
		protocol.FrameStream, protocol.FrameResult, protocol.FrameEnd,
	}, frameKinds(frames))
	assert.Equal(t, "hi\n", frames[0].Stream.Text)
	assert.Nil(t, frames[1].Result.Value)
}

func TestRunCodeExpressionValue(t *testing.T) {
	w, drain := testWorker(t, func(op runnerOp) []map[string]any {
		if op.Op == "parse" {
			return []map[string]any{{"event": "ok"}}
		}
		return []map[string]any{{"event": "result", "value": 5}}
	})

	require.NoError(t, w.handle(&types.Request{Kind: types.RunCode, Source: "x = 2\nx + 3"}))

	frames := drain()
	require.Equal(t, []protocol.FrameKind{protocol.FrameResult, protocol.FrameEnd}, frameKinds(frames))
	assert.EqualValues(t, 5, frames[0].Result.Value)
}

func TestRunCodeSyntaxErrorSkipsInstall(t *testing.T) {
	parsed := 0
	w, drain := testWorker(t, func(op runnerOp) []map[string]any {
		require.Equal(t, "parse", op.Op, "nothing beyond parse may run for invalid source")
		parsed++
		return []map[string]any{{"event": "exception", "type": "SyntaxError", "message": "invalid syntax"}}
	})
	// An inspector that panics if consulted: invalid source must not reach it.
	w.inspector = nil

	require.NoError(t, w.handle(&types.Request{Kind: types.RunCode, Source: "import requests\ndef broken(:"}))

	frames := drain()
	require.Equal(t, []protocol.FrameKind{protocol.FrameException, protocol.FrameEnd}, frameKinds(frames))
	assert.Equal(t, types.ExcUserCode, frames[0].Exception.Type)
	assert.Equal(t, 1, parsed)
}

func TestRunCodeUserError(t *testing.T) {
	w, drain := testWorker(t, func(op runnerOp) []map[string]any {
		if op.Op == "parse" {
			return []map[string]any{{"event": "ok"}}
		}
		return []map[string]any{{
			"event": "exception", "type": "ZeroDivisionError",
			"message": "division by zero", "traceback": "Traceback ...",
		}}
	})

	require.NoError(t, w.handle(&types.Request{Kind: types.RunCode, Source: "1/0"}))

	frames := drain()
	require.Equal(t, []protocol.FrameKind{protocol.FrameException, protocol.FrameEnd}, frameKinds(frames))
	assert.Contains(t, frames[0].Exception.Message, "ZeroDivisionError")
}

func TestRunCommandStreamsAndResult(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	w, drain := testWorker(t, nil)

	require.NoError(t, w.handle(&types.Request{
		Kind: types.RunCommand,
		Argv: []string{"sh", "-c", "echo out; echo err 1>&2"},
	}))

	frames := drain()
	require.GreaterOrEqual(t, len(frames), 3)
	last, prev := frames[len(frames)-1], frames[len(frames)-2]
	assert.Equal(t, protocol.FrameEnd, last.Kind)
	require.Equal(t, protocol.FrameResult, prev.Kind)
	assert.EqualValues(t, 0, prev.Result.Value)

	var stdout, stderr string
	for _, f := range frames[:len(frames)-2] {
		require.Equal(t, protocol.FrameStream, f.Kind)
		switch f.Stream.Kind {
		case protocol.StreamStdout:
			stdout += f.Stream.Text
		case protocol.StreamStderr:
			stderr += f.Stream.Text
		}
	}
	assert.Equal(t, "out\n", stdout)
	assert.Equal(t, "err\n", stderr)
}

func TestRunCommandNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	w, drain := testWorker(t, nil)

	require.NoError(t, w.handle(&types.Request{
		Kind: types.RunCommand,
		Argv: []string{"sh", "-c", "exit 3"},
	}))

	frames := drain()
	require.Equal(t, []protocol.FrameKind{protocol.FrameException, protocol.FrameEnd}, frameKinds(frames))
	assert.Equal(t, types.ExcCommand, frames[0].Exception.Type)
	assert.Contains(t, frames[0].Exception.Message, "3")
}

func TestRunCommandSpawnFailure(t *testing.T) {
	w, drain := testWorker(t, nil)

	require.NoError(t, w.handle(&types.Request{
		Kind: types.RunCommand,
		Argv: []string{"/definitely/not/a/binary"},
	}))

	frames := drain()
	require.Equal(t, []protocol.FrameKind{protocol.FrameException, protocol.FrameEnd}, frameKinds(frames))
	assert.Equal(t, types.ExcCommand, frames[0].Exception.Type)
}

func TestRunCommandEmptyArgv(t *testing.T) {
	w, drain := testWorker(t, nil)
	require.NoError(t, w.handle(&types.Request{Kind: types.RunCommand}))
	frames := drain()
	require.Equal(t, []protocol.FrameKind{protocol.FrameException, protocol.FrameEnd}, frameKinds(frames))
}

func TestSetEnvVars(t *testing.T) {
	w, drain := testWorker(t, func(op runnerOp) []map[string]any {
		require.Equal(t, "setenv", op.Op)
		return []map[string]any{{"event": "ok"}}
	})

	require.NoError(t, w.handle(&types.Request{
		Kind:    types.SetEnvVars,
		EnvVars: map[string]string{"API_KEY": "secret"},
	}))

	frames := drain()
	require.Equal(t, []protocol.FrameKind{protocol.FrameResult, protocol.FrameEnd}, frameKinds(frames))
	assert.Nil(t, frames[0].Result.Value)
	assert.Equal(t, "secret", w.envVars["API_KEY"])
}

func TestBrokerOnlyKindsRejected(t *testing.T) {
	w, drain := testWorker(t, nil)
	require.NoError(t, w.handle(&types.Request{Kind: types.DeleteInterpreter}))
	frames := drain()
	require.Equal(t, []protocol.FrameKind{protocol.FrameException, protocol.FrameEnd}, frameKinds(frames))
	assert.Equal(t, types.ExcMalformedRequest, frames[0].Exception.Type)
}

func TestOverlayEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin"}
	got := overlayEnv(base, map[string]string{"FOO": "bar"})
	assert.Contains(t, got, "PATH=/usr/bin")
	assert.Contains(t, got, "FOO=bar")
	// Base is untouched.
	assert.Len(t, base, 1)
}
