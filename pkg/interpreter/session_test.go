package interpreter

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synacktraa/cillow/pkg/protocol"
	"github.com/synacktraa/cillow/pkg/types"
)

// fakeRunner wires a Session to a scripted in-process runner: handler maps
// each received op to the event lines the runner would answer with.
func fakeRunner(t *testing.T, handler func(op runnerOp) []map[string]any) *Session {
	t.Helper()
	opR, opW := io.Pipe()
	evR, evW := io.Pipe()

	s := &Session{stdin: opW, out: bufio.NewReader(evR), logger: zerolog.Nop()}

	go func() {
		defer evW.Close()
		sc := bufio.NewScanner(opR)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			var op runnerOp
			if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
				return
			}
			for _, ev := range handler(op) {
				line, _ := json.Marshal(ev)
				if _, err := evW.Write(append(line, '\n')); err != nil {
					return
				}
			}
		}
	}()
	t.Cleanup(func() { _ = opW.Close() })
	return s
}

func collectFrames() (func(*protocol.Frame) error, *[]*protocol.Frame) {
	frames := &[]*protocol.Frame{}
	return func(f *protocol.Frame) error {
		*frames = append(*frames, f)
		return nil
	}, frames
}

func TestSessionRunStreamsThenResult(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	s := fakeRunner(t, func(op runnerOp) []map[string]any {
		require.Equal(t, "run", op.Op)
		return []map[string]any{
			{"event": "stdout", "text": "hi\n"},
			{"event": "bytes", "kind": "image", "data": base64.StdEncoding.EncodeToString(png)},
			{"event": "result", "value": 5},
		}
	})

	emit, frames := collectFrames()
	value, exc, err := s.Run("x = 2\nx + 3", emit)
	require.NoError(t, err)
	require.Nil(t, exc)
	assert.EqualValues(t, 5, value)

	require.Len(t, *frames, 2)
	assert.Equal(t, protocol.FrameStream, (*frames)[0].Kind)
	assert.Equal(t, "hi\n", (*frames)[0].Stream.Text)
	assert.Equal(t, protocol.FrameByteStream, (*frames)[1].Kind)
	assert.Equal(t, "image", (*frames)[1].Bytes.Kind)
	assert.Equal(t, png, (*frames)[1].Bytes.Bytes)
	assert.NotEmpty(t, (*frames)[1].Bytes.ID)
}

func TestSessionRunNullResult(t *testing.T) {
	s := fakeRunner(t, func(runnerOp) []map[string]any {
		return []map[string]any{{"event": "result", "value": nil}}
	})
	value, exc, err := s.Run("x = 1", nil)
	require.NoError(t, err)
	require.Nil(t, exc)
	assert.Nil(t, value)
}

func TestSessionRunException(t *testing.T) {
	s := fakeRunner(t, func(runnerOp) []map[string]any {
		return []map[string]any{{
			"event": "exception", "type": "ZeroDivisionError",
			"message": "division by zero", "traceback": "Traceback ...",
		}}
	})
	_, exc, err := s.Run("1/0", nil)
	require.NoError(t, err)
	require.NotNil(t, exc)
	assert.Equal(t, types.ExcUserCode, exc.Type)
	assert.Contains(t, exc.Message, "ZeroDivisionError")
	assert.Contains(t, exc.Message, "division by zero")
	assert.NotEmpty(t, exc.Traceback)
}

func TestSessionExecSuppressesOutput(t *testing.T) {
	s := fakeRunner(t, func(op runnerOp) []map[string]any {
		require.Equal(t, "exec", op.Op)
		return []map[string]any{
			{"event": "stdout", "text": "noise"},
			{"event": "ok"},
		}
	})
	assert.NoError(t, s.Exec("hook fragment"))
}

func TestSessionExecFailure(t *testing.T) {
	s := fakeRunner(t, func(runnerOp) []map[string]any {
		return []map[string]any{{"event": "exception", "type": "NameError", "message": "nope"}}
	})
	err := s.Exec("broken fragment")
	require.Error(t, err)
	var exc *protocol.Exception
	assert.ErrorAs(t, err, &exc)
}

func TestSessionSetEnv(t *testing.T) {
	var got map[string]string
	s := fakeRunner(t, func(op runnerOp) []map[string]any {
		got = op.Vars
		return []map[string]any{{"event": "ok"}}
	})
	require.NoError(t, s.SetEnv(map[string]string{"FOO": "bar"}))
	assert.Equal(t, map[string]string{"FOO": "bar"}, got)
}

func TestSessionParseReportsSyntaxError(t *testing.T) {
	s := fakeRunner(t, func(op runnerOp) []map[string]any {
		require.Equal(t, "parse", op.Op)
		return []map[string]any{{"event": "exception", "type": "SyntaxError", "message": "invalid syntax"}}
	})
	exc, err := s.Parse("def broken(:")
	require.NoError(t, err)
	require.NotNil(t, exc)
	assert.Equal(t, types.ExcUserCode, exc.Type)
}

func TestSessionBrokenChannel(t *testing.T) {
	opR, opW := io.Pipe()
	evR, evW := io.Pipe()
	s := &Session{stdin: opW, out: bufio.NewReader(evR), logger: zerolog.Nop()}
	go func() {
		// Runner dies without answering.
		_, _ = io.ReadAll(opR)
	}()
	_ = evW.Close()

	_, _, err := s.Run("print(1)", nil)
	assert.Error(t, err)
}
