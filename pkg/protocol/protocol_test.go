package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synacktraa/cillow/pkg/types"
)

func TestMarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name:  "stdout chunk",
			frame: NewStream(StreamStdout, "hi\n"),
		},
		{
			name:  "byte stream keeps raw bytes",
			frame: NewByteStream("image", []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}, "artifact-1"),
		},
		{
			name:  "null result",
			frame: NewResult(nil),
		},
		{
			name:  "exception with traceback",
			frame: &Frame{Kind: FrameException, Exception: &Exception{Type: types.ExcUserCode, Message: "division by zero", Traceback: "Traceback (most recent call last):\n..."}},
		},
		{
			name:  "end",
			frame: NewEnd(),
		},
		{
			name:  "ready",
			frame: NewReady(),
		},
		{
			name:  "ping",
			frame: NewPing(),
		},
		{
			name: "request",
			frame: NewRequest(&types.Request{
				Kind:   types.RunCode,
				Env:    types.SystemEnv,
				Source: "x = 1\nx + 1",
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Marshal(tt.frame)
			require.NoError(t, err)
			got, err := Unmarshal(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Kind, got.Kind)

			switch tt.frame.Kind {
			case FrameStream:
				assert.Equal(t, tt.frame.Stream, got.Stream)
			case FrameByteStream:
				assert.Equal(t, tt.frame.Bytes.Kind, got.Bytes.Kind)
				assert.Equal(t, tt.frame.Bytes.Bytes, got.Bytes.Bytes)
				assert.Equal(t, tt.frame.Bytes.ID, got.Bytes.ID)
			case FrameResult:
				assert.Nil(t, got.Result.Value)
			case FrameException:
				assert.Equal(t, tt.frame.Exception, got.Exception)
			case FrameRequest:
				assert.Equal(t, tt.frame.Request, got.Request)
			}
		})
	}
}

func TestResultValueRoundTrip(t *testing.T) {
	payload, err := Marshal(NewResult(int64(5)))
	require.NoError(t, err)
	got, err := Unmarshal(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 5, got.Result.Value)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal(nil)
	assert.Error(t, err)

	_, err = Unmarshal([]byte{0xee, 0x01})
	assert.Error(t, err)

	// End must not carry a body.
	_, err = Unmarshal([]byte{byte(FrameEnd), 0x01})
	assert.Error(t, err)
}

func TestConnFraming(t *testing.T) {
	var buf bytes.Buffer
	out := NewConn(&bytes.Buffer{}, &buf)

	frames := []*Frame{
		NewStream(StreamStdout, "one"),
		NewStream(StreamStderr, "two"),
		NewResult(nil),
		NewEnd(),
	}
	for _, f := range frames {
		require.NoError(t, out.WriteFrame(f))
	}

	in := NewConn(&buf, &bytes.Buffer{})
	for _, want := range frames {
		got, err := in.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want.Kind, got.Kind)
		if want.Stream != nil {
			assert.Equal(t, want.Stream, got.Stream)
		}
	}

	// Channel drained: next read reports EOF.
	_, err := in.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestConnRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	in := NewConn(&buf, &bytes.Buffer{})
	_, err := in.ReadFrame()
	assert.ErrorContains(t, err, "invalid size")
}
