package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/synacktraa/cillow/pkg/types"
)

// FrameKind is the one-byte tag leading every serialized frame.
type FrameKind byte

const (
	// FrameStream carries a textual output chunk (stdout, stderr,
	// installer progress).
	FrameStream FrameKind = 0x01
	// FrameByteStream carries a binary artifact (rendered image, figure).
	FrameByteStream FrameKind = 0x02
	// FrameResult carries the final value of a request; at most one per
	// request, always followed by FrameEnd.
	FrameResult FrameKind = 0x03
	// FrameException carries a terminal failure payload.
	FrameException FrameKind = 0x04
	// FrameEnd terminates a request's response stream; exactly one per
	// request.
	FrameEnd FrameKind = 0x05
	// FrameRequest wraps a types.Request. Client to broker, and broker to
	// worker over the pipe channel.
	FrameRequest FrameKind = 0x06
	// FrameReady is emitted once by a worker after environment activation,
	// evaluator start and the hook-registry snapshot. Pipe channel only.
	FrameReady FrameKind = 0x07
	// FramePing is the client liveness beacon. Socket only; yields no
	// response stream.
	FramePing FrameKind = 0x08
)

func (k FrameKind) String() string {
	switch k {
	case FrameStream:
		return "stream"
	case FrameByteStream:
		return "byte_stream"
	case FrameResult:
		return "result"
	case FrameException:
		return "exception"
	case FrameEnd:
		return "end"
	case FrameRequest:
		return "request"
	case FrameReady:
		return "ready"
	case FramePing:
		return "ping"
	default:
		return fmt.Sprintf("frame(0x%02x)", byte(k))
	}
}

// Stream kinds.
const (
	StreamStdout    = "stdout"
	StreamStderr    = "stderr"
	StreamInstaller = "installer"
)

// Stream is a textual output chunk.
type Stream struct {
	Kind string `msgpack:"kind"`
	Text string `msgpack:"text"`
}

// ByteStream is a binary artifact. Bytes travel as msgpack bin and are never
// re-encoded through a text encoding.
type ByteStream struct {
	Kind  string `msgpack:"kind"`
	Bytes []byte `msgpack:"bytes"`
	ID    string `msgpack:"id,omitempty"`
}

// Result is the final value of a request. Value is nil when the request
// produced no value (statements only, empty source, set_env_vars).
type Result struct {
	Value any `msgpack:"value"`
}

// Exception is a terminal failure payload.
type Exception struct {
	Type      types.ExceptionType `msgpack:"type"`
	Message   string              `msgpack:"message"`
	Traceback string              `msgpack:"traceback,omitempty"`
}

func (e *Exception) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Frame is the tagged union exchanged on both the client socket and the
// broker/worker pipe. Exactly the field matching Kind is set; End, Ready and
// Ping carry no body.
type Frame struct {
	Kind      FrameKind
	Stream    *Stream
	Bytes     *ByteStream
	Result    *Result
	Exception *Exception
	Request   *types.Request
}

// IsTerminal reports whether the frame completes a response stream.
func (f *Frame) IsTerminal() bool {
	return f.Kind == FrameEnd
}

// Marshal serializes a frame as tag byte + msgpack body.
func Marshal(f *Frame) ([]byte, error) {
	var body any
	switch f.Kind {
	case FrameStream:
		body = f.Stream
	case FrameByteStream:
		body = f.Bytes
	case FrameResult:
		body = f.Result
	case FrameException:
		body = f.Exception
	case FrameRequest:
		body = f.Request
	case FrameEnd, FrameReady, FramePing:
		return []byte{byte(f.Kind)}, nil
	default:
		return nil, fmt.Errorf("marshal: unknown frame kind 0x%02x", byte(f.Kind))
	}
	if body == nil {
		return nil, fmt.Errorf("marshal: %s frame missing body", f.Kind)
	}
	enc, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", f.Kind, err)
	}
	out := make([]byte, 0, len(enc)+1)
	out = append(out, byte(f.Kind))
	return append(out, enc...), nil
}

// Unmarshal parses a serialized frame.
func Unmarshal(payload []byte) (*Frame, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("unmarshal: empty payload")
	}
	f := &Frame{Kind: FrameKind(payload[0])}
	body := payload[1:]
	var err error
	switch f.Kind {
	case FrameStream:
		f.Stream = &Stream{}
		err = msgpack.Unmarshal(body, f.Stream)
	case FrameByteStream:
		f.Bytes = &ByteStream{}
		err = msgpack.Unmarshal(body, f.Bytes)
	case FrameResult:
		f.Result = &Result{}
		err = msgpack.Unmarshal(body, f.Result)
	case FrameException:
		f.Exception = &Exception{}
		err = msgpack.Unmarshal(body, f.Exception)
	case FrameRequest:
		f.Request = &types.Request{}
		err = msgpack.Unmarshal(body, f.Request)
	case FrameEnd, FrameReady, FramePing:
		if len(body) != 0 {
			return nil, fmt.Errorf("unmarshal: %s frame carries unexpected body", f.Kind)
		}
	default:
		return nil, fmt.Errorf("unmarshal: unknown frame kind 0x%02x", payload[0])
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s body: %w", f.Kind, err)
	}
	return f, nil
}

// Constructors for the frames synthesized all over the broker.

// NewStream builds a textual chunk frame.
func NewStream(kind, text string) *Frame {
	return &Frame{Kind: FrameStream, Stream: &Stream{Kind: kind, Text: text}}
}

// NewByteStream builds a binary artifact frame.
func NewByteStream(kind string, data []byte, id string) *Frame {
	return &Frame{Kind: FrameByteStream, Bytes: &ByteStream{Kind: kind, Bytes: data, ID: id}}
}

// NewResult builds a result frame; pass nil for a null result.
func NewResult(value any) *Frame {
	return &Frame{Kind: FrameResult, Result: &Result{Value: value}}
}

// NewException builds an exception frame.
func NewException(typ types.ExceptionType, message string) *Frame {
	return &Frame{Kind: FrameException, Exception: &Exception{Type: typ, Message: message}}
}

// NewEnd builds the terminal frame.
func NewEnd() *Frame {
	return &Frame{Kind: FrameEnd}
}

// NewReady builds the worker startup acknowledgement.
func NewReady() *Frame {
	return &Frame{Kind: FrameReady}
}

// NewPing builds the client liveness beacon.
func NewPing() *Frame {
	return &Frame{Kind: FramePing}
}

// NewRequest wraps a request for the wire.
func NewRequest(req *types.Request) *Frame {
	return &Frame{Kind: FrameRequest, Request: req}
}
