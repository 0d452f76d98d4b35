package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/synacktraa/cillow/pkg/protocol"
	"github.com/synacktraa/cillow/pkg/types"
)

// Client is the convenience wrapper around one broker connection. It keeps a
// default environment, beacons liveness while connected, and exposes one
// streaming call per request kind. A client carries at most one outstanding
// request; concurrent calls serialize on an internal mutex.
type Client struct {
	sock   zmq4.Socket
	cancel context.CancelFunc

	// reqMu holds the request slot from send to END.
	reqMu sync.Mutex
	// sendMu serializes socket writes between requests and heartbeats.
	sendMu sync.Mutex

	envMu sync.Mutex
	env   types.Environment

	stopPing chan struct{}
	pingWG   sync.WaitGroup
	closed   bool
}

// Option configures a client.
type Option func(*Client)

// WithEnvironment sets the initial default environment.
func WithEnvironment(env types.Environment) Option {
	return func(c *Client) { c.env = env }
}

// Connect dials a broker endpoint.
func Connect(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	sctx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewDealer(sctx, zmq4.WithID(zmq4.SocketIdentity(uuid.NewString())))
	if err := sock.Dial(addr); err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		sock:     sock,
		cancel:   cancel,
		env:      types.SystemEnv,
		stopPing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.pingWG.Add(1)
	go c.heartbeat()
	return c, nil
}

// heartbeat beacons liveness so the broker can tell an alive-but-quiet
// client from a vanished one.
func (c *Client) heartbeat() {
	defer c.pingWG.Done()
	ticker := time.NewTicker(types.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			_ = c.sendFrame(protocol.NewPing())
		}
	}
}

func (c *Client) sendFrame(f *protocol.Frame) error {
	payload, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sock.Send(zmq4.NewMsg(payload))
}

// Environment returns the client's default environment.
func (c *Client) Environment() types.Environment {
	c.envMu.Lock()
	defer c.envMu.Unlock()
	return c.env
}

// SwitchInterpreter changes the default environment for subsequent calls.
// The broker creates the matching worker lazily, on the next request that
// carries the new environment.
func (c *Client) SwitchInterpreter(env types.Environment) {
	c.envMu.Lock()
	c.env = env
	c.envMu.Unlock()
}

// do sends a request and returns its response stream. The request slot is
// held until the stream observes END.
func (c *Client) do(req *types.Request) (*Stream, error) {
	c.reqMu.Lock()
	if c.closed {
		c.reqMu.Unlock()
		return nil, errors.New("client is closed")
	}
	if req.Env == "" {
		req.Env = c.Environment()
	}
	if err := c.sendFrame(protocol.NewRequest(req)); err != nil {
		c.reqMu.Unlock()
		return nil, err
	}
	return &Stream{c: c}, nil
}

// RunCode submits source for execution in env ("" means the default
// environment) and returns the response stream.
func (c *Client) RunCode(env types.Environment, source string) (*Stream, error) {
	return c.do(&types.Request{Kind: types.RunCode, Env: env, Source: source})
}

// RunCommand spawns argv inside the worker and streams its output.
func (c *Client) RunCommand(env types.Environment, argv []string) (*Stream, error) {
	return c.do(&types.Request{Kind: types.RunCommand, Env: env, Argv: argv})
}

// InstallRequirements installs the named distributions into env.
func (c *Client) InstallRequirements(env types.Environment, names []string) (*Stream, error) {
	return c.do(&types.Request{Kind: types.InstallRequirements, Env: env, Names: names})
}

// SetEnvVars mutates the worker's environment variable table.
func (c *Client) SetEnvVars(env types.Environment, vars map[string]string) (*Stream, error) {
	return c.do(&types.Request{Kind: types.SetEnvVars, Env: env, EnvVars: vars})
}

// DeleteInterpreter terminates the worker for env; the next request for it
// runs in a fresh namespace.
func (c *Client) DeleteInterpreter(env types.Environment) (*Stream, error) {
	return c.do(&types.Request{Kind: types.DeleteInterpreter, Env: env})
}

// Close announces a clean shutdown to the broker, stops the heartbeat, and
// closes the socket.
func (c *Client) Close() error {
	c.reqMu.Lock()
	if c.closed {
		c.reqMu.Unlock()
		return nil
	}
	c.closed = true
	c.reqMu.Unlock()

	close(c.stopPing)
	c.pingWG.Wait()

	// Best effort: tell the broker instead of letting the liveness
	// monitor find out.
	_ = c.sendFrame(protocol.NewRequest(&types.Request{Kind: types.ShutdownClient}))

	err := c.sock.Close()
	c.cancel()
	return err
}

// Stream iterates one request's response frames.
type Stream struct {
	c    *Client
	done bool
}

// Next returns the next response frame. After END has been delivered, Next
// returns io.EOF and the client accepts the next request.
func (s *Stream) Next() (*protocol.Frame, error) {
	if s.done {
		return nil, io.EOF
	}
	msg, err := s.c.sock.Recv()
	if err != nil {
		s.finish()
		return nil, fmt.Errorf("receive frame: %w", err)
	}
	payload := msg.Frames[len(msg.Frames)-1]
	frame, err := protocol.Unmarshal(payload)
	if err != nil {
		s.finish()
		return nil, err
	}
	if frame.Kind == protocol.FrameEnd {
		s.finish()
	}
	return frame, nil
}

func (s *Stream) finish() {
	if !s.done {
		s.done = true
		s.c.reqMu.Unlock()
	}
}

// Collect drains the stream, returning every frame up to and including END.
func (s *Stream) Collect() ([]*protocol.Frame, error) {
	var frames []*protocol.Frame
	for {
		f, err := s.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		if f.Kind == protocol.FrameEnd {
			return frames, nil
		}
	}
}

// Result drains the stream and returns the terminal RESULT value, turning a
// terminal EXCEPTION into an error.
func (s *Stream) Result() (any, error) {
	frames, err := s.Collect()
	if err != nil {
		return nil, err
	}
	for _, f := range frames {
		switch f.Kind {
		case protocol.FrameResult:
			return f.Result.Value, nil
		case protocol.FrameException:
			return nil, f.Exception
		}
	}
	return nil, nil
}
