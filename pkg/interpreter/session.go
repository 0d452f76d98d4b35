package interpreter

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/synacktraa/cillow/pkg/log"
	"github.com/synacktraa/cillow/pkg/protocol"
	"github.com/synacktraa/cillow/pkg/pyenv"
	"github.com/synacktraa/cillow/pkg/types"
)

// Session is the persistent evaluator bound to one environment: the
// environment's interpreter running the embedded runner program. The
// namespace inside it survives across Run calls, which is what makes
// definitions from one run_code visible in the next.
//
// A session is single-threaded by construction; callers serialize access
// (the worker main loop is the only caller).
type Session struct {
	env    *pyenv.Env
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *bufio.Reader
	logger zerolog.Logger
}

// runnerEvent is one line of the inner runner protocol.
type runnerEvent struct {
	Event     string          `json:"event"`
	Text      string          `json:"text,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Data      string          `json:"data,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Type      string          `json:"type,omitempty"`
	Message   string          `json:"message,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
}

type runnerOp struct {
	Op     string            `json:"op"`
	Source string            `json:"source,omitempty"`
	Vars   map[string]string `json:"vars,omitempty"`
}

// StartSession activates the environment and launches the evaluator,
// blocking until the runner reports ready.
func StartSession(env *pyenv.Env) (*Session, error) {
	cmd := exec.Command(env.Python, "-u", "-c", runnerSource)
	cmd.Env = env.Environ(os.Environ())
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("session stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("session stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start interpreter %s: %w", env.Python, err)
	}

	s := &Session{
		env:    env,
		cmd:    cmd,
		stdin:  stdin,
		out:    bufio.NewReader(stdout),
		logger: log.WithComponent("session"),
	}

	ev, err := s.readEvent()
	if err != nil {
		s.kill()
		return nil, fmt.Errorf("interpreter never reported ready: %w", err)
	}
	if ev.Event != "ready" {
		s.kill()
		return nil, fmt.Errorf("interpreter reported %q instead of ready", ev.Event)
	}
	s.logger.Debug().Str("python", env.Python).Msg("evaluator session started")
	return s, nil
}

func (s *Session) send(op runnerOp) error {
	line, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode runner op: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.stdin.Write(line); err != nil {
		return fmt.Errorf("write runner op: %w", err)
	}
	return nil
}

func (s *Session) readEvent() (*runnerEvent, error) {
	line, err := s.out.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	ev := &runnerEvent{}
	if err := json.Unmarshal(line, ev); err != nil {
		return nil, fmt.Errorf("decode runner event: %w", err)
	}
	return ev, nil
}

// Run executes source with full run_code semantics: the statements block
// runs against the persistent namespace and the trailing expression's value,
// if any, comes back as the result. Output produced along the way is handed
// to emit in production order. The returned exception is the user-visible
// failure; the returned error means the session itself is broken.
func (s *Session) Run(source string, emit func(*protocol.Frame) error) (any, *protocol.Exception, error) {
	if err := s.send(runnerOp{Op: "run", Source: source}); err != nil {
		return nil, nil, err
	}
	return s.consume(emit)
}

// Parse checks source for syntax errors without executing anything.
func (s *Session) Parse(source string) (*protocol.Exception, error) {
	if err := s.send(runnerOp{Op: "parse", Source: source}); err != nil {
		return nil, err
	}
	_, exc, err := s.consume(nil)
	return exc, err
}

// Exec runs a source fragment for its side effects, with output suppressed.
// This is the hooks.Session contract: capture hooks rebind callables through
// it at scope entry and exit.
func (s *Session) Exec(source string) error {
	if err := s.send(runnerOp{Op: "exec", Source: source}); err != nil {
		return err
	}
	_, exc, err := s.consume(nil)
	if err != nil {
		return err
	}
	if exc != nil {
		return exc
	}
	return nil
}

// SetEnv updates the evaluator's environment variable table in place.
func (s *Session) SetEnv(vars map[string]string) error {
	if err := s.send(runnerOp{Op: "setenv", Vars: vars}); err != nil {
		return err
	}
	_, exc, err := s.consume(nil)
	if err != nil {
		return err
	}
	if exc != nil {
		return exc
	}
	return nil
}

// consume drains runner events until a terminal one. Stream and artifact
// events are forwarded through emit when set and dropped otherwise.
func (s *Session) consume(emit func(*protocol.Frame) error) (any, *protocol.Exception, error) {
	for {
		ev, err := s.readEvent()
		if err != nil {
			return nil, nil, fmt.Errorf("evaluator session broken: %w", err)
		}
		switch ev.Event {
		case "stdout":
			if err := s.forward(emit, protocol.NewStream(protocol.StreamStdout, ev.Text)); err != nil {
				return nil, nil, err
			}
		case "stderr":
			if err := s.forward(emit, protocol.NewStream(protocol.StreamStderr, ev.Text)); err != nil {
				return nil, nil, err
			}
		case "bytes":
			data, derr := base64.StdEncoding.DecodeString(ev.Data)
			if derr != nil {
				s.logger.Warn().Err(derr).Msg("dropping undecodable artifact")
				continue
			}
			if err := s.forward(emit, protocol.NewByteStream(ev.Kind, data, uuid.NewString())); err != nil {
				return nil, nil, err
			}
		case "result":
			var value any
			if len(ev.Value) > 0 {
				if derr := json.Unmarshal(ev.Value, &value); derr != nil {
					return nil, nil, fmt.Errorf("decode result value: %w", derr)
				}
			}
			return value, nil, nil
		case "ok":
			return nil, nil, nil
		case "exception":
			return nil, &protocol.Exception{
				Type:      types.ExcUserCode,
				Message:   fmt.Sprintf("%s: %s", ev.Type, ev.Message),
				Traceback: ev.Traceback,
			}, nil
		default:
			s.logger.Warn().Str("event", ev.Event).Msg("ignoring unknown runner event")
		}
	}
}

func (s *Session) forward(emit func(*protocol.Frame) error, f *protocol.Frame) error {
	if emit == nil {
		return nil
	}
	return emit(f)
}

// Close shuts the evaluator down: stdin closes, the runner's read loop ends,
// and the process gets a grace period before being killed.
func (s *Session) Close() error {
	_ = s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(types.GracePeriod):
		s.kill()
		return <-done
	}
}

func (s *Session) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Pid returns the evaluator process id.
func (s *Session) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
