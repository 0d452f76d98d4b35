package interpreter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/synacktraa/cillow/pkg/deps"
	"github.com/synacktraa/cillow/pkg/hooks"
	"github.com/synacktraa/cillow/pkg/installer"
	"github.com/synacktraa/cillow/pkg/log"
	"github.com/synacktraa/cillow/pkg/protocol"
	"github.com/synacktraa/cillow/pkg/pyenv"
	"github.com/synacktraa/cillow/pkg/types"
)

// Worker is the child-process side of the broker: one environment, one
// evaluator session, one request at a time. The broker speaks to it over
// stdin/stdout with length-prefixed frames; stderr carries logs only.
type Worker struct {
	env       *pyenv.Env
	conn      *protocol.Conn
	session   *Session
	inspector *deps.Inspector
	installer *installer.Installer
	hooks     []hooks.Hook
	envVars   map[string]string
	logger    zerolog.Logger
}

// Run is the worker process entry point: resolve and activate the
// environment, start the evaluator, snapshot the hook registry, report
// READY, then serve requests until the broker closes the channel. A non-nil
// return means the worker is broken and the process should exit non-zero;
// the broker turns the dropped channel into WorkerDied for any in-flight
// request.
func Run(rawEnv types.Environment) error {
	env, err := pyenv.Resolve(rawEnv)
	if err != nil {
		return err
	}

	session, err := StartSession(env)
	if err != nil {
		return err
	}

	w := &Worker{
		env:       env,
		conn:      protocol.NewConn(os.Stdin, os.Stdout),
		session:   session,
		inspector: deps.NewInspector(),
		installer: installer.New(),
		hooks:     hooks.Snapshot(),
		envVars:   map[string]string{},
		logger:    log.WithComponent("worker"),
	}
	defer func() { _ = session.Close() }()

	if err := w.conn.WriteFrame(protocol.NewReady()); err != nil {
		return fmt.Errorf("report ready: %w", err)
	}
	w.logger.Info().Str("env", string(env.Ref)).Int("pid", session.Pid()).Msg("worker ready")

	return w.loop()
}

func (w *Worker) loop() error {
	for {
		frame, err := w.conn.ReadFrame()
		if errors.Is(err, io.EOF) {
			// Broker closed the channel: clean shutdown.
			return nil
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}
		if frame.Kind != protocol.FrameRequest {
			w.logger.Warn().Str("kind", frame.Kind.String()).Msg("dropping non-request frame")
			continue
		}
		if err := w.handle(frame.Request); err != nil {
			return err
		}
	}
}

// handle serves one request: zero or more stream frames, exactly one of
// RESULT or EXCEPTION, then END. A non-nil return means the channel or the
// evaluator session is broken.
func (w *Worker) handle(req *types.Request) error {
	var err error
	switch req.Kind {
	case types.RunCode:
		err = w.runCode(req.Source)
	case types.RunCommand:
		err = w.runCommand(req.Argv)
	case types.InstallRequirements:
		err = w.installRequirements(req.Names)
	case types.SetEnvVars:
		err = w.setEnvVars(req.EnvVars)
	default:
		// switch_interpreter and friends are broker concerns; one
		// reaching a worker is a routing bug.
		err = w.finish(protocol.NewException(types.ExcMalformedRequest,
			fmt.Sprintf("request kind %q is not a worker operation", req.Kind)))
	}
	return err
}

// emit writes a response frame to the broker.
func (w *Worker) emit(f *protocol.Frame) error {
	return w.conn.WriteFrame(f)
}

// finish emits the terminal pair: the given RESULT or EXCEPTION, then END.
func (w *Worker) finish(terminal *protocol.Frame) error {
	if err := w.emit(terminal); err != nil {
		return err
	}
	return w.emit(protocol.NewEnd())
}

func (w *Worker) runCode(source string) error {
	ctx := context.Background()

	// Syntax is checked before anything else so that invalid source never
	// triggers an install attempt.
	exc, err := w.session.Parse(source)
	if err != nil {
		return err
	}
	if exc != nil {
		return w.finish(&protocol.Frame{Kind: protocol.FrameException, Exception: exc})
	}

	if names := w.inspector.Inspect(ctx, w.env, source); len(names) > 0 {
		if ierr := w.installer.Install(ctx, w.env, names, w.emit); ierr != nil {
			// Auto-detected installs are best effort: the failure was
			// already streamed, and the import error (if any) surfaces
			// through normal execution.
			w.logger.Warn().Err(ierr).Strs("names", names).Msg("auto-install failed, continuing")
		}
	}

	var value any
	runErr := hooks.WithHooks(w.session, w.hooks, func() error {
		v, e, err := w.session.Run(source, w.emit)
		value, exc = v, e
		return err
	})
	if runErr != nil {
		return runErr
	}
	if exc != nil {
		return w.finish(&protocol.Frame{Kind: protocol.FrameException, Exception: exc})
	}
	return w.finish(protocol.NewResult(value))
}

func (w *Worker) runCommand(argv []string) error {
	if len(argv) == 0 {
		return w.finish(protocol.NewException(types.ExcCommand, "empty argv"))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = overlayEnv(w.env.Environ(os.Environ()), w.envVars)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return w.finish(protocol.NewException(types.ExcCommand, err.Error()))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return w.finish(protocol.NewException(types.ExcCommand, err.Error()))
	}
	if err := cmd.Start(); err != nil {
		return w.finish(protocol.NewException(types.ExcCommand,
			fmt.Sprintf("spawn %q: %v", argv[0], err)))
	}

	outErr := make(chan error, 2)
	go func() { outErr <- w.streamPipe(stdout, protocol.StreamStdout) }()
	go func() { outErr <- w.streamPipe(stderr, protocol.StreamStderr) }()

	var channelErr error
	for i := 0; i < 2; i++ {
		if err := <-outErr; err != nil && channelErr == nil {
			channelErr = err
		}
	}
	waitErr := cmd.Wait()
	if channelErr != nil {
		return channelErr
	}

	if waitErr != nil {
		var exit *exec.ExitError
		if errors.As(waitErr, &exit) {
			return w.finish(protocol.NewException(types.ExcCommand,
				fmt.Sprintf("command exited with status %d", exit.ExitCode())))
		}
		return w.finish(protocol.NewException(types.ExcCommand, waitErr.Error()))
	}
	return w.finish(protocol.NewResult(int64(0)))
}

// streamPipe relays one output pipe as stream frames, chunked as reads
// complete rather than buffered to process exit.
func (w *Worker) streamPipe(r io.Reader, kind string) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := w.emit(protocol.NewStream(kind, string(buf[:n]))); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Pipe errors at process exit are expected noise.
			return nil
		}
	}
}

func (w *Worker) installRequirements(names []string) error {
	if err := w.installer.Install(context.Background(), w.env, names, w.emit); err != nil {
		var exc *protocol.Exception
		if errors.As(err, &exc) {
			return w.finish(&protocol.Frame{Kind: protocol.FrameException, Exception: exc})
		}
		return w.finish(protocol.NewException(types.ExcInstaller, err.Error()))
	}
	return w.finish(protocol.NewResult(nil))
}

func (w *Worker) setEnvVars(vars map[string]string) error {
	if err := w.session.SetEnv(vars); err != nil {
		var exc *protocol.Exception
		if errors.As(err, &exc) {
			return w.finish(&protocol.Frame{Kind: protocol.FrameException, Exception: exc})
		}
		return err
	}
	for k, v := range vars {
		w.envVars[k] = v
	}
	return w.finish(protocol.NewResult(nil))
}

// overlayEnv appends per-worker variable mutations onto the activation
// environment; later entries win in exec.
func overlayEnv(base []string, vars map[string]string) []string {
	out := make([]string, len(base), len(base)+len(vars))
	copy(out, base)
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out
}
