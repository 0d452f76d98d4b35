package installer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/synacktraa/cillow/pkg/log"
	"github.com/synacktraa/cillow/pkg/protocol"
	"github.com/synacktraa/cillow/pkg/pyenv"
	"github.com/synacktraa/cillow/pkg/types"
)

// Emit receives installer output frames as they are produced.
type Emit func(*protocol.Frame) error

// Installer installs package distributions into a target environment,
// streaming the install tool's output.
type Installer struct {
	logger zerolog.Logger

	// lookPath is swapped in tests.
	lookPath func(string) (string, error)
}

// New creates an installer.
func New() *Installer {
	return &Installer{
		logger:   log.WithComponent("installer"),
		lookPath: exec.LookPath,
	}
}

// command picks the install tool: uv when present on PATH (it is much
// faster), the environment's own pip otherwise.
func (i *Installer) command(ctx context.Context, env *pyenv.Env, names []string) *exec.Cmd {
	if uv, err := i.lookPath("uv"); err == nil {
		args := append([]string{"pip", "install", "--python", env.Python}, names...)
		return exec.CommandContext(ctx, uv, args...)
	}
	args := append([]string{"-m", "pip", "install"}, names...)
	return exec.CommandContext(ctx, env.Python, args...)
}

// Install installs names into env. Stdout and stderr of the install tool are
// chunked into "installer" stream frames as they arrive, not buffered until
// completion. A non-zero exit returns a protocol.Exception of type
// InstallerError; success returns nil and emits no terminal frame, the
// caller continues to the real work.
func (i *Installer) Install(ctx context.Context, env *pyenv.Env, names []string, emit Emit) error {
	if len(names) == 0 {
		return nil
	}

	cmd := i.command(ctx, env, names)
	cmd.Env = env.Environ(os.Environ())

	sink := &streamSink{emit: emit}
	cmd.Stdout = sink
	cmd.Stderr = sink

	i.logger.Info().Strs("names", names).Str("env", string(env.Ref)).Msg("installing requirements")

	if err := cmd.Run(); err != nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			return &protocol.Exception{
				Type:    types.ExcInstaller,
				Message: fmt.Sprintf("installer failed to start: %v", err),
			}
		}
		return &protocol.Exception{
			Type:    types.ExcInstaller,
			Message: fmt.Sprintf("install of %s failed: %v", strings.Join(names, ", "), err),
			// The tail of the installer's own output is the useful part
			// of the failure report.
			Traceback: sink.tail(),
		}
	}
	return nil
}

// streamSink converts writes into installer stream frames and retains a tail
// of the combined output for failure reporting. The process's stdout and
// stderr both point here, so writes may be concurrent.
type streamSink struct {
	emit Emit
	mu   sync.Mutex
	buf  []byte
}

const tailLimit = 4096

func (s *streamSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.buf = append(s.buf, p...)
	if over := len(s.buf) - tailLimit; over > 0 {
		s.buf = s.buf[over:]
	}
	frame := protocol.NewStream(protocol.StreamInstaller, string(p))
	s.mu.Unlock()

	if s.emit != nil {
		if err := s.emit(frame); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (s *streamSink) tail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}
