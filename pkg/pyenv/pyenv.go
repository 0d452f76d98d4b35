package pyenv

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/synacktraa/cillow/pkg/types"
)

// ErrUnknownEnvironment is returned when an environment reference does not
// resolve to a usable interpreter.
var ErrUnknownEnvironment = errors.New("unknown environment")

// Env is a resolved runtime environment: the normalized reference plus the
// interpreter that serves it.
type Env struct {
	Ref    types.Environment
	Python string // absolute path of the interpreter executable
	BinDir string // environment's executable directory; empty for $system
}

// Resolve normalizes an environment reference and locates its interpreter.
// The sentinel resolves to whatever python the ambient PATH supplies; any
// other value must be a virtualenv-style directory containing one.
func Resolve(env types.Environment) (*Env, error) {
	ref, err := env.Normalize()
	if err != nil {
		return nil, fmt.Errorf("normalize environment %q: %w", env, err)
	}

	if ref.IsSystem() {
		python, err := systemPython()
		if err != nil {
			return nil, err
		}
		return &Env{Ref: ref, Python: python}, nil
	}

	binDir, python := venvLayout(string(ref))
	info, err := os.Stat(string(ref))
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrUnknownEnvironment, ref)
	}
	if _, err := os.Stat(python); err != nil {
		return nil, fmt.Errorf("%w: no interpreter at %s", ErrUnknownEnvironment, python)
	}
	return &Env{Ref: ref, Python: python, BinDir: binDir}, nil
}

// venvLayout returns the executable directory and interpreter path a
// virtualenv at root would have on this platform.
func venvLayout(root string) (binDir, python string) {
	if runtime.GOOS == "windows" {
		binDir = filepath.Join(root, "Scripts")
		return binDir, filepath.Join(binDir, "python.exe")
	}
	binDir = filepath.Join(root, "bin")
	return binDir, filepath.Join(binDir, "python")
}

func systemPython() (string, error) {
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no python interpreter on PATH", ErrUnknownEnvironment)
}

// Environ overlays the activation variables onto a base environment table:
// the env's executable directory is prepended to PATH and VIRTUAL_ENV is set.
// The sentinel environment passes base through untouched.
func (e *Env) Environ(base []string) []string {
	if e.BinDir == "" {
		return base
	}
	out := make([]string, 0, len(base)+2)
	pathSet := false
	for _, kv := range base {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			out = append(out, "PATH="+e.BinDir+string(os.PathListSeparator)+kv[len("PATH="):])
			pathSet = true
		case strings.HasPrefix(kv, "VIRTUAL_ENV="):
			// replaced below
		default:
			out = append(out, kv)
		}
	}
	if !pathSet {
		out = append(out, "PATH="+e.BinDir)
	}
	return append(out, "VIRTUAL_ENV="+string(e.Ref))
}
