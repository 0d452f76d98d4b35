package hooks

import (
	"fmt"
	"sync"
)

// Session is the slice of the evaluator a hook may touch: feeding it source
// fragments. Hooks rebind callables inside the interpreter runtime; they
// never read results back.
type Session interface {
	Exec(source string) error
}

// Hook is a reversible rebinding of a runtime callable. Install swaps the
// callable for an instrumented version while stashing the original under an
// explicit handle; Uninstall restores from that handle. A hook must never
// reach the replaced callable through its new binding.
type Hook interface {
	Name() string
	Install(s Session) error
	Uninstall(s Session) error
}

// Registry is an ordered list of hooks. The process-wide default registry is
// consulted by workers once, at spawn: hooks registered afterwards apply only
// to workers started afterwards.
type Registry struct {
	mu    sync.Mutex
	hooks []Hook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a hook; composition order is registration order.
func (r *Registry) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Snapshot returns the current hook list. The returned slice is the caller's
// own copy; later registrations do not show through it.
func (r *Registry) Snapshot() []Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Hook, len(r.hooks))
	copy(out, r.hooks)
	return out
}

var defaultRegistry = NewRegistry()

// Register adds a hook to the process-wide registry.
func Register(h Hook) {
	defaultRegistry.Register(h)
}

// Snapshot copies the process-wide registry.
func Snapshot() []Hook {
	return defaultRegistry.Snapshot()
}

// WithHooks installs hooks in order, runs fn, and uninstalls in reverse
// order on every exit path. An install failure unwinds the already-installed
// prefix and fn never runs.
func WithHooks(s Session, hooks []Hook, fn func() error) (err error) {
	installed := make([]Hook, 0, len(hooks))
	defer func() {
		for i := len(installed) - 1; i >= 0; i-- {
			if uerr := installed[i].Uninstall(s); uerr != nil && err == nil {
				err = fmt.Errorf("uninstall hook %s: %w", installed[i].Name(), uerr)
			}
		}
	}()

	for _, h := range hooks {
		if ierr := h.Install(s); ierr != nil {
			return fmt.Errorf("install hook %s: %w", h.Name(), ierr)
		}
		installed = append(installed, h)
	}
	return fn()
}

// SourceHook is a hook expressed as a pair of source fragments fed to the
// session. Most capture hooks are of this form.
type SourceHook struct {
	name      string
	install   string
	uninstall string
}

// NewSourceHook builds a hook from install/uninstall fragments.
func NewSourceHook(name, install, uninstall string) *SourceHook {
	return &SourceHook{name: name, install: install, uninstall: uninstall}
}

func (h *SourceHook) Name() string { return h.name }

func (h *SourceHook) Install(s Session) error {
	return s.Exec(h.install)
}

func (h *SourceHook) Uninstall(s Session) error {
	return s.Exec(h.uninstall)
}
