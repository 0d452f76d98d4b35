package pool

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/synacktraa/cillow/pkg/events"
	"github.com/synacktraa/cillow/pkg/log"
	"github.com/synacktraa/cillow/pkg/protocol"
	"github.com/synacktraa/cillow/pkg/pyenv"
	"github.com/synacktraa/cillow/pkg/types"
)

// Emit receives response frames for relay to the originating client.
type Emit func(*protocol.Frame) error

// SpawnFunc builds the command for an interpreter worker bound to env.
type SpawnFunc func(env types.Environment) *exec.Cmd

// Config holds pool configuration.
type Config struct {
	// MaxInterpreters is the global interpreter cap (Nmax).
	MaxInterpreters int
	// PerClient is the per-client interpreter cap (Cmax).
	PerClient int

	// Spawn and ValidateEnv are replaced in tests; zero values use the
	// real worker subprocess and environment resolution.
	Spawn       SpawnFunc
	ValidateEnv func(types.Environment) error
}

// Pool owns the live set of interpreter workers keyed by (client, env). It
// creates, reuses and terminates them within the global and per-client caps
// and routes request/response frames between broker and worker.
type Pool struct {
	cfg Config
	bus *events.Bus

	mu       sync.Mutex
	workers  map[types.WorkerKey]*Handle
	byClient map[string]map[types.Environment]struct{}
	closed   bool
}

// New creates a pool.
func New(cfg Config, bus *events.Bus) *Pool {
	if cfg.Spawn == nil {
		cfg.Spawn = defaultSpawn
	}
	if cfg.ValidateEnv == nil {
		cfg.ValidateEnv = func(env types.Environment) error {
			_, err := pyenv.Resolve(env)
			return err
		}
	}
	return &Pool{
		cfg:      cfg,
		bus:      bus,
		workers:  map[types.WorkerKey]*Handle{},
		byClient: map[string]map[types.Environment]struct{}{},
	}
}

// Len returns the number of pooled workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// ClientWorkers returns how many workers a client holds.
func (p *Pool) ClientWorkers(client string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byClient[client])
}

// Dispatch routes one request to the worker for (client, env), creating the
// worker if admission allows. Response frames flow through emit in
// production order, ending with exactly one END. The returned error reports
// a broken emit path only; every admission or worker failure is delivered to
// the client as a synthesized EXCEPTION + END and a nil return.
func (p *Pool) Dispatch(client string, env types.Environment, req *types.Request, emit Emit) error {
	normalized, err := env.Normalize()
	if err != nil {
		p.reject(client, env, emit, types.ExcUnknownEnvironment, err.Error())
		return nil
	}
	key := types.WorkerKey{Client: client, Env: normalized}

	// A handle can retire between lookup and enqueue (deletion, death);
	// the next lookup then spawns afresh.
	for attempt := 0; attempt < 2; attempt++ {
		h, exc := p.lookupOrSpawn(key)
		if exc != nil {
			p.reject(client, normalized, emit, exc.Type, exc.Message)
			return nil
		}

		j := &job{req: req, emit: emit, done: make(chan error, 1)}
		if !h.enqueue(j) {
			continue
		}
		return <-j.done
	}

	p.reject(client, normalized, emit, types.ExcCancelled, "worker terminated before the request could run")
	return nil
}

// lookupOrSpawn implements the admission algorithm: reuse, quota-check,
// or reserve-and-spawn. The pool lock covers only map access; the spawn
// itself happens with a reserved slot so concurrent dispatches for the same
// key queue behind the starting worker instead of double-spawning.
func (p *Pool) lookupOrSpawn(key types.WorkerKey) (*Handle, *protocol.Exception) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &protocol.Exception{Type: types.ExcShutdown, Message: "broker is shutting down"}
	}
	if h, ok := p.workers[key]; ok {
		p.mu.Unlock()
		return h, nil
	}

	if len(p.byClient[key.Client]) >= p.cfg.PerClient {
		p.mu.Unlock()
		return nil, &protocol.Exception{
			Type:    types.ExcPerClientQuota,
			Message: fmt.Sprintf("client already holds %d interpreter(s)", p.cfg.PerClient),
		}
	}
	if len(p.workers) >= p.cfg.MaxInterpreters {
		// No eviction: refusing beats disrupting another client's session.
		p.mu.Unlock()
		return nil, &protocol.Exception{
			Type:    types.ExcGlobalQuota,
			Message: fmt.Sprintf("all %d interpreter slots are in use", p.cfg.MaxInterpreters),
		}
	}

	if err := p.cfg.ValidateEnv(key.Env); err != nil {
		p.mu.Unlock()
		return nil, &protocol.Exception{Type: types.ExcUnknownEnvironment, Message: err.Error()}
	}

	h := newHandle(key)
	p.workers[key] = h
	envs := p.byClient[key.Client]
	if envs == nil {
		envs = map[types.Environment]struct{}{}
		p.byClient[key.Client] = envs
	}
	envs[key.Env] = struct{}{}
	p.mu.Unlock()

	go p.runHandle(h)
	return h, nil
}

// runHandle is the per-worker actor: spawn, then serve jobs strictly one at
// a time until the handle closes or the channel breaks.
func (p *Pool) runHandle(h *Handle) {
	defer close(h.done)

	if err := h.start(p.cfg.Spawn, types.StartupTimeout); err != nil {
		wl := log.ForWorker("pool", h.key.Client, string(h.key.Env), h.pid)
		wl.Error().Err(err).Msg("worker startup failed")
		p.remove(h)
		p.failJobs(h.closeJobs(), types.ExcWorkerStartupFailed, err.Error())
		return
	}

	wl := log.ForWorker("pool", h.key.Client, string(h.key.Env), h.pid)
	wl.Info().Msg("worker spawned")
	p.publish(events.EventWorkerSpawned, h)

	for {
		j := h.take()
		if j == nil {
			// Deliberate termination: channel closes, subprocess exits
			// within the grace period or is killed.
			h.closeChannel()
			h.reap(types.GracePeriod)
			p.publish(events.EventWorkerExited, h)
			return
		}
		if err := h.serve(j); err != nil {
			deliberate := h.State() == types.WorkerTerminating
			p.remove(h)
			reason := h.terminalReason()
			p.failJobs(h.closeJobs(), reason, "worker terminated")
			h.closeChannel()
			h.reap(0)
			if deliberate {
				p.publish(events.EventWorkerExited, h)
			} else {
				wl.Warn().Msg("worker died mid-request")
				p.publish(events.EventWorkerDied, h)
			}
			return
		}
	}
}

// remove drops the handle from the pool maps if it is still the registered
// worker for its key.
func (p *Pool) remove(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[h.key] == h {
		delete(p.workers, h.key)
		if envs := p.byClient[h.key.Client]; envs != nil {
			delete(envs, h.key.Env)
			if len(envs) == 0 {
				delete(p.byClient, h.key.Client)
			}
		}
	}
}

func (p *Pool) failJobs(jobs []*job, typ types.ExceptionType, message string) {
	for _, j := range jobs {
		emitSynthetic(j.emit, typ, message)
		j.done <- nil
	}
}

// Delete terminates the worker for (client, env): any in-flight request
// surfaces as Cancelled + END, the channel closes, and the subprocess gets
// the grace period before a kill. Returns false when no such worker exists.
func (p *Pool) Delete(client string, env types.Environment) bool {
	normalized, err := env.Normalize()
	if err != nil {
		return false
	}
	return p.deleteKey(types.WorkerKey{Client: client, Env: normalized}, types.ExcCancelled)
}

func (p *Pool) deleteKey(key types.WorkerKey, reason types.ExceptionType) bool {
	p.mu.Lock()
	h, ok := p.workers[key]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.workers, key)
	if envs := p.byClient[key.Client]; envs != nil {
		delete(envs, key.Env)
		if len(envs) == 0 {
			delete(p.byClient, key.Client)
		}
	}
	p.mu.Unlock()

	h.setReason(reason)
	p.failJobs(h.closeJobs(), reason, "interpreter deleted")
	// The actor notices the closed queue once idle. A busy worker gets the
	// channel closed under it and, if still running after the grace
	// period, a kill — an infinite loop cannot pin the slot.
	h.closeChannel()

	go func() {
		select {
		case <-h.done:
		case <-time.After(types.GracePeriod):
			h.reap(0)
			<-h.done
		}
	}()
	return true
}

// DeleteClient reaps every worker the client holds: the disconnect and
// shutdown_client path.
func (p *Pool) DeleteClient(client string, reason types.ExceptionType) int {
	p.mu.Lock()
	var keys []types.WorkerKey
	for env := range p.byClient[client] {
		keys = append(keys, types.WorkerKey{Client: client, Env: env})
	}
	p.mu.Unlock()

	for _, key := range keys {
		p.deleteKey(key, reason)
	}
	return len(keys)
}

// Shutdown terminates every worker and refuses further dispatches.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.workers))
	for _, h := range p.workers {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.setReason(types.ExcShutdown)
			p.failJobs(h.closeJobs(), types.ExcShutdown, "broker is shutting down")
			h.closeChannel()
			select {
			case <-h.done:
			case <-time.After(types.GracePeriod):
				h.reap(0)
				<-h.done
			}
		}(h)
	}
	wg.Wait()

	p.mu.Lock()
	p.workers = map[types.WorkerKey]*Handle{}
	p.byClient = map[string]map[types.Environment]struct{}{}
	p.mu.Unlock()
}

func (p *Pool) reject(client string, env types.Environment, emit Emit, typ types.ExceptionType, message string) {
	emitSynthetic(emit, typ, message)
	if p.bus != nil {
		p.bus.Publish(&events.Event{
			Type:     events.EventRequestRejected,
			ClientID: client,
			Env:      env,
			Reason:   typ,
			Message:  message,
		})
	}
}

func (p *Pool) publish(typ events.EventType, h *Handle) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(&events.Event{
		Type:     typ,
		ClientID: h.key.Client,
		Env:      h.key.Env,
		PID:      h.pid,
	})
}
