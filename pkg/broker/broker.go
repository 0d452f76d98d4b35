package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/synacktraa/cillow/pkg/events"
	"github.com/synacktraa/cillow/pkg/log"
	"github.com/synacktraa/cillow/pkg/metrics"
	"github.com/synacktraa/cillow/pkg/pool"
	"github.com/synacktraa/cillow/pkg/protocol"
	"github.com/synacktraa/cillow/pkg/types"
)

// sendFunc relays one response frame to a client identity.
type sendFunc func(identity string, frame *protocol.Frame) error

// job is one queued request plus the reply identity that routes its
// responses back.
type job struct {
	identity string
	req      *types.Request
	received time.Time
}

// Broker is the network-facing half of Cillow: it terminates the router
// socket, enqueues jobs onto a bounded queue, and runs the dispatcher
// goroutines that drive the worker pool and relay response frames back to
// the originating client identity.
type Broker struct {
	cfg  *Config
	pool *pool.Pool
	bus  *events.Bus

	queue  chan *job
	stopCh chan struct{}
	wg     sync.WaitGroup

	send sendFunc

	mu       sync.Mutex
	lastSeen map[string]time.Time
	draining bool

	logger zerolog.Logger
}

// New creates a broker over an existing pool and event bus.
func New(cfg *Config, p *pool.Pool, bus *events.Bus) *Broker {
	return &Broker{
		cfg:      cfg,
		pool:     p,
		bus:      bus,
		queue:    make(chan *job, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		lastSeen: map[string]time.Time{},
		logger:   log.WithComponent("broker"),
	}
}

// Run binds the router socket and serves until ctx is cancelled, then
// drains: pending jobs are refused with Shutdown, pool workers terminated
// with the grace period, dispatcher goroutines joined, socket closed.
func (b *Broker) Run(ctx context.Context) error {
	sock := zmq4.NewRouter(ctx)
	if err := sock.Listen(b.cfg.Endpoint()); err != nil {
		return fmt.Errorf("bind %s: %w", b.cfg.Endpoint(), err)
	}
	defer sock.Close()

	// One goroutine owns all socket writes so concurrent dispatchers
	// cannot interleave a request's frames.
	sendCh := make(chan zmq4.Msg, 4*b.cfg.QueueSize)
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		for msg := range sendCh {
			if err := sock.Send(msg); err != nil {
				b.logger.Debug().Err(err).Msg("dropping reply for unreachable client")
			}
		}
	}()

	b.send = func(identity string, frame *protocol.Frame) error {
		payload, err := protocol.Marshal(frame)
		if err != nil {
			return err
		}
		select {
		case sendCh <- zmq4.NewMsgFrom([]byte(identity), payload):
			return nil
		case <-senderDone:
			return errors.New("sender closed")
		}
	}

	for i := 0; i < b.cfg.WorkerThreads; i++ {
		b.wg.Add(1)
		go b.dispatchLoop()
	}
	b.wg.Add(1)
	go b.livenessLoop()

	b.logger.Info().
		Str("endpoint", b.cfg.Endpoint()).
		Int("max_interpreters", b.cfg.MaxInterpreters).
		Int("per_client", b.cfg.PerClient).
		Int("worker_threads", b.cfg.WorkerThreads).
		Int("queue_size", b.cfg.QueueSize).
		Msg("broker ready")

	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.Warn().Err(err).Msg("socket receive failed")
			continue
		}
		identity, payload, ok := splitEnvelope(msg.Frames)
		if !ok {
			b.logger.Warn().Int("frames", len(msg.Frames)).Msg("dropping short multipart message")
			continue
		}
		b.handlePayload(identity, payload)
	}

	b.shutdown()
	close(sendCh)
	<-senderDone
	return nil
}

// splitEnvelope extracts [identity][empty?][payload] from a router message.
func splitEnvelope(frames [][]byte) (string, []byte, bool) {
	switch {
	case len(frames) >= 3 && len(frames[1]) == 0:
		return string(frames[0]), frames[2], true
	case len(frames) >= 2:
		return string(frames[0]), frames[1], true
	default:
		return "", nil, false
	}
}

// handlePayload parses and routes one incoming payload. It never blocks on
// the queue: backpressure is a synchronous ServerBusy refusal.
func (b *Broker) handlePayload(identity string, payload []byte) {
	frame, err := protocol.Unmarshal(payload)
	if err != nil {
		b.refuse(identity, "", types.ExcMalformedRequest, err.Error())
		return
	}

	b.touch(identity)

	switch frame.Kind {
	case protocol.FramePing:
		return
	case protocol.FrameRequest:
	default:
		b.refuse(identity, "", types.ExcMalformedRequest,
			fmt.Sprintf("unexpected %s frame", frame.Kind))
		return
	}

	req := frame.Request
	switch req.Kind {
	case types.ShutdownClient:
		b.forget(identity)
		reaped := b.pool.DeleteClient(identity, types.ExcCancelled)
		b.logger.Info().Str("client", identity).Int("workers", reaped).Msg("client shut down")
		b.reply(identity, protocol.NewEnd())

	case types.DeleteInterpreter:
		b.pool.Delete(identity, req.Env)
		b.reply(identity, protocol.NewResult(nil), protocol.NewEnd())

	case types.SwitchInterpreter:
		// Purely a client-side hint: the worker for the new env is created
		// by the next request that carries it.
		b.reply(identity, protocol.NewResult(nil), protocol.NewEnd())

	case types.RunCode, types.RunCommand, types.InstallRequirements, types.SetEnvVars:
		b.enqueue(identity, req)

	default:
		b.refuse(identity, req.Kind, types.ExcMalformedRequest,
			fmt.Sprintf("unknown request kind %q", req.Kind))
	}
}

func (b *Broker) enqueue(identity string, req *types.Request) {
	b.mu.Lock()
	draining := b.draining
	b.mu.Unlock()
	if draining {
		b.refuse(identity, req.Kind, types.ExcShutdown, "broker is shutting down")
		return
	}

	j := &job{identity: identity, req: req, received: time.Now()}
	select {
	case b.queue <- j:
		metrics.QueueDepth.Set(float64(len(b.queue)))
	default:
		b.refuse(identity, req.Kind, types.ExcServerBusy, "request queue is full")
	}
}

func (b *Broker) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case j := <-b.queue:
			metrics.QueueDepth.Set(float64(len(b.queue)))
			b.serve(j)
		}
	}
}

// serve drives one job through the pool and relays its frames, recording
// the outcome for metrics.
func (b *Broker) serve(j *job) {
	outcome := "result"
	emit := func(f *protocol.Frame) error {
		if f.Kind == protocol.FrameException {
			outcome = string(f.Exception.Type)
		}
		return b.send(j.identity, f)
	}

	if err := b.pool.Dispatch(j.identity, j.req.Env, j.req, emit); err != nil {
		b.logger.Debug().Err(err).Str("client", j.identity).Msg("client unreachable during reply")
	}

	metrics.ObserveRequest(string(j.req.Kind), outcome, time.Since(j.received))
	if b.bus != nil {
		b.bus.Publish(&events.Event{
			Type:     events.EventRequestCompleted,
			ClientID: j.identity,
			Env:      j.req.Env,
			Kind:     j.req.Kind,
		})
	}
}

// livenessLoop reaps the workers of clients whose beacons went silent.
// ZeroMQ surfaces no disconnects to the application, so silence is the
// disconnect signal; a clean close still arrives as shutdown_client.
func (b *Broker) livenessLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.reapSilent()
		}
	}
}

func (b *Broker) reapSilent() {
	cutoff := time.Now().Add(-types.LivenessTimeout)

	b.mu.Lock()
	var silent []string
	for client, seen := range b.lastSeen {
		if seen.Before(cutoff) {
			silent = append(silent, client)
			delete(b.lastSeen, client)
		}
	}
	metrics.ClientsConnected.Set(float64(len(b.lastSeen)))
	b.mu.Unlock()

	for _, client := range silent {
		if reaped := b.pool.DeleteClient(client, types.ExcCancelled); reaped > 0 {
			b.logger.Info().Str("client", client).Int("workers", reaped).Msg("reaped workers of silent client")
		}
	}
}

func (b *Broker) touch(identity string) {
	b.mu.Lock()
	b.lastSeen[identity] = time.Now()
	metrics.ClientsConnected.Set(float64(len(b.lastSeen)))
	b.mu.Unlock()
}

func (b *Broker) forget(identity string) {
	b.mu.Lock()
	delete(b.lastSeen, identity)
	metrics.ClientsConnected.Set(float64(len(b.lastSeen)))
	b.mu.Unlock()
}

func (b *Broker) reply(identity string, frames ...*protocol.Frame) {
	for _, f := range frames {
		if err := b.send(identity, f); err != nil {
			return
		}
	}
}

func (b *Broker) refuse(identity string, kind types.RequestKind, typ types.ExceptionType, message string) {
	b.reply(identity, protocol.NewException(typ, message), protocol.NewEnd())
	// The rejection counter is kept by the metrics handler on the bus.
	if b.bus != nil {
		b.bus.Publish(&events.Event{
			Type:     events.EventRequestRejected,
			ClientID: identity,
			Kind:     kind,
			Reason:   typ,
			Message:  message,
		})
	}
}

// shutdown drains pending jobs with Shutdown refusals, terminates the pool,
// and joins the dispatcher goroutines.
func (b *Broker) shutdown() {
	b.logger.Info().Msg("broker shutting down")

	b.mu.Lock()
	b.draining = true
	b.mu.Unlock()

	close(b.stopCh)

	for {
		select {
		case j := <-b.queue:
			b.refuse(j.identity, j.req.Kind, types.ExcShutdown, "broker is shutting down")
			continue
		default:
		}
		break
	}

	b.pool.Shutdown()
	b.wg.Wait()
	b.logger.Info().Msg("broker stopped")
}
