package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Event Coordinator
// ============================================================================
//
// One worker goroutine owns the registry, every dial and the audio server
// subscription. Everything else talks to it through Submit.
//
// Rules enforced here:
//   - Submit appends to an unbounded FIFO and returns without waiting.
//   - The worker waits on {ctx, wake, subscription events, retry timer}.
//   - A wake drains the whole queue, one action at a time, before the
//     worker goes back to waiting on the subscription.
//   - new/removed stream notifications enqueue a reconcile. Adjacent
//     pending reconciles collapse into one.
//   - A failed subscription is retried with exponential backoff while
//     commands keep executing.
//
// ============================================================================

var (
	// ErrStopped is returned by Submit once the coordinator has shut down.
	ErrStopped = errors.New("coordinator stopped")

	// ErrQueueClosed is returned to a waiting request whose action was
	// discarded at shutdown before it ran.
	ErrQueueClosed = errors.New("coordinator queue closed before request ran")

	errSubscriptionClosed = errors.New("subscription closed unexpectedly")
)

// CoordinatorState is the worker's current phase.
type CoordinatorState int32

const (
	StateSubscribing CoordinatorState = iota
	StateDraining
	StateExecuting
	StateResubscribing
	StateStopped
)

var coordinatorStates = []CoordinatorState{
	StateSubscribing,
	StateDraining,
	StateExecuting,
	StateResubscribing,
	StateStopped,
}

func (s CoordinatorState) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateDraining:
		return "draining"
	case StateExecuting:
		return "executing"
	case StateResubscribing:
		return "resubscribing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// HealthStatus reports whether the audio server subscription is up.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	RetryInMs int64     `json:"retry_in_ms,omitempty"`
	At        time.Time `json:"at"`
}

// CoordinatorOptions tune retry and notification behavior.
type CoordinatorOptions struct {
	MinRetry     time.Duration
	MaxRetry     time.Duration
	HealthBuffer int
}

// Coordinator serializes dial commands and stream reconciliation onto one worker.
type Coordinator struct {
	registry *Registry
	audio    AudioServer
	statuses *notifier[DialStatus]
	health   *notifier[HealthStatus]
	minRetry time.Duration
	maxRetry time.Duration
	metrics  *Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	queue   []Command
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	state atomic.Int32

	// worker-only
	degraded bool
}

// NewCoordinator wires a coordinator around an already reconciled registry.
// statuses must be the notifier the registry's dials publish to.
func NewCoordinator(
	registry *Registry,
	audio AudioServer,
	statuses *notifier[DialStatus],
	opts CoordinatorOptions,
	metrics *Metrics,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinRetry <= 0 {
		opts.MinRetry = defaultMinRetry
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = defaultMaxRetry
	}
	if statuses == nil {
		statuses = newNotifier[DialStatus]("status", defaultStatusBuffer, metrics, logger)
	}

	c := &Coordinator{
		registry: registry,
		audio:    audio,
		statuses: statuses,
		health:   newNotifier[HealthStatus]("health", opts.HealthBuffer, metrics, logger),
		minRetry: opts.MinRetry,
		maxRetry: opts.MaxRetry,
		metrics:  metrics,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.setState(StateSubscribing)
	return c
}

// State returns the worker's current phase.
func (c *Coordinator) State() CoordinatorState {
	return CoordinatorState(c.state.Load())
}

func (c *Coordinator) setState(s CoordinatorState) {
	c.state.Store(int32(s))
	c.metrics.SetState(s)
}

// Statuses delivers a DialStatus whenever a dial's state changes.
func (c *Coordinator) Statuses() <-chan DialStatus { return c.statuses.C() }

// Health delivers subscription health transitions.
func (c *Coordinator) Health() <-chan HealthStatus { return c.health.C() }

// Done is closed once the worker has stopped.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Submit queues cmd for the worker. It never blocks.
//
// Commands addressing a dial are validated here so callers learn about a
// bad index immediately.
func (c *Coordinator) Submit(cmd Command) error {
	if dc, ok := cmd.(dialCommand); ok {
		if idx := dc.dialIndex(); idx < 0 || idx >= c.registry.Len() {
			return fmt.Errorf("%w: index %d out of range [0,%d)", ErrInvalidDial, idx, c.registry.Len())
		}
	}
	return c.enqueue(cmd, true)
}

// RequestStep moves dial by steps detents.
func (c *Coordinator) RequestStep(dial, steps int) error {
	return c.Submit(StepCommand{Dial: dial, Steps: steps})
}

// RequestMute toggles the mute state of dial.
func (c *Coordinator) RequestMute(dial int) error {
	return c.Submit(ToggleMuteCommand{Dial: dial})
}

// RequestSetVolume sets dial to an absolute percent.
func (c *Coordinator) RequestSetVolume(dial, percent int) error {
	return c.Submit(SetVolumeCommand{Dial: dial, Percent: percent})
}

// RequestSetMute sets the mute state of dial.
func (c *Coordinator) RequestSetMute(dial int, muted bool) error {
	return c.Submit(SetMuteCommand{Dial: dial, Muted: muted})
}

// ResolveDial maps a category name to its dial index.
func (c *Coordinator) ResolveDial(name string) (int, error) {
	return c.registry.IndexOf(name)
}

// RequestSnapshot reads every dial's status on the worker and waits for it.
// Unlike the other requests it blocks, bounded by ctx.
func (c *Coordinator) RequestSnapshot(ctx context.Context) ([]DialStatus, error) {
	cmd := snapshotCommand{reply: make(chan []DialStatus, 1)}
	if err := c.Submit(cmd); err != nil {
		return nil, err
	}
	select {
	case st := <-cmd.reply:
		return st, nil
	case <-c.done:
		// The worker may have answered just before stopping.
		select {
		case st := <-cmd.reply:
			return st, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) enqueue(cmd Command, signal bool) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if _, ok := cmd.(reconcileCommand); ok && len(c.queue) > 0 {
		if _, tail := c.queue[len(c.queue)-1].(reconcileCommand); tail {
			c.mu.Unlock()
			return nil
		}
	}
	c.queue = append(c.queue, cmd)
	depth := len(c.queue)
	c.mu.Unlock()

	c.metrics.QueueDepth(depth)
	if signal {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *Coordinator) dequeue() (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	cmd := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.metrics.QueueDepth(len(c.queue))
	return cmd, true
}

// Run is the worker loop. It returns nil when ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	var (
		sub        Subscription
		events     <-chan StreamEvent
		retryTimer *time.Timer
		retryC     <-chan time.Time
	)
	bo := newBackoff(c.minRetry, c.maxRetry)

	fail := func(err error) {
		c.metrics.SubscriptionFailed()
		delay := bo.Next()
		c.logger.Warn("audio subscription failed", "error", err, "retry_in", delay)
		c.degraded = true
		c.health.Publish(HealthStatus{
			Healthy:   false,
			Error:     err.Error(),
			RetryInMs: delay.Milliseconds(),
			At:        time.Now(),
		})
		retryTimer = time.NewTimer(delay)
		retryC = retryTimer.C
		c.setState(StateResubscribing)
	}

	subscribe := func() {
		s, err := c.audio.Subscribe()
		if err != nil {
			fail(fmt.Errorf("subscribe: %w", err))
			return
		}
		sub, events = s, s.Events()
		bo.Reset()
		if c.degraded {
			c.logger.Info("audio subscription restored")
		}
		c.degraded = false
		c.health.Publish(HealthStatus{Healthy: true, At: time.Now()})
		c.setState(StateSubscribing)

		// Streams may have come and gone while nobody was listening.
		_ = c.enqueue(reconcileCommand{reason: "subscribed"}, true)
	}

	c.logger.Info("coordinator started", "dials", c.registry.Len())
	subscribe()

	for {
		select {
		case <-ctx.Done():
			if retryTimer != nil {
				retryTimer.Stop()
			}
			c.shutdown(sub)
			return nil

		case <-c.wake:
			c.drain(ctx)

		case ev, ok := <-events:
			if !ok {
				err := sub.Err()
				if err == nil {
					err = errSubscriptionClosed
				}
				sub, events = nil, nil
				fail(err)
				continue
			}
			c.handleEvent(ev)
			c.drain(ctx)

		case <-retryC:
			retryTimer, retryC = nil, nil
			subscribe()
		}
	}
}

func (c *Coordinator) handleEvent(ev StreamEvent) {
	switch ev.Kind {
	case StreamEventNew, StreamEventRemoved:
		c.logger.Debug("stream event", "kind", ev.Kind.String(), "handle", ev.Handle)
		_ = c.enqueue(reconcileCommand{reason: ev.Kind.String()}, false)
	default:
	}
}

// drain runs queued actions until the queue is empty or ctx is canceled.
func (c *Coordinator) drain(ctx context.Context) {
	c.setState(StateDraining)
	for ctx.Err() == nil {
		cmd, ok := c.dequeue()
		if !ok {
			break
		}
		c.setState(StateExecuting)
		c.execute(cmd)
		c.setState(StateDraining)
	}
	if c.degraded {
		c.setState(StateResubscribing)
	} else {
		c.setState(StateSubscribing)
	}
}

func (c *Coordinator) execute(cmd Command) {
	err := cmd.execute(c)
	c.metrics.CommandExecuted(cmd.Kind(), err)
	if err != nil {
		c.logger.Warn("command failed", "command", cmd.String(), "error", err)
		return
	}
	c.logger.Debug("command executed", "command", cmd.String())
}

func (c *Coordinator) shutdown(sub Subscription) {
	c.mu.Lock()
	c.stopped = true
	discarded := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	c.metrics.QueueDepth(0)
	c.metrics.ActionsDiscarded(discarded)
	if discarded > 0 {
		c.logger.Info("discarded pending actions on shutdown", "count", discarded)
	}

	if sub != nil {
		if err := sub.Close(); err != nil {
			c.logger.Warn("close subscription failed", "error", err)
		}
	}
	c.setState(StateStopped)
	close(c.done)
	c.logger.Info("coordinator stopped")
}

// ============================================================================
// Commands
// ============================================================================

// Command is an action executed on the coordinator worker.
type Command interface {
	Kind() string
	String() string
	execute(c *Coordinator) error
}

// dialCommand is a Command addressing one dial by index.
type dialCommand interface {
	Command
	dialIndex() int
}

// StepCommand moves a dial by Steps detents.
type StepCommand struct {
	Dial  int
	Steps int
}

func (StepCommand) Kind() string     { return "step" }
func (s StepCommand) dialIndex() int { return s.Dial }
func (s StepCommand) String() string {
	return fmt.Sprintf("Step(dial=%d, steps=%d)", s.Dial, s.Steps)
}
func (s StepCommand) execute(c *Coordinator) error {
	d, err := c.registry.Get(s.Dial)
	if err != nil {
		return err
	}
	d.Step(s.Steps)
	return nil
}

// ToggleMuteCommand flips a dial's mute state.
type ToggleMuteCommand struct {
	Dial int
}

func (ToggleMuteCommand) Kind() string     { return "toggle_mute" }
func (t ToggleMuteCommand) dialIndex() int { return t.Dial }
func (t ToggleMuteCommand) String() string { return fmt.Sprintf("ToggleMute(dial=%d)", t.Dial) }
func (t ToggleMuteCommand) execute(c *Coordinator) error {
	d, err := c.registry.Get(t.Dial)
	if err != nil {
		return err
	}
	d.ToggleMute()
	return nil
}

// SetVolumeCommand sets a dial to an absolute percent.
type SetVolumeCommand struct {
	Dial    int
	Percent int
}

func (SetVolumeCommand) Kind() string     { return "set_volume" }
func (s SetVolumeCommand) dialIndex() int { return s.Dial }
func (s SetVolumeCommand) String() string {
	return fmt.Sprintf("SetVolume(dial=%d, percent=%d)", s.Dial, s.Percent)
}
func (s SetVolumeCommand) execute(c *Coordinator) error {
	d, err := c.registry.Get(s.Dial)
	if err != nil {
		return err
	}
	d.SetVolume(s.Percent, false)
	return nil
}

// SetMuteCommand sets a dial's mute state explicitly.
type SetMuteCommand struct {
	Dial  int
	Muted bool
}

func (SetMuteCommand) Kind() string     { return "set_mute" }
func (s SetMuteCommand) dialIndex() int { return s.Dial }
func (s SetMuteCommand) String() string {
	return fmt.Sprintf("SetMute(dial=%d, muted=%v)", s.Dial, s.Muted)
}
func (s SetMuteCommand) execute(c *Coordinator) error {
	d, err := c.registry.Get(s.Dial)
	if err != nil {
		return err
	}
	d.SetMuted(s.Muted, false)
	return nil
}

// reconcileCommand resyncs every dial against one fresh live-stream listing.
type reconcileCommand struct {
	reason string
}

func (reconcileCommand) Kind() string     { return "reconcile" }
func (r reconcileCommand) String() string { return fmt.Sprintf("Reconcile(reason=%s)", r.reason) }
func (reconcileCommand) execute(c *Coordinator) error {
	live, err := c.audio.ListLiveStreams()
	if err != nil {
		return fmt.Errorf("list live streams: %w", err)
	}
	changed := c.registry.ReconcileAll(live)
	c.metrics.ReconcileRan(changed)
	return nil
}

// snapshotCommand reads every dial's status on the worker.
type snapshotCommand struct {
	reply chan []DialStatus
}

func (snapshotCommand) Kind() string   { return "snapshot" }
func (snapshotCommand) String() string { return "Snapshot()" }
func (s snapshotCommand) execute(c *Coordinator) error {
	s.reply <- c.registry.Snapshot()
	return nil
}
