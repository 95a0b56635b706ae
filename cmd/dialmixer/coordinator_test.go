package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

type coordFixture struct {
	coord   *Coordinator
	reg     *Registry
	audio   *fakeAudioServer
	store   *memStore
	metrics *Metrics
}

func newCoordFixture(t *testing.T, audio *fakeAudioServer, opts CoordinatorOptions, cats ...CategoryConfig) *coordFixture {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	logger := testLogger()
	statuses := newNotifier[DialStatus]("status", 1024, metrics, logger)
	store := newMemStore()

	deps := dialDeps{
		Audio:   audio,
		Store:   store,
		Limits:  testLimits,
		Notify:  statuses.Publish,
		Metrics: metrics,
		Logger:  logger,
	}
	dials := make([]*Dial, 0, len(cats))
	for i, c := range cats {
		dials = append(dials, newDial(i, c, deps))
	}
	reg, err := NewRegistry(dials)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if opts.HealthBuffer == 0 {
		opts.HealthBuffer = 64
	}
	return &coordFixture{
		coord:   NewCoordinator(reg, audio, statuses, opts, metrics, logger),
		reg:     reg,
		audio:   audio,
		store:   store,
		metrics: metrics,
	}
}

// start runs the worker and stops it when the test ends.
func (f *coordFixture) start(t *testing.T) (cancel func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.coord.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("timeout waiting for coordinator to stop")
		}
	})
	return cancel
}

func nextHealth(t *testing.T, c *Coordinator) HealthStatus {
	t.Helper()
	select {
	case hs := <-c.Health():
		return hs
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for health update")
		return HealthStatus{}
	}
}

func snapshot(t *testing.T, c *Coordinator) []DialStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := c.RequestSnapshot(ctx)
	if err != nil {
		t.Fatalf("RequestSnapshot: %v", err)
	}
	return st
}

var fastRetry = CoordinatorOptions{MinRetry: 10 * time.Millisecond, MaxRetry: 40 * time.Millisecond}

func TestCoordinator_ConcurrentSubmitsExecuteOnceEach(t *testing.T) {
	audio := newFakeAudioServer(LiveStream{Handle: 7, AppName: "Spotify"})
	f := newCoordFixture(t, audio, fastRetry,
		CategoryConfig{Name: "Music", Apps: []string{"Spotify"}, Volume: 0},
		CategoryConfig{Name: "Voice", Apps: []string{"Discord"}, Volume: 100},
	)
	f.start(t)

	const (
		senders = 4
		perSend = 25
	)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSend; j++ {
				if err := f.coord.RequestStep(0, 1); err != nil {
					t.Errorf("RequestStep: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	steps := f.metrics.commandsExecuted.WithLabelValues("step", "ok")
	waitUntil(t, 2*time.Second, func() bool {
		return testutil.ToFloat64(steps) == senders*perSend
	}, "not every step executed")

	st := snapshot(t, f.coord)
	if st[0].VolumePercent != senders*perSend {
		t.Fatalf("Music volume=%d, want %d", st[0].VolumePercent, senders*perSend)
	}
	assertGain(t, audio, 7, 1.0)
	if got := audio.maxInFlight.Load(); got > 1 {
		t.Fatalf("audio server saw %d overlapping calls", got)
	}
}

func TestCoordinator_CommandsRunInArrivalOrder(t *testing.T) {
	audio := newFakeAudioServer(LiveStream{Handle: 7, AppName: "Spotify"})
	f := newCoordFixture(t, audio, fastRetry,
		CategoryConfig{Name: "Music", Apps: []string{"Spotify"}, Volume: 80},
	)
	f.start(t)

	for _, err := range []error{
		f.coord.RequestSetVolume(0, 10),
		f.coord.RequestStep(0, 5),
		f.coord.RequestSetVolume(0, 40),
		f.coord.RequestStep(0, -3),
	} {
		if err != nil {
			t.Fatalf("request: %v", err)
		}
	}

	if got := snapshot(t, f.coord)[0].VolumePercent; got != 37 {
		t.Fatalf("volume=%d, want 37", got)
	}
	assertGain(t, audio, 7, 0.37)
	if rec, _ := f.store.get("Music"); rec.Volume != 37 {
		t.Fatalf("stored volume=%d, want 37", rec.Volume)
	}
}

func TestCoordinator_QueuedCommandRunsBeforeLaterEventReconcile(t *testing.T) {
	audio := newFakeAudioServer()
	f := newCoordFixture(t, audio, fastRetry,
		CategoryConfig{Name: "Music", Apps: []string{"Spotify"}, Volume: 80},
	)
	f.start(t)

	waitUntil(t, time.Second, func() bool { return len(audio.subscriptions()) == 1 }, "no subscription")
	sub := audio.subscriptions()[0]
	snapshot(t, f.coord) // initial reconcile done

	// Hold the worker inside a reconcile so the next command and event pile up.
	entered := make(chan struct{})
	release := make(chan struct{})
	releaseOnce := sync.OnceFunc(func() { close(release) })
	t.Cleanup(releaseOnce)
	var once sync.Once
	audio.setOnList(func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	sub.emit(StreamEvent{Kind: StreamEventNew, Handle: 99})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker never started the reconcile")
	}

	audio.addStream(LiveStream{Handle: 7, AppName: "Spotify"})
	if err := f.coord.RequestSetVolume(0, 30); err != nil {
		t.Fatalf("RequestSetVolume: %v", err)
	}
	sub.emit(StreamEvent{Kind: StreamEventNew, Handle: 7})
	releaseOnce()

	waitUntil(t, 2*time.Second, func() bool {
		_, ok := audio.gain(7)
		return ok
	}, "stream 7 was never bound")

	// Bound after the volume change, so it only ever saw the new gain.
	if got := audio.gainsFor(7); len(got) != 1 {
		t.Fatalf("gains applied to stream 7=%v, want exactly [0.3]", got)
	}
	assertGain(t, audio, 7, 0.3)
}

func TestCoordinator_SubscribeTriggersInitialReconcile(t *testing.T) {
	audio := newFakeAudioServer(LiveStream{Handle: 3, AppName: "Discord"})
	f := newCoordFixture(t, audio, fastRetry,
		CategoryConfig{Name: "Voice", Apps: []string{"Discord"}, Volume: 40},
	)
	f.start(t)

	if hs := nextHealth(t, f.coord); !hs.Healthy {
		t.Fatalf("expected healthy after subscribe, got %+v", hs)
	}
	waitUntil(t, time.Second, func() bool {
		_, ok := audio.gain(3)
		return ok
	}, "Discord did not get the dial gain")
	assertGain(t, audio, 3, 0.4)
}

func TestCoordinator_StreamEventsTriggerReconcile(t *testing.T) {
	audio := newFakeAudioServer()
	f := newCoordFixture(t, audio, fastRetry,
		CategoryConfig{Name: "Music", Apps: []string{"Spotify"}, Volume: 80, Muted: true},
	)
	f.start(t)

	waitUntil(t, time.Second, func() bool { return len(audio.subscriptions()) == 1 }, "no subscription")
	sub := audio.subscriptions()[0]

	audio.addStream(LiveStream{Handle: 7, AppName: "Spotify"})
	sub.emit(StreamEvent{Kind: StreamEventNew, Handle: 7})

	waitUntil(t, time.Second, func() bool {
		_, ok := audio.gain(7)
		return ok
	}, "new stream did not get the dial gain")
	assertGain(t, audio, 7, 0.8)
	if !audio.isMuted(7) {
		t.Fatalf("new stream should inherit mute")
	}

	audio.removeStream(7)
	sub.emit(StreamEvent{Kind: StreamEventRemoved, Handle: 7})
	waitUntil(t, time.Second, func() bool {
		return len(snapshot(t, f.coord)[0].Apps) == 0
	}, "removed stream still bound")
}

func TestCoordinator_IgnoresOtherEvents(t *testing.T) {
	audio := newFakeAudioServer()
	f := newCoordFixture(t, audio, fastRetry, CategoryConfig{Name: "Music", Apps: []string{"Spotify"}})
	f.start(t)

	reconciles := f.metrics.commandsExecuted.WithLabelValues("reconcile", "ok")
	waitUntil(t, time.Second, func() bool { return testutil.ToFloat64(reconciles) == 1 }, "initial reconcile did not run")
	sub := audio.subscriptions()[0]

	sub.emit(StreamEvent{Kind: StreamEventOther, Handle: 1})
	snapshot(t, f.coord) // the worker has handled the event once this returns

	if got := testutil.ToFloat64(reconciles); got != 1 {
		t.Fatalf("reconciles=%v, want 1", got)
	}
}

func TestCoordinator_ResubscribesAfterFailure(t *testing.T) {
	audio := newFakeAudioServer()
	audio.subscribeErrs = []error{errors.New("connection refused")}
	f := newCoordFixture(t, audio, fastRetry, CategoryConfig{Name: "Music", Apps: []string{"Spotify"}})
	f.start(t)

	hs := nextHealth(t, f.coord)
	if hs.Healthy || hs.Error == "" || hs.RetryInMs != 10 {
		t.Fatalf("first health=%+v, want unhealthy with 10ms retry", hs)
	}
	if hs = nextHealth(t, f.coord); !hs.Healthy {
		t.Fatalf("second health=%+v, want healthy", hs)
	}

	// Break the live subscription; the worker must come back on its own.
	audio.subscriptions()[0].fail(errors.New("connection reset"))

	hs = nextHealth(t, f.coord)
	if hs.Healthy || hs.Error != "connection reset" {
		t.Fatalf("health after drop=%+v", hs)
	}
	if hs = nextHealth(t, f.coord); !hs.Healthy {
		t.Fatalf("health after retry=%+v, want healthy", hs)
	}
	if n := len(audio.subscriptions()); n != 2 {
		t.Fatalf("subscriptions=%d, want 2", n)
	}
	if got := testutil.ToFloat64(f.metrics.subscriptionErrors); got != 2 {
		t.Fatalf("subscription errors=%v, want 2", got)
	}
}

func TestCoordinator_CommandsRunWhileDegraded(t *testing.T) {
	audio := newFakeAudioServer(LiveStream{Handle: 5, AppName: "steam"})
	audio.subscribeErrs = []error{errors.New("connection refused")}
	f := newCoordFixture(t, audio, CoordinatorOptions{MinRetry: time.Minute, MaxRetry: time.Minute},
		CategoryConfig{Name: "Game", Apps: []string{"steam"}, Volume: 100},
	)
	f.start(t)

	if hs := nextHealth(t, f.coord); hs.Healthy {
		t.Fatalf("expected unhealthy, got %+v", hs)
	}

	if err := f.coord.RequestSetVolume(0, 30); err != nil {
		t.Fatalf("RequestSetVolume: %v", err)
	}
	if err := f.coord.RequestSetMute(0, true); err != nil {
		t.Fatalf("RequestSetMute: %v", err)
	}
	st := snapshot(t, f.coord)
	if st[0].VolumePercent != 30 || !st[0].Muted {
		t.Fatalf("status=%+v, want 30%% muted", st[0])
	}
	if rec, _ := f.store.get("Game"); rec.Volume != 30 || !rec.Muted {
		t.Fatalf("stored=%+v", rec)
	}
	waitUntil(t, time.Second, func() bool {
		return f.coord.State() == StateResubscribing
	}, "coordinator not in resubscribing state")
}

func TestCoordinator_ShutdownDiscardsQueueAndRejectsSubmits(t *testing.T) {
	defer goleak.VerifyNone(t)

	audio := newFakeAudioServer()
	f := newCoordFixture(t, audio, fastRetry, CategoryConfig{Name: "Music"})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.coord.Run(ctx) }()

	waitUntil(t, time.Second, func() bool { return len(audio.subscriptions()) == 1 }, "no subscription")
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for Run to return")
	}

	select {
	case <-f.coord.Done():
	default:
		t.Fatalf("Done not closed after Run returned")
	}
	if f.coord.State() != StateStopped {
		t.Fatalf("state=%v, want stopped", f.coord.State())
	}
	if !audio.subscriptions()[0].isClosed() {
		t.Fatalf("subscription not closed on shutdown")
	}
	if err := f.coord.RequestStep(0, 1); !errors.Is(err, ErrStopped) {
		t.Fatalf("RequestStep after stop err=%v, want ErrStopped", err)
	}
	if _, err := f.coord.RequestSnapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("RequestSnapshot after stop err=%v, want ErrStopped", err)
	}
}

func TestCoordinator_PendingSnapshotFailsWhenQueueDiscarded(t *testing.T) {
	f := newCoordFixture(t, newFakeAudioServer(), fastRetry, CategoryConfig{Name: "Music"})

	errCh := make(chan error, 1)
	go func() {
		_, err := f.coord.RequestSnapshot(context.Background())
		errCh <- err
	}()

	waitUntil(t, time.Second, func() bool {
		f.coord.mu.Lock()
		defer f.coord.mu.Unlock()
		return len(f.coord.queue) == 1
	}, "snapshot not queued")
	if err := f.coord.RequestStep(0, 1); err != nil {
		t.Fatalf("RequestStep: %v", err)
	}

	// Stop without ever running the queue.
	f.coord.shutdown(nil)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("err=%v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("RequestSnapshot still waiting after shutdown")
	}
	if got := testutil.ToFloat64(f.metrics.actionsDiscarded); got != 2 {
		t.Fatalf("discarded=%v, want 2", got)
	}
}

func TestCoordinator_SubmitRejectsInvalidDial(t *testing.T) {
	f := newCoordFixture(t, newFakeAudioServer(), fastRetry, CategoryConfig{Name: "Music"})

	cmds := []Command{
		StepCommand{Dial: 1, Steps: 1},
		ToggleMuteCommand{Dial: -1},
		SetVolumeCommand{Dial: 5, Percent: 10},
		SetMuteCommand{Dial: 2, Muted: true},
	}
	for _, cmd := range cmds {
		if err := f.coord.Submit(cmd); !errors.Is(err, ErrInvalidDial) {
			t.Errorf("Submit(%s) err=%v, want ErrInvalidDial", cmd, err)
		}
	}
	f.coord.mu.Lock()
	defer f.coord.mu.Unlock()
	if len(f.coord.queue) != 0 {
		t.Fatalf("invalid commands were queued: %d", len(f.coord.queue))
	}
}

func TestCoordinator_AdjacentReconcilesCoalesce(t *testing.T) {
	f := newCoordFixture(t, newFakeAudioServer(), fastRetry, CategoryConfig{Name: "Music"})

	_ = f.coord.enqueue(reconcileCommand{reason: "new"}, false)
	_ = f.coord.enqueue(reconcileCommand{reason: "removed"}, false)
	_ = f.coord.enqueue(StepCommand{Dial: 0, Steps: 1}, false)
	_ = f.coord.enqueue(reconcileCommand{reason: "new"}, false)

	f.coord.mu.Lock()
	defer f.coord.mu.Unlock()
	kinds := make([]string, 0, len(f.coord.queue))
	for _, c := range f.coord.queue {
		kinds = append(kinds, c.Kind())
	}
	want := []string{"reconcile", "step", "reconcile"}
	if len(kinds) != len(want) {
		t.Fatalf("queue=%v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("queue=%v, want %v", kinds, want)
		}
	}
}

func TestCoordinator_ResolveDial(t *testing.T) {
	f := newCoordFixture(t, newFakeAudioServer(), fastRetry,
		CategoryConfig{Name: "Browser"},
		CategoryConfig{Name: "Music"},
	)
	if idx, err := f.coord.ResolveDial("Music"); err != nil || idx != 1 {
		t.Fatalf("ResolveDial(Music)=%d,%v", idx, err)
	}
	if _, err := f.coord.ResolveDial("Podcasts"); !errors.Is(err, ErrInvalidDial) {
		t.Fatalf("ResolveDial(Podcasts) err=%v", err)
	}
}

func TestCoordinator_StatusesPublishedOnChange(t *testing.T) {
	audio := newFakeAudioServer()
	f := newCoordFixture(t, audio, fastRetry, CategoryConfig{Name: "Music", Volume: 50})
	f.start(t)

	if err := f.coord.RequestMute(0); err != nil {
		t.Fatalf("RequestMute: %v", err)
	}
	select {
	case st := <-f.coord.Statuses():
		if st.Name != "Music" || !st.Muted {
			t.Fatalf("status=%+v, want Music muted", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for status")
	}
}

func TestCoordinatorState_String(t *testing.T) {
	for _, s := range coordinatorStates {
		if strings.HasPrefix(s.String(), "unknown") {
			t.Errorf("state %d has no name", int32(s))
		}
	}
	if got := CoordinatorState(42).String(); got != "unknown(42)" {
		t.Errorf("String()=%q", got)
	}
}
