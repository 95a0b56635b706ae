package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

type inputRequest struct {
	kind  string
	dial  int
	steps int
}

type recordingRequester struct {
	reqs []inputRequest
	err  error
}

func (r *recordingRequester) RequestStep(dial, steps int) error {
	r.reqs = append(r.reqs, inputRequest{kind: "step", dial: dial, steps: steps})
	return r.err
}

func (r *recordingRequester) RequestMute(dial int) error {
	r.reqs = append(r.reqs, inputRequest{kind: "mute", dial: dial})
	return r.err
}

func newTestInputHandler(req dialRequester, dials int, cfg RotaryConfig) *inputHandler {
	h := newInputHandler(req, dials, cfg, testLogger())
	clock := newFakeClock()
	for _, r := range h.rotary {
		r.now = clock.now
	}
	return h
}

func TestInputHandler_TurnAndPush(t *testing.T) {
	rec := &recordingRequester{}
	h := newTestInputHandler(rec, 2, RotaryConfig{VelocityWindowMS: 200})

	h.handle(1, inputEvent{Type: EV_REL, Code: REL_DIAL, Value: 2})
	h.handle(0, inputEvent{Type: EV_REL, Code: REL_WHEEL, Value: -1})
	h.handle(0, inputEvent{Type: EV_REL, Code: 0x00, Value: 5}) // REL_X
	h.handle(0, inputEvent{Type: EV_KEY, Code: BTN_0, Value: evValuePress})
	h.handle(0, inputEvent{Type: EV_KEY, Code: BTN_0, Value: evValueRelease})
	h.handle(1, inputEvent{Type: EV_KEY, Code: KEY_MUTE, Value: evValueRepeat})
	h.handle(1, inputEvent{Type: EV_KEY, Code: KEY_MUTE, Value: evValuePress})
	h.handle(5, inputEvent{Type: EV_REL, Code: REL_DIAL, Value: 1}) // unknown dial

	want := []inputRequest{
		{kind: "step", dial: 1, steps: 2},
		{kind: "step", dial: 0, steps: -1},
		{kind: "mute", dial: 0},
		{kind: "mute", dial: 1},
	}
	if len(rec.reqs) != len(want) {
		t.Fatalf("requests=%+v, want %+v", rec.reqs, want)
	}
	for i := range want {
		if rec.reqs[i] != want[i] {
			t.Fatalf("request %d=%+v, want %+v", i, rec.reqs[i], want[i])
		}
	}
}

func TestInputHandler_FastSpinMultipliesSteps(t *testing.T) {
	rec := &recordingRequester{}
	h := newTestInputHandler(rec, 1, RotaryConfig{VelocityWindowMS: 200, VelocityThreshold: 3, VelocityMultiplier: 2})

	for i := 0; i < 4; i++ {
		h.handle(0, inputEvent{Type: EV_REL, Code: REL_DIAL, Value: 1})
	}

	got := make([]int, 0, len(rec.reqs))
	for _, r := range rec.reqs {
		got = append(got, r.steps)
	}
	want := []int{1, 1, 2, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("steps=%v, want %v", got, want)
		}
	}
}

func TestInputHandler_RejectedRequestDoesNotPanic(t *testing.T) {
	rec := &recordingRequester{err: ErrStopped}
	h := newTestInputHandler(rec, 1, RotaryConfig{})
	h.handle(0, inputEvent{Type: EV_REL, Code: REL_DIAL, Value: 1})
	h.handle(0, inputEvent{Type: EV_KEY, Code: BTN_0, Value: evValuePress})
	if len(rec.reqs) != 2 {
		t.Fatalf("requests=%d, want 2", len(rec.reqs))
	}
}

func TestRunInput_NoDevicesWaitsForCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newTestInputHandler(&recordingRequester{}, 1, RotaryConfig{})

	done := make(chan error, 1)
	go func() { done <- runInput(ctx, nil, h, testLogger()) }()

	select {
	case err := <-done:
		t.Fatalf("runInput returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runInput err=%v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("runInput did not return after cancel")
	}
}

func TestRunInput_MissingDeviceFails(t *testing.T) {
	h := newTestInputHandler(&recordingRequester{}, 1, RotaryConfig{})
	devices := []InputDeviceConfig{{Path: "/nonexistent/input/event99", Dial: 0}}
	err := runInput(context.Background(), devices, h, testLogger())
	if err == nil {
		t.Fatalf("expected error for missing device")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected cancel error: %v", err)
	}
}
