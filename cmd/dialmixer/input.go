package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// dialRequester is the part of the coordinator input handlers need.
type dialRequester interface {
	RequestStep(dial, steps int) error
	RequestMute(dial int) error
}

// inputDevice is an opened evdev node bound to one dial.
type inputDevice struct {
	file *os.File
	dial int
}

// inputHandler translates raw encoder events into dial requests.
//
// Turning a dial steps it by the reported detents; pushing it toggles mute.
// Nothing here blocks: requests only enqueue.
type inputHandler struct {
	requests dialRequester
	cfg      RotaryConfig
	rotary   map[int]*rotaryState
	logger   *slog.Logger
}

func newInputHandler(requests dialRequester, dials int, cfg RotaryConfig, logger *slog.Logger) *inputHandler {
	h := &inputHandler{
		requests: requests,
		cfg:      cfg,
		rotary:   make(map[int]*rotaryState, dials),
		logger:   logger,
	}
	for i := 0; i < dials; i++ {
		h.rotary[i] = newRotaryState()
	}
	return h
}

func (h *inputHandler) handle(dial int, ev inputEvent) {
	switch ev.Type {
	case EV_REL:
		if ev.Code != REL_DIAL && ev.Code != REL_WHEEL {
			return
		}
		r, ok := h.rotary[dial]
		if !ok {
			return
		}
		steps := r.scale(int(ev.Value), h.cfg)
		if steps == 0 {
			return
		}
		if err := h.requests.RequestStep(dial, steps); err != nil {
			h.logger.Warn("dial step rejected", "dial", dial, "steps", steps, "error", err)
		}

	case EV_KEY:
		if ev.Code != BTN_0 && ev.Code != KEY_MUTE {
			return
		}
		if ev.Value != evValuePress {
			return
		}
		if err := h.requests.RequestMute(dial); err != nil {
			h.logger.Warn("dial mute rejected", "dial", dial, "error", err)
		}
	}
}

// runInput opens the configured devices and feeds their events to h until
// ctx is canceled or a device fails.
func runInput(ctx context.Context, devices []InputDeviceConfig, h *inputHandler, logger *slog.Logger) error {
	if len(devices) == 0 {
		logger.Info("no input devices configured; dials are controlled over IPC only")
		<-ctx.Done()
		return nil
	}

	opened := make([]inputDevice, 0, len(devices))
	defer func() {
		for _, d := range opened {
			d.file.Close()
		}
	}()
	for _, dev := range devices {
		f, err := os.Open(ExpandPath(dev.Path))
		if err != nil {
			return fmt.Errorf("open input device %s (run as root or add user to 'input' group): %w", dev.Path, err)
		}
		opened = append(opened, inputDevice{file: f, dial: dev.Dial})
		logger.Info("input device opened", "device", dev.Path, "dial", dev.Dial)
	}

	err := readDevices(ctx, opened, h.handle)
	if ctx.Err() != nil && (err == nil || errors.Is(err, os.ErrClosed)) {
		return nil
	}
	return err
}
