package main

import (
	"sync"
	"time"
)

// RotaryConfig controls how encoder detents turn into dial steps.
type RotaryConfig struct {
	VelocityWindowMS   int // time window for velocity detection
	VelocityThreshold  int // steps in window to trigger velocity mode
	VelocityMultiplier int // step multiplier while spinning fast
}

// rotaryState tracks recent encoder activity for velocity detection.
// This allows us to detect "fast spinning" and scale the step count accordingly.
//
// Thread-safe: several device readers may share one dial.
type rotaryState struct {
	recentSteps []rotaryStep
	mu          sync.Mutex
	now         func() time.Time
}

// rotaryStep records a single encoder detent/step
type rotaryStep struct {
	timestamp time.Time
	direction int // +1 for up, -1 for down
}

func newRotaryState() *rotaryState {
	return &rotaryState{
		recentSteps: make([]rotaryStep, 0, 16),
		now:         time.Now,
	}
}

// addStep records a new encoder step and returns the count of recent steps
// in the same direction within the velocity window.
func (r *rotaryState) addStep(direction int, windowMS int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Duration(windowMS) * time.Millisecond)

	// Remove old steps outside the velocity window
	filtered := r.recentSteps[:0]
	for _, s := range r.recentSteps {
		if s.timestamp.After(cutoff) {
			filtered = append(filtered, s)
		}
	}

	filtered = append(filtered, rotaryStep{
		timestamp: now,
		direction: direction,
	})
	r.recentSteps = filtered

	sameDir := 0
	for _, s := range filtered {
		if s.direction == direction {
			sameDir++
		}
	}
	return sameDir
}

// scale returns the dial steps for one encoder report of raw detents.
// Fast spinning in one direction multiplies the result.
func (r *rotaryState) scale(raw int, cfg RotaryConfig) int {
	if raw == 0 {
		return 0
	}
	direction := 1
	if raw < 0 {
		direction = -1
	}

	count := r.addStep(direction, cfg.VelocityWindowMS)
	if cfg.VelocityThreshold > 0 && cfg.VelocityMultiplier > 1 && count >= cfg.VelocityThreshold {
		return raw * cfg.VelocityMultiplier
	}
	return raw
}
