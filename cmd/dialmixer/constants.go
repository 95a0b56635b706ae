package main

import "time"

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01
	EV_REL = 0x02

	KEY_MUTE = 113
	BTN_0    = 0x100 // push switch on most rotary encoder breakouts

	// Rotary encoder relative axis codes
	REL_DIAL  = 0x07
	REL_WHEEL = 0x08
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Dial defaults
const (
	defaultMinPercent    = 0
	defaultMaxPercent    = 150
	defaultStepSize      = 1
	defaultVolumePercent = 100 // initial volume of a category with no stored state
)

// Coordinator defaults
const (
	defaultMinRetry     = 500 * time.Millisecond // minimum delay before resubscribing
	defaultMaxRetry     = 10 * time.Second
	defaultStatusBuffer = 64
)

// PulseAudio defaults
const (
	defaultPulseClientName      = "dialmixer"
	defaultPulseTimeoutMS       = 2000
	defaultPulseProbeIntervalMS = 5000 // liveness check of the event connection
)

// Rotary encoder configuration defaults
const (
	defaultRotaryVelocityWindowMS   = 200 // Time window for velocity detection (ms)
	defaultRotaryVelocityMultiplier = 2   // Step multiplier for "fast spinning"
	defaultRotaryVelocityThreshold  = 3   // Steps in window to trigger velocity mode
)

// Misc
const (
	defaultSocketPath = "/tmp/dialmixer.sock"
	defaultHTTPPort   = 3002
	defaultStateFile  = "~/.config/dialmixer/app_list.json"
	snapshotTimeout   = 2 * time.Second
)
