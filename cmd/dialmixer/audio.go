package main

import "fmt"

// ============================================================================
// Audio server ports
// ============================================================================
// The daemon talks to the audio server only through these interfaces so the
// coordinator and dials can be exercised against fakes in tests. The PulseAudio
// implementation lives in pulse.go.
// ============================================================================

// LiveStream is a playback stream currently known to the audio server.
//
// Handle is only valid while the producing application stays connected.
// AppName is what categories match against.
type LiveStream struct {
	Handle  uint32
	AppName string
}

func (s LiveStream) String() string {
	return fmt.Sprintf("%s#%d", s.AppName, s.Handle)
}

// StreamEventKind classifies a subscription notification.
type StreamEventKind int

const (
	StreamEventOther StreamEventKind = iota
	StreamEventNew
	StreamEventRemoved
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamEventNew:
		return "new"
	case StreamEventRemoved:
		return "removed"
	default:
		return "other"
	}
}

// StreamEvent is one notification from the audio server subscription.
type StreamEvent struct {
	Kind   StreamEventKind
	Handle uint32
}

// StreamController applies per-stream volume and mute. Dials only need this part.
type StreamController interface {
	SetStreamGain(handle uint32, gain float64) error
	SetStreamMuted(handle uint32, muted bool) error
}

// AudioServer is everything the worker needs from the audio server.
// Implementations are owned by the worker goroutine; only Subscription.Close
// may be called from elsewhere.
type AudioServer interface {
	StreamController

	ListLiveStreams() ([]LiveStream, error)

	// Subscribe starts delivering stream notifications.
	Subscribe() (Subscription, error)
}

// Subscription is a live event subscription.
//
// Events is closed when the subscription ends, either because Close was called
// (Err returns nil) or because the connection failed (Err returns the cause).
type Subscription interface {
	Events() <-chan StreamEvent
	Err() error
	Close() error
}
