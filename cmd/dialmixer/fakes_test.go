package main

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAudioServer is an in-memory AudioServer.
type fakeAudioServer struct {
	mu      sync.Mutex
	streams []LiveStream
	gains   map[uint32]float64
	muted   map[uint32]bool
	failOn  map[uint32]bool // SetStream* on these handles fail

	listErr       error
	subscribeErrs []error
	subs          []*fakeSubscription

	gainCalls   int
	muteCalls   int
	gainHistory map[uint32][]float64

	// onList runs after a listing was taken, outside the lock
	onList func()

	// overlap detection
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeAudioServer(streams ...LiveStream) *fakeAudioServer {
	return &fakeAudioServer{
		streams: streams,
		gains:       make(map[uint32]float64),
		muted:       make(map[uint32]bool),
		failOn:      make(map[uint32]bool),
		gainHistory: make(map[uint32][]float64),
	}
}

func (f *fakeAudioServer) enter() func() {
	n := f.inFlight.Add(1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeAudioServer) SetStreamGain(handle uint32, gain float64) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gainCalls++
	if f.failOn[handle] {
		return errors.New("no such entity")
	}
	f.gains[handle] = gain
	f.gainHistory[handle] = append(f.gainHistory[handle], gain)
	return nil
}

func (f *fakeAudioServer) SetStreamMuted(handle uint32, muted bool) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muteCalls++
	if f.failOn[handle] {
		return errors.New("no such entity")
	}
	f.muted[handle] = muted
	return nil
}

func (f *fakeAudioServer) ListLiveStreams() ([]LiveStream, error) {
	defer f.enter()()
	f.mu.Lock()
	if f.listErr != nil {
		f.mu.Unlock()
		return nil, f.listErr
	}
	streams := append([]LiveStream(nil), f.streams...)
	hook := f.onList
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return streams, nil
}

func (f *fakeAudioServer) setOnList(hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onList = hook
}

// gains applied to handle, oldest first
func (f *fakeAudioServer) gainsFor(handle uint32) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.gainHistory[handle]...)
}

func (f *fakeAudioServer) Subscribe() (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subscribeErrs) > 0 {
		err := f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
		return nil, err
	}
	s := newFakeSubscription()
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeAudioServer) addStream(s LiveStream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, s)
}

func (f *fakeAudioServer) removeStream(handle uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.streams[:0]
	for _, s := range f.streams {
		if s.Handle != handle {
			kept = append(kept, s)
		}
	}
	f.streams = kept
}

func (f *fakeAudioServer) gain(handle uint32) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gains[handle]
	return g, ok
}

func (f *fakeAudioServer) isMuted(handle uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted[handle]
}

func (f *fakeAudioServer) calls() (gain, mute int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gainCalls, f.muteCalls
}

func (f *fakeAudioServer) subscriptions() []*fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSubscription(nil), f.subs...)
}

// fakeSubscription lets tests push events and break the subscription.
type fakeSubscription struct {
	events chan StreamEvent

	mu     sync.Mutex
	err    error
	closed bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{events: make(chan StreamEvent, 16)}
}

func (s *fakeSubscription) Events() <-chan StreamEvent { return s.events }

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Close() error {
	s.end(nil)
	return nil
}

func (s *fakeSubscription) emit(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

// fail ends the subscription as if the connection dropped.
func (s *fakeSubscription) fail(err error) { s.end(err) }

func (s *fakeSubscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

func (s *fakeSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// memStore is an in-memory CategoryStore.
type memStore struct {
	mu      sync.Mutex
	records map[string]CategoryRecord
	saves   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]CategoryRecord)}
}

func (m *memStore) Load() (map[string]CategoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]CategoryRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) Save(name string, rec CategoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[name] = rec
	m.saves++
	return nil
}

func (m *memStore) get(name string) (CategoryRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	return rec, ok
}
