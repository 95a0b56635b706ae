package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/jfreymuth/pulse/proto"
)

// ============================================================================
// PulseAudio adapter
// ============================================================================
// Two native-protocol connections are used:
//   - the command connection lists sink inputs and sets volume/mute; it is
//     only touched from the coordinator worker and reconnects on demand
//   - each Subscription owns its own connection so closing it never
//     disturbs in-flight commands
// ============================================================================

// Native protocol bitfields (pulse/def.h)
const (
	subscriptionMaskSinkInput = 0x0004

	eventFacilityMask      = 0x0F
	eventFacilitySinkInput = 0x02

	eventTypeMask   = 0x30
	eventTypeNew    = 0x00
	eventTypeChange = 0x10
	eventTypeRemove = 0x20

	volumeNorm = 0x10000 // 100% on the server's linear volume scale

	propApplicationName = "application.name"
)

var errEventConnectionClosed = errors.New("pulse server closed the event connection")

// PulseServer implements AudioServer over the PulseAudio native protocol.
// PipeWire's pipewire-pulse speaks the same protocol.
type PulseServer struct {
	cfg    PulseConfig
	logger *slog.Logger

	mu       sync.Mutex
	client   *proto.Client
	conn     net.Conn
	channels map[uint32]int // sink input -> channel count, refreshed on every listing
}

// NewPulseServer returns an unconnected adapter; call Connect before use.
func NewPulseServer(cfg PulseConfig, logger *slog.Logger) *PulseServer {
	return &PulseServer{
		cfg:      cfg,
		logger:   logger,
		channels: make(map[uint32]int),
	}
}

func (p *PulseServer) timeout() time.Duration {
	return time.Duration(p.cfg.TimeoutMS) * time.Millisecond
}

// dial opens and names one native-protocol connection.
func (p *PulseServer) dial(suffix string) (*proto.Client, net.Conn, error) {
	client, conn, err := proto.Connect(p.cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to pulse server: %w", err)
	}
	client.SetTimeout(p.timeout())
	// The reader invokes Callback on EOF even when nothing subscribed.
	client.Callback = func(interface{}) {}

	name := p.cfg.ClientName
	if suffix != "" {
		name += "-" + suffix
	}
	props := proto.PropList{
		propApplicationName: proto.PropListString(name),
	}
	if err := client.Request(&proto.SetClientName{Props: props}, &proto.SetClientNameReply{}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("set client name: %w", err)
	}
	return client, conn, nil
}

func (p *PulseServer) connect() error {
	client, conn, err := p.dial("")
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.client, p.conn = client, conn
	return nil
}

// Connect establishes the command connection, retrying until ctx is done.
func (p *PulseServer) Connect(ctx context.Context) error {
	bo := newBackoff(defaultMinRetry, defaultMaxRetry)
	for attempt := 1; ; attempt++ {
		err := p.connect()
		if err == nil {
			p.logger.Info("connected to pulse server", "server", p.serverName())
			return nil
		}
		delay := bo.Next()
		p.logger.Warn("pulse connection failed; retrying...", "error", err, "attempt", attempt, "retry_in", delay)

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to pulse server: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (p *PulseServer) serverName() string {
	if p.cfg.Server == "" {
		return "default"
	}
	return p.cfg.Server
}

// ensureConnected returns the live command client, reconnecting once if the
// previous connection was marked broken.
func (p *PulseServer) ensureConnected() (*proto.Client, net.Conn, error) {
	p.mu.Lock()
	client, conn := p.client, p.conn
	p.mu.Unlock()
	if client != nil {
		return client, conn, nil
	}

	p.logger.Warn("pulse connection lost; reconnecting...")
	if err := p.connect(); err != nil {
		return nil, nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client, p.conn, nil
}

// request runs one command. Transport failures, including a request that
// outlived the client timeout (context.DeadlineExceeded), mark the connection
// broken; errors reported by the server (like a stream that just vanished) do not.
func (p *PulseServer) request(req proto.RequestArgs, reply proto.Reply) error {
	client, conn, err := p.ensureConnected()
	if err != nil {
		return err
	}

	err = client.Request(req, reply)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		p.logger.Warn("pulse request timed out", "timeout", p.timeout())
	}
	var serverErr proto.Error
	if !errors.As(err, &serverErr) {
		p.mu.Lock()
		if p.conn == conn {
			p.conn.Close()
			p.client, p.conn = nil, nil // Mark connection as broken
		}
		p.mu.Unlock()
	}
	return err
}

// ListLiveStreams returns every sink input ordered by handle.
func (p *PulseServer) ListLiveStreams() ([]LiveStream, error) {
	var reply proto.GetSinkInputInfoListReply
	if err := p.request(&proto.GetSinkInputInfoList{}, &reply); err != nil {
		return nil, fmt.Errorf("list sink inputs: %w", err)
	}

	channels := make(map[uint32]int, len(reply))
	streams := make([]LiveStream, 0, len(reply))
	for _, info := range reply {
		if info == nil {
			continue
		}
		channels[info.SinkInputIndex] = len(info.ChannelVolumes)
		streams = append(streams, LiveStream{
			Handle:  info.SinkInputIndex,
			AppName: appName(info.Properties),
		})
	}
	slices.SortFunc(streams, func(a, b LiveStream) int {
		switch {
		case a.Handle < b.Handle:
			return -1
		case a.Handle > b.Handle:
			return 1
		default:
			return 0
		}
	})

	p.mu.Lock()
	p.channels = channels
	p.mu.Unlock()
	return streams, nil
}

func appName(props proto.PropList) string {
	if v, ok := props[propApplicationName]; ok {
		return v.String()
	}
	return ""
}

func (p *PulseServer) channelCount(handle uint32) (int, error) {
	p.mu.Lock()
	n, ok := p.channels[handle]
	p.mu.Unlock()
	if ok && n > 0 {
		return n, nil
	}

	var info proto.GetSinkInputInfoReply
	if err := p.request(&proto.GetSinkInputInfo{SinkInputIndex: handle}, &info); err != nil {
		return 0, err
	}
	n = len(info.ChannelVolumes)
	if n == 0 {
		n = 1
	}
	p.mu.Lock()
	p.channels[handle] = n
	p.mu.Unlock()
	return n, nil
}

// SetStreamGain sets every channel of the stream to gain (1.0 is 100%).
func (p *PulseServer) SetStreamGain(handle uint32, gain float64) error {
	n, err := p.channelCount(handle)
	if err != nil {
		return fmt.Errorf("query sink input %d: %w", handle, err)
	}
	if gain < 0 {
		gain = 0
	}
	vol := uint32(gain * volumeNorm)
	volumes := make(proto.ChannelVolumes, n)
	for i := range volumes {
		volumes[i] = vol
	}

	req := &proto.SetSinkInputVolume{SinkInputIndex: handle, ChannelVolumes: volumes}
	if err := p.request(req, nil); err != nil {
		return fmt.Errorf("set sink input %d volume: %w", handle, err)
	}
	return nil
}

func (p *PulseServer) SetStreamMuted(handle uint32, muted bool) error {
	req := &proto.SetSinkInputMute{SinkInputIndex: handle, Mute: muted}
	if err := p.request(req, nil); err != nil {
		return fmt.Errorf("set sink input %d mute: %w", handle, err)
	}
	return nil
}

// Close drops the command connection.
func (p *PulseServer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.client, p.conn = nil, nil
	return err
}

// Subscribe opens a dedicated connection and subscribes to sink input events.
func (p *PulseServer) Subscribe() (Subscription, error) {
	client, conn, err := p.dial("events")
	if err != nil {
		return nil, err
	}

	s := &pulseSubscription{
		conn:   conn,
		events: make(chan StreamEvent, 256),
		stop:   make(chan struct{}),
		logger: p.logger,
	}
	client.Callback = s.onMessage

	req := &proto.Subscribe{Mask: subscriptionMaskSinkInput}
	if err := client.Request(req, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to sink input events: %w", err)
	}

	if p.cfg.ProbeIntervalMS > 0 {
		interval := time.Duration(p.cfg.ProbeIntervalMS) * time.Millisecond
		go s.probe(client, interval)
	}
	return s, nil
}

// pulseSubscription forwards new/removed sink input notifications.
//
// The protocol reader calls onMessage and must never block, so events go
// into a buffered channel and are dropped when it is full. Only new/removed
// events are buffered and each one triggers a full resync, so a dropped
// event is always covered by a resync of a buffered one.
type pulseSubscription struct {
	conn   net.Conn
	logger *slog.Logger

	mu     sync.Mutex
	events chan StreamEvent
	closed bool
	err    error
	stop   chan struct{}
}

func (s *pulseSubscription) Events() <-chan StreamEvent { return s.events }

func (s *pulseSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *pulseSubscription) Close() error {
	s.finish(nil)
	return nil
}

func (s *pulseSubscription) onMessage(msg interface{}) {
	var ev *proto.SubscribeEvent
	switch m := msg.(type) {
	case *proto.SubscribeEvent:
		ev = m
	case *proto.ConnectionClosed:
		s.finish(errEventConnectionClosed)
		return
	default:
		return
	}
	kind, ok := classifyEvent(uint32(ev.Event))
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- StreamEvent{Kind: kind, Handle: ev.Index}:
	default:
		s.logger.Debug("stream event dropped, buffer full", "kind", kind.String(), "handle", ev.Index)
	}
}

// classifyEvent maps a raw subscription event to a StreamEvent kind. Only
// sink input new/remove events are of interest.
func classifyEvent(event uint32) (StreamEventKind, bool) {
	if event&eventFacilityMask != eventFacilitySinkInput {
		return StreamEventOther, false
	}
	switch event & eventTypeMask {
	case eventTypeNew:
		return StreamEventNew, true
	case eventTypeRemove:
		return StreamEventRemoved, true
	default:
		return StreamEventOther, false
	}
}

// probe fails the subscription once the server stops answering. A server that
// hangs up is noticed by the reader without it; probe only catches a server
// that keeps the socket open but no longer replies.
func (s *pulseSubscription) probe(client *proto.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := client.Request(&proto.Stat{}, &proto.StatReply{}); err != nil {
				s.finish(fmt.Errorf("event connection probe: %w", err))
				return
			}
		}
	}
}

// finish ends the subscription exactly once. err is nil for a deliberate Close.
func (s *pulseSubscription) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.stop)
	close(s.events)
	s.mu.Unlock()

	s.conn.Close()
}
