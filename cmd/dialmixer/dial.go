package main

import (
	"log/slog"
)

// CategoryConfig is the persisted configuration of one category.
type CategoryConfig struct {
	Name   string
	Apps   []string
	Volume int
	Muted  bool
}

// VolumeLimits bounds the percent range applied to streams and sets the step size
// of one dial detent.
type VolumeLimits struct {
	MinPercent int
	MaxPercent int
	StepSize   int
}

func (l VolumeLimits) clamp(percent int) int {
	if percent < l.MinPercent {
		return l.MinPercent
	}
	if percent > l.MaxPercent {
		return l.MaxPercent
	}
	return percent
}

// stepDelta converts detents into percent. Steps beyond the full range
// saturate, so the sum with any in-range volume cannot overflow.
func (l VolumeLimits) stepDelta(steps int) int {
	size := max(l.StepSize, 1)
	limit := (l.MaxPercent-l.MinPercent)/size + 1
	return min(max(steps, -limit), limit) * size
}

// DialStatus is what displays and clients get to see of a dial.
type DialStatus struct {
	Dial          int      `json:"dial"`
	Name          string   `json:"name"`
	VolumePercent int      `json:"volume_percent"`
	Muted         bool     `json:"muted"`
	Apps          []string `json:"apps"` // application names of bound streams
}

// dialDeps are the collaborators shared by every dial.
type dialDeps struct {
	Audio   StreamController
	Store   CategoryStore
	Limits  VolumeLimits
	Notify  func(DialStatus)
	Metrics *Metrics
	Logger  *slog.Logger
}

// Dial owns one category's volume/mute state and the live streams bound to it.
//
// A Dial is not safe for concurrent use. Every method must run on the
// coordinator worker goroutine (or before the worker starts).
type Dial struct {
	index int
	cfg   CategoryConfig
	bound []LiveStream

	audio   StreamController
	store   CategoryStore
	limits  VolumeLimits
	notify  func(DialStatus)
	metrics *Metrics
	logger  *slog.Logger
}

func newDial(index int, cfg CategoryConfig, deps dialDeps) *Dial {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := deps.Limits
	if limits.StepSize == 0 {
		limits.StepSize = defaultStepSize
	}

	d := &Dial{
		index:   index,
		cfg:     cfg,
		audio:   deps.Audio,
		store:   deps.Store,
		limits:  limits,
		notify:  deps.Notify,
		metrics: deps.Metrics,
		logger:  logger.With("dial", cfg.Name),
	}
	d.cfg.Volume = limits.clamp(cfg.Volume)
	d.observe()
	return d
}

func (d *Dial) Index() int             { return d.index }
func (d *Dial) Name() string           { return d.cfg.Name }
func (d *Dial) Volume() int            { return d.cfg.Volume }
func (d *Dial) Muted() bool            { return d.cfg.Muted }
func (d *Dial) Bound() []LiveStream    { return append([]LiveStream(nil), d.bound...) }
func (d *Dial) Config() CategoryConfig { return d.cfg }

// Status returns the current display state.
func (d *Dial) Status() DialStatus {
	apps := make([]string, 0, len(d.bound))
	for _, s := range d.bound {
		apps = append(apps, s.AppName)
	}
	return DialStatus{
		Dial:          d.index,
		Name:          d.cfg.Name,
		VolumePercent: d.cfg.Volume,
		Muted:         d.cfg.Muted,
		Apps:          apps,
	}
}

func (d *Dial) gain() float64 {
	return float64(d.cfg.Volume) / 100.0
}

// SetVolume clamps percent to the configured limits, applies the resulting
// gain to every bound stream and persists the clamped value.
func (d *Dial) SetVolume(percent int, silent bool) {
	d.cfg.Volume = d.limits.clamp(percent)

	gain := d.gain()
	for _, s := range d.bound {
		if err := d.audio.SetStreamGain(s.Handle, gain); err != nil {
			d.logger.Warn("set stream gain failed", "stream", s.String(), "gain", gain, "error", err)
			d.metrics.StreamApplyFailed("gain")
		}
	}

	d.persist()
	d.observe()
	if !silent {
		d.publish()
	}
}

// Step moves the volume by steps detents. Each call clamps independently.
func (d *Dial) Step(steps int) {
	d.SetVolume(d.cfg.Volume+d.limits.stepDelta(steps), false)
}

// SetMuted applies muted to every bound stream and persists it.
func (d *Dial) SetMuted(muted bool, silent bool) {
	d.cfg.Muted = muted

	for _, s := range d.bound {
		if err := d.audio.SetStreamMuted(s.Handle, muted); err != nil {
			d.logger.Warn("set stream mute failed", "stream", s.String(), "muted", muted, "error", err)
			d.metrics.StreamApplyFailed("mute")
		}
	}

	d.persist()
	d.observe()
	if !silent {
		d.publish()
	}
}

// ToggleMute flips the mute state.
func (d *Dial) ToggleMute() {
	d.SetMuted(!d.cfg.Muted, false)
}

// Reconcile replaces the bound set with the streams in claimed that belong to
// this category. Streams are identified by handle.
//
// Newly bound streams get the current gain and mute state right away. Streams
// that disappeared are dropped without talking to the audio server. When the
// bound set is unchanged nothing is applied and false is returned.
func (d *Dial) Reconcile(claimed []LiveStream) bool {
	return d.reconcile(claimed, false)
}

func (d *Dial) reconcile(claimed []LiveStream, silent bool) bool {
	current := make(map[uint32]struct{}, len(d.bound))
	for _, s := range d.bound {
		current[s.Handle] = struct{}{}
	}

	next := make([]LiveStream, 0, len(claimed))
	seen := make(map[uint32]struct{}, len(claimed))
	var added []LiveStream
	for _, s := range claimed {
		if !matchesApp(s.AppName, d.cfg.Apps) {
			continue
		}
		if _, dup := seen[s.Handle]; dup {
			continue
		}
		seen[s.Handle] = struct{}{}

		next = append(next, s)
		if _, ok := current[s.Handle]; !ok {
			added = append(added, s)
		}
	}

	kept := len(next) - len(added)
	removed := len(d.bound) - kept
	if len(added) == 0 && removed == 0 {
		return false
	}

	gain := d.gain()
	for _, s := range added {
		if err := d.audio.SetStreamGain(s.Handle, gain); err != nil {
			d.logger.Warn("set stream gain failed", "stream", s.String(), "gain", gain, "error", err)
			d.metrics.StreamApplyFailed("gain")
		}
		if err := d.audio.SetStreamMuted(s.Handle, d.cfg.Muted); err != nil {
			d.logger.Warn("set stream mute failed", "stream", s.String(), "muted", d.cfg.Muted, "error", err)
			d.metrics.StreamApplyFailed("mute")
		}
	}

	d.bound = next
	d.logger.Debug("streams reconciled", "added", len(added), "removed", removed, "bound", len(next))
	d.observe()
	if !silent {
		d.publish()
	}
	return true
}

func (d *Dial) persist() {
	if d.store == nil {
		return
	}
	rec := CategoryRecord{
		Apps:   d.cfg.Apps,
		Volume: d.cfg.Volume,
		Muted:  d.cfg.Muted,
	}
	if err := d.store.Save(d.cfg.Name, rec); err != nil {
		d.logger.Error("persist dial state failed", "error", err)
	}
}

func (d *Dial) observe() {
	d.metrics.ObserveDial(d.cfg.Name, d.cfg.Volume, d.cfg.Muted, len(d.bound))
}

// publish logs the status and hands it to the notifier.
func (d *Dial) publish() {
	st := d.Status()
	d.logger.Info("dial status", "volume", st.VolumePercent, "muted", st.Muted, "apps", st.Apps)
	if d.notify != nil {
		d.notify(st)
	}
}
