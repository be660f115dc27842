// Package instance implements FixedInstance (spec §4.2) and its
// InstanceSupervisor (spec §4.3): the ground-truth state of one hardware
// unit and a convergent controller loop driven by a 30ms reconciliation
// tick, mirroring the teacher's actor-per-component run loop built from a
// buffered mailbox channel and a private time.Ticker in one select.
package instance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/bus"
	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/tracker"
)

const reconcileTick = 30 * time.Millisecond
const reportFlushInterval = time.Minute

// DriverClient is the collaborator FixedInstance asks to reach the
// hardware driver over the messaging bus; a thin seam so tests can stub it.
type DriverClient interface {
	SetParameters(ctx context.Context, id domain.FixedInstanceId, params map[string]map[int]any) error
	Play(ctx context.Context, id domain.FixedInstanceId, playId domain.PlayId) error
	Render(ctx context.Context, id domain.FixedInstanceId, renderId domain.RenderId, lengthMs uint64) error
	Stop(ctx context.Context, id domain.FixedInstanceId) error
}

// busDriverClient is the production DriverClient, talking to the driver via
// the NATS subjects of spec §6.
type busDriverClient struct{ b *bus.Bus }

func NewBusDriverClient(b *bus.Bus) DriverClient { return &busDriverClient{b: b} }

func (c *busDriverClient) SetParameters(ctx context.Context, id domain.FixedInstanceId, params map[string]map[int]any) error {
	return c.b.Request(ctx, bus.InstanceSubject(id, "cmd.set_parameters"), params, nil)
}

func (c *busDriverClient) Play(ctx context.Context, id domain.FixedInstanceId, playId domain.PlayId) error {
	return c.b.Request(ctx, bus.InstanceSubject(id, "cmd.play"), map[string]any{"play_id": playId}, nil)
}

func (c *busDriverClient) Render(ctx context.Context, id domain.FixedInstanceId, renderId domain.RenderId, lengthMs uint64) error {
	return c.b.Request(ctx, bus.InstanceSubject(id, "cmd.render"), map[string]any{"render_id": renderId, "length_ms": lengthMs}, nil)
}

func (c *busDriverClient) Stop(ctx context.Context, id domain.FixedInstanceId) error {
	return c.b.Request(ctx, bus.InstanceSubject(id, "cmd.stop"), nil, nil)
}

// StateObserver receives the notifications FixedInstance emits toward its
// supervisor (spec §4.2 "Report fan-out").
type StateObserver interface {
	NotifyInstanceState(id domain.FixedInstanceId, state domain.PowerState, media domain.MediaState)
	NotifyInstanceReports(id domain.FixedInstanceId, changed map[string]map[int]any)
	NotifyInstancePowerChannelsChanged(distributor domain.FixedInstanceId, channels []bool)
	NotifyInstanceError(id domain.FixedInstanceId, detail string)
}

// DriverEvent is the union of events on_driver_event(event) reacts to.
type DriverEvent struct {
	Connected *bool
	Reports   map[string]map[int]any
	Playing   *domain.PlayId
	Rendering *domain.RenderId
	Stopped   bool
	IOError   string
}

// Instance is one FixedInstance actor: a mailbox goroutine owning all
// mutable state, matching spec §5's "single-threaded cooperative per
// logical component".
type Instance struct {
	id     domain.FixedInstanceId
	model  domain.Model
	driver DriverClient
	obs    StateObserver
	log    zerolog.Logger

	mailbox chan func()
	done    chan struct{}

	power           domain.PowerState
	media           domain.MediaState
	parameters      map[string]map[int]any
	parametersDirty map[string]map[int]bool
	lastReports     map[string]map[int]any
	connected       domain.Timestamped[bool]

	powerTracker *tracker.Tracker
	mediaTracker *tracker.Tracker
	lastNotifyAt time.Time
}

// New constructs a FixedInstance actor, optimistic-initial-PoweredUp per
// spec §4.2: "Initial: PoweredUp (optimistic; corrected by first report)."
func New(id domain.FixedInstanceId, model domain.Model, spec domain.PowerSpec, driver DriverClient, obs StateObserver, log zerolog.Logger) *Instance {
	return &Instance{
		id:      id,
		model:   model,
		driver:  driver,
		obs:     obs,
		log:     log.With().Str("instance", id.String()).Logger(),
		mailbox: make(chan func(), 64),
		done:    make(chan struct{}),
		power: domain.PowerState{
			Spec:         spec,
			State:        domain.NewTimestamped(domain.PoweredUp),
			ChannelState: domain.NewTimestamped(true),
			Desired:      domain.NewTimestamped(domain.DesiredPowerOn),
		},
		media:           domain.MediaState{State: domain.NewTimestamped(domain.PlayState{Kind: domain.InstanceStopped})},
		parameters:      make(map[string]map[int]any),
		parametersDirty: make(map[string]map[int]bool),
		lastReports:     make(map[string]map[int]any),
		connected:       domain.NewTimestamped(true),
		powerTracker:    tracker.New(),
		mediaTracker:    tracker.New(),
	}
}

// Run drives the mailbox+ticker select loop until ctx is cancelled.
func (i *Instance) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(i.done)
			return
		case fn := <-i.mailbox:
			fn()
		case <-ticker.C:
			i.reconcileLocked(ctx)
		}
	}
}

func (i *Instance) post(fn func()) {
	select {
	case i.mailbox <- fn:
	case <-i.done:
	}
}

// ApplyParameters deep-merges partial parameters, marking affected keys
// dirty for the next tick's SetParameters (spec §4.2, idempotent).
func (i *Instance) ApplyParameters(partial map[string]map[int]any) {
	i.post(func() {
		for param, channels := range partial {
			if i.parameters[param] == nil {
				i.parameters[param] = make(map[int]any)
			}
			if i.parametersDirty[param] == nil {
				i.parametersDirty[param] = make(map[int]bool)
			}
			for ch, v := range channels {
				i.parameters[param][ch] = v
				i.parametersDirty[param][ch] = true
			}
		}
	})
}

// SetDesiredPlay stores the desired play state for the loop to reconcile.
func (i *Instance) SetDesiredPlay(desired domain.DesiredInstancePlayState) {
	i.post(func() {
		domain.Set(&i.media.Desired, desired)
		i.mediaTracker.Reset()
	})
}

// SetDesiredPower stores the desired power state for the loop to reconcile.
func (i *Instance) SetDesiredPower(desired domain.DesiredPower) {
	i.post(func() {
		domain.Set(&i.power.Desired, desired)
		i.powerTracker.Reset()
	})
}

// OnDriverEvent updates connected/reports/play-state per spec §4.2.
func (i *Instance) OnDriverEvent(ev DriverEvent) {
	i.post(func() { i.applyDriverEvent(ev) })
}

func (i *Instance) applyDriverEvent(ev DriverEvent) {
	if ev.Connected != nil {
		domain.Set(&i.connected, *ev.Connected)
	}
	if ev.IOError != "" {
		domain.Set(&i.connected, false)
		i.obs.NotifyInstanceError(i.id, ev.IOError)
	}
	switch {
	case ev.Playing != nil:
		domain.Set(&i.media.State, domain.PlayState{Kind: domain.InstancePlaying, PlayId: *ev.Playing})
	case ev.Rendering != nil:
		domain.Set(&i.media.State, domain.PlayState{Kind: domain.InstanceRendering, RenderId: *ev.Rendering})
	case ev.Stopped:
		domain.Set(&i.media.State, domain.PlayState{Kind: domain.InstanceStopped})
	}
	if ev.Reports != nil {
		i.applyReports(ev.Reports)
	}
}

// applyReports diffs against last values, overwriting changed-or-volatile
// keys and fanning out only the overwritten subset (spec §4.2).
func (i *Instance) applyReports(reports map[string]map[int]any) {
	changed := make(map[string]map[int]any)
	for param, channels := range reports {
		volatile := i.model.Reports.VolatileKeys[param]
		for ch, v := range channels {
			prev, existed := i.lastReports[param][ch]
			if volatile || !existed || prev != v {
				if i.lastReports[param] == nil {
					i.lastReports[param] = make(map[int]any)
				}
				i.lastReports[param][ch] = v
				if changed[param] == nil {
					changed[param] = make(map[int]any)
				}
				changed[param][ch] = v
			}
		}
	}
	if len(changed) == 0 {
		return
	}
	i.obs.NotifyInstanceReports(i.id, changed)

	if powerChans, ok := changed["POWER"]; ok && i.model.PowerDistributor {
		vec := make([]bool, i.model.PowerChannels)
		for ch, v := range powerChans {
			if ch >= 0 && ch < len(vec) {
				if b, ok := v.(bool); ok {
					vec[ch] = b
				}
			}
		}
		i.obs.NotifyInstancePowerChannelsChanged(i.id, vec)
	}
}

// OnPowerChannelsChanged is how a downstream FixedInstance learns its
// channel_state from its PowerDistributor's POWER report (spec §4.3).
func (i *Instance) OnPowerChannelsChanged(distributor domain.FixedInstanceId, channels []bool) {
	i.post(func() {
		if !i.power.Spec.DistributorValid || i.power.Spec.Distributor != distributor {
			return
		}
		ch := i.power.Spec.DistributorChannel
		if ch < 0 || ch >= len(channels) {
			return
		}
		domain.Set(&i.power.ChannelState, channels[ch])
	})
}

// reconcileLocked runs one 30ms tick: power, media, parameters, report-flush.
// Called directly from Run's own ticker branch (same goroutine, no mailbox
// round-trip) — the mailbox is reserved for genuinely cross-goroutine
// callers like Snapshot().
func (i *Instance) reconcileLocked(ctx context.Context) {
	// 1. Power state machine transitions (wall-clock from Timestamped entry time).
	i.advancePowerState()
	if !i.power.State.Value.Satisfies(i.power.Desired.Value) && i.powerTracker.ShouldRetry() {
		go i.sendPowerCommand(ctx)
		i.powerTracker.Retried()
	}

	// 2. Media desired/actual reconciliation.
	if !i.media.State.Value.Satisfies(i.media.Desired.Value) && i.mediaTracker.ShouldRetry() {
		go i.sendMediaCommand(ctx, i.media.Desired.Value)
		i.mediaTracker.Retried()
	}

	// 3. Dirty parameters.
	if len(i.parametersDirty) > 0 {
		subset := make(map[string]map[int]any)
		for param, chans := range i.parametersDirty {
			subset[param] = make(map[int]any)
			for ch := range chans {
				subset[param][ch] = i.parameters[param][ch]
			}
		}
		i.parametersDirty = make(map[string]map[int]bool)
		go i.sendParameters(ctx, subset)
	}

	// 4. Periodic state notification.
	if time.Since(i.lastNotifyAt) >= reportFlushInterval {
		i.lastNotifyAt = time.Now()
		i.obs.NotifyInstanceState(i.id, i.power, i.media)
	}
}

func (i *Instance) advancePowerState() {
	kind := i.power.State.Value
	elapsed := i.power.State.Elapsed()
	switch kind {
	case domain.PoweringUp:
		if elapsed > time.Duration(i.power.Spec.WarmUpMs)*time.Millisecond {
			domain.Set(&i.power.State, domain.PoweredUp)
		}
	case domain.ShuttingDown:
		if elapsed > time.Duration(i.power.Spec.CoolDownMs)*time.Millisecond {
			domain.Set(&i.power.State, domain.ShutDown)
		}
	case domain.ShutDown:
		if i.power.ChannelState.Value {
			domain.Set(&i.power.State, domain.PoweringUp)
		}
	case domain.PoweredUp:
		if !i.power.ChannelState.Value {
			domain.Set(&i.power.State, domain.ShuttingDown)
		}
	}
}

func (i *Instance) sendPowerCommand(ctx context.Context) {
	on := i.power.Desired.Value == domain.DesiredPowerOn
	// A standalone instance (no separate PowerDistributor) is its own
	// power target: channel 0 of its own driver, per spec §8 Scenario 1.
	target := i.id
	channel := 0
	if i.power.Spec.DistributorValid {
		target = i.power.Spec.Distributor
		channel = i.power.Spec.DistributorChannel
	}
	params := map[string]map[int]any{"POWER": {channel: on}}
	if err := i.driver.SetParameters(ctx, target, params); err != nil {
		i.post(func() { i.obs.NotifyInstanceError(i.id, err.Error()) })
	}
}

func (i *Instance) sendMediaCommand(ctx context.Context, desired domain.DesiredInstancePlayState) {
	var err error
	switch desired.Kind {
	case domain.InstanceDesiredPlaying:
		err = i.driver.Play(ctx, i.id, desired.PlayId)
	case domain.InstanceDesiredRendering:
		err = i.driver.Render(ctx, i.id, desired.RenderId, 0)
	default:
		err = i.driver.Stop(ctx, i.id)
	}
	if err != nil {
		i.post(func() { i.obs.NotifyInstanceError(i.id, err.Error()) })
	}
}

func (i *Instance) sendParameters(ctx context.Context, subset map[string]map[int]any) {
	if err := i.driver.SetParameters(ctx, i.id, subset); err != nil {
		i.post(func() { i.obs.NotifyInstanceError(i.id, err.Error()) })
	}
}

// Snapshot returns a read-only copy of current power/media state for
// InstanceSupervisor and TaskInstances to consume.
func (i *Instance) Snapshot() (domain.PowerState, domain.MediaState) {
	result := make(chan [2]any, 1)
	i.post(func() { result <- [2]any{i.power, i.media} })
	r := <-result
	return r[0].(domain.PowerState), r[1].(domain.MediaState)
}
