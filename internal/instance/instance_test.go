package instance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
)

type fakeDriver struct {
	mu           sync.Mutex
	params       []map[string]map[int]any
	paramTargets []domain.FixedInstanceId
	played       []domain.PlayId
	rendered     []domain.RenderId
	stops        int
}

func (f *fakeDriver) SetParameters(_ context.Context, id domain.FixedInstanceId, params map[string]map[int]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, params)
	f.paramTargets = append(f.paramTargets, id)
	return nil
}

func (f *fakeDriver) Play(_ context.Context, _ domain.FixedInstanceId, playId domain.PlayId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, playId)
	return nil
}

func (f *fakeDriver) Render(_ context.Context, _ domain.FixedInstanceId, renderId domain.RenderId, _ uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rendered = append(f.rendered, renderId)
	return nil
}

func (f *fakeDriver) Stop(_ context.Context, _ domain.FixedInstanceId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeDriver) paramCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.params)
}

func (f *fakeDriver) playCalls() []domain.PlayId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PlayId(nil), f.played...)
}

func (f *fakeDriver) paramTargetCalls() []domain.FixedInstanceId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.FixedInstanceId(nil), f.paramTargets...)
}

type fakeObserver struct {
	mu     sync.Mutex
	errors []string
	states int
}

func (o *fakeObserver) NotifyInstanceState(domain.FixedInstanceId, domain.PowerState, domain.MediaState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states++
}
func (o *fakeObserver) NotifyInstanceReports(domain.FixedInstanceId, map[string]map[int]any) {}
func (o *fakeObserver) NotifyInstancePowerChannelsChanged(domain.FixedInstanceId, []bool)     {}
func (o *fakeObserver) NotifyInstanceError(_ domain.FixedInstanceId, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, detail)
}

func testId() domain.FixedInstanceId {
	return domain.FixedInstanceId{Manufacturer: "acme", Model: "amp1", Instance: "rack1"}
}

func TestSetDesiredPlayDrivesPlayCommand(t *testing.T) {
	driver := &fakeDriver{}
	obs := &fakeObserver{}
	inst := New(testId(), domain.Model{}, domain.PowerSpec{}, driver, obs, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go inst.Run(ctx)

	inst.SetDesiredPlay(domain.DesiredInstancePlayState{Kind: domain.InstanceDesiredPlaying, PlayId: 7})

	deadline := time.After(2 * time.Second)
	for {
		if len(driver.playCalls()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for Play() to be issued")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := driver.playCalls(); len(got) == 0 || got[0] != 7 {
		t.Errorf("Play() calls = %v, want [7]", got)
	}
}

func TestApplyParametersFlushesDirtyOnTick(t *testing.T) {
	driver := &fakeDriver{}
	obs := &fakeObserver{}
	inst := New(testId(), domain.Model{}, domain.PowerSpec{}, driver, obs, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go inst.Run(ctx)

	inst.ApplyParameters(map[string]map[int]any{"GAIN": {0: 1.0}})

	deadline := time.After(2 * time.Second)
	for {
		if driver.paramCalls() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for SetParameters() to be issued")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPowerStateMachineWarmUp(t *testing.T) {
	driver := &fakeDriver{}
	obs := &fakeObserver{}
	spec := domain.PowerSpec{WarmUpMs: 20, CoolDownMs: 20}
	inst := New(testId(), domain.Model{}, spec, driver, obs, zerolog.Nop())

	inst.power.State = domain.NewTimestamped(domain.PoweringUp)
	inst.advancePowerState()
	if inst.power.State.Value != domain.PoweringUp {
		t.Fatalf("expected still PoweringUp immediately, got %v", inst.power.State.Value)
	}

	time.Sleep(30 * time.Millisecond)
	inst.advancePowerState()
	if inst.power.State.Value != domain.PoweredUp {
		t.Errorf("expected PoweredUp after warm-up elapsed, got %v", inst.power.State.Value)
	}
}

// TestStandaloneInstancePowersOffWithoutDistributor covers spec §4.2's
// PoweredUp -> ShuttingDown leg for an instance with no separate
// PowerDistributor: its own channel_state, not a PDU's report, must drive
// the transition (spec §8 Scenario 1's standalone instance I).
func TestStandaloneInstancePowersOffWithoutDistributor(t *testing.T) {
	driver := &fakeDriver{}
	obs := &fakeObserver{}
	spec := domain.PowerSpec{WarmUpMs: 20, CoolDownMs: 20}
	inst := New(testId(), domain.Model{}, spec, driver, obs, zerolog.Nop())

	if inst.power.State.Value != domain.PoweredUp {
		t.Fatalf("expected optimistic initial PoweredUp, got %v", inst.power.State.Value)
	}

	domain.Set(&inst.power.ChannelState, false)
	inst.advancePowerState()
	if inst.power.State.Value != domain.ShuttingDown {
		t.Errorf("expected ShuttingDown once channel_state=false, got %v", inst.power.State.Value)
	}
}

// TestSendPowerCommandTargetsSelfWithoutDistributor covers the same
// scenario on the command-emission side: a standalone instance must
// receive its own POWER write, not one addressed to a zero-value
// distributor id.
func TestSendPowerCommandTargetsSelfWithoutDistributor(t *testing.T) {
	driver := &fakeDriver{}
	obs := &fakeObserver{}
	inst := New(testId(), domain.Model{}, domain.PowerSpec{}, driver, obs, zerolog.Nop())

	inst.sendPowerCommand(context.Background())

	targets := driver.paramTargetCalls()
	if len(targets) != 1 || targets[0] != testId() {
		t.Fatalf("SetParameters() target = %v, want [%v]", targets, testId())
	}
}
