package playback

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/race.oracle/internal/link"
	"github.com/banshee-data/race.oracle/internal/race"
	"github.com/banshee-data/race.oracle/internal/testutil"
	"github.com/banshee-data/race.oracle/internal/timeutil"
)

// fakeLink delivers inbound frames synchronously on the test goroutine.
type fakeLink struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	sendErr    error
	sent       []race.Command
	onMsg      func(race.Inbound)
	onConn     func(link.Connectivity)
}

func (f *fakeLink) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.connectErr != nil {
		f.mu.Unlock()
		return f.connectErr
	}
	f.connected = true
	h := f.onConn
	f.mu.Unlock()
	h(link.Connectivity{Connected: true, SessionID: "s1"})
	return nil
}

func (f *fakeLink) Send(cmd race.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return link.ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeLink) Close() error {
	f.drop(nil)
	return nil
}

func (f *fakeLink) OnMessage(h func(race.Inbound)) { f.onMsg = h }

func (f *fakeLink) OnConnectivity(h func(link.Connectivity)) { f.onConn = h }

func (f *fakeLink) deliver(msgs ...race.Inbound) {
	for _, m := range msgs {
		f.onMsg(m)
	}
}

func (f *fakeLink) drop(err error) {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	h := f.onConn
	f.mu.Unlock()
	if was {
		h(link.Connectivity{Connected: false, SessionID: "s1", Err: err})
	}
}

func (f *fakeLink) commands() []race.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]race.Command(nil), f.sent...)
}

// scenarioSet is a Scenarios backed by a slice. A nil set has not loaded.
type scenarioSet []race.Scenario

func (s scenarioSet) Loaded() bool { return s != nil }

func (s scenarioSet) Lookup(id int) (race.Scenario, bool) {
	for _, sc := range s {
		if sc.ScenarioID == id {
			return sc, true
		}
	}
	return race.Scenario{}, false
}

type harness struct {
	link   *fakeLink
	clock  *timeutil.MockClock
	ctl    *Controller
	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWith(t, scenarioSet(testutil.SampleScenarios()), opts...)
}

func newHarnessWith(t *testing.T, scenarios Scenarios, opts ...Option) *harness {
	t.Helper()
	testutil.MuteLogs(t)
	h := &harness{
		link:  &fakeLink{},
		clock: timeutil.NewMockClock(time.Unix(1700000000, 0)),
	}
	opts = append([]Option{WithClock(h.clock)}, opts...)
	h.ctl = New(h.link, scenarios, opts...)
	h.ctl.OnEvent(func(ev Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})
	return h
}

func connectedHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := newHarness(t, opts...)
	require.NoError(t, h.ctl.Connect(context.Background()))
	require.Equal(t, Ready, h.ctl.State())
	return h
}

func (h *harness) failures() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == Failure {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []State
	for _, ev := range h.events {
		if ev.Kind == StateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func snapshot(id int, t, maxTime float64, playing bool) *race.Snapshot {
	return &race.Snapshot{State: testutil.SampleState(id, t, maxTime, playing)}
}

func TestConnect_IdleToReady(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, Idle, h.ctl.State())
	assert.Nil(t, h.ctl.RaceState())

	require.NoError(t, h.ctl.Connect(context.Background()))
	assert.Equal(t, []State{Connecting, Ready}, h.states())

	err := h.ctl.Connect(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConnect_FailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	dialErr := &link.ConnectionError{Op: "dial", URL: "ws://engine", Err: errors.New("refused")}
	h.link.connectErr = dialErr

	err := h.ctl.Connect(context.Background())
	var ce *link.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Idle, h.ctl.State())
	assert.Equal(t, []State{Connecting, Idle}, h.states())

	h.link.connectErr = nil
	require.NoError(t, h.ctl.Connect(context.Background()), "connect may be retried")
}

func TestSelectScenario_UnknownIDSendsNothing(t *testing.T) {
	h := connectedHarness(t)

	for _, id := range []int{-1, 3, 99} {
		err := h.ctl.SelectScenario(id)
		assert.ErrorIs(t, err, ErrUnknownScenario, "id %d", id)
	}
	assert.Empty(t, h.link.commands())
	_, pending := h.ctl.PendingScenario()
	assert.False(t, pending)
	assert.Zero(t, h.clock.Pending())
}

func TestSelectScenario_RequiresConnection(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctl.SelectScenario(1), ErrNotConnected)
	assert.Empty(t, h.link.commands())
}

func TestSelectScenario_PlaysOnlyAfterAcknowledgement(t *testing.T) {
	h := connectedHarness(t)

	require.NoError(t, h.ctl.SelectScenario(2))
	assert.Equal(t, []race.Command{race.SelectScenario{ScenarioID: 2}}, h.link.commands())
	assert.Equal(t, Ready, h.ctl.State())
	id, pending := h.ctl.PendingScenario()
	assert.True(t, pending)
	assert.Equal(t, 2, id)

	h.clock.Advance(DefaultAckTimeout / 2)
	assert.Len(t, h.link.commands(), 1, "no autoplay before the acknowledgement")

	h.link.deliver(race.ScenarioSelected{ScenarioID: 2, MaxTime: 90})
	want := []race.Command{race.SelectScenario{ScenarioID: 2}, race.Play{}}
	if diff := cmp.Diff(want, h.link.commands()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Playing, h.ctl.State())

	s, ok := h.ctl.Scenario()
	require.True(t, ok)
	assert.Equal(t, 2, s.ScenarioID)
	assert.Equal(t, []string{"Lando Norris", "Fernando Alonso"}, s.Drivers)
	assert.Zero(t, h.clock.Pending(), "ack timer stopped")
}

func TestSelectScenario_AckAfterUnrelatedSnapshot(t *testing.T) {
	h := connectedHarness(t)

	require.NoError(t, h.ctl.SelectScenario(2))
	h.link.deliver(snapshot(0, 12, 90, false))
	assert.Equal(t, 12.0, h.ctl.RaceState().Time, "snapshots apply mid-transition")

	h.link.deliver(race.ScenarioSelected{ScenarioID: 2})
	assert.Equal(t, Playing, h.ctl.State())
	assert.Equal(t, race.Play{}, h.link.commands()[1])
}

func TestSelectScenario_StaleAcknowledgementIgnored(t *testing.T) {
	h := connectedHarness(t)

	h.link.deliver(race.ScenarioSelected{ScenarioID: 1})
	assert.Empty(t, h.link.commands(), "no selection pending")

	require.NoError(t, h.ctl.SelectScenario(2))
	h.link.deliver(race.ScenarioSelected{ScenarioID: 1})
	assert.Len(t, h.link.commands(), 1, "ack for another id")
	assert.Equal(t, Ready, h.ctl.State())
}

func TestSelectScenario_AckTimeoutAbandonsSelection(t *testing.T) {
	h := connectedHarness(t, WithAckTimeout(500*time.Millisecond))

	require.NoError(t, h.ctl.SelectScenario(1))
	h.clock.Advance(499 * time.Millisecond)
	assert.Empty(t, h.failures())

	h.clock.Advance(time.Millisecond)
	failures := h.failures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, ErrAckTimeout)
	assert.Equal(t, 1, failures[0].ScenarioID)
	_, pending := h.ctl.PendingScenario()
	assert.False(t, pending)
	assert.Equal(t, Ready, h.ctl.State())

	h.link.deliver(race.ScenarioSelected{ScenarioID: 1})
	assert.Equal(t, []race.Command{race.SelectScenario{ScenarioID: 1}}, h.link.commands(), "late ack never autoplays")
	assert.Equal(t, Ready, h.ctl.State())
}

func TestSelectScenario_ReselectSupersedesPending(t *testing.T) {
	h := connectedHarness(t)

	require.NoError(t, h.ctl.SelectScenario(1))
	h.clock.Advance(time.Second)
	require.NoError(t, h.ctl.SelectScenario(0))
	assert.Equal(t, 1, h.clock.Pending())

	// The first selection's deadline passes; only the second's timer counts.
	h.clock.Advance(1500 * time.Millisecond)
	assert.Empty(t, h.failures())

	h.link.deliver(race.ScenarioSelected{ScenarioID: 1})
	assert.Equal(t, Ready, h.ctl.State())

	h.link.deliver(race.ScenarioSelected{ScenarioID: 0})
	assert.Equal(t, Playing, h.ctl.State())
	assert.Equal(t, []race.Command{
		race.SelectScenario{ScenarioID: 1},
		race.SelectScenario{ScenarioID: 0},
		race.Play{},
	}, h.link.commands())
}

func TestSelectScenario_TimerAfterAckIsNoop(t *testing.T) {
	h := connectedHarness(t)
	require.NoError(t, h.ctl.SelectScenario(1))
	h.link.deliver(race.ScenarioSelected{ScenarioID: 1})

	h.clock.Advance(10 * time.Second)
	assert.Empty(t, h.failures())
	assert.Equal(t, Playing, h.ctl.State())
}

func TestSelectScenario_SendFailure(t *testing.T) {
	h := connectedHarness(t)
	h.link.sendErr = &link.ConnectionError{Op: "write", Err: errors.New("broken pipe")}

	err := h.ctl.SelectScenario(1)
	var ce *link.ConnectionError
	assert.ErrorAs(t, err, &ce)
	_, pending := h.ctl.PendingScenario()
	assert.False(t, pending)
	assert.Zero(t, h.clock.Pending())
}

func TestPlayPause(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		op        func(c *Controller) error
		wantState State
		wantSent  []race.Command
		wantErr   error
	}{
		{
			name:      "play from ready",
			op:        (*Controller).Play,
			wantState: Playing,
			wantSent:  []race.Command{race.Play{}},
		},
		{
			name:      "pause from ready",
			op:        (*Controller).Pause,
			wantState: Paused,
			wantSent:  []race.Command{race.Pause{}},
		},
		{
			name:      "play while playing is a no-op",
			setup:     func(h *harness) { h.ctl.Play() },
			op:        (*Controller).Play,
			wantState: Playing,
			wantSent:  []race.Command{race.Play{}},
		},
		{
			name:      "pause while paused is a no-op",
			setup:     func(h *harness) { h.ctl.Pause() },
			op:        (*Controller).Pause,
			wantState: Paused,
			wantSent:  []race.Command{race.Pause{}},
		},
		{
			name:      "pause from playing",
			setup:     func(h *harness) { h.ctl.Play() },
			op:        (*Controller).Pause,
			wantState: Paused,
			wantSent:  []race.Command{race.Play{}, race.Pause{}},
		},
		{
			name:      "play from paused",
			setup:     func(h *harness) { h.ctl.Pause() },
			op:        (*Controller).Play,
			wantState: Playing,
			wantSent:  []race.Command{race.Pause{}, race.Play{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := connectedHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			err := tt.op(h.ctl)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantState, h.ctl.State())
			assert.Equal(t, tt.wantSent, h.link.commands())
		})
	}
}

func TestPlayPause_RequireConnection(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctl.Play(), ErrNotConnected)
	assert.ErrorIs(t, h.ctl.Pause(), ErrNotConnected)
	assert.Equal(t, Idle, h.ctl.State())
}

func TestSeek_BoundsFromRaceState(t *testing.T) {
	h := connectedHarness(t)
	h.link.deliver(snapshot(1, 45, 90, true))

	for _, bad := range []float64{200, 90.0001, -0.5, math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.ErrorIs(t, h.ctl.Seek(bad), ErrInvalidSeek, "seek(%v)", bad)
	}
	assert.Empty(t, h.link.commands(), "rejected seeks never reach the engine")

	require.NoError(t, h.ctl.Seek(90.0))
	require.NoError(t, h.ctl.Seek(0))
	require.NoError(t, h.ctl.Seek(12.345678))
	assert.Equal(t, []race.Command{
		race.Seek{Time: 90.0},
		race.Seek{Time: 0},
		race.Seek{Time: 12.345678},
	}, h.link.commands())
}

func TestSeek_DoesNotChangePlaybackState(t *testing.T) {
	h := connectedHarness(t)
	require.NoError(t, h.ctl.Pause())
	require.NoError(t, h.ctl.Seek(3))
	assert.Equal(t, Paused, h.ctl.State())
}

func TestSeek_BoundsFallBackToAcknowledgement(t *testing.T) {
	h := connectedHarness(t)

	require.NoError(t, h.ctl.Seek(1e6), "no known race end: only t >= 0 applies")

	require.NoError(t, h.ctl.SelectScenario(1))
	h.link.deliver(race.ScenarioSelected{ScenarioID: 1, MaxTime: 60})
	assert.ErrorIs(t, h.ctl.Seek(61), ErrInvalidSeek)
	assert.NoError(t, h.ctl.Seek(60))
}

func TestSeek_BoundsPreferNewAcknowledgement(t *testing.T) {
	h := connectedHarness(t)
	h.link.deliver(snapshot(1, 45, 90, true))
	assert.ErrorIs(t, h.ctl.Seek(100), ErrInvalidSeek)

	require.NoError(t, h.ctl.SelectScenario(2))
	h.link.deliver(race.ScenarioSelected{ScenarioID: 2, MaxTime: 120})
	require.Equal(t, 1, h.ctl.RaceState().ScenarioID, "previous race still displayed")
	assert.NoError(t, h.ctl.Seek(100))
	assert.ErrorIs(t, h.ctl.Seek(121), ErrInvalidSeek)

	h.link.deliver(snapshot(2, 0.05, 110, true))
	assert.ErrorIs(t, h.ctl.Seek(115), ErrInvalidSeek, "a snapshot of the confirmed scenario takes over")
}

func TestSeek_RequiresConnection(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctl.Seek(1), ErrNotConnected)
	assert.ErrorIs(t, h.ctl.Seek(-1), ErrInvalidSeek, "validation precedes the connection check")
}

func TestSetSpeed(t *testing.T) {
	h := connectedHarness(t)

	for _, bad := range []float64{0, 0.1, 8.5, -1, math.NaN(), math.Inf(1)} {
		assert.ErrorIs(t, h.ctl.SetSpeed(bad), ErrInvalidSpeed, "speed %v", bad)
	}
	require.NoError(t, h.ctl.SetSpeed(0.25))
	require.NoError(t, h.ctl.SetSpeed(8))
	assert.Equal(t, []race.Command{race.SetSpeed{Speed: 0.25}, race.SetSpeed{Speed: 8}}, h.link.commands())

	narrow := connectedHarness(t, WithSpeedRange(1, 2))
	assert.ErrorIs(t, narrow.ctl.SetSpeed(4), ErrInvalidSpeed)
	assert.NoError(t, narrow.ctl.SetSpeed(1.5))
}

func TestSnapshots_LastWriteWins(t *testing.T) {
	h := connectedHarness(t)

	times := []float64{1, 5, 3, 3, 0.5, 7}
	for i, ts := range times {
		h.link.deliver(snapshot(i%3, ts, 90, true))
		got := h.ctl.RaceState()
		require.NotNil(t, got)
		assert.Equal(t, ts, got.Time)
		assert.Equal(t, i%3, got.ScenarioID)
	}
}

func TestSnapshots_EndOfRacePauses(t *testing.T) {
	h := connectedHarness(t)
	require.NoError(t, h.ctl.Play())

	h.link.deliver(snapshot(1, 89.95, 90, true))
	assert.Equal(t, Playing, h.ctl.State())
	h.link.deliver(snapshot(1, 90, 90, false))
	assert.Equal(t, Paused, h.ctl.State())
}

func TestSnapshots_UnknownFramesIgnored(t *testing.T) {
	h := connectedHarness(t)
	h.link.deliver(snapshot(1, 4, 90, true))
	h.link.deliver(race.Unknown{Type: "LAP_COMPLETED"}, race.Ack{Kind: race.TypePlaying})
	assert.Equal(t, 4.0, h.ctl.RaceState().Time)
	assert.Equal(t, Ready, h.ctl.State())
}

func TestMonotonicGuard(t *testing.T) {
	h := connectedHarness(t, WithRejectRegressions(true))
	require.NoError(t, h.ctl.Play())

	h.link.deliver(snapshot(1, 10, 90, true))
	h.link.deliver(snapshot(1, 9.5, 90, true))
	assert.Equal(t, 10.0, h.ctl.RaceState().Time, "regression dropped while playing")

	// After a seek the engine's rewound snapshots are accepted.
	require.NoError(t, h.ctl.Seek(2))
	h.link.deliver(snapshot(1, 10.05, 90, true))
	h.link.deliver(race.Ack{Kind: race.TypeSeeked, Value: 2})
	h.link.deliver(snapshot(1, 2, 90, true))
	assert.Equal(t, 2.0, h.ctl.RaceState().Time)

	h.link.deliver(snapshot(1, 1, 90, true))
	assert.Equal(t, 2.0, h.ctl.RaceState().Time, "guard active again")

	// A new scenario restarts at zero.
	require.NoError(t, h.ctl.SelectScenario(2))
	h.link.deliver(race.ScenarioSelected{ScenarioID: 2, MaxTime: 120})
	h.link.deliver(snapshot(2, 0.05, 120, true))
	assert.Equal(t, 0.05, h.ctl.RaceState().Time)
}

func TestMonotonicGuard_SeekClearedBySnapshotAlone(t *testing.T) {
	h := connectedHarness(t, WithRejectRegressions(true))
	require.NoError(t, h.ctl.Play())
	h.link.deliver(snapshot(1, 10, 90, true))

	require.NoError(t, h.ctl.Seek(2))
	h.link.deliver(snapshot(1, 10.05, 90, true))
	h.link.deliver(snapshot(1, 2, 90, true))
	require.Equal(t, 2.0, h.ctl.RaceState().Time)

	h.link.deliver(snapshot(1, 30, 90, true))
	h.link.deliver(snapshot(1, 1, 90, true))
	assert.Equal(t, 30.0, h.ctl.RaceState().Time, "guard resumes without a SEEKED reply")

	// Forward seeks land slightly past the target.
	require.NoError(t, h.ctl.Seek(60))
	h.link.deliver(snapshot(1, 60.4, 90, true))
	h.link.deliver(snapshot(1, 31, 90, true))
	assert.Equal(t, 60.4, h.ctl.RaceState().Time)
}

func TestControls_DisabledUntilCatalogLoads(t *testing.T) {
	cat := &lateCatalog{}
	h := newHarnessWith(t, cat)
	require.NoError(t, h.ctl.Connect(context.Background()))

	assert.ErrorIs(t, h.ctl.Play(), ErrCatalogNotLoaded)
	assert.ErrorIs(t, h.ctl.Pause(), ErrCatalogNotLoaded)
	assert.ErrorIs(t, h.ctl.Seek(5), ErrCatalogNotLoaded)
	assert.ErrorIs(t, h.ctl.SetSpeed(2), ErrCatalogNotLoaded)
	assert.ErrorIs(t, h.ctl.SelectScenario(1), ErrCatalogNotLoaded)
	assert.ErrorIs(t, h.ctl.Seek(-1), ErrInvalidSeek, "argument checks still come first")
	assert.Empty(t, h.link.commands())
	assert.Equal(t, Ready, h.ctl.State())

	cat.loaded = true
	require.NoError(t, h.ctl.Play())
	require.NoError(t, h.ctl.Seek(5))
	assert.Equal(t, []race.Command{race.Play{}, race.Seek{Time: 5}}, h.link.commands())
}

// lateCatalog reports loaded only once the test says the fetch succeeded.
type lateCatalog struct {
	loaded bool
}

func (c *lateCatalog) Loaded() bool { return c.loaded }

func (c *lateCatalog) Lookup(id int) (race.Scenario, bool) {
	if !c.loaded {
		return race.Scenario{}, false
	}
	return scenarioSet(testutil.SampleScenarios()).Lookup(id)
}

func TestMonotonicGuard_OffByDefault(t *testing.T) {
	h := connectedHarness(t)
	require.NoError(t, h.ctl.Play())
	h.link.deliver(snapshot(1, 10, 90, true))
	h.link.deliver(snapshot(1, 9.5, 90, true))
	assert.Equal(t, 9.5, h.ctl.RaceState().Time)
}

func TestMonotonicGuard_PausedAcceptsAnything(t *testing.T) {
	h := connectedHarness(t, WithRejectRegressions(true))
	h.link.deliver(snapshot(1, 10, 90, false))
	h.link.deliver(snapshot(1, 4, 90, false))
	assert.Equal(t, 4.0, h.ctl.RaceState().Time)
}

func TestDisconnect_ResetsFromEveryState(t *testing.T) {
	lost := &link.ConnectionError{Op: "read", Err: errors.New("EOF")}
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"ready", func(h *harness) {}},
		{"playing", func(h *harness) { h.ctl.Play() }},
		{"paused", func(h *harness) { h.ctl.Pause() }},
		{"awaiting ack", func(h *harness) { h.ctl.SelectScenario(1) }},
		{"confirmed", func(h *harness) {
			h.ctl.SelectScenario(1)
			h.link.deliver(race.ScenarioSelected{ScenarioID: 1, MaxTime: 90})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := connectedHarness(t)
			tt.setup(h)
			h.link.deliver(snapshot(1, 30, 90, true))
			require.NotNil(t, h.ctl.RaceState())

			h.link.drop(lost)

			assert.Equal(t, Idle, h.ctl.State())
			assert.Nil(t, h.ctl.RaceState())
			_, ok := h.ctl.Scenario()
			assert.False(t, ok)
			_, pending := h.ctl.PendingScenario()
			assert.False(t, pending)
			assert.Zero(t, h.clock.Pending())

			failures := h.failures()
			require.NotEmpty(t, failures)
			assert.ErrorIs(t, failures[len(failures)-1].Err, lost)

			h.clock.Advance(time.Minute)
			assert.Len(t, h.failures(), len(failures), "no ack timeout after disconnect")
		})
	}
}

func TestClose_ResetsWithoutFailure(t *testing.T) {
	h := connectedHarness(t)
	require.NoError(t, h.ctl.Play())
	h.link.deliver(snapshot(1, 30, 90, true))

	require.NoError(t, h.ctl.Close())
	assert.Equal(t, Idle, h.ctl.State())
	assert.Nil(t, h.ctl.RaceState())
	assert.Empty(t, h.failures())
	assert.ErrorIs(t, h.ctl.Play(), ErrNotConnected)

	require.NoError(t, h.ctl.Close(), "close is idempotent")
	require.NoError(t, h.ctl.Connect(context.Background()))
	assert.Equal(t, Ready, h.ctl.State())
}

func TestEvents_ListenerMayCallBack(t *testing.T) {
	h := connectedHarness(t)
	var seen []State
	h.ctl.OnEvent(func(ev Event) {
		if ev.Kind == StateChanged {
			seen = append(seen, h.ctl.State())
		}
	})
	require.NoError(t, h.ctl.Play())
	require.NoError(t, h.ctl.Pause())
	assert.Equal(t, []State{Playing, Paused}, seen)
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Idle:       "idle",
		Connecting: "connecting",
		Ready:      "ready",
		Playing:    "playing",
		Paused:     "paused",
		State(42):  "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
