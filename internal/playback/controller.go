// Package playback drives the engine's playback state machine: scenario
// selection, play, pause, seek and speed, reconciled with the engine's
// acknowledgements and snapshots.
package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/race.oracle/internal/link"
	"github.com/banshee-data/race.oracle/internal/monitoring"
	"github.com/banshee-data/race.oracle/internal/race"
	"github.com/banshee-data/race.oracle/internal/timeutil"
)

var (
	ErrInvalidSeek     = errors.New("invalid seek")
	ErrUnknownScenario = errors.New("unknown scenario")
	ErrInvalidSpeed    = errors.New("invalid playback speed")
	ErrNotConnected    = errors.New("not connected")
	ErrInvalidState    = errors.New("invalid state for operation")
	// ErrCatalogNotLoaded keeps the playback controls disabled until the
	// scenario catalog has been fetched.
	ErrCatalogNotLoaded = errors.New("scenario catalog not loaded")
	// ErrAckTimeout is reported through OnEvent when a selection is
	// abandoned because SCENARIO_SELECTED never arrived.
	ErrAckTimeout = errors.New("scenario selection not acknowledged")
)

const (
	DefaultAckTimeout = 2 * time.Second
	DefaultMinSpeed   = 0.25
	DefaultMaxSpeed   = 8.0
)

var logf = monitoring.Component("playback")

// State is a controller lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Ready
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EventKind classifies an Event.
type EventKind int

const (
	StateChanged EventKind = iota
	ScenarioConfirmed
	Failure
)

// Event notifies the UI of something it cannot poll for cheaply.
type Event struct {
	Kind       EventKind
	State      State // state after the event
	Previous   State // StateChanged only
	ScenarioID int   // ScenarioConfirmed, and Failure for ack timeouts
	Err        error
}

// Link is the channel the controller drives. *link.Manager satisfies it.
type Link interface {
	Connect(ctx context.Context) error
	Send(cmd race.Command) error
	Close() error
	OnMessage(func(race.Inbound))
	OnConnectivity(func(link.Connectivity))
}

// Scenarios resolves scenario ids. *catalog.Catalog satisfies it.
type Scenarios interface {
	Loaded() bool
	Lookup(id int) (race.Scenario, bool)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the clock that times acknowledgements.
func WithClock(c timeutil.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithAckTimeout sets how long a selection waits for SCENARIO_SELECTED.
func WithAckTimeout(d time.Duration) Option {
	return func(ctl *Controller) {
		if d > 0 {
			ctl.ackTimeout = d
		}
	}
}

// WithSpeedRange sets the accepted SetSpeed range.
func WithSpeedRange(lo, hi float64) Option {
	return func(ctl *Controller) {
		if lo > 0 && hi >= lo {
			ctl.minSpeed, ctl.maxSpeed = lo, hi
		}
	}
}

// WithRejectRegressions drops snapshots that move time backwards while
// playing with no seek or selection outstanding.
func WithRejectRegressions(on bool) Option {
	return func(ctl *Controller) { ctl.rejectRegressions = on }
}

type seekPhase int

const (
	seekNone  seekPhase = iota
	seekSent            // Seek sent; cleared by SEEKED or a snapshot near the target
	seekAcked           // SEEKED seen; the next snapshot reflects the new time
)

// seekTolerance is how far from the seek target a snapshot may be and
// still count as the engine having moved there. At the fastest playback
// rate the engine advances 0.4s between 20Hz snapshots.
const seekTolerance = 1.0

type pendingSelection struct {
	id    int
	gen   uint64
	timer timeutil.Timer
}

// Controller is the playback state machine for one engine session. All
// mutable state is guarded by mu except the current RaceState, which is
// swapped atomically by the inbound handler and read lock-free.
//
// Commands are sent while mu is held, so they leave in call order.
// Listener callbacks run after mu is released.
type Controller struct {
	link              Link
	scenarios         Scenarios
	clock             timeutil.Clock
	ackTimeout        time.Duration
	minSpeed          float64
	maxSpeed          float64
	rejectRegressions bool

	raceState atomic.Pointer[race.RaceState]

	mu         sync.Mutex
	state      State
	pending    *pendingSelection
	gen        uint64
	confirmed  *race.Scenario
	ackMaxTime float64
	seek       seekPhase
	seekTarget float64
	onEvent    func(Event)
	queued     []Event
}

// New returns an Idle controller and registers it as l's only consumer.
func New(l Link, scenarios Scenarios, opts ...Option) *Controller {
	c := &Controller{
		link:       l,
		scenarios:  scenarios,
		clock:      timeutil.RealClock{},
		ackTimeout: DefaultAckTimeout,
		minSpeed:   DefaultMinSpeed,
		maxSpeed:   DefaultMaxSpeed,
	}
	for _, opt := range opts {
		opt(c)
	}
	l.OnMessage(c.handleMessage)
	l.OnConnectivity(c.handleConnectivity)
	return c
}

// OnEvent registers the listener for state changes and asynchronous
// failures, replacing any previous one. It is called without the
// controller's lock held and may call back into the controller.
func (c *Controller) OnEvent(h func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = h
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RaceState returns the most recent snapshot, or nil when no race is in
// progress. The returned value must not be modified.
func (c *Controller) RaceState() *race.RaceState {
	return c.raceState.Load()
}

// Scenario returns the scenario the engine last confirmed.
func (c *Controller) Scenario() (race.Scenario, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirmed == nil {
		return race.Scenario{}, false
	}
	return *c.confirmed, true
}

// PendingScenario returns the id of a selection awaiting acknowledgement.
func (c *Controller) PendingScenario() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0, false
	}
	return c.pending.id, true
}

// Connect opens the link. The controller is Ready once the link reports
// the channel open; on failure it returns to Idle.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, state)
	}
	c.setState(Connecting)
	c.unlockAndNotify()

	// The link delivers its connected event before Connect returns, so the
	// lock must not be held here.
	err := c.link.Connect(ctx)

	c.mu.Lock()
	defer c.unlockAndNotify()
	if err != nil {
		if c.state == Connecting {
			c.setState(Idle)
		}
		return err
	}
	return nil
}

// Close tears down the link. The controller ends Idle with no RaceState.
// It must not be called from an OnEvent listener.
func (c *Controller) Close() error {
	err := c.link.Close()

	c.mu.Lock()
	defer c.unlockAndNotify()
	c.reset()
	return err
}

// SelectScenario asks the engine to load scenario id. Play is sent only
// once the engine acknowledges this id; if no acknowledgement arrives
// within the ack timeout the selection is abandoned and a Failure event
// carrying ErrAckTimeout is emitted.
func (c *Controller) SelectScenario(id int) error {
	if !c.scenarios.Loaded() {
		return ErrCatalogNotLoaded
	}
	if _, ok := c.scenarios.Lookup(id); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownScenario, id)
	}

	c.mu.Lock()
	defer c.unlockAndNotify()
	if !c.connected() {
		return ErrNotConnected
	}
	if err := c.send(race.SelectScenario{ScenarioID: id}); err != nil {
		return err
	}

	c.cancelPending()
	c.gen++
	gen := c.gen
	c.pending = &pendingSelection{
		id:    id,
		gen:   gen,
		timer: c.clock.AfterFunc(c.ackTimeout, func() { c.ackExpired(gen) }),
	}
	logf("selected scenario %d, awaiting acknowledgement", id)
	return nil
}

// Play resumes playback. It is a no-op while Playing.
func (c *Controller) Play() error {
	if !c.scenarios.Loaded() {
		return ErrCatalogNotLoaded
	}
	c.mu.Lock()
	defer c.unlockAndNotify()
	switch c.state {
	case Playing:
		return nil
	case Ready, Paused:
		if err := c.send(race.Play{}); err != nil {
			return err
		}
		c.setState(Playing)
		return nil
	}
	return ErrNotConnected
}

// Pause halts playback. It is a no-op while Paused.
func (c *Controller) Pause() error {
	if !c.scenarios.Loaded() {
		return ErrCatalogNotLoaded
	}
	c.mu.Lock()
	defer c.unlockAndNotify()
	switch c.state {
	case Paused:
		return nil
	case Ready, Playing:
		if err := c.send(race.Pause{}); err != nil {
			return err
		}
		c.setState(Paused)
		return nil
	}
	return ErrNotConnected
}

// Seek moves the engine to race time t. t must lie within [0, maxTime],
// where maxTime comes from the current snapshot, else from the last
// selection acknowledgement; with neither only t >= 0 is enforced. The
// Playing/Paused state is left to the engine's next snapshot.
func (c *Controller) Seek(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return fmt.Errorf("%w: time %v", ErrInvalidSeek, t)
	}

	c.mu.Lock()
	defer c.unlockAndNotify()
	if end, ok := c.maxTime(); ok && t > end {
		return fmt.Errorf("%w: time %v beyond race end %v", ErrInvalidSeek, t, end)
	}
	if !c.scenarios.Loaded() {
		return ErrCatalogNotLoaded
	}
	if !c.connected() {
		return ErrNotConnected
	}
	if err := c.send(race.Seek{Time: t}); err != nil {
		return err
	}
	c.seek = seekSent
	c.seekTarget = t
	return nil
}

// SetSpeed changes the engine's playback rate.
func (c *Controller) SetSpeed(s float64) error {
	if math.IsNaN(s) || s < c.minSpeed || s > c.maxSpeed {
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrInvalidSpeed, s, c.minSpeed, c.maxSpeed)
	}
	if !c.scenarios.Loaded() {
		return ErrCatalogNotLoaded
	}

	c.mu.Lock()
	defer c.unlockAndNotify()
	if !c.connected() {
		return ErrNotConnected
	}
	return c.send(race.SetSpeed{Speed: s})
}

func (c *Controller) handleConnectivity(ev link.Connectivity) {
	c.mu.Lock()
	defer c.unlockAndNotify()
	if ev.Connected {
		if c.state == Idle || c.state == Connecting {
			c.setState(Ready)
		}
		return
	}
	if ev.Err != nil {
		logf("connection lost: %v", ev.Err)
		c.queued = append(c.queued, Event{Kind: Failure, State: Idle, Err: ev.Err})
	}
	c.reset()
}

func (c *Controller) handleMessage(msg race.Inbound) {
	c.mu.Lock()
	defer c.unlockAndNotify()

	switch m := msg.(type) {
	case *race.Snapshot:
		c.applySnapshot(m.State)
	case race.ScenarioSelected:
		c.confirmSelection(m)
	case race.Ack:
		switch m.Kind {
		case race.TypeSeeked:
			if c.seek == seekSent {
				c.seek = seekAcked
			}
		case race.TypeSpeedChanged:
			logf("engine speed now %gx", m.Value)
		}
	case race.Unknown:
		logf("ignoring %q frame", m.Type)
	}
}

func (c *Controller) applySnapshot(s *race.RaceState) {
	if s == nil {
		return
	}
	cur := c.raceState.Load()
	if c.rejectRegressions && c.seek == seekNone && cur != nil && cur.IsPlaying &&
		s.ScenarioID == cur.ScenarioID && s.Time < cur.Time {
		logf("dropping snapshot at %.3fs behind %.3fs", s.Time, cur.Time)
		return
	}
	if c.seek == seekAcked || (c.seek == seekSent && math.Abs(s.Time-c.seekTarget) <= seekTolerance) {
		c.seek = seekNone
	}
	c.raceState.Store(s)

	if c.state == Playing && !s.IsPlaying {
		c.setState(Paused)
	}
}

func (c *Controller) confirmSelection(m race.ScenarioSelected) {
	if c.pending == nil || c.pending.id != m.ScenarioID {
		logf("ignoring stale acknowledgement for scenario %d", m.ScenarioID)
		return
	}
	c.cancelPending()

	if s, ok := c.scenarios.Lookup(m.ScenarioID); ok {
		c.confirmed = &s
	} else {
		c.confirmed = &race.Scenario{ScenarioID: m.ScenarioID}
	}
	c.ackMaxTime = m.MaxTime
	// The engine rewinds to zero on selection.
	c.seek = seekAcked
	c.queued = append(c.queued, Event{Kind: ScenarioConfirmed, State: c.state, ScenarioID: m.ScenarioID})

	if err := c.send(race.Play{}); err != nil {
		c.queued = append(c.queued, Event{Kind: Failure, State: c.state, ScenarioID: m.ScenarioID, Err: err})
		return
	}
	c.setState(Playing)
}

func (c *Controller) ackExpired(gen uint64) {
	c.mu.Lock()
	defer c.unlockAndNotify()
	if c.pending == nil || c.pending.gen != gen {
		return
	}
	id := c.pending.id
	c.pending = nil
	logf("scenario %d not acknowledged within %v, abandoning selection", id, c.ackTimeout)
	c.queued = append(c.queued, Event{
		Kind:       Failure,
		State:      c.state,
		ScenarioID: id,
		Err:        fmt.Errorf("%w: scenario %d after %v", ErrAckTimeout, id, c.ackTimeout),
	})
}

// maxTime must be called with mu held. A snapshot left over from the
// previous scenario yields to the newer acknowledgement.
func (c *Controller) maxTime() (float64, bool) {
	if s := c.raceState.Load(); s != nil && (c.confirmed == nil || s.ScenarioID == c.confirmed.ScenarioID) {
		return s.MaxTime, true
	}
	if c.ackMaxTime > 0 {
		return c.ackMaxTime, true
	}
	return 0, false
}

func (c *Controller) connected() bool {
	return c.state == Ready || c.state == Playing || c.state == Paused
}

func (c *Controller) send(cmd race.Command) error {
	if err := c.link.Send(cmd); err != nil {
		if errors.Is(err, link.ErrNotConnected) {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return fmt.Errorf("send %s: %w", cmd.Type(), err)
	}
	return nil
}

func (c *Controller) cancelPending() {
	if c.pending != nil {
		c.pending.timer.Stop()
		c.pending = nil
	}
}

func (c *Controller) reset() {
	c.cancelPending()
	c.confirmed = nil
	c.ackMaxTime = 0
	c.seek = seekNone
	c.raceState.Store(nil)
	c.setState(Idle)
}

func (c *Controller) setState(s State) {
	if s == c.state {
		return
	}
	prev := c.state
	c.state = s
	logf("%s -> %s", prev, s)
	c.queued = append(c.queued, Event{Kind: StateChanged, State: s, Previous: prev})
}

// unlockAndNotify releases mu and then delivers queued events.
func (c *Controller) unlockAndNotify() {
	events := c.queued
	c.queued = nil
	h := c.onEvent
	c.mu.Unlock()
	if h == nil {
		return
	}
	for _, ev := range events {
		h(ev)
	}
}
