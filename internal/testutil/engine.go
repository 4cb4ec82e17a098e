package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/race.oracle/internal/httputil"
	"github.com/banshee-data/race.oracle/internal/race"
)

// Engine is an in-process simulation engine serving the document endpoints
// and the session channel. With AutoAck set it answers commands the way the
// real engine does; otherwise tests push every reply themselves.
type Engine struct {
	Server *httptest.Server

	mu        sync.Mutex
	scenarios []race.Scenario
	tracks    map[string]string
	maxTime   float64
	autoAck   bool
	conns     map[string]*engineConn
	commands  []race.Command
	notify    chan struct{}
	upgrader  websocket.Upgrader
}

type engineConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *engineConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAutoAck makes the engine acknowledge commands like the real one.
func WithAutoAck() EngineOption {
	return func(e *Engine) { e.autoAck = true }
}

// WithScenarios replaces the default SampleScenarios catalog.
func WithScenarios(s []race.Scenario) EngineOption {
	return func(e *Engine) { e.scenarios = s }
}

// WithTrack serves body at /tracks/<file>.
func WithTrack(file, body string) EngineOption {
	return func(e *Engine) { e.tracks[file] = body }
}

// WithMaxTime sets the race duration reported in SCENARIO_SELECTED.
func WithMaxTime(t float64) EngineOption {
	return func(e *Engine) { e.maxTime = t }
}

// NewEngine starts an engine double; it is shut down when the test ends.
func NewEngine(t testing.TB, opts ...EngineOption) *Engine {
	t.Helper()
	e := &Engine{
		scenarios: SampleScenarios(),
		tracks:    map[string]string{"monza_track.json": SquareTrackJSON},
		maxTime:   90,
		conns:     make(map[string]*engineConn),
		notify:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/data/scenarios", e.handleScenarios)
	mux.HandleFunc("/data/tracks", e.handleTracks)
	mux.HandleFunc("/tracks/", e.handleTrackFile)
	mux.HandleFunc("/ws/simulation", e.handleSession)
	e.Server = httptest.NewServer(mux)
	t.Cleanup(e.Close)
	return e
}

// URL returns the engine's http base URL.
func (e *Engine) URL() string { return e.Server.URL }

// SessionURL returns the ws:// URL of the session channel.
func (e *Engine) SessionURL() string {
	return "ws" + strings.TrimPrefix(e.Server.URL, "http") + "/ws/simulation"
}

func (e *Engine) handleScenarios(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"scenarios": e.scenarios})
}

func (e *Engine) handleTracks(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tracks := make([]race.TrackInfo, 0, len(e.tracks))
	for file := range e.tracks {
		tracks = append(tracks, race.TrackInfo{Name: strings.TrimSuffix(file, "_track.json"), File: file, Length: 400})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"tracks": tracks})
}

func (e *Engine) handleTrackFile(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	body, ok := e.tracks[strings.TrimPrefix(r.URL.Path, "/tracks/")]
	e.mu.Unlock()
	if !ok {
		httputil.WriteJSONError(w, http.StatusNotFound, "Track JSON not found!")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func (e *Engine) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := uuid.NewString()
	ec := &engineConn{conn: conn}
	e.mu.Lock()
	e.conns[id] = ec
	e.mu.Unlock()
	e.signal()

	defer func() {
		e.mu.Lock()
		delete(e.conns, id)
		e.mu.Unlock()
		conn.Close()
		e.signal()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := race.DecodeCommand(data)
		if err != nil {
			continue
		}
		e.mu.Lock()
		e.commands = append(e.commands, cmd)
		autoAck := e.autoAck
		e.mu.Unlock()
		e.signal()

		if autoAck {
			if reply := e.reply(cmd); reply != nil {
				if data, err := race.EncodeInbound(reply); err == nil {
					ec.write(data)
				}
			}
		}
	}
}

func (e *Engine) reply(cmd race.Command) race.Inbound {
	switch c := cmd.(type) {
	case race.SelectScenario:
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, s := range e.scenarios {
			if s.ScenarioID == c.ScenarioID {
				return race.ScenarioSelected{ScenarioID: c.ScenarioID, MaxTime: e.maxTime}
			}
		}
		return nil
	case race.Play:
		return race.Ack{Kind: race.TypePlaying}
	case race.Pause:
		return race.Ack{Kind: race.TypePaused}
	case race.Seek:
		return race.Ack{Kind: race.TypeSeeked, Value: c.Time}
	case race.SetSpeed:
		return race.Ack{Kind: race.TypeSpeedChanged, Value: c.Speed}
	}
	return nil
}

func (e *Engine) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Push sends msg to every connected session.
func (e *Engine) Push(msg race.Inbound) error {
	data, err := race.EncodeInbound(msg)
	if err != nil {
		return err
	}
	return e.PushRaw(data)
}

// PushRaw sends a raw frame to every connected session.
func (e *Engine) PushRaw(data []byte) error {
	e.mu.Lock()
	conns := make([]*engineConn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()
	if len(conns) == 0 {
		return fmt.Errorf("no connected sessions")
	}
	for _, c := range conns {
		if err := c.write(data); err != nil {
			return err
		}
	}
	return nil
}

// SetTrack serves body at /tracks/<file> from now on.
func (e *Engine) SetTrack(file, body string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks[file] = body
}

// Commands returns every command received so far, in arrival order.
func (e *Engine) Commands() []race.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]race.Command, len(e.commands))
	copy(out, e.commands)
	return out
}

// Connections returns the number of open sessions.
func (e *Engine) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// WaitFor blocks until cond holds or timeout elapses, re-checking whenever
// the engine's state changes.
func (e *Engine) WaitFor(timeout time.Duration, cond func(e *Engine) bool) bool {
	deadline := time.After(timeout)
	for {
		if cond(e) {
			return true
		}
		select {
		case <-e.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return cond(e)
		}
	}
}

// WaitCommands waits until at least n commands have arrived.
func (e *Engine) WaitCommands(n int, timeout time.Duration) []race.Command {
	e.WaitFor(timeout, func(e *Engine) bool { return len(e.Commands()) >= n })
	return e.Commands()
}

// DropConnections closes every session socket abruptly, without a close frame.
func (e *Engine) DropConnections() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		c.conn.UnderlyingConn().Close()
	}
}

// Close drops all sessions and stops the HTTP server.
func (e *Engine) Close() {
	e.DropConnections()
	e.Server.Close()
}
