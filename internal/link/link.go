// Package link owns the session channel to the simulation engine: one
// WebSocket per session, commands out, decoded engine frames in.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/race.oracle/internal/monitoring"
	"github.com/banshee-data/race.oracle/internal/race"
)

// SessionPath is the engine's session channel endpoint.
const SessionPath = "/ws/simulation"

const (
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	closeGrace              = time.Second
)

var (
	// ErrNotConnected is returned by Send when no channel is open.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect while a channel is open.
	ErrAlreadyConnected = errors.New("already connected")
)

var logf = monitoring.Component("link")

// ConnectionError reports a channel that failed to open or was lost.
type ConnectionError struct {
	Op  string // "dial", "read" or "write"
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Connectivity is a connection lifecycle event. Err is nil for a deliberate
// Close and set when the channel was lost.
type Connectivity struct {
	Connected bool
	SessionID string
	Err       error
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithWriteTimeout bounds each outbound frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// WithHandshakeTimeout bounds the opening handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialer.HandshakeTimeout = d
		}
	}
}

// Manager owns at most one engine channel at a time. Inbound frames are
// decoded and handed to the single registered handler on the read loop
// goroutine, in arrival order. There is no automatic reconnect.
type Manager struct {
	url          string
	dialer       *websocket.Dialer
	writeTimeout time.Duration

	mu             sync.Mutex
	conn           *websocket.Conn
	sessionID      string
	closing        bool
	done           chan struct{}
	onMessage      func(race.Inbound)
	onConnectivity func(Connectivity)

	writeMu sync.Mutex
}

// New returns a Manager for the session channel at rawURL.
func New(rawURL string, opts ...Option) *Manager {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = defaultHandshakeTimeout
	m := &Manager{
		url:          rawURL,
		dialer:       &d,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionURL derives the session channel URL from an engine base URL,
// mapping http(s) to ws(s).
func SessionURL(engineURL string) (string, error) {
	u, err := url.Parse(engineURL)
	if err != nil {
		return "", fmt.Errorf("invalid engine URL %q: %w", engineURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid engine URL %q: unsupported scheme %q", engineURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid engine URL %q: missing host", engineURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + SessionPath
	return u.String(), nil
}

// URL returns the session channel URL.
func (m *Manager) URL() string { return m.url }

// OnMessage registers the consumer for inbound frames, replacing any
// previous one.
func (m *Manager) OnMessage(h func(race.Inbound)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = h
}

// OnConnectivity registers the listener for connectivity events, replacing
// any previous one.
func (m *Manager) OnConnectivity(h func(Connectivity)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnectivity = h
}

// IsConnected reports whether a channel is open and not being closed.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && !m.closing
}

// SessionID returns the id of the current or most recent session.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Connect opens the channel. The connected event is delivered before any
// inbound frame.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.mu.Unlock()

	conn, resp, err := m.dialer.DialContext(ctx, m.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		logf("dial %s failed: %v", m.url, err)
		return &ConnectionError{Op: "dial", URL: m.url, Err: err}
	}

	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	id := uuid.NewString()
	done := make(chan struct{})
	m.conn = conn
	m.sessionID = id
	m.closing = false
	m.done = done
	notify := m.onConnectivity
	m.mu.Unlock()

	logf("session %s connected to %s", id, m.url)
	if notify != nil {
		notify(Connectivity{Connected: true, SessionID: id})
	}
	go m.readLoop(conn, id, done)
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn, id string, done chan struct{}) {
	defer close(done)

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		msg, err := race.DecodeInbound(data)
		if err != nil {
			logf("session %s: dropping frame: %v", id, err)
			continue
		}
		m.mu.Lock()
		handle := m.onMessage
		m.mu.Unlock()
		if handle != nil {
			handle(msg)
		}
	}

	m.mu.Lock()
	deliberate := m.closing
	if m.conn == conn {
		m.conn = nil
		m.closing = false
	}
	notify := m.onConnectivity
	m.mu.Unlock()
	conn.Close()

	ev := Connectivity{Connected: false, SessionID: id}
	if deliberate {
		logf("session %s closed", id)
	} else {
		ev.Err = &ConnectionError{Op: "read", URL: m.url, Err: readErr}
		logf("session %s lost: %v", id, readErr)
	}
	if notify != nil {
		notify(ev)
	}
}

// Send encodes cmd and writes it as one frame. Writes are serialised, so
// commands leave in call order. Without an open channel the command is
// dropped and ErrNotConnected returned.
func (m *Manager) Send(cmd race.Command) error {
	data, err := race.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	closing := m.closing
	m.mu.Unlock()
	if conn == nil || closing {
		logf("dropping %s: %v", cmd.Type(), ErrNotConnected)
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.writeTimeout)); err != nil {
		return &ConnectionError{Op: "write", URL: m.url, Err: err}
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logf("write %s failed: %v", cmd.Type(), err)
		return &ConnectionError{Op: "write", URL: m.url, Err: err}
	}
	return nil
}

// Close releases the channel and waits for the read loop to finish, which
// delivers the disconnected event. It is safe to call repeatedly and when
// not connected. It must not be called from an OnMessage or OnConnectivity
// handler.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	done := m.done
	if conn == nil || m.closing {
		m.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	m.closing = true
	m.mu.Unlock()

	m.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	m.writeMu.Unlock()

	err := conn.Close()
	<-done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
