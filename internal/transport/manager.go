// Package transport owns the single broker connection.
//
// The Manager is the only component that creates or closes sockets. It dials,
// performs the STOMP handshake, runs on-connect hooks (subscription setup),
// and then keeps the connection alive for the life of the process:
//
//   - a failed connect schedules a retry after ReconnectBackoff, forever;
//   - a liveness check every CheckInterval reconnects whenever the socket is
//     not open and no retry is already scheduled;
//   - Reconnect() tears the current socket down before dialing a new one.
//
// Other components observe the connection through Connected, WaitConnected,
// OnStateChange and OnFrame, and write through Send.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/roach88/diagramsync/internal/stomp"
)

// ErrNotConnected is returned by Send when no socket is open.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Settings tunes the connection lifecycle.
type Settings struct {
	// CheckInterval is the liveness check period.
	CheckInterval time.Duration

	// ReconnectBackoff is the fixed delay before retrying a failed connect.
	ReconnectBackoff time.Duration

	// HandshakeTimeout bounds dial plus the CONNECT/CONNECTED exchange.
	HandshakeTimeout time.Duration
}

// DefaultSettings returns the editor defaults: 5s liveness check, 3s backoff.
func DefaultSettings() *Settings {
	return &Settings{
		CheckInterval:    5 * time.Second,
		ReconnectBackoff: 3 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// readFailure reports a dead reader. generation ties it to the socket it
// was reading so failures of replaced sockets are ignored.
type readFailure struct {
	generation uint64
	err        error
}

// Manager is the Connection Manager.
//
// Thread-safety: all exported methods are safe for concurrent use. Sockets
// are only opened and closed by the lifecycle goroutine started by Start.
type Manager struct {
	url      string
	host     string
	dialer   Dialer
	settings *Settings
	logger   *slog.Logger

	mu         sync.RWMutex
	conn       Conn
	state      State
	generation uint64
	ready      chan struct{} // closed while state == StateConnected
	hooks      []func() error
	listeners  []func(State)
	onFrame    func(stomp.Frame)

	writeMu sync.Mutex

	reconnectCh chan struct{}
	readErrs    chan readFailure

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager for the broker at brokerURL. A nil settings
// uses DefaultSettings; a nil logger uses slog.Default().
func NewManager(brokerURL string, dialer Dialer, settings *Settings, logger *slog.Logger) *Manager {
	if settings == nil {
		settings = DefaultSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	host := brokerURL
	if u, err := url.Parse(brokerURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	return &Manager{
		url:         brokerURL,
		host:        host,
		dialer:      dialer,
		settings:    settings,
		logger:      logger.With("component", "transport"),
		state:       StateDisconnected,
		ready:       make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
		readErrs:    make(chan readFailure),
	}
}

// OnConnect registers a hook run on every successful handshake, before the
// state turns CONNECTED. A new socket means new server-side subscriptions,
// so subscription setup belongs here. A hook error aborts the connect.
//
// Hooks must be registered before Start.
func (m *Manager) OnConnect(hook func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// OnStateChange registers a listener called on every state transition.
// Listeners run on the lifecycle goroutine and must not block.
func (m *Manager) OnStateChange(listener func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// OnFrame sets the handler for inbound frames. It runs on the socket's
// reader goroutine, so frames are delivered in transport order.
func (m *Manager) OnFrame(handler func(stomp.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = handler
}

// Start launches the lifecycle goroutine. It returns immediately; use
// WaitConnected to block until the first connect succeeds.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
}

// Stop cancels the lifecycle goroutine, closes the socket and waits for
// all goroutines to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// Connected reports whether the socket is open and the handshake finished.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// WaitConnected blocks until the state is CONNECTED or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.RLock()
		state, ready := m.state, m.ready
		m.mu.RUnlock()

		if state == StateConnected {
			return nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reconnect asks the lifecycle goroutine to replace the socket. It never
// blocks; concurrent requests coalesce.
func (m *Manager) Reconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
}

// Send writes one frame on the current socket. A write error triggers
// Reconnect.
func (m *Manager) Send(f stomp.Frame) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	err := conn.WriteMessage(MessageText, stomp.Encode(f))
	m.writeMu.Unlock()

	if err != nil {
		m.logger.Info("write failed", "command", f.Command, "error", err)
		m.Reconnect()
		return fmt.Errorf("sending %s: %w", f.Command, err)
	}
	return nil
}

// run is the lifecycle goroutine.
func (m *Manager) run() {
	defer m.wg.Done()

	var retry <-chan time.Time
	attempt := func() {
		if m.connect() {
			retry = nil
			return
		}
		retry = time.After(m.settings.ReconnectBackoff)
	}

	ticker := time.NewTicker(m.settings.CheckInterval)
	defer ticker.Stop()

	attempt()

	for {
		select {
		case <-m.ctx.Done():
			m.teardown()
			return

		case <-m.reconnectCh:
			m.teardown()
			attempt()

		case <-retry:
			attempt()

		case <-ticker.C:
			if m.State() == StateConnected {
				continue
			}
			if retry != nil {
				// Attempts never come sooner than ReconnectBackoff.
				m.logger.Debug("liveness check found socket closed, retry already scheduled")
				continue
			}
			m.logger.Debug("liveness check found socket closed, reconnecting")
			m.teardown()
			attempt()

		case failure := <-m.readErrs:
			m.mu.RLock()
			current := m.generation
			m.mu.RUnlock()
			if failure.generation != current {
				continue
			}
			m.logger.Info("connection lost", "error", failure.err)
			m.teardown()
			retry = time.After(m.settings.ReconnectBackoff)
		}
	}
}

// connect dials, handshakes, runs hooks and starts the reader. It reports
// whether the connection is up.
func (m *Manager) connect() bool {
	m.setState(StateConnecting)

	conn, err := m.dial()
	if err != nil {
		m.logger.Info("connect failed", "url", m.url, "error", err, "retry_in", m.settings.ReconnectBackoff)
		m.setState(StateDisconnected)
		return false
	}

	m.mu.Lock()
	m.conn = conn
	m.generation++
	gen := m.generation
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(); err != nil {
			m.logger.Info("connect hook failed", "error", err)
			m.teardown()
			return false
		}
	}

	m.wg.Add(1)
	go m.readLoop(conn, gen)

	m.setState(StateConnected)
	m.logger.Info("connected", "url", m.url)
	return true
}

// dial opens a socket and completes the STOMP handshake within
// HandshakeTimeout.
func (m *Manager) dial() (Conn, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.settings.HandshakeTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, m.url)
	if err != nil {
		return nil, err
	}

	if err := conn.WriteMessage(MessageText, stomp.Encode(stomp.Connect(m.host))); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending CONNECT: %w", err)
	}

	type result struct {
		frame stomp.Frame
		err   error
	}
	done := make(chan result, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- result{err: err}
				return
			}
			if stomp.IsHeartbeat(data) {
				continue
			}
			f, err := stomp.Decode(data)
			done <- result{frame: f, err: err}
			return
		}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("reading CONNECTED: %w", r.err)
		}
		switch r.frame.Command {
		case stomp.CmdConnected:
			return conn, nil
		case stomp.CmdError:
			_ = conn.Close()
			return nil, fmt.Errorf("broker refused connection: %s", r.frame.Header(stomp.HeaderMessage))
		default:
			_ = conn.Close()
			return nil, fmt.Errorf("unexpected %s frame during handshake", r.frame.Command)
		}
	case <-ctx.Done():
		// Closing unblocks the reader goroutine.
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	}
}

// teardown closes the current socket, if any. Safe to call repeatedly.
func (m *Manager) teardown() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.generation++
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteMessage(MessageText, stomp.Encode(stomp.Disconnect()))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	m.setState(StateDisconnected)
}

// readLoop forwards frames from one socket until it fails.
func (m *Manager) readLoop(conn Conn, gen uint64) {
	defer m.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case m.readErrs <- readFailure{generation: gen, err: err}:
			case <-m.ctx.Done():
			}
			return
		}
		if stomp.IsHeartbeat(data) {
			continue
		}

		f, err := stomp.Decode(data)
		if err != nil {
			m.logger.Warn("discarding malformed frame", "error", err, "bytes", len(data))
			continue
		}

		m.mu.RLock()
		current := m.generation
		handler := m.onFrame
		m.mu.RUnlock()

		if gen != current {
			// Socket already replaced; drop anything still buffered on it.
			continue
		}
		if handler != nil {
			handler(f)
		}
	}
}

// setState records s and notifies listeners when it changed.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	if prev == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	if s == StateConnected {
		close(m.ready)
	} else if prev == StateConnected {
		m.ready = make(chan struct{})
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(s)
	}
}
