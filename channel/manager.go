// Package channel owns the gateway's two logical connections to the device
// hub: one identifying it as a server peer for outbound device instructions,
// and one identifying it as a tablet peer that receives the inbound message
// stream.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/observability"
)

// PeerRole is the identity a connection presents to the hub during the
// handshake.
type PeerRole string

const (
	// RoleServer is the server-peer identity (historically "JAVA" on the
	// hub side). The connection is write-only once established.
	RoleServer PeerRole = "JAVA"
	// RoleTablet is the tablet-peer identity whose connection carries the
	// inbound message stream.
	RoleTablet PeerRole = "TABLET"
)

// State is the lifecycle of one logical connection.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is the subset of a websocket connection the manager uses. Satisfied
// by *websocket.Conn; tests substitute fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a websocket connection to the given URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

func defaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// Handler accepts one inbound envelope. The manager calls it inline from the
// read loop so envelopes are handed over in arrival order; handlers must
// queue slow work instead of blocking.
type Handler func(ctx context.Context, env protocol.Envelope)

type peer struct {
	role  PeerRole
	conn  Conn
	id    string
	state atomic.Int32

	// gorilla/websocket permits one concurrent writer per connection.
	writeMu sync.Mutex
}

func (p *peer) setState(s State) { p.state.Store(int32(s)) }
func (p *peer) getState() State  { return State(p.state.Load()) }

// Manager performs the connect handshake for both peers, persists assigned
// identities, exposes the send primitives, and runs the tablet read loop.
type Manager struct {
	address      string
	identityPath string
	readInterval time.Duration

	dial     Dialer
	observer observability.Observer

	identity   Identity
	identityMu sync.Mutex

	server peer
	tablet peer

	statusMu sync.RWMutex
	status   map[string]DeviceStatus
}

// DeviceStatus mirrors the hub's view of a device connection. It drives
// audit records but does not gate delivery of other message types.
type DeviceStatus string

const (
	DeviceConnected    DeviceStatus = "CONNECTED"
	DeviceDisconnected DeviceStatus = "DISCONNECTED"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDialer overrides the websocket dialer, for tests.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dial = d }
}

// WithObserver overrides the default NoOpObserver.
func WithObserver(o observability.Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates a Manager for the hub at address. readInterval is the
// delay yielded between reads of the tablet connection.
func NewManager(address, identityPath string, readInterval time.Duration, opts ...ManagerOption) (*Manager, error) {
	identity, err := LoadIdentity(identityPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		address:      address,
		identityPath: identityPath,
		readInterval: readInterval,
		dial:         defaultDialer,
		observer:     observability.NoOpObserver{},
		identity:     identity,
		status:       make(map[string]DeviceStatus),
	}
	m.server.role = RoleServer
	m.tablet.role = RoleTablet

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ConnectServer establishes the server-peer connection. It is kept alive for
// outbound device instructions and never read from after the handshake.
func (m *Manager) ConnectServer(ctx context.Context) error {
	return m.connect(ctx, &m.server)
}

// ConnectTablet establishes the tablet-peer connection that carries the
// inbound message stream. Call Listen afterwards to start consuming it.
func (m *Manager) ConnectTablet(ctx context.Context) error {
	return m.connect(ctx, &m.tablet)
}

func (m *Manager) connect(ctx context.Context, p *peer) error {
	p.setState(StateHandshaking)

	url := fmt.Sprintf("%s/?type=%s", m.address, p.role)
	if cached := m.cachedID(p.role); cached != "" {
		url += "&id=" + cached
	}

	conn, err := m.dial(ctx, url)
	if err != nil {
		p.setState(StateDisconnected)
		return fmt.Errorf("dial hub as %s: %w", p.role, err)
	}

	// The hub's first frame assigns (or confirms) our peer id.
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		p.setState(StateDisconnected)
		return fmt.Errorf("handshake read as %s: %w", p.role, err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		conn.Close()
		p.setState(StateDisconnected)
		return fmt.Errorf("handshake decode as %s: %w", p.role, err)
	}
	if env.Type == protocol.TypeConnected && env.Client.ID != "" {
		p.id = env.Client.ID
	}

	p.conn = conn
	p.setState(StateConnected)
	m.persistID(p.role, p.id)

	m.observer.OnEvent(ctx, observability.Event{
		Type:      observability.EventChannelConnected,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "channel.Manager",
		Data:      map[string]any{"role": string(p.role), "peer_id": p.id},
	})
	return nil
}

func (m *Manager) cachedID(role PeerRole) string {
	m.identityMu.Lock()
	defer m.identityMu.Unlock()
	if role == RoleServer {
		return m.identity.ServerID
	}
	return m.identity.TabletID
}

func (m *Manager) persistID(role PeerRole, id string) {
	if id == "" {
		return
	}
	m.identityMu.Lock()
	if role == RoleServer {
		m.identity.ServerID = id
	} else {
		m.identity.TabletID = id
	}
	identity := m.identity
	m.identityMu.Unlock()

	// Persistence is best-effort; a failed write only costs a fresh id on
	// the next restart.
	_ = identity.Save(m.identityPath)
}

// Send writes an envelope on the server-peer connection.
func (m *Manager) Send(ctx context.Context, env protocol.Envelope) error {
	return m.write(ctx, &m.server, env)
}

// SendAsTablet writes an envelope on the tablet-peer connection. Report
// submissions travel this way.
func (m *Manager) SendAsTablet(ctx context.Context, env protocol.Envelope) error {
	return m.write(ctx, &m.tablet, env)
}

func (m *Manager) write(ctx context.Context, p *peer, env protocol.Envelope) error {
	if p.getState() != StateConnected {
		return fmt.Errorf("%s connection is %s", p.role, p.getState())
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	p.writeMu.Lock()
	err = p.conn.WriteMessage(websocket.TextMessage, data)
	p.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s envelope as %s: %w", env.Type, p.role, err)
	}

	m.observer.OnEvent(ctx, observability.Event{
		Type:      observability.EventChannelSend,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "channel.Manager",
		Data:      map[string]any{"type": env.Type, "device_id": env.Client.ID},
	})
	return nil
}

// Listen reads the tablet connection until the context is cancelled or the
// socket closes. Frames are read strictly in arrival order and handed to
// handler inline, and the loop yields readInterval between reads.
// Undecodable frames are logged and skipped.
func (m *Manager) Listen(ctx context.Context, handler Handler) error {
	if m.tablet.getState() != StateConnected {
		return fmt.Errorf("tablet connection is %s", m.tablet.getState())
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, raw, err := m.tablet.conn.ReadMessage()
		if err != nil {
			m.tablet.setState(StateDisconnected)
			m.observer.OnEvent(ctx, observability.Event{
				Type:      observability.EventChannelDisconnected,
				Level:     observability.LevelWarning,
				Timestamp: time.Now(),
				Source:    "channel.Manager",
				Data:      map[string]any{"role": string(RoleTablet), "error": err.Error()},
			})
			return fmt.Errorf("tablet read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			m.observer.OnEvent(ctx, observability.Event{
				Type:      observability.EventChannelRead,
				Level:     observability.LevelWarning,
				Timestamp: time.Now(),
				Source:    "channel.Manager",
				Data:      map[string]any{"error": fmt.Sprintf("undecodable frame: %v", err)},
			})
			continue
		}

		handler(ctx, env)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.readInterval):
		}
	}
}

// State returns the lifecycle state of the connection with the given role.
func (m *Manager) State(role PeerRole) State {
	if role == RoleServer {
		return m.server.getState()
	}
	return m.tablet.getState()
}

// PeerID returns the hub-assigned id of the connection with the given role.
func (m *Manager) PeerID(role PeerRole) string {
	if role == RoleServer {
		return m.server.id
	}
	return m.tablet.id
}

// SetDeviceStatus updates the per-device connection status map.
func (m *Manager) SetDeviceStatus(deviceID string, status DeviceStatus) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.status[deviceID] = status
}

// DeviceStatus returns the last known connection status for a device.
func (m *Manager) DeviceStatus(deviceID string) (DeviceStatus, bool) {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	status, ok := m.status[deviceID]
	return status, ok
}

// Close shuts both connections down.
func (m *Manager) Close() error {
	var firstErr error
	for _, p := range []*peer{&m.server, &m.tablet} {
		if p.conn != nil {
			if err := p.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			p.setState(StateDisconnected)
		}
	}
	return firstErr
}
