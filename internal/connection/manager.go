// Package connection runs the connection lifecycle state machine. A
// Manager owns the single current State and feeds it every command and
// transport callback through a serial executor, so no two state hooks
// ever run at the same time.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netsession/internal/config"
	"github.com/energizer-project/netsession/internal/events"
	"github.com/energizer-project/netsession/internal/metrics"
	"github.com/energizer-project/netsession/internal/protocol"
	"github.com/energizer-project/netsession/internal/registry"
	"github.com/energizer-project/netsession/internal/session"
	"github.com/energizer-project/netsession/internal/transport"
	"github.com/energizer-project/netsession/internal/util"
)

// Options tunes the state machine.
type Options struct {
	ReconnectAttempts   int
	MaxConnectedPlayers int
	TickInterval        time.Duration
	// LobbyReconnectAttempts and LobbyReconnectDelay pace the session
	// rejoin inside one reconnection attempt.
	LobbyReconnectAttempts int
	LobbyReconnectDelay    time.Duration
	Debug                  bool

	// ListenAddress and ListenPort are used by session-mode hosts, which
	// advertise AdvertiseAddress to clients.
	ListenAddress    string
	ListenPort       int
	AdvertiseAddress string
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	cfg := config.DefaultConfig()
	return OptionsFromConfig(cfg.Connection, cfg.Transport)
}

// OptionsFromConfig converts the connection and transport config sections.
func OptionsFromConfig(c config.ConnectionConfig, t config.TransportConfig) Options {
	return Options{
		ReconnectAttempts:      c.ReconnectAttempts,
		MaxConnectedPlayers:    c.MaxConnectedPlayers,
		TickInterval:           c.TickInterval(),
		LobbyReconnectAttempts: c.LobbyReconnectAttempts,
		LobbyReconnectDelay:    c.LobbyReconnectDelay(),
		Debug:                  c.DebugBuild,
		ListenAddress:          t.Address,
		ListenPort:             t.Port,
		AdvertiseAddress:       t.Address,
	}
}

// Snapshot is a point-in-time view of the manager for status surfaces.
type Snapshot struct {
	State            string                  `json:"state"`
	Since            time.Time               `json:"since"`
	Transitions      int                     `json:"transitions"`
	LastStatus       string                  `json:"last_status"`
	Reconnect        events.ReconnectMessage `json:"reconnect"`
	Method           string                  `json:"method,omitempty"`
	Transport        string                  `json:"transport"`
	ListenAddr       string                  `json:"listen_addr,omitempty"`
	LocalClientID    uint64                  `json:"local_client_id"`
	ConnectedClients []uint64                `json:"connected_clients"`
	SessionID        string                  `json:"session_id,omitempty"`
	JoinCode         string                  `json:"join_code,omitempty"`
	IsSessionHost    bool                    `json:"is_session_host"`
}

// Manager is the connection lifecycle orchestrator. It implements
// transport.Handler; wire it with transport.SetHandler.
type Manager struct {
	transport transport.Transport
	facade    *session.Facade
	registry  *registry.Registry
	bus       *events.EventBus
	scenes    SceneLoader
	opts      Options
	logger    zerolog.Logger

	// executor queue
	qmu      sync.Mutex
	queue    []func()
	draining bool

	// current is written only on the executor; mu lets other goroutines
	// read it together with the status fields.
	mu          sync.RWMutex
	current     State
	since       time.Time
	transitions int
	lastStatus  protocol.ConnectStatus
	reconnect   events.ReconnectMessage
	method      string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager in the Offline state and registers it as
// the transport's handler. scenes may be nil.
func NewManager(t transport.Transport, facade *session.Facade, reg *registry.Registry, bus *events.EventBus, scenes SceneLoader, opts Options) *Manager {
	if scenes == nil {
		scenes = NopSceneLoader{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 16 * time.Millisecond
	}
	if opts.LobbyReconnectAttempts <= 0 {
		opts.LobbyReconnectAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: t,
		facade:    facade,
		registry:  reg,
		bus:       bus,
		scenes:    scenes,
		opts:      opts,
		logger:    util.ComponentLogger("connection"),
		since:     time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.current = newOffline(m)
	metrics.SetState(Offline.String(), allStateNames())
	t.SetHandler(m)
	return m
}

// dispatch queues fn on the executor. If no goroutine is draining the
// queue, the caller drains it before returning.
func (m *Manager) dispatch(fn func()) {
	m.qmu.Lock()
	m.queue = append(m.queue, fn)
	if m.draining {
		m.qmu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.qmu.Unlock()
		m.run(next)
		m.qmu.Lock()
	}
	m.draining = false
	m.qmu.Unlock()
}

func (m *Manager) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("state", m.current.ID().String()).
				Msg("state handler panicked")
		}
	}()
	fn()
}

// dispatchWait runs fn on the executor and returns its error once fn and
// everything fn queued has run. It must not be called from a state hook.
func (m *Manager) dispatchWait(fn func() error) error {
	done := make(chan error, 1)
	m.dispatch(func() {
		err := errCommandPanicked
		defer func() {
			m.dispatch(func() { done <- err })
		}()
		err = fn()
	})
	return <-done
}

// postTo queues fn to run only if st is still the current state.
func (m *Manager) postTo(st State, fn func()) {
	m.dispatch(func() {
		if m.current != st {
			m.logger.Trace().Str("state", st.ID().String()).Msg("dropping completion for a state that is no longer current")
			return
		}
		fn()
	})
}

// afterTick runs fn on st one tick from now.
func (m *Manager) afterTick(st State, fn func()) {
	time.AfterFunc(m.opts.TickInterval, func() { m.postTo(st, fn) })
}

// goAsync runs fn on a tracked goroutine.
func (m *Manager) goAsync(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// changeState exits the current state, makes next current and enters it.
// It runs on the executor.
func (m *Manager) changeState(next State) error {
	from := m.current
	if _, ok := TransitionFor(from.ID(), next.ID()); !ok {
		metrics.RecordIllegalTransition(from.ID().String(), next.ID().String())
		m.logger.Error().
			Str("from", from.ID().String()).
			Str("to", next.ID().String()).
			Msg("illegal state transition refused")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from.ID(), next.ID())
	}

	from.Exit()

	m.mu.Lock()
	m.current = next
	m.since = time.Now()
	m.transitions++
	m.mu.Unlock()

	metrics.RecordTransition(from.ID().String(), next.ID().String(), allStateNames())
	m.logger.Info().
		Str("from", from.ID().String()).
		Str("to", next.ID().String()).
		Msg("state changed")
	m.publish(events.EventStateChanged, events.StateChangedPayload{
		From: from.ID().String(),
		To:   next.ID().String(),
	})

	return next.Enter()
}

// goOffline is the common landing transition.
func (m *Manager) goOffline() {
	if err := m.changeState(newOffline(m)); err != nil {
		m.logger.Error().Err(err).Msg("failed to return offline")
	}
}

func (m *Manager) publish(t events.EventType, payload interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(m.ctx, events.Event{Type: t, Source: "connection", Payload: payload})
}

func (m *Manager) publishStatus(status protocol.ConnectStatus) {
	m.mu.Lock()
	m.lastStatus = status
	m.mu.Unlock()

	m.logger.Info().Str("status", status.String()).Msg("connect status")
	m.publish(events.EventConnectStatus, events.ConnectStatusPayload{Status: status})
}

func (m *Manager) publishReconnect(current, max int) {
	msg := events.ReconnectMessage{CurrentAttempt: current, MaxAttempts: max}
	m.mu.Lock()
	m.reconnect = msg
	m.mu.Unlock()
	m.publish(events.EventReconnect, msg)
}

func (m *Manager) publishConnectionEvent(status protocol.ConnectStatus, playerName string) {
	m.publish(events.EventConnectionEvent, events.ConnectionEventMessage{
		Status:     status,
		PlayerName: playerName,
	})
}

func (m *Manager) setMethod(name string) {
	m.mu.Lock()
	m.method = name
	m.mu.Unlock()
}

// decodeReason turns the transport's disconnect reason into a status. A
// reason that cannot be decoded counts as a generic disconnect.
func (m *Manager) decodeReason(reason string) protocol.ConnectStatus {
	status, err := protocol.DecodeReason(reason)
	if err != nil {
		m.logger.Warn().Err(err).Msg("undecodable disconnect reason")
		return protocol.GenericDisconnect
	}
	return status
}

// waitForShutdown blocks until the transport has finished shutting down,
// polling once per tick. It returns false if ctx ends first.
func (m *Manager) waitForShutdown(ctx context.Context) bool {
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()
	for m.transport.ShutdownInProgress() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return ctx.Err() == nil
}

// State returns the current state id.
func (m *Manager) State() StateID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.ID()
}

// Snapshot returns a consistent status view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	snap := Snapshot{
		State:       m.current.ID().String(),
		Since:       m.since,
		Transitions: m.transitions,
		LastStatus:  m.lastStatus.String(),
		Reconnect:   m.reconnect,
		Method:      m.method,
	}
	m.mu.RUnlock()

	snap.Transport = m.transport.Kind()
	snap.ListenAddr = m.transport.ListenAddr()
	snap.LocalClientID = m.transport.LocalClientID()
	snap.ConnectedClients = m.transport.ConnectedClientIDs()
	if cur := m.facade.CurrentSession(); cur != nil {
		snap.SessionID = cur.ID
		snap.JoinCode = cur.JoinCode
		snap.IsSessionHost = m.facade.IsHost()
	}
	return snap
}

// Facade returns the session facade the manager uses.
func (m *Manager) Facade() *session.Facade {
	return m.facade
}

// Registry returns the player registry.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// StartClientIP connects to a host at address:port.
func (m *Manager) StartClientIP(playerName, address string, port int) error {
	return m.dispatchWait(func() error { return m.current.StartClientIP(playerName, address, port) })
}

// StartClientSession connects to the host of the session the facade has
// joined.
func (m *Manager) StartClientSession(playerName string) error {
	return m.dispatchWait(func() error { return m.current.StartClientSession(playerName) })
}

// StartHostIP hosts on address:port.
func (m *Manager) StartHostIP(playerName, address string, port int) error {
	return m.dispatchWait(func() error { return m.current.StartHostIP(playerName, address, port) })
}

// StartHostSession hosts the session the facade has created. Relay setup
// errors are returned after the manager is back Offline.
func (m *Manager) StartHostSession(playerName string) error {
	return m.dispatchWait(func() error { return m.current.StartHostSession(playerName) })
}

// StartServerIP runs a dedicated server on address:port.
func (m *Manager) StartServerIP(address string, port int) error {
	return m.dispatchWait(func() error { return m.current.StartServerIP(address, port) })
}

// RequestShutdown asks the current state to wind down.
func (m *Manager) RequestShutdown() {
	m.dispatch(func() { m.current.OnUserRequestedShutdown() })
}

// Close requests shutdown, waits for the manager to reach Offline and the
// transport to stop, then stops background work.
func (m *Manager) Close(ctx context.Context) error {
	m.RequestShutdown()

	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()
	var err error
wait:
	for m.State() != Offline || m.transport.ShutdownInProgress() {
		select {
		case <-ctx.Done():
			err = fmt.Errorf("failed to reach offline before shutdown: %w", ctx.Err())
			break wait
		case <-ticker.C:
		}
	}

	m.cancel()
	m.wg.Wait()
	return err
}

// Transport callbacks. They may arrive on any goroutine.

func (m *Manager) ClientConnected(clientID uint64) {
	m.dispatch(func() { m.current.OnClientConnected(clientID) })
}

func (m *Manager) ClientDisconnected(clientID uint64) {
	m.dispatch(func() { m.current.OnClientDisconnect(clientID) })
}

func (m *Manager) ServerStarted() {
	m.dispatch(func() { m.current.OnServerStarted() })
}

func (m *Manager) ServerStopped() {
	m.dispatch(func() { m.current.OnServerStopped() })
}

func (m *Manager) TransportFailure() {
	m.dispatch(func() { m.current.OnTransportFailure() })
}

func (m *Manager) ApprovalCheck(req protocol.ApprovalRequest, respond protocol.Responder) {
	m.dispatch(func() { m.current.ApprovalCheck(req, respond) })
}

// DisconnectReasonReceived forwards a decodable reason. The transport's own
// shutdown reason carries no status and is left for the disconnect hook.
func (m *Manager) DisconnectReasonReceived(reason string) {
	if protocol.IsTransientReason(reason) {
		return
	}
	status, err := protocol.DecodeReason(reason)
	if err != nil {
		m.logger.Warn().Err(err).Msg("ignoring undecodable disconnect reason")
		return
	}
	m.dispatch(func() { m.current.OnDisconnectReasonReceived(status) })
}
