package connection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netsession/internal/events"
	"github.com/energizer-project/netsession/internal/protocol"
	"github.com/energizer-project/netsession/internal/registry"
	"github.com/energizer-project/netsession/internal/session"
	"github.com/energizer-project/netsession/internal/transport"
)

// fakeTransport records what the state machine asks of it. Callbacks are
// driven by the test through the Manager.
type fakeTransport struct {
	mu          sync.Mutex
	hostOK      bool
	clientOK    bool
	serverOK    bool
	role        string
	address     string
	port        int
	payload     []byte
	connected   []uint64
	reason      string
	localID     uint64
	disconnects map[uint64]string
	shutdowns   int
	clientRuns  int
	handler     transport.Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		hostOK:      true,
		clientOK:    true,
		serverOK:    true,
		disconnects: make(map[uint64]string),
	}
}

func (f *fakeTransport) start(ok bool, role string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !ok || f.role != "" {
		return false
	}
	f.role = role
	return true
}

func (f *fakeTransport) StartHost() bool   { return f.start(f.hostOK, "host") }
func (f *fakeTransport) StartServer() bool { return f.start(f.serverOK, "server") }

func (f *fakeTransport) StartClient() bool {
	f.mu.Lock()
	f.clientRuns++
	f.mu.Unlock()
	return f.start(f.clientOK, "client")
}

func (f *fakeTransport) DisconnectClient(id uint64, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects[id] = reason
}

func (f *fakeTransport) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.role != "" {
		f.shutdowns++
	}
	f.role = ""
}

func (f *fakeTransport) ShutdownInProgress() bool { return false }

func (f *fakeTransport) IsListening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.role == "host" || f.role == "server"
}

func (f *fakeTransport) IsConnectedClient() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.role == "client"
}

func (f *fakeTransport) DisconnectReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

func (f *fakeTransport) setReason(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reason = reason
}

func (f *fakeTransport) LocalClientID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.localID
}

func (f *fakeTransport) ConnectedClientIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]uint64(nil), f.connected...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *fakeTransport) setConnected(ids ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = ids
}

func (f *fakeTransport) SetConnectionData(address string, port int, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.address, f.port, f.payload = address, port, payload
}

func (f *fakeTransport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) ListenAddr() string { return "" }
func (f *fakeTransport) Kind() string       { return "fake" }

func (f *fakeTransport) clientStarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clientRuns
}

func (f *fakeTransport) connectionData() (string, int, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.address, f.port, f.payload
}

func (f *fakeTransport) disconnectReasons() map[uint64]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint64]string, len(f.disconnects))
	for k, v := range f.disconnects {
		out[k] = v
	}
	return out
}

var errRelayDown = errors.New("relay unavailable")

// fakeLobby is an in-memory session service. Its relay fails unless an
// allocation is set, and reconnects can be made to fail a number of times.
type fakeLobby struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	deleted  []string
	removed  []string

	relay          *session.RelayAllocation
	failReconnects int
	reconnectTimes []time.Time
}

func newFakeLobby() *fakeLobby {
	return &fakeLobby{sessions: make(map[string]*session.Session)}
}

func (l *fakeLobby) get(id string) (*session.Session, error) {
	s, ok := l.sessions[id]
	if !ok {
		return nil, &session.ServiceError{Op: session.OpGet, Kind: session.KindNotFound, Err: session.ErrNotFound}
	}
	return s.Clone(), nil
}

func (l *fakeLobby) CreateSession(_ context.Context, opts session.CreateOptions) (*session.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &session.Session{
		ID:         "s-1",
		Name:       opts.Name,
		JoinCode:   "JOIN1",
		HostID:     opts.Host.ID,
		MaxPlayers: opts.MaxPlayers,
		Players:    []session.Player{opts.Host},
	}
	l.sessions[s.ID] = s
	return s.Clone(), nil
}

func (l *fakeLobby) JoinSessionByCode(_ context.Context, code string, p session.Player) (*session.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, s := range l.sessions {
		if s.JoinCode == code {
			s.Players = append(s.Players, p)
			return l.get(id)
		}
	}
	return nil, &session.ServiceError{Op: session.OpJoinByCode, Kind: session.KindNotFound, Err: session.ErrNotFound}
}

func (l *fakeLobby) JoinSessionByID(_ context.Context, id string, p session.Player) (*session.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(id)
}

func (l *fakeLobby) QuickJoin(context.Context, session.Player) (*session.Session, error) {
	return nil, &session.ServiceError{Op: session.OpQuickJoin, Kind: session.KindNotFound, Err: session.ErrNotFound}
}

var errLobbyBusy = errors.New("lobby busy")

func (l *fakeLobby) ReconnectToSession(_ context.Context, id, _ string) (*session.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnectTimes = append(l.reconnectTimes, time.Now())
	if l.failReconnects > 0 {
		l.failReconnects--
		return nil, &session.ServiceError{Op: session.OpReconnect, Kind: session.KindOther, Err: errLobbyBusy}
	}
	return l.get(id)
}

func (l *fakeLobby) reconnects() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.reconnectTimes...)
}

func (l *fakeLobby) removedPlayers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.removed...)
}

// addSession stores a session hosted elsewhere that advertises a relay
// join code.
func (l *fakeLobby) addSession(id, code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[id] = &session.Session{
		ID:         id,
		JoinCode:   code,
		HostID:     "remote-host",
		MaxPlayers: 4,
		Players:    []session.Player{{ID: "remote-host", Name: "remote-host"}},
		Data:       map[string]string{session.DataKeyRelayJoinCode: "RELAY-" + code},
	}
}

func (l *fakeLobby) dropSession(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, id)
}

func (l *fakeLobby) GetSession(_ context.Context, id string) (*session.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(id)
}

func (l *fakeLobby) QuerySessions(context.Context) ([]session.Session, error) { return nil, nil }

func (l *fakeLobby) RemovePlayer(_ context.Context, sessionID, playerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, sessionID+"/"+playerID)
	return nil
}

func (l *fakeLobby) DeleteSession(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, id)
	l.deleted = append(l.deleted, id)
	return nil
}

func (l *fakeLobby) UpdatePlayer(_ context.Context, sessionID, _ string, _ map[string]string) (*session.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(sessionID)
}

func (l *fakeLobby) UpdateSession(_ context.Context, sessionID string, data map[string]string) (*session.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	if !ok {
		return l.get(sessionID)
	}
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	for k, v := range data {
		s.Data[k] = v
	}
	return s.Clone(), nil
}

func (l *fakeLobby) Heartbeat(context.Context, string) error { return nil }

func (l *fakeLobby) relayAllocation() (*session.RelayAllocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.relay == nil {
		return nil, errRelayDown
	}
	alloc := *l.relay
	return &alloc, nil
}

func (l *fakeLobby) AllocateRelay(context.Context, int) (*session.RelayAllocation, error) {
	return l.relayAllocation()
}

func (l *fakeLobby) JoinRelay(context.Context, string) (*session.RelayAllocation, error) {
	return l.relayAllocation()
}

// recorder collects everything the manager publishes.
type recorder struct {
	mu         sync.Mutex
	statuses   []protocol.ConnectStatus
	reconnects []events.ReconnectMessage
	changes    []events.StateChangedPayload
	joins      []events.ConnectionEventMessage
}

func newRecorder(bus *events.EventBus) *recorder {
	r := &recorder{}
	bus.Subscribe(events.EventConnectStatus, "test-recorder", func(_ context.Context, ev events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.statuses = append(r.statuses, ev.Payload.(events.ConnectStatusPayload).Status)
		return nil
	})
	bus.Subscribe(events.EventReconnect, "test-recorder", func(_ context.Context, ev events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.reconnects = append(r.reconnects, ev.Payload.(events.ReconnectMessage))
		return nil
	})
	bus.Subscribe(events.EventStateChanged, "test-recorder", func(_ context.Context, ev events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.changes = append(r.changes, ev.Payload.(events.StateChangedPayload))
		return nil
	})
	bus.Subscribe(events.EventConnectionEvent, "test-recorder", func(_ context.Context, ev events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.joins = append(r.joins, ev.Payload.(events.ConnectionEventMessage))
		return nil
	})
	return r
}

func (r *recorder) statusList() []protocol.ConnectStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ConnectStatus(nil), r.statuses...)
}

func (r *recorder) reconnectList() []events.ReconnectMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.ReconnectMessage(nil), r.reconnects...)
}

func (r *recorder) changeList() []events.StateChangedPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.StateChangedPayload(nil), r.changes...)
}

func (r *recorder) joinList() []events.ConnectionEventMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.ConnectionEventMessage(nil), r.joins...)
}

func (r *recorder) visited(id StateID) bool {
	for _, c := range r.changeList() {
		if c.To == id.String() {
			return true
		}
	}
	return false
}

// requireChain checks that every transition starts where the previous one
// ended, i.e. only one state was ever current.
func requireChain(t *testing.T, r *recorder) {
	t.Helper()
	prev := Offline.String()
	for i, c := range r.changeList() {
		require.Equal(t, prev, c.From, "transition %d starts from the wrong state", i)
		prev = c.To
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.TickInterval = time.Millisecond
	opts.LobbyReconnectDelay = 5 * time.Millisecond
	opts.ListenAddress = "127.0.0.1"
	opts.ListenPort = 0
	opts.AdvertiseAddress = "127.0.0.1"
	return opts
}

type fixture struct {
	m      *Manager
	tr     transport.Transport
	reg    *registry.Registry
	facade *session.Facade
	bus    *events.EventBus
	rec    *recorder
}

type fixtureConfig struct {
	playerID string
	svc      session.Service
	relay    session.RelayService
	tweak    func(*Options)
}

func newFixture(t *testing.T, tr transport.Transport, cfg fixtureConfig) *fixture {
	t.Helper()
	if cfg.playerID == "" {
		cfg.playerID = "player"
	}
	bus := events.NewEventBus()
	rec := newRecorder(bus)
	reg := registry.New(registry.Options{})
	facade := session.NewFacade(cfg.svc, cfg.relay, bus, session.Player{ID: cfg.playerID, Name: cfg.playerID}, session.DefaultOptions())

	opts := testOptions()
	if cfg.tweak != nil {
		cfg.tweak(&opts)
	}
	m := NewManager(tr, facade, reg, bus, nil, opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
		facade.Close()
		bus.Stop()
	})
	return &fixture{m: m, tr: tr, reg: reg, facade: facade, bus: bus, rec: rec}
}

func (fx *fixture) waitState(t *testing.T, want StateID) {
	t.Helper()
	require.Eventually(t, func() bool { return fx.m.State() == want }, 5*time.Second, 2*time.Millisecond,
		"expected state %s", want)
}

// responses collects approval answers.
type responses struct {
	mu   sync.Mutex
	list []protocol.ApprovalResponse
}

func (r *responses) respond(resp protocol.ApprovalResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, resp)
}

func (r *responses) all() []protocol.ApprovalResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ApprovalResponse(nil), r.list...)
}

// flush waits until everything queued on the executor so far has run.
func (fx *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, fx.m.dispatchWait(func() error { return nil }))
}
