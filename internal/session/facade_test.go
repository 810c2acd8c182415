package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netsession/internal/events"
)

type errorRecorder struct {
	mu   sync.Mutex
	msgs []events.ServiceErrorMessage
}

func (r *errorRecorder) handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, ev.Payload.(events.ServiceErrorMessage))
	return nil
}

func (r *errorRecorder) all() []events.ServiceErrorMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.ServiceErrorMessage, len(r.msgs))
	copy(out, r.msgs)
	return out
}

type facadeFixture struct {
	svc    *fakeService
	bus    *events.EventBus
	clock  *fakeClock
	errs   *errorRecorder
	facade *Facade
}

func newFacadeFixture(t *testing.T, playerID string) *facadeFixture {
	t.Helper()
	fx := &facadeFixture{
		svc:   newFakeService(),
		bus:   events.NewEventBus(),
		clock: newFakeClock(),
		errs:  &errorRecorder{},
	}
	opts := DefaultOptions()
	opts.Now = fx.clock.Now
	opts.HostPollInterval = 10 * time.Millisecond
	opts.HeartbeatInterval = 10 * time.Millisecond
	fx.facade = NewFacade(fx.svc, nil, fx.bus, Player{ID: playerID, Name: playerID}, opts)
	fx.bus.Subscribe(events.EventServiceError, "test", fx.errs.handle)

	t.Cleanup(func() {
		fx.facade.Close()
		fx.bus.Stop()
	})
	return fx
}

// peer shares the fixture's service and clock under another identity.
func (fx *facadeFixture) peer(t *testing.T, playerID string) *Facade {
	t.Helper()
	opts := DefaultOptions()
	opts.Now = fx.clock.Now
	opts.HostPollInterval = 10 * time.Millisecond
	opts.HeartbeatInterval = 10 * time.Millisecond
	f := NewFacade(fx.svc, nil, fx.bus, Player{ID: playerID, Name: playerID}, opts)
	t.Cleanup(f.Close)
	return f
}

func TestJoinRateLimitIsIdempotent(t *testing.T) {
	fx := newFacadeFixture(t, "p1")
	host := fx.peer(t, "host")
	s, err := host.TryCreateSession(context.Background(), "room", 4, false)
	require.NoError(t, err)

	fx.svc.failNext(OpJoinByCode, rateLimited(OpJoinByCode))

	_, err = fx.facade.TryJoinSessionByCode(context.Background(), s.JoinCode)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, fx.svc.callCount(OpJoinByCode))

	for i := 0; i < 2; i++ {
		_, err = fx.facade.TryJoinSessionByCode(context.Background(), s.JoinCode)
		assert.ErrorIs(t, err, ErrRateLimited)
	}
	assert.Equal(t, 1, fx.svc.callCount(OpJoinByCode), "calls during cooldown must stay local")
	assert.Empty(t, fx.errs.all(), "rate limiting is not reported as a service error")

	fx.clock.Advance(3 * time.Second)
	joined, err := fx.facade.TryJoinSessionByCode(context.Background(), s.JoinCode)
	require.NoError(t, err)
	assert.Equal(t, 2, fx.svc.callCount(OpJoinByCode))
	assert.Equal(t, s.ID, joined.ID)
	assert.False(t, fx.facade.IsHost())
}

func TestCooldownsAreIndependentPerOperation(t *testing.T) {
	fx := newFacadeFixture(t, "p1")
	fx.svc.failNext(OpQuery, rateLimited(OpQuery))

	_, err := fx.facade.RetrieveAndPublishSessionList(context.Background())
	require.ErrorIs(t, err, ErrRateLimited)

	_, err = fx.facade.TryCreateSession(context.Background(), "room", 4, false)
	require.NoError(t, err, "host cooldown is untouched by a query rate limit")
	assert.True(t, fx.facade.IsHost())

	fx.clock.Advance(999 * time.Millisecond)
	_, err = fx.facade.RetrieveAndPublishSessionList(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)

	fx.clock.Advance(time.Millisecond)
	list, err := fx.facade.RetrieveAndPublishSessionList(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSuccessfulCallDoesNotStartCooldown(t *testing.T) {
	fx := newFacadeFixture(t, "p1")

	for i := 0; i < 3; i++ {
		_, err := fx.facade.RetrieveAndPublishSessionList(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, fx.svc.callCount(OpQuery))
}

func TestSessionListIsPublished(t *testing.T) {
	fx := newFacadeFixture(t, "p1")
	var got []Session
	fx.bus.Subscribe(events.EventSessionList, "list", func(_ context.Context, ev events.Event) error {
		got = ev.Payload.([]Session)
		return nil
	})

	_, err := fx.peer(t, "host").TryCreateSession(context.Background(), "room", 4, false)
	require.NoError(t, err)

	_, err = fx.facade.RetrieveAndPublishSessionList(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "room", got[0].Name)
}

func TestServiceErrorsArePublished(t *testing.T) {
	fx := newFacadeFixture(t, "p1")
	fx.svc.failNext(OpQuickJoin, errors.New("boom"))

	_, err := fx.facade.TryQuickJoinSession(context.Background())
	require.Error(t, err)

	msgs := fx.errs.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, OpQuickJoin, msgs[0].Operation)
	assert.Equal(t, string(KindOther), msgs[0].Kind)
}

func TestNotFoundIsSwallowedForClients(t *testing.T) {
	fx := newFacadeFixture(t, "p1")

	_, err := fx.facade.TryJoinSessionByID(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, fx.errs.all())
}

func TestEndTrackingDeletesHostedSession(t *testing.T) {
	fx := newFacadeFixture(t, "host")
	s, err := fx.facade.TryCreateSession(context.Background(), "room", 4, false)
	require.NoError(t, err)

	fx.facade.BeginTracking()
	assert.True(t, fx.facade.IsTracking())

	require.NoError(t, fx.facade.EndTracking(context.Background()))
	assert.Nil(t, fx.facade.CurrentSession())
	assert.False(t, fx.facade.IsTracking())
	assert.False(t, fx.svc.hasSession(s.ID))
}

func TestEndTrackingLeavesJoinedSession(t *testing.T) {
	fx := newFacadeFixture(t, "p1")
	s, err := fx.peer(t, "host").TryCreateSession(context.Background(), "room", 4, false)
	require.NoError(t, err)

	_, err = fx.facade.TryJoinSessionByCode(context.Background(), s.JoinCode)
	require.NoError(t, err)

	require.NoError(t, fx.facade.EndTracking(context.Background()))
	assert.Nil(t, fx.facade.CurrentSession())

	remote, err := fx.svc.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, remote.HasPlayer("p1"))
	assert.True(t, remote.HasPlayer("host"))
}

func TestEndTrackingAsyncClearsSynchronously(t *testing.T) {
	fx := newFacadeFixture(t, "host")
	s, err := fx.facade.TryCreateSession(context.Background(), "room", 4, false)
	require.NoError(t, err)

	fx.facade.EndTrackingAsync()
	assert.Nil(t, fx.facade.CurrentSession())
	require.Eventually(t, func() bool { return !fx.svc.hasSession(s.ID) }, time.Second, 5*time.Millisecond)
}

func TestHeartbeatRunsOnlyForHost(t *testing.T) {
	fx := newFacadeFixture(t, "host")
	client := fx.peer(t, "p1")

	s, err := fx.facade.TryCreateSession(context.Background(), "room", 4, false)
	require.NoError(t, err)
	_, err = client.TryJoinSessionByCode(context.Background(), s.JoinCode)
	require.NoError(t, err)

	fx.facade.BeginTracking()
	client.BeginTracking()
	require.Eventually(t, func() bool { return fx.svc.callCount(OpHeartbeat) >= 2 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, client.Heartbeat(context.Background()), ErrNotHost)
}

func TestClientDetectsHostLeaving(t *testing.T) {
	fx := newFacadeFixture(t, "p1")
	host := fx.peer(t, "host")

	s, err := host.TryCreateSession(context.Background(), "room", 4, false)
	require.NoError(t, err)
	_, err = fx.facade.TryJoinSessionByCode(context.Background(), s.JoinCode)
	require.NoError(t, err)

	fx.facade.BeginTracking()
	fx.svc.dropHost(s.ID)

	require.Eventually(t, func() bool { return fx.facade.CurrentSession() == nil }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, m := range fx.errs.all() {
			if m.Title == "Host left the session" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.False(t, fx.facade.IsTracking())
}

func TestReconnectToSessionRejoins(t *testing.T) {
	fx := newFacadeFixture(t, "p1")
	s, err := fx.peer(t, "host").TryCreateSession(context.Background(), "room", 4, false)
	require.NoError(t, err)
	_, err = fx.facade.TryJoinSessionByCode(context.Background(), s.JoinCode)
	require.NoError(t, err)
	require.NoError(t, fx.facade.EndTracking(context.Background()))

	got, err := fx.facade.ReconnectToSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, got.HasPlayer("p1"))
	assert.Equal(t, s.ID, fx.facade.CurrentSession().ID)

	_, err = fx.facade.ReconnectToSession(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestHostOnlyOperations(t *testing.T) {
	fx := newFacadeFixture(t, "p1")
	s, err := fx.peer(t, "host").TryCreateSession(context.Background(), "room", 4, false)
	require.NoError(t, err)
	_, err = fx.facade.TryJoinSessionByCode(context.Background(), s.JoinCode)
	require.NoError(t, err)

	assert.ErrorIs(t, fx.facade.DeleteSession(context.Background()), ErrNotHost)
	assert.ErrorIs(t, fx.facade.RemovePlayerFromSession(context.Background(), "host"), ErrNotHost)
	assert.ErrorIs(t, fx.facade.UpdateSessionData(context.Background(), map[string]string{"k": "v"}), ErrNotHost)

	require.NoError(t, fx.facade.UpdatePlayerRelayInfo(context.Background(), "alloc-1", "RELAY"))
	cur := fx.facade.CurrentSession()
	for _, p := range cur.Players {
		if p.ID == "p1" {
			assert.Equal(t, "alloc-1", p.Data[DataKeyAllocationID])
			assert.Equal(t, "RELAY", p.Data[DataKeyRelayJoinCode])
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{rateLimited("x"), KindRateLimited},
		{ErrNotFound, KindNotFound},
		{ErrUnauthorized, KindUnauthorized},
		{errors.New("other"), KindOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), tt.err.Error())
	}
}
