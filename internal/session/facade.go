package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netsession/internal/config"
	"github.com/energizer-project/netsession/internal/events"
	"github.com/energizer-project/netsession/internal/metrics"
	"github.com/energizer-project/netsession/internal/util"
)

// Operation names used for logging, metrics and error events.
const (
	OpCreate       = "create"
	OpJoinByCode   = "join_by_code"
	OpJoinByID     = "join_by_id"
	OpQuickJoin    = "quick_join"
	OpReconnect    = "reconnect"
	OpQuery        = "query"
	OpGet          = "get"
	OpLeave        = "leave"
	OpRemovePlayer = "remove_player"
	OpDelete       = "delete"
	OpUpdatePlayer = "update_player"
	OpUpdateData   = "update_session"
	OpHeartbeat    = "heartbeat"
	OpAllocate     = "relay_allocate"
	OpJoinRelay    = "relay_join"
)

// Options tunes the facade.
type Options struct {
	HeartbeatInterval time.Duration
	HostPollInterval  time.Duration
	RequestTimeout    time.Duration

	QueryCooldown     time.Duration
	JoinCooldown      time.Duration
	QuickJoinCooldown time.Duration
	HostCooldown      time.Duration

	// Now overrides the clock used by the cooldowns.
	Now func() time.Time
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig().Session)
}

// OptionsFromConfig converts the session config section.
func OptionsFromConfig(c config.SessionConfig) Options {
	return Options{
		HeartbeatInterval: time.Duration(c.HeartbeatIntervalS) * time.Second,
		HostPollInterval:  time.Duration(c.HostPollIntervalS) * time.Second,
		RequestTimeout:    time.Duration(c.RequestTimeoutS) * time.Second,
		QueryCooldown:     time.Duration(c.QueryCooldownMS) * time.Millisecond,
		JoinCooldown:      time.Duration(c.JoinCooldownMS) * time.Millisecond,
		QuickJoinCooldown: time.Duration(c.QuickJoinCooldownMS) * time.Millisecond,
		HostCooldown:      time.Duration(c.HostCooldownMS) * time.Millisecond,
	}
}

// Facade is the single entry point to the remote session service. It owns
// the local view of the current session, applies a cooldown per operation
// class and converts failures into ServiceErrorMessage events.
type Facade struct {
	svc    Service
	relay  RelayService
	bus    *events.EventBus
	opts   Options
	logger zerolog.Logger

	queryCooldown     *RateLimitCooldown
	joinCooldown      *RateLimitCooldown
	quickJoinCooldown *RateLimitCooldown
	hostCooldown      *RateLimitCooldown

	mu       sync.Mutex
	local    Player
	current  *Session
	isHost   bool
	tracking *tracker

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewFacade creates a facade. relay may be nil when only direct IP
// connections are used.
func NewFacade(svc Service, relay RelayService, bus *events.EventBus, local Player, opts Options) *Facade {
	if opts.HeartbeatInterval <= 0 || opts.HostPollInterval <= 0 {
		d := DefaultOptions()
		if opts.HeartbeatInterval <= 0 {
			opts.HeartbeatInterval = d.HeartbeatInterval
		}
		if opts.HostPollInterval <= 0 {
			opts.HostPollInterval = d.HostPollInterval
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Facade{
		svc:               svc,
		relay:             relay,
		bus:               bus,
		opts:              opts,
		logger:            util.ComponentLogger("session"),
		queryCooldown:     NewRateLimitCooldown(opts.QueryCooldown, opts.Now),
		joinCooldown:      NewRateLimitCooldown(opts.JoinCooldown, opts.Now),
		quickJoinCooldown: NewRateLimitCooldown(opts.QuickJoinCooldown, opts.Now),
		hostCooldown:      NewRateLimitCooldown(opts.HostCooldown, opts.Now),
		local:             local,
		rootCtx:           ctx,
		rootCancel:        cancel,
	}
}

// Enabled reports whether a remote service is wired.
func (f *Facade) Enabled() bool {
	return f != nil && f.svc != nil
}

// LocalPlayer returns the identity used for joins and updates.
func (f *Facade) LocalPlayer() Player {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

// SetPlayerName changes the display name sent with subsequent calls.
func (f *Facade) SetPlayerName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local.Name = name
}

// CurrentSession returns a copy of the tracked session, or nil.
func (f *Facade) CurrentSession() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Clone()
}

// IsHost reports whether the local player hosts the current session.
func (f *Facade) IsHost() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current != nil && f.isHost
}

// SetRemoteSession replaces the local view of the current session.
func (f *Facade) SetRemoteSession(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCurrentLocked(s)
}

func (f *Facade) setCurrentLocked(s *Session) {
	f.current = s.Clone()
	f.isHost = s != nil && s.HostID == f.local.ID
}

func (f *Facade) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, f.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// gate refuses the call while cd is cooling down.
func (f *Facade) gate(op string, cd *RateLimitCooldown) error {
	if f.svc == nil {
		return fmt.Errorf("failed to %s: %w", op, ErrNoActiveSession)
	}
	if cd != nil && !cd.CanCall() {
		metrics.IncCooldownRejection(op)
		f.logger.Debug().
			Str("op", op).
			Dur("remaining", cd.Remaining()).
			Msg("session call skipped, cooling down")
		return fmt.Errorf("failed to %s: %w", op, ErrRateLimited)
	}
	return nil
}

// handleError applies the error policy for a failed remote call: a quota
// violation trips the cooldown, a missing session is ignored by clients and
// everything else is published.
func (f *Facade) handleError(op string, err error, cd *RateLimitCooldown) {
	if errors.Is(err, context.Canceled) {
		return
	}

	kind := KindOf(err)
	metrics.IncServiceError(op, string(kind))

	switch kind {
	case KindRateLimited:
		if cd != nil {
			cd.PutOnCooldown()
		}
		f.logger.Warn().Err(err).Str("op", op).Msg("session service rate limited")
		return
	case KindNotFound:
		if !f.IsHost() {
			f.logger.Debug().Err(err).Str("op", op).Msg("session no longer exists")
			return
		}
	}

	f.logger.Error().Err(err).Str("op", op).Str("kind", string(kind)).Msg("session service call failed")
	f.PublishError("Session Error", err.Error(), op, kind, err)
}

// PublishError emits a ServiceErrorMessage.
func (f *Facade) PublishError(title, message, op string, kind ErrorKind, err error) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(f.rootCtx, events.Event{
		Type:   events.EventServiceError,
		Source: "session",
		Payload: events.ServiceErrorMessage{
			Title:     title,
			Message:   message,
			Operation: op,
			Kind:      string(kind),
			Err:       err,
		},
	})
}

// adopt stores s as the current session after a successful create or join.
func (f *Facade) adopt(op string, s *Session) *Session {
	f.mu.Lock()
	f.setCurrentLocked(s)
	out := f.current.Clone()
	host := f.isHost
	f.mu.Unlock()

	f.logger.Info().
		Str("op", op).
		Str("session", s.ID).
		Str("code", s.JoinCode).
		Bool("host", host).
		Msg("session acquired")
	return out
}

func (f *Facade) joinCall(ctx context.Context, op string, cd *RateLimitCooldown,
	call func(context.Context, Player) (*Session, error)) (*Session, error) {
	if err := f.gate(op, cd); err != nil {
		return nil, err
	}

	cctx, cancel := f.callCtx(ctx)
	defer cancel()

	s, err := call(cctx, f.LocalPlayer())
	if err != nil {
		f.handleError(op, err, cd)
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return f.adopt(op, s), nil
}

// TryCreateSession creates a session hosted by the local player.
func (f *Facade) TryCreateSession(ctx context.Context, name string, maxPlayers int, isPrivate bool) (*Session, error) {
	return f.joinCall(ctx, OpCreate, f.hostCooldown, func(ctx context.Context, p Player) (*Session, error) {
		return f.svc.CreateSession(ctx, CreateOptions{
			Name:       name,
			MaxPlayers: maxPlayers,
			IsPrivate:  isPrivate,
			Host:       p,
		})
	})
}

// TryJoinSessionByCode joins a session using its short join code.
func (f *Facade) TryJoinSessionByCode(ctx context.Context, code string) (*Session, error) {
	return f.joinCall(ctx, OpJoinByCode, f.joinCooldown, func(ctx context.Context, p Player) (*Session, error) {
		return f.svc.JoinSessionByCode(ctx, code, p)
	})
}

// TryJoinSessionByID joins a session listed by a query.
func (f *Facade) TryJoinSessionByID(ctx context.Context, id string) (*Session, error) {
	return f.joinCall(ctx, OpJoinByID, f.joinCooldown, func(ctx context.Context, p Player) (*Session, error) {
		return f.svc.JoinSessionByID(ctx, id, p)
	})
}

// TryQuickJoinSession joins any open session.
func (f *Facade) TryQuickJoinSession(ctx context.Context) (*Session, error) {
	return f.joinCall(ctx, OpQuickJoin, f.quickJoinCooldown, func(ctx context.Context, p Player) (*Session, error) {
		return f.svc.QuickJoin(ctx, p)
	})
}

// ReconnectToSession rejoins sessionID as the local player.
func (f *Facade) ReconnectToSession(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("failed to %s: %w", OpReconnect, ErrNoActiveSession)
	}
	return f.joinCall(ctx, OpReconnect, f.joinCooldown, func(ctx context.Context, p Player) (*Session, error) {
		return f.svc.ReconnectToSession(ctx, sessionID, p.ID)
	})
}

// RetrieveAndPublishSessionList queries open sessions and publishes the
// result on EventSessionList.
func (f *Facade) RetrieveAndPublishSessionList(ctx context.Context) ([]Session, error) {
	if err := f.gate(OpQuery, f.queryCooldown); err != nil {
		return nil, err
	}

	cctx, cancel := f.callCtx(ctx)
	defer cancel()

	list, err := f.svc.QuerySessions(cctx)
	if err != nil {
		f.handleError(OpQuery, err, f.queryCooldown)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	if f.bus != nil {
		f.bus.Publish(ctx, events.Event{
			Type:    events.EventSessionList,
			Source:  "session",
			Payload: list,
		})
	}
	return list, nil
}

// GetSession refreshes the current session from the service.
func (f *Facade) GetSession(ctx context.Context) (*Session, error) {
	cur := f.CurrentSession()
	if cur == nil {
		return nil, ErrNoActiveSession
	}
	if err := f.gate(OpGet, f.queryCooldown); err != nil {
		return nil, err
	}

	cctx, cancel := f.callCtx(ctx)
	defer cancel()

	s, err := f.svc.GetSession(cctx, cur.ID)
	if err != nil {
		f.handleError(OpGet, err, f.queryCooldown)
		return nil, fmt.Errorf("failed to get session %s: %w", cur.ID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// A join or EndTracking may have replaced the session meanwhile.
	if f.current == nil || f.current.ID != s.ID {
		return s.Clone(), nil
	}
	f.setCurrentLocked(s)
	return f.current.Clone(), nil
}

// LeaveSession removes the local player from the current session.
func (f *Facade) LeaveSession(ctx context.Context) error {
	cur := f.CurrentSession()
	if cur == nil {
		return ErrNoActiveSession
	}
	return f.removePlayer(ctx, OpLeave, cur.ID, f.LocalPlayer().ID)
}

// RemovePlayerFromSession kicks playerID. Only the host may do this.
func (f *Facade) RemovePlayerFromSession(ctx context.Context, playerID string) error {
	cur := f.CurrentSession()
	if cur == nil {
		return ErrNoActiveSession
	}
	if !f.IsHost() {
		return fmt.Errorf("failed to remove player %s: %w", playerID, ErrNotHost)
	}
	return f.removePlayer(ctx, OpRemovePlayer, cur.ID, playerID)
}

func (f *Facade) removePlayer(ctx context.Context, op, sessionID, playerID string) error {
	if f.svc == nil {
		return ErrNoActiveSession
	}
	cctx, cancel := f.callCtx(ctx)
	defer cancel()

	if err := f.svc.RemovePlayer(cctx, sessionID, playerID); err != nil {
		f.handleError(op, err, nil)
		return fmt.Errorf("failed to remove player %s from %s: %w", playerID, sessionID, err)
	}
	return nil
}

// DeleteSession deletes the current session. Only the host may do this.
func (f *Facade) DeleteSession(ctx context.Context) error {
	cur := f.CurrentSession()
	if cur == nil {
		return ErrNoActiveSession
	}
	if !f.IsHost() {
		return fmt.Errorf("failed to delete session: %w", ErrNotHost)
	}
	return f.deleteSession(ctx, cur.ID, true)
}

func (f *Facade) deleteSession(ctx context.Context, id string, host bool) error {
	cctx, cancel := f.callCtx(ctx)
	defer cancel()

	if err := f.svc.DeleteSession(cctx, id); err != nil {
		if KindOf(err) == KindNotFound && !host {
			return nil
		}
		f.handleError(OpDelete, err, nil)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// UpdatePlayerData merges data into the local player's entry.
func (f *Facade) UpdatePlayerData(ctx context.Context, data map[string]string) error {
	cur := f.CurrentSession()
	if cur == nil {
		return ErrNoActiveSession
	}
	if f.svc == nil {
		return ErrNoActiveSession
	}

	cctx, cancel := f.callCtx(ctx)
	defer cancel()

	s, err := f.svc.UpdatePlayer(cctx, cur.ID, f.LocalPlayer().ID, data)
	if err != nil {
		f.handleError(OpUpdatePlayer, err, nil)
		return fmt.Errorf("failed to update player data: %w", err)
	}
	f.refresh(s)
	return nil
}

// UpdatePlayerRelayInfo records the relay allocation the local player uses.
func (f *Facade) UpdatePlayerRelayInfo(ctx context.Context, allocationID, joinCode string) error {
	return f.UpdatePlayerData(ctx, map[string]string{
		DataKeyAllocationID:  allocationID,
		DataKeyRelayJoinCode: joinCode,
	})
}

// UpdateSessionData merges data into the session record. Host only.
func (f *Facade) UpdateSessionData(ctx context.Context, data map[string]string) error {
	cur := f.CurrentSession()
	if cur == nil {
		return ErrNoActiveSession
	}
	if !f.IsHost() {
		return fmt.Errorf("failed to update session data: %w", ErrNotHost)
	}

	cctx, cancel := f.callCtx(ctx)
	defer cancel()

	s, err := f.svc.UpdateSession(cctx, cur.ID, data)
	if err != nil {
		f.handleError(OpUpdateData, err, nil)
		return fmt.Errorf("failed to update session data: %w", err)
	}
	f.refresh(s)
	return nil
}

// refresh adopts s if it is still the current session.
func (f *Facade) refresh(s *Session) {
	if s == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil && f.current.ID == s.ID {
		f.setCurrentLocked(s)
	}
}

// Heartbeat keeps the hosted session alive.
func (f *Facade) Heartbeat(ctx context.Context) error {
	cur := f.CurrentSession()
	if cur == nil {
		return ErrNoActiveSession
	}
	if !f.IsHost() {
		return ErrNotHost
	}

	cctx, cancel := f.callCtx(ctx)
	defer cancel()

	if err := f.svc.Heartbeat(cctx, cur.ID); err != nil {
		f.handleError(OpHeartbeat, err, nil)
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	f.logger.Trace().Str("session", cur.ID).Msg("heartbeat sent")
	return nil
}

// AllocateRelay reserves a relay endpoint for a hosted session.
func (f *Facade) AllocateRelay(ctx context.Context, maxConnections int) (*RelayAllocation, error) {
	if f.relay == nil {
		return nil, fmt.Errorf("failed to allocate relay: no relay service configured")
	}
	cctx, cancel := f.callCtx(ctx)
	defer cancel()

	alloc, err := f.relay.AllocateRelay(cctx, maxConnections)
	if err != nil {
		f.handleError(OpAllocate, err, nil)
		return nil, fmt.Errorf("failed to allocate relay: %w", err)
	}
	return alloc, nil
}

// JoinRelay resolves a relay join code to an endpoint.
func (f *Facade) JoinRelay(ctx context.Context, joinCode string) (*RelayAllocation, error) {
	if f.relay == nil {
		return nil, fmt.Errorf("failed to join relay: no relay service configured")
	}
	cctx, cancel := f.callCtx(ctx)
	defer cancel()

	alloc, err := f.relay.JoinRelay(cctx, joinCode)
	if err != nil {
		f.handleError(OpJoinRelay, err, nil)
		return nil, fmt.Errorf("failed to join relay %s: %w", joinCode, err)
	}
	return alloc, nil
}

// Close ends tracking, cancels background work and waits for it.
func (f *Facade) Close() {
	f.EndTrackingAsync()
	f.rootCancel()
	f.wg.Wait()
}
