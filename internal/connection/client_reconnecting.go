package connection

import (
	"context"

	"github.com/cenkalti/backoff/v5"

	"github.com/energizer-project/netsession/internal/metrics"
	"github.com/energizer-project/netsession/internal/protocol"
	"github.com/energizer-project/netsession/internal/session"
)

// clientReconnectingState retries the connection a bounded number of
// times. Each attempt shuts the transport down, rejoins the session if
// there was one, then starts the client again. A failed attempt comes back
// as OnClientDisconnect, which either starts the next attempt or gives up.
// A session that no longer exists ends the retries at once.
type clientReconnectingState struct {
	baseState
	conn connector

	ctx    context.Context
	cancel context.CancelFunc

	attempts  int
	max       int
	sessionID string
	joinCode  string
}

func newClientReconnecting(m *Manager, method connectMethod) *clientReconnectingState {
	return &clientReconnectingState{
		baseState: baseState{m: m, id: ClientReconnecting},
		conn:      connector{m: m, method: method},
		max:       m.opts.ReconnectAttempts,
	}
}

func (s *clientReconnectingState) Enter() error {
	s.ctx, s.cancel = context.WithCancel(s.m.ctx)
	if cur := s.m.facade.CurrentSession(); cur != nil {
		s.sessionID = cur.ID
		s.joinCode = cur.JoinCode
	}
	s.attempts = 0
	s.startAttempt()
	return nil
}

func (s *clientReconnectingState) Exit() {
	s.cancel()
	s.m.publishReconnect(s.max, s.max)
}

// startAttempt charges one attempt and runs it off the executor.
func (s *clientReconnectingState) startAttempt() {
	attempt := s.attempts
	s.attempts++
	metrics.IncReconnectAttempt()

	s.m.logger.Info().
		Int("attempt", attempt+1).
		Int("max", s.max).
		Str("session", s.sessionID).
		Msg("reconnecting")

	ctx := s.ctx
	s.m.goAsync(func() {
		s.m.transport.Shutdown()
		if !s.m.waitForShutdown(ctx) {
			return
		}
		s.m.postTo(s, func() { s.m.publishReconnect(attempt, s.max) })

		if s.sessionID != "" {
			if ok, gone := s.rejoinSession(ctx); !ok {
				if ctx.Err() == nil {
					s.m.postTo(s, func() {
						if gone {
							s.attempts = s.max
						}
						s.OnClientDisconnect(0)
					})
				}
				return
			}
		}

		success, shouldTryAgain := s.conn.method.SetupClientReconnection(ctx)
		if success {
			if err := s.conn.method.SetupClientConnection(ctx); err != nil {
				s.m.logger.Warn().Err(err).Msg("failed to set up client connection")
				success = false
			}
		}
		if ctx.Err() != nil {
			return
		}

		s.m.postTo(s, func() {
			if !shouldTryAgain {
				s.attempts = s.max
			}
			if !success || !s.m.transport.StartClient() {
				s.OnClientDisconnect(0)
			}
		})
	})
}

// rejoinSession leaves the tracked session and reconnects to it, retrying
// at a fixed pace. gone reports that the session no longer exists, in
// which case no further attempt can succeed.
func (s *clientReconnectingState) rejoinSession(ctx context.Context) (ok, gone bool) {
	if err := s.m.facade.EndTracking(ctx); err != nil {
		s.m.logger.Debug().Err(err).Str("session", s.sessionID).Msg("failed to leave session before rejoining")
	}

	_, err := backoff.Retry(ctx, func() (*session.Session, error) {
		cur, err := s.m.facade.ReconnectToSession(ctx, s.sessionID)
		if session.KindOf(err) == session.KindNotFound {
			return nil, backoff.Permanent(err)
		}
		return cur, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.m.opts.LobbyReconnectDelay)),
		backoff.WithMaxTries(uint(s.m.opts.LobbyReconnectAttempts)),
	)
	if err != nil {
		gone = session.KindOf(err) == session.KindNotFound
		s.m.logger.Warn().Err(err).
			Str("session", s.sessionID).
			Str("join_code", s.joinCode).
			Int("tries", s.m.opts.LobbyReconnectAttempts).
			Bool("gone", gone).
			Msg("failed to rejoin session")
		return false, gone
	}
	return true, false
}

func (s *clientReconnectingState) OnClientConnected(uint64) {
	if err := s.m.changeState(newClientConnected(s.m, s.conn.method)); err != nil {
		s.m.logger.Error().Err(err).Msg("failed to enter connected state")
	}
}

func (s *clientReconnectingState) OnClientDisconnect(uint64) {
	if s.attempts < s.max {
		s.startAttempt()
		return
	}
	s.m.logger.Warn().Int("attempts", s.attempts).Msg("reconnection failed")
	s.m.publishStatus(protocol.GenericDisconnect)
	s.m.goOffline()
}

func (s *clientReconnectingState) OnDisconnectReasonReceived(status protocol.ConnectStatus) {
	s.m.publishStatus(status)
	switch status {
	case protocol.UserRequestedDisconnect, protocol.HostEndedSession, protocol.ServerFull:
		if err := s.m.changeState(newDisconnecting(s.m)); err != nil {
			s.m.logger.Error().Err(err).Msg("failed to enter disconnecting state")
		}
	}
}

func (s *clientReconnectingState) OnUserRequestedShutdown() {
	s.m.publishStatus(protocol.UserRequestedDisconnect)
	s.m.goOffline()
}

func (s *clientReconnectingState) OnTransportFailure() {
	s.m.publishStatus(protocol.GenericDisconnect)
	s.m.goOffline()
}
