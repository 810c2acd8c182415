package connection

import (
	"context"

	"github.com/energizer-project/netsession/internal/protocol"
)

// clientConnectingState waits for the first approval from the host.
type clientConnectingState struct {
	baseState
	conn   connector
	ctx    context.Context
	cancel context.CancelFunc
}

func newClientConnecting(m *Manager, method connectMethod) *clientConnectingState {
	return &clientConnectingState{
		baseState: baseState{m: m, id: ClientConnecting},
		conn:      connector{m: m, method: method},
	}
}

func (s *clientConnectingState) Enter() error {
	s.m.setMethod(s.conn.method.Name())
	s.ctx, s.cancel = context.WithCancel(s.m.ctx)
	s.conn.start(s.ctx, s, s.conn.method.SetupClientConnection, s.startingClientFailed)
	return nil
}

func (s *clientConnectingState) Exit() {
	s.cancel()
}

func (s *clientConnectingState) startingClientFailed(err error) {
	s.m.logger.Warn().Err(err).Str("method", s.conn.method.Name()).Msg("failed to start client")
	s.m.publishStatus(protocol.StartClientFailed)
	s.m.goOffline()
}

func (s *clientConnectingState) OnClientConnected(uint64) {
	s.m.publishStatus(protocol.Success)
	if err := s.m.changeState(newClientConnected(s.m, s.conn.method)); err != nil {
		s.m.logger.Error().Err(err).Msg("failed to enter connected state")
	}
}

func (s *clientConnectingState) OnClientDisconnect(uint64) {
	reason := s.m.transport.DisconnectReason()
	if reason == "" {
		s.m.publishStatus(protocol.StartClientFailed)
	} else {
		s.m.publishStatus(s.m.decodeReason(reason))
	}
	s.m.goOffline()
}

func (s *clientConnectingState) OnUserRequestedShutdown() {
	s.m.publishStatus(protocol.UserRequestedDisconnect)
	s.m.goOffline()
}

func (s *clientConnectingState) OnTransportFailure() {
	s.m.publishStatus(protocol.StartClientFailed)
	s.m.goOffline()
}
