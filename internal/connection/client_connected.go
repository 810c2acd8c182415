package connection

import (
	"github.com/energizer-project/netsession/internal/protocol"
)

// clientConnectedState is an approved client. A disconnect without a
// final reason starts reconnection.
type clientConnectedState struct {
	baseState
	method connectMethod
}

func newClientConnected(m *Manager, method connectMethod) *clientConnectedState {
	return &clientConnectedState{
		baseState: baseState{m: m, id: ClientConnected},
		method:    method,
	}
}

func (s *clientConnectedState) Enter() error {
	if s.m.facade.CurrentSession() != nil {
		s.m.facade.BeginTracking()
	}
	return nil
}

func (s *clientConnectedState) OnClientDisconnect(uint64) {
	reason := s.m.transport.DisconnectReason()
	if protocol.IsTransientReason(reason) {
		s.m.publishStatus(protocol.Reconnecting)
		if err := s.m.changeState(newClientReconnecting(s.m, s.method)); err != nil {
			s.m.logger.Error().Err(err).Msg("failed to enter reconnecting state")
		}
		return
	}
	s.m.publishStatus(s.m.decodeReason(reason))
	s.m.goOffline()
}

func (s *clientConnectedState) OnUserRequestedShutdown() {
	s.m.publishStatus(protocol.UserRequestedDisconnect)
	s.m.goOffline()
}

func (s *clientConnectedState) OnTransportFailure() {
	s.m.publishStatus(protocol.GenericDisconnect)
	s.m.goOffline()
}
