package connection

// disconnectingState absorbs the transport disconnect that follows a
// reason already published by the previous state.
type disconnectingState struct {
	baseState
}

func newDisconnecting(m *Manager) *disconnectingState {
	return &disconnectingState{baseState{m: m, id: DisconnectingWithReason}}
}

func (s *disconnectingState) OnClientDisconnect(uint64) {
	s.m.goOffline()
}

func (s *disconnectingState) OnUserRequestedShutdown() {
	s.m.goOffline()
}

func (s *disconnectingState) OnTransportFailure() {
	s.m.goOffline()
}
