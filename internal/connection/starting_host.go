package connection

import (
	"fmt"

	"github.com/energizer-project/netsession/internal/protocol"
	"github.com/energizer-project/netsession/internal/registry"
	"github.com/energizer-project/netsession/internal/transport"
)

// startingHostState sets up the host connection and waits for the
// transport to report the server as started.
type startingHostState struct {
	baseState
	method    connectMethod
	dedicated bool
}

func newStartingHost(m *Manager, method connectMethod, dedicated bool) *startingHostState {
	return &startingHostState{
		baseState: baseState{m: m, id: StartingHost},
		method:    method,
		dedicated: dedicated,
	}
}

// Enter runs the host setup synchronously. A setup failure is returned to
// the command caller after the fall back to Offline has been queued.
func (s *startingHostState) Enter() error {
	s.m.setMethod(s.method.Name())

	if err := s.method.SetupHostConnection(s.m.ctx); err != nil {
		s.m.logger.Error().Err(err).Str("method", s.method.Name()).Msg("failed to set up host connection")
		s.m.publishStatus(protocol.StartHostFailed)
		s.m.postTo(s, s.m.goOffline)
		return fmt.Errorf("failed to start host: %w", err)
	}

	var started bool
	if s.dedicated {
		started = s.m.transport.StartServer()
	} else {
		started = s.m.transport.StartHost()
	}
	if !started {
		localID := s.m.transport.LocalClientID()
		s.m.postTo(s, func() { s.OnClientDisconnect(localID) })
	}
	return nil
}

func (s *startingHostState) ApprovalCheck(req protocol.ApprovalRequest, respond protocol.Responder) {
	if req.ClientID != transport.ServerClientID {
		respond(protocol.Deny(""))
		return
	}

	payload, err := protocol.DecodePayload(req.Payload)
	if err != nil {
		s.m.logger.Error().Err(err).Msg("host payload is invalid")
		respond(protocol.Deny(""))
		return
	}
	s.m.registry.SetupConnectingPlayerSessionData(req.ClientID, payload.PlayerID, registry.PlayerData{
		PlayerName:  payload.PlayerName,
		IsConnected: true,
	})
	respond(protocol.Approve(true))
}

func (s *startingHostState) OnClientDisconnect(clientID uint64) {
	if clientID != s.m.transport.LocalClientID() {
		return
	}
	s.fail()
}

func (s *startingHostState) OnServerStarted() {
	s.m.publishStatus(protocol.Success)
	next := newHosting(s.m, s.dedicated)
	if err := s.m.changeState(next); err != nil {
		s.m.logger.Error().Err(err).Msg("failed to enter hosting state")
	}
}

func (s *startingHostState) OnTransportFailure() {
	s.fail()
}

func (s *startingHostState) OnUserRequestedShutdown() {
	s.m.publishStatus(protocol.UserRequestedDisconnect)
	s.m.goOffline()
}

func (s *startingHostState) fail() {
	s.m.publishStatus(protocol.StartHostFailed)
	s.m.goOffline()
}
