package connection

import (
	"slices"
	"time"

	"github.com/energizer-project/netsession/internal/metrics"
	"github.com/energizer-project/netsession/internal/protocol"
	"github.com/energizer-project/netsession/internal/registry"
	"github.com/energizer-project/netsession/internal/transport"
)

// hostingState is the authority role: Hosting when the host also plays,
// ServerListening for a dedicated server.
type hostingState struct {
	baseState
	dedicated bool
}

func newHosting(m *Manager, dedicated bool) *hostingState {
	id := Hosting
	if dedicated {
		id = ServerListening
	}
	return &hostingState{baseState: baseState{m: m, id: id}, dedicated: dedicated}
}

func (s *hostingState) Enter() error {
	s.m.scenes.LoadGameplay()
	if !s.dedicated && s.m.facade.CurrentSession() != nil {
		s.m.facade.BeginTracking()
	}
	metrics.SetConnectedClients(s.m.registry.ConnectedCount())
	return nil
}

func (s *hostingState) Exit() {
	s.m.registry.OnServerEnded()
	metrics.SetConnectedClients(0)
}

// ApprovalCheck admits a client or denies it with a reason. A denial is
// sent as a pending response first so the transport flushes the reason
// before the final answer one tick later.
func (s *hostingState) ApprovalCheck(req protocol.ApprovalRequest, respond protocol.Responder) {
	if len(req.Payload) > protocol.MaxConnectPayload {
		s.m.logger.Warn().
			Uint64("client", req.ClientID).
			Int("size", len(req.Payload)).
			Msg("connection payload too large")
		metrics.IncApproval("oversized")
		respond(protocol.Deny(""))
		return
	}

	status, payload := s.approvalStatus(req.Payload)
	if status == protocol.Success {
		playerID, ok := s.m.registry.SetupConnectingPlayerSessionData(req.ClientID, payload.PlayerID, registry.PlayerData{
			PlayerName:  payload.PlayerName,
			IsConnected: true,
		})
		if ok {
			s.m.logger.Info().
				Uint64("client", req.ClientID).
				Str("player", playerID).
				Str("name", payload.PlayerName).
				Msg("client approved")
			metrics.IncApproval(status.String())
			respond(protocol.Approve(true))
			return
		}
		status = protocol.LoggedInAgain
	}

	s.m.logger.Info().
		Uint64("client", req.ClientID).
		Str("player", payload.PlayerID).
		Str("status", status.String()).
		Msg("client denied")
	metrics.IncApproval(status.String())
	if status != protocol.LoggedInAgain {
		// The lobby slot of a duplicate belongs to the connected player.
		s.removeFromSession(payload.PlayerID)
	}

	if status == protocol.Undefined {
		respond(protocol.Deny(""))
		return
	}
	respond(protocol.DenyPending(status))
	time.AfterFunc(s.m.opts.TickInterval, func() { respond(protocol.Deny("")) })
}

// approvalStatus decides admission. Capacity wins over an unreadable
// payload; Undefined means the payload could not be read.
func (s *hostingState) approvalStatus(raw []byte) (protocol.ConnectStatus, protocol.ConnectionPayload) {
	payload, err := protocol.DecodePayload(raw)
	if len(s.m.transport.ConnectedClientIDs()) >= s.m.opts.MaxConnectedPlayers {
		return protocol.ServerFull, payload
	}
	if err != nil {
		s.m.logger.Warn().Err(err).Msg("invalid connection payload")
		return protocol.Undefined, payload
	}
	if payload.IsDebug != s.m.opts.Debug {
		return protocol.IncompatibleBuildType, payload
	}
	s.releaseStaleBinding(payload.PlayerID)
	if s.m.registry.IsDuplicateConnection(payload.PlayerID) && !s.m.opts.Debug {
		return protocol.LoggedInAgain, payload
	}
	return protocol.Success, payload
}

// releaseStaleBinding marks playerID disconnected when the client it is
// bound to has already left the transport. A client that rejoins before
// its old connection has been reported gone is then let back in as a
// reconnect.
func (s *hostingState) releaseStaleBinding(playerID string) {
	p, ok := s.m.registry.GetPlayerDataByPlayerID(playerID)
	if !ok || !p.IsConnected {
		return
	}
	if slices.Contains(s.m.transport.ConnectedClientIDs(), p.ClientID) {
		return
	}
	s.m.logger.Debug().
		Str("player", playerID).
		Uint64("client", p.ClientID).
		Msg("releasing stale client binding")
	s.m.registry.DisconnectClient(p.ClientID)
}

// removeFromSession drops playerID from the hosted session in the
// background, if there is one.
func (s *hostingState) removeFromSession(playerID string) {
	if playerID == "" || s.m.facade.CurrentSession() == nil {
		return
	}
	ctx := s.m.ctx
	s.m.goAsync(func() {
		if err := s.m.facade.RemovePlayerFromSession(ctx, playerID); err != nil {
			s.m.logger.Debug().Err(err).Str("player", playerID).Msg("failed to remove player from session")
		}
	})
}

func (s *hostingState) isLocal(clientID uint64) bool {
	return !s.dedicated && clientID == transport.ServerClientID
}

func (s *hostingState) playerName(clientID uint64) string {
	if p, ok := s.m.registry.GetPlayerData(clientID); ok {
		return p.PlayerName
	}
	return ""
}

func (s *hostingState) OnClientConnected(clientID uint64) {
	if s.isLocal(clientID) {
		return
	}
	s.m.publishConnectionEvent(protocol.Success, s.playerName(clientID))
	metrics.SetConnectedClients(s.m.registry.ConnectedCount())
}

func (s *hostingState) OnClientDisconnect(clientID uint64) {
	if s.isLocal(clientID) {
		s.m.goOffline()
		return
	}

	p, ok := s.m.registry.GetPlayerData(clientID)
	if !ok || p.ClientID != clientID {
		// Unknown, or the player already came back under a new client id.
		s.m.logger.Debug().Uint64("client", clientID).Str("player", p.PlayerID).Msg("stale client disconnected")
		s.m.registry.DisconnectClient(clientID)
		return
	}
	s.removeFromSession(p.PlayerID)

	s.m.publishConnectionEvent(protocol.GenericDisconnect, p.PlayerName)
	s.m.registry.DisconnectClient(clientID)
	metrics.SetConnectedClients(s.m.registry.ConnectedCount())
}

func (s *hostingState) OnUserRequestedShutdown() {
	reason := protocol.EncodeReason(protocol.HostEndedSession)
	for _, id := range s.m.transport.ConnectedClientIDs() {
		if s.isLocal(id) {
			continue
		}
		s.m.transport.DisconnectClient(id, reason)
	}
	if !s.dedicated {
		s.m.publishStatus(protocol.UserRequestedDisconnect)
	}
	s.m.afterTick(s, s.m.goOffline)
}

func (s *hostingState) OnServerStopped() {
	s.m.publishStatus(protocol.GenericDisconnect)
	s.m.goOffline()
}

func (s *hostingState) OnTransportFailure() {
	s.m.publishStatus(protocol.GenericDisconnect)
	s.m.goOffline()
}
