package connection

import (
	"fmt"

	"github.com/energizer-project/netsession/internal/session"
)

// offlineState is the initial and terminal state. It is the only state
// that accepts start commands.
type offlineState struct {
	baseState
}

func newOffline(m *Manager) *offlineState {
	return &offlineState{baseState{m: m, id: Offline}}
}

func (s *offlineState) Enter() error {
	s.m.facade.EndTrackingAsync()
	s.m.transport.Shutdown()
	s.m.setMethod("")
	s.m.scenes.LoadMenu()
	return nil
}

func (s *offlineState) StartClientIP(playerName, address string, port int) error {
	s.m.facade.SetPlayerName(playerName)
	method := &ipMethod{m: s.m, address: address, port: port, playerName: playerName}
	return s.m.changeState(newClientConnecting(s.m, method))
}

func (s *offlineState) StartClientSession(playerName string) error {
	if s.m.facade.CurrentSession() == nil {
		return fmt.Errorf("failed to start session client: %w", session.ErrNoActiveSession)
	}
	s.m.facade.SetPlayerName(playerName)
	method := &sessionMethod{m: s.m, playerName: playerName}
	return s.m.changeState(newClientConnecting(s.m, method))
}

func (s *offlineState) StartHostIP(playerName, address string, port int) error {
	s.m.facade.SetPlayerName(playerName)
	method := &ipMethod{m: s.m, address: address, port: port, playerName: playerName}
	return s.m.changeState(newStartingHost(s.m, method, false))
}

func (s *offlineState) StartHostSession(playerName string) error {
	if s.m.facade.CurrentSession() == nil {
		return fmt.Errorf("failed to start session host: %w", session.ErrNoActiveSession)
	}
	s.m.facade.SetPlayerName(playerName)
	method := &sessionMethod{m: s.m, playerName: playerName}
	return s.m.changeState(newStartingHost(s.m, method, false))
}

func (s *offlineState) StartServerIP(address string, port int) error {
	method := &ipMethod{m: s.m, address: address, port: port, playerName: "server"}
	return s.m.changeState(newStartingHost(s.m, method, true))
}
