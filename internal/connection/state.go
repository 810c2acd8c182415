package connection

import (
	"fmt"

	"github.com/energizer-project/netsession/internal/protocol"
)

// StateID names a lifecycle state.
type StateID int

const (
	Offline StateID = iota
	ClientConnecting
	ClientConnected
	ClientReconnecting
	DisconnectingWithReason
	StartingHost
	Hosting
	ServerListening
)

var stateNames = map[StateID]string{
	Offline:                 "Offline",
	ClientConnecting:        "ClientConnecting",
	ClientConnected:         "ClientConnected",
	ClientReconnecting:      "ClientReconnecting",
	DisconnectingWithReason: "DisconnectingWithReason",
	StartingHost:            "StartingHost",
	Hosting:                 "Hosting",
	ServerListening:         "ServerListening",
}

func (s StateID) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StateID(%d)", int(s))
}

// AllStates lists every state in declaration order.
func AllStates() []StateID {
	out := make([]StateID, 0, len(stateNames))
	for s := Offline; s <= ServerListening; s++ {
		out = append(out, s)
	}
	return out
}

func allStateNames() []string {
	states := AllStates()
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}

// State is one phase of the connection lifecycle. Exactly one state is
// current inside a Manager; every method runs on the manager's executor.
type State interface {
	ID() StateID
	// Enter runs once when the state becomes current. Only StartingHost
	// returns an error.
	Enter() error
	// Exit runs once when the state stops being current.
	Exit()

	OnClientConnected(clientID uint64)
	OnClientDisconnect(clientID uint64)
	OnServerStarted()
	OnServerStopped()
	OnTransportFailure()
	OnUserRequestedShutdown()
	OnDisconnectReasonReceived(status protocol.ConnectStatus)
	ApprovalCheck(req protocol.ApprovalRequest, respond protocol.Responder)

	StartClientIP(playerName, address string, port int) error
	StartClientSession(playerName string) error
	StartHostIP(playerName, address string, port int) error
	StartHostSession(playerName string) error
	StartServerIP(address string, port int) error
}

// baseState supplies the defaults: hooks are no-ops, approvals are
// denied and commands are refused.
type baseState struct {
	m  *Manager
	id StateID
}

func (b baseState) ID() StateID  { return b.id }
func (b baseState) Enter() error { return nil }
func (b baseState) Exit()        {}

func (b baseState) OnClientConnected(uint64)                          {}
func (b baseState) OnClientDisconnect(uint64)                         {}
func (b baseState) OnServerStarted()                                  {}
func (b baseState) OnServerStopped()                                  {}
func (b baseState) OnTransportFailure()                               {}
func (b baseState) OnUserRequestedShutdown()                          {}
func (b baseState) OnDisconnectReasonReceived(protocol.ConnectStatus) {}

func (b baseState) ApprovalCheck(req protocol.ApprovalRequest, respond protocol.Responder) {
	b.m.logger.Debug().
		Str("state", b.id.String()).
		Uint64("client", req.ClientID).
		Msg("approval requested in a state that does not accept clients")
	respond(protocol.Deny(""))
}

func (b baseState) unavailable(cmd string) error {
	return fmt.Errorf("%w: %s in %s", ErrCommandUnavailable, cmd, b.id)
}

func (b baseState) StartClientIP(string, string, int) error {
	return b.unavailable("start client")
}

func (b baseState) StartClientSession(string) error {
	return b.unavailable("start client session")
}

func (b baseState) StartHostIP(string, string, int) error {
	return b.unavailable("start host")
}

func (b baseState) StartHostSession(string) error {
	return b.unavailable("start host session")
}

func (b baseState) StartServerIP(string, int) error {
	return b.unavailable("start server")
}
