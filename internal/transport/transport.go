// Package transport carries connection handshakes between peers. A peer
// runs as a host (server plus local client), a dedicated server, or a
// client. Frames are defined in the protocol package; the drivers in this
// package move them over TCP or WebSocket.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/energizer-project/netsession/internal/config"
	"github.com/energizer-project/netsession/internal/protocol"
)

// ServerClientID is the client id of the host's own local client.
const ServerClientID uint64 = 0

var (
	// ErrNotRunning is returned when an operation needs a started transport.
	ErrNotRunning = errors.New("transport not running")

	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Handler receives transport callbacks. Calls may arrive on any goroutine.
type Handler interface {
	ClientConnected(clientID uint64)
	ClientDisconnected(clientID uint64)
	ServerStarted()
	ServerStopped()
	TransportFailure()
	// ApprovalCheck decides whether a connecting client is admitted.
	// respond may be called from any goroutine, twice when the first
	// response is pending.
	ApprovalCheck(req protocol.ApprovalRequest, respond protocol.Responder)
	// DisconnectReasonReceived fires on a client when the host sends a reason.
	DisconnectReasonReceived(reason string)
}

// Transport is the network layer driven by the connection manager.
type Transport interface {
	StartHost() bool
	StartServer() bool
	StartClient() bool
	DisconnectClient(clientID uint64, reason string)
	Shutdown()
	ShutdownInProgress() bool
	IsListening() bool
	IsConnectedClient() bool
	DisconnectReason() string
	LocalClientID() uint64
	ConnectedClientIDs() []uint64
	SetConnectionData(address string, port int, payload []byte)
	SetHandler(h Handler)
	// ListenAddr is the bound address while listening, else "".
	ListenAddr() string
	Kind() string
}

// Options tunes connection timing.
type Options struct {
	HandshakeTimeout  time.Duration
	ApprovalTimeout   time.Duration
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
	// Linger bounds how long a closing connection waits for the peer to
	// acknowledge before it is closed hard.
	Linger time.Duration
	// Path is the WebSocket endpoint path.
	Path string
}

// DefaultOptions returns the default timing.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout:  10 * time.Second,
		ApprovalTimeout:   10 * time.Second,
		KeepAliveInterval: time.Second,
		IdleTimeout:       10 * time.Second,
		Linger:            500 * time.Millisecond,
		Path:              "/connect",
	}
}

// OptionsFromConfig derives Options from the transport config section.
func OptionsFromConfig(cfg config.TransportConfig) Options {
	opts := DefaultOptions()
	if cfg.HandshakeTimeoutS > 0 {
		opts.HandshakeTimeout = time.Duration(cfg.HandshakeTimeoutS) * time.Second
		opts.ApprovalTimeout = opts.HandshakeTimeout
	}
	if cfg.Path != "" {
		opts.Path = cfg.Path
	}
	return opts
}

// New builds the transport selected by cfg.Kind.
func New(cfg config.TransportConfig) (Transport, error) {
	opts := OptionsFromConfig(cfg)
	var t Transport
	switch cfg.Kind {
	case config.TransportTCP, "":
		t = NewTCP(opts)
	case config.TransportWebSocket:
		t = NewWebSocket(opts)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
	t.SetConnectionData(cfg.Address, cfg.Port, nil)
	return t, nil
}
