package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/energizer-project/netsession/internal/protocol"
	"github.com/energizer-project/netsession/internal/session"
)

// connectMethod prepares the transport for a host or client start.
type connectMethod interface {
	Name() string
	SetupHostConnection(ctx context.Context) error
	SetupClientConnection(ctx context.Context) error
	// SetupClientReconnection prepares a reconnection attempt. When
	// shouldTryAgain is false the remaining attempts are abandoned.
	SetupClientReconnection(ctx context.Context) (success, shouldTryAgain bool)
}

// payload builds the connection payload the local peer presents.
func (m *Manager) payload(playerName string) []byte {
	data, err := protocol.ConnectionPayload{
		PlayerID:   m.facade.LocalPlayer().ID,
		PlayerName: playerName,
		IsDebug:    m.opts.Debug,
	}.Encode()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to build connection payload")
		return nil
	}
	return data
}

// ipMethod connects directly to an address.
type ipMethod struct {
	m          *Manager
	address    string
	port       int
	playerName string
}

func (c *ipMethod) Name() string { return "ip" }

func (c *ipMethod) SetupHostConnection(context.Context) error {
	c.m.transport.SetConnectionData(c.address, c.port, c.m.payload(c.playerName))
	return nil
}

func (c *ipMethod) SetupClientConnection(context.Context) error {
	c.m.transport.SetConnectionData(c.address, c.port, c.m.payload(c.playerName))
	return nil
}

func (c *ipMethod) SetupClientReconnection(context.Context) (bool, bool) {
	return true, true
}

// sessionMethod goes through the session service: the host publishes a
// relay join code in the session record and clients resolve it.
type sessionMethod struct {
	m          *Manager
	playerName string
}

func (c *sessionMethod) Name() string { return "session" }

func (c *sessionMethod) SetupHostConnection(ctx context.Context) error {
	f := c.m.facade
	if f.CurrentSession() == nil || !f.IsHost() {
		return fmt.Errorf("failed to set up relay host: %w", session.ErrNotHost)
	}

	alloc, err := f.AllocateRelay(ctx, c.m.opts.MaxConnectedPlayers)
	if err != nil {
		return err
	}

	endpoint := net.JoinHostPort(c.m.opts.AdvertiseAddress, strconv.Itoa(c.m.opts.ListenPort))
	if err := f.UpdateSessionData(ctx, map[string]string{
		session.DataKeyRelayJoinCode: alloc.JoinCode,
		session.DataKeyRelayEndpoint: endpoint,
	}); err != nil {
		return fmt.Errorf("failed to publish relay join code: %w", err)
	}
	if err := f.UpdatePlayerRelayInfo(ctx, alloc.AllocationID, alloc.JoinCode); err != nil {
		return fmt.Errorf("failed to publish relay allocation: %w", err)
	}

	c.m.logger.Info().
		Str("allocation", alloc.AllocationID).
		Str("join_code", alloc.JoinCode).
		Str("endpoint", endpoint).
		Msg("relay allocated")

	c.m.transport.SetConnectionData(c.m.opts.ListenAddress, c.m.opts.ListenPort, c.m.payload(c.playerName))
	return nil
}

func (c *sessionMethod) SetupClientConnection(ctx context.Context) error {
	f := c.m.facade
	cur := f.CurrentSession()
	if cur == nil {
		return fmt.Errorf("failed to set up session client: %w", session.ErrNoActiveSession)
	}

	address, port, allocationID, err := c.resolve(ctx, cur)
	if err != nil {
		return err
	}

	if code := cur.Data[session.DataKeyRelayJoinCode]; code != "" {
		if err := f.UpdatePlayerRelayInfo(ctx, allocationID, code); err != nil {
			c.m.logger.Warn().Err(err).Msg("failed to record relay join code")
		}
	}

	c.m.transport.SetConnectionData(address, port, c.m.payload(c.playerName))
	return nil
}

// resolve finds the host endpoint: first through the relay join code,
// then through the endpoint the host advertised in the session data.
func (c *sessionMethod) resolve(ctx context.Context, cur *session.Session) (string, int, string, error) {
	if code := cur.Data[session.DataKeyRelayJoinCode]; code != "" {
		alloc, err := c.m.facade.JoinRelay(ctx, code)
		if err == nil && alloc.Port > 0 {
			return alloc.Address, alloc.Port, alloc.AllocationID, nil
		}
		if err != nil {
			c.m.logger.Warn().Err(err).Str("join_code", code).Msg("relay join failed, trying advertised endpoint")
		}
	}

	endpoint := cur.Data[session.DataKeyRelayEndpoint]
	if endpoint == "" {
		return "", 0, "", errors.New("session has no relay join code or endpoint")
	}
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, "", fmt.Errorf("failed to parse session endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, "", fmt.Errorf("failed to parse session endpoint port %q: %w", portStr, err)
	}
	return host, port, "", nil
}

// SetupClientReconnection runs after the reconnecting state has rejoined
// the session, so it only checks that there still is one.
func (c *sessionMethod) SetupClientReconnection(context.Context) (bool, bool) {
	if c.m.facade.CurrentSession() == nil {
		// The session is gone; another attempt cannot succeed.
		return false, false
	}
	return true, true
}

// connector drives a connect method and the transport for the client
// states.
type connector struct {
	m      *Manager
	method connectMethod
}

// start runs the client setup off the executor, then starts the transport
// on it if st is still current. fail runs on the executor when either step
// fails.
func (c connector) start(ctx context.Context, st State, setup func(context.Context) error, fail func(error)) {
	c.m.goAsync(func() {
		if err := setup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.m.postTo(st, func() { fail(err) })
			return
		}
		c.m.postTo(st, func() {
			if !c.m.transport.StartClient() {
				fail(ErrStartFailed)
			}
		})
	})
}
