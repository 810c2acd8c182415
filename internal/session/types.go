// Package session wraps the remote session/matchmaking service behind a
// rate-limited facade and keeps the local view of the current session.
package session

import (
	"context"
	"time"
)

// Keys of well-known session and player data entries.
const (
	DataKeyRelayJoinCode = "relay_join_code"
	DataKeyAllocationID  = "allocation_id"
	DataKeyPlayerName    = "player_name"
	DataKeyRelayEndpoint = "relay_endpoint"
)

// Player is a member of a remote session.
type Player struct {
	ID   string            `json:"id"`
	Name string            `json:"name"`
	Data map[string]string `json:"data,omitempty"`
}

// Session is the remote session record as last seen by this peer.
type Session struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	JoinCode    string            `json:"join_code"`
	HostID      string            `json:"host_id"`
	MaxPlayers  int               `json:"max_players"`
	IsPrivate   bool              `json:"is_private"`
	Players     []Player          `json:"players"`
	Data        map[string]string `json:"data,omitempty"`
	LastUpdated time.Time         `json:"last_updated"`
}

// HasPlayer reports whether playerID is a member.
func (s *Session) HasPlayer(playerID string) bool {
	for _, p := range s.Players {
		if p.ID == playerID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate the facade's view.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Players = make([]Player, len(s.Players))
	for i, p := range s.Players {
		out.Players[i] = p
		out.Players[i].Data = cloneData(p.Data)
	}
	out.Data = cloneData(s.Data)
	return &out
}

func cloneData(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CreateOptions describes a session to create.
type CreateOptions struct {
	Name       string            `json:"name"`
	MaxPlayers int               `json:"max_players"`
	IsPrivate  bool              `json:"is_private"`
	Host       Player            `json:"host"`
	Data       map[string]string `json:"data,omitempty"`
}

// RelayAllocation is a relay endpoint reserved for a session. Clients
// reach the host through Address:Port.
type RelayAllocation struct {
	AllocationID string `json:"allocation_id"`
	JoinCode     string `json:"join_code"`
	Address      string `json:"address"`
	Port         int    `json:"port"`
}

// Service is the remote session service. Implementations return errors that
// satisfy errors.Is against ErrRateLimited and ErrNotFound where relevant.
type Service interface {
	CreateSession(ctx context.Context, opts CreateOptions) (*Session, error)
	JoinSessionByCode(ctx context.Context, code string, player Player) (*Session, error)
	JoinSessionByID(ctx context.Context, id string, player Player) (*Session, error)
	QuickJoin(ctx context.Context, player Player) (*Session, error)
	ReconnectToSession(ctx context.Context, id string, playerID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	QuerySessions(ctx context.Context) ([]Session, error)
	RemovePlayer(ctx context.Context, sessionID, playerID string) error
	DeleteSession(ctx context.Context, id string) error
	UpdatePlayer(ctx context.Context, sessionID, playerID string, data map[string]string) (*Session, error)
	UpdateSession(ctx context.Context, sessionID string, data map[string]string) (*Session, error)
	Heartbeat(ctx context.Context, sessionID string) error
}

// RelayService reserves and resolves relay endpoints.
type RelayService interface {
	AllocateRelay(ctx context.Context, maxConnections int) (*RelayAllocation, error)
	JoinRelay(ctx context.Context, joinCode string) (*RelayAllocation, error)
}
