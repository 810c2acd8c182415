// Package registry binds stable player ids to the transient client ids the
// transport assigns, so a player who drops and reconnects to the same host
// gets their previous session data back.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/energizer-project/netsession/internal/util"
)

const secondarySuffix = "_Secondary"

// PlayerData is what the authority remembers about a player for the
// lifetime of a session.
type PlayerData struct {
	PlayerID     string    `json:"player_id"`
	ClientID     uint64    `json:"client_id"`
	PlayerName   string    `json:"player_name"`
	LastSeenGUID uuid.UUID `json:"last_seen_guid"`
	SceneIndex   int       `json:"scene_index"`
	IsConnected  bool      `json:"is_connected"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// reinitialize resets per-game fields while keeping the identity.
func (p *PlayerData) reinitialize() {
	p.SceneIndex = 0
}

// Store persists player data. Failures are logged and never block the
// in-memory registry.
type Store interface {
	SavePlayer(p PlayerData) error
	DeletePlayer(playerID string) error
	ClearPlayers() error
	LoadPlayers() ([]PlayerData, error)
}

// Options configures a Registry.
type Options struct {
	// ReleaseDelay is how long a disconnected client id stays mapped so late
	// updates can still resolve the player.
	ReleaseDelay time.Duration
	// Debug accepts duplicate logins under a suffixed player id.
	Debug bool
	Store Store
	Now   func() time.Time
}

// Registry is the SessionPlayerData table. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	players  map[string]PlayerData
	clients  map[uint64]string
	releases map[uint64]*time.Timer

	opts   Options
	logger zerolog.Logger
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		players:  make(map[string]PlayerData),
		clients:  make(map[uint64]string),
		releases: make(map[uint64]*time.Timer),
		opts:     opts,
		logger:   util.ComponentLogger("registry"),
	}
}

// Restore loads persisted players as disconnected entries so they can
// reconnect into their previous data.
func (r *Registry) Restore() (int, error) {
	if r.opts.Store == nil {
		return 0, nil
	}
	list, err := r.opts.Store.LoadPlayers()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range list {
		p.IsConnected = false
		r.players[p.PlayerID] = p
	}
	r.logger.Info().Int("players", len(list)).Msg("player registry restored")
	return len(list), nil
}

// IsDuplicateConnection reports whether playerID is already connected.
func (r *Registry) IsDuplicateConnection(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[playerID]
	return ok && p.IsConnected
}

// SetupConnectingPlayerSessionData registers clientID for playerID. A player
// who is known but disconnected gets the stored data back under the new
// client id. A player who is still connected is refused, unless the
// registry runs in debug mode, in which case a suffixed id is used. It
// returns the player id actually bound and whether the player was accepted.
func (r *Registry) SetupConnectingPlayerSessionData(clientID uint64, playerID string, data PlayerData) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reconnecting := false
	if existing, ok := r.players[playerID]; ok {
		if existing.IsConnected {
			if !r.opts.Debug {
				r.logger.Warn().Str("player", playerID).Uint64("client", clientID).Msg("duplicate login refused")
				return playerID, false
			}
			for {
				p, ok := r.players[playerID]
				if !ok || !p.IsConnected {
					break
				}
				playerID += secondarySuffix
			}
			r.logger.Debug().Str("player", playerID).Msg("duplicate login accepted under suffixed id")
			_, reconnecting = r.players[playerID]
		} else {
			reconnecting = true
		}
	}

	if reconnecting {
		prev := r.players[playerID]
		prev.ClientID = clientID
		prev.IsConnected = true
		data = prev
		r.logger.Info().Str("player", playerID).Uint64("client", clientID).Msg("player reconnected")
	} else {
		if data.LastSeenGUID == uuid.Nil {
			data.LastSeenGUID = uuid.New()
		}
		data.ClientID = clientID
	}
	data.PlayerID = playerID
	data.UpdatedAt = r.opts.Now()

	r.cancelReleaseLocked(clientID)
	r.clients[clientID] = playerID
	r.players[playerID] = data
	r.persist(data)
	return playerID, true
}

// GetPlayerID returns the player bound to clientID.
func (r *Registry) GetPlayerID(clientID uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.clients[clientID]
	return id, ok
}

// GetPlayerData returns the data of the player bound to clientID.
func (r *Registry) GetPlayerData(clientID uint64) (PlayerData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.clients[clientID]
	if !ok {
		return PlayerData{}, false
	}
	p, ok := r.players[id]
	return p, ok
}

// GetPlayerDataByPlayerID looks a player up by stable id.
func (r *Registry) GetPlayerDataByPlayerID(playerID string) (PlayerData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[playerID]
	return p, ok
}

// SetPlayerData overwrites the data of the player bound to clientID.
func (r *Registry) SetPlayerData(clientID uint64, data PlayerData) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.clients[clientID]
	if !ok {
		return false
	}
	data.PlayerID = id
	data.UpdatedAt = r.opts.Now()
	r.players[id] = data
	r.persist(data)
	return true
}

// DisconnectClient marks the player bound to clientID as disconnected and
// releases the client id mapping after the configured delay.
func (r *Registry) DisconnectClient(clientID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.clients[clientID]
	if !ok {
		return
	}
	if p, ok := r.players[id]; ok && p.ClientID == clientID {
		p.IsConnected = false
		p.UpdatedAt = r.opts.Now()
		r.players[id] = p
		r.persist(p)
	}

	if r.opts.ReleaseDelay <= 0 {
		delete(r.clients, clientID)
		return
	}
	r.cancelReleaseLocked(clientID)
	r.releases[clientID] = time.AfterFunc(r.opts.ReleaseDelay, func() {
		r.release(clientID, id)
	})
}

func (r *Registry) release(clientID uint64, playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.releases, clientID)
	// The id may have been handed to a new connection meanwhile.
	if r.clients[clientID] == playerID {
		delete(r.clients, clientID)
	}
}

func (r *Registry) cancelReleaseLocked(clientID uint64) {
	if t, ok := r.releases[clientID]; ok {
		t.Stop()
		delete(r.releases, clientID)
	}
}

// OnSessionStarted drops players who are no longer connected.
func (r *Registry) OnSessionStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearDisconnectedLocked()
}

// OnSessionEnded drops disconnected players and reinitializes the others so
// they start the next game fresh.
func (r *Registry) OnSessionEnded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearDisconnectedLocked()
}

// OnServerEnded forgets every player. It runs when the authority stops, at
// which point no client is connected any more.
func (r *Registry) OnServerEnded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
	r.logger.Debug().Msg("player registry cleared on server end")
}

// Clear forgets every player.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

func (r *Registry) clearLocked() {
	for id, t := range r.releases {
		t.Stop()
		delete(r.releases, id)
	}
	r.players = make(map[string]PlayerData)
	r.clients = make(map[uint64]string)
	if r.opts.Store != nil {
		if err := r.opts.Store.ClearPlayers(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to clear persisted players")
		}
	}
}

func (r *Registry) clearDisconnectedLocked() int {
	removed := 0
	for id, p := range r.players {
		if p.IsConnected {
			p.reinitialize()
			r.players[id] = p
			continue
		}
		r.dropLocked(id, p)
		removed++
	}
	return removed
}

func (r *Registry) dropLocked(id string, p PlayerData) {
	delete(r.players, id)
	if r.clients[p.ClientID] == id {
		r.cancelReleaseLocked(p.ClientID)
		delete(r.clients, p.ClientID)
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.DeletePlayer(id); err != nil {
			r.logger.Warn().Err(err).Str("player", id).Msg("failed to delete persisted player")
		}
	}
}

// PurgeStale drops disconnected players not updated within maxAge.
func (r *Registry) PurgeStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.opts.Now().Add(-maxAge)
	removed := 0
	for id, p := range r.players {
		if !p.IsConnected && p.UpdatedAt.Before(cutoff) {
			r.dropLocked(id, p)
			removed++
		}
	}
	return removed
}

// Players returns every known player sorted by player id.
func (r *Registry) Players() []PlayerData {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PlayerData, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// ConnectedCount returns the number of connected players.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.players {
		if p.IsConnected {
			n++
		}
	}
	return n
}

func (r *Registry) persist(p PlayerData) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.SavePlayer(p); err != nil {
		r.logger.Warn().Err(err).Str("player", p.PlayerID).Msg("failed to persist player")
	}
}
