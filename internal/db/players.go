package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netsession/internal/registry"
)

// PlayerStore persists registry.PlayerData rows. It implements
// registry.Store.
type PlayerStore struct {
	db *Database
}

var _ registry.Store = (*PlayerStore)(nil)

// NewPlayerStore opens the database at dbPath and migrates the schema.
func NewPlayerStore(dbPath string) (*PlayerStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	ps := &PlayerStore{db: database}
	if err := ps.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate player database: %w", err)
	}
	return ps, nil
}

func (ps *PlayerStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS players (
			player_id TEXT PRIMARY KEY,
			client_id INTEGER NOT NULL,
			player_name TEXT NOT NULL DEFAULT '',
			last_seen_guid TEXT NOT NULL DEFAULT '',
			scene_index INTEGER NOT NULL DEFAULT 0,
			is_connected INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_players_connected ON players(is_connected);
	`
	if _, err := ps.db.Exec(schema); err != nil {
		return err
	}
	log.Debug().Msg("player schema ready")
	return nil
}

// Close closes the underlying database.
func (ps *PlayerStore) Close() error {
	return ps.db.Close()
}

// SavePlayer inserts or replaces a player row.
func (ps *PlayerStore) SavePlayer(p registry.PlayerData) error {
	_, err := ps.db.Exec(`
		INSERT INTO players (player_id, client_id, player_name, last_seen_guid, scene_index, is_connected, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			client_id = excluded.client_id,
			player_name = excluded.player_name,
			last_seen_guid = excluded.last_seen_guid,
			scene_index = excluded.scene_index,
			is_connected = excluded.is_connected,
			updated_at = excluded.updated_at`,
		p.PlayerID, int64(p.ClientID), p.PlayerName, p.LastSeenGUID.String(),
		p.SceneIndex, p.IsConnected, p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save player %s: %w", p.PlayerID, err)
	}
	return nil
}

// DeletePlayer removes a player row.
func (ps *PlayerStore) DeletePlayer(playerID string) error {
	if _, err := ps.db.Exec("DELETE FROM players WHERE player_id = ?", playerID); err != nil {
		return fmt.Errorf("failed to delete player %s: %w", playerID, err)
	}
	return nil
}

// ClearPlayers removes every row.
func (ps *PlayerStore) ClearPlayers() error {
	if _, err := ps.db.Exec("DELETE FROM players"); err != nil {
		return fmt.Errorf("failed to clear players: %w", err)
	}
	return nil
}

// LoadPlayers returns every stored player.
func (ps *PlayerStore) LoadPlayers() ([]registry.PlayerData, error) {
	rows, err := ps.db.Query(`
		SELECT player_id, client_id, player_name, last_seen_guid, scene_index, is_connected, updated_at
		FROM players ORDER BY player_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query players: %w", err)
	}
	defer rows.Close()

	var out []registry.PlayerData
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Compact rebuilds the database file to reclaim space left by deleted rows.
func (ps *PlayerStore) Compact() error {
	if _, err := ps.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum player database: %w", err)
	}
	return nil
}

// CountPlayers returns the total and connected row counts.
func (ps *PlayerStore) CountPlayers() (total, connected int, err error) {
	row := ps.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(is_connected), 0) FROM players")
	if err := row.Scan(&total, &connected); err != nil {
		return 0, 0, fmt.Errorf("failed to count players: %w", err)
	}
	return total, connected, nil
}

func scanPlayer(rows *sql.Rows) (registry.PlayerData, error) {
	var (
		p         registry.PlayerData
		clientID  int64
		guid      string
		updatedAt time.Time
	)
	if err := rows.Scan(&p.PlayerID, &clientID, &p.PlayerName, &guid, &p.SceneIndex, &p.IsConnected, &updatedAt); err != nil {
		return p, fmt.Errorf("failed to scan player: %w", err)
	}
	p.ClientID = uint64(clientID)
	p.UpdatedAt = updatedAt
	if parsed, err := uuid.Parse(guid); err == nil {
		p.LastSeenGUID = parsed
	}
	return p, nil
}
