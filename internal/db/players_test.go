package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netsession/internal/registry"
)

func newTestStore(t *testing.T) *PlayerStore {
	t.Helper()
	ps, err := NewPlayerStore(filepath.Join(t.TempDir(), "players.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func TestSaveAndLoadPlayer(t *testing.T) {
	ps := newTestStore(t)
	guid := uuid.New()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, ps.SavePlayer(registry.PlayerData{
		PlayerID: "p1", ClientID: 42, PlayerName: "Ayla",
		LastSeenGUID: guid, SceneIndex: 2, IsConnected: true, UpdatedAt: at,
	}))
	// Upsert.
	require.NoError(t, ps.SavePlayer(registry.PlayerData{
		PlayerID: "p1", ClientID: 43, PlayerName: "Ayla",
		LastSeenGUID: guid, SceneIndex: 2, IsConnected: false, UpdatedAt: at,
	}))

	list, err := ps.LoadPlayers()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(43), list[0].ClientID)
	assert.Equal(t, guid, list[0].LastSeenGUID)
	assert.False(t, list[0].IsConnected)
	assert.True(t, at.Equal(list[0].UpdatedAt))
}

func TestDeleteAndClear(t *testing.T) {
	ps := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, ps.SavePlayer(registry.PlayerData{PlayerID: id, IsConnected: id != "c", UpdatedAt: time.Now()}))
	}

	total, connected, err := ps.CountPlayers()
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, connected)

	require.NoError(t, ps.DeletePlayer("a"))
	list, err := ps.LoadPlayers()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, ps.ClearPlayers())
	list, err = ps.LoadPlayers()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRegistryPersistsThroughStore(t *testing.T) {
	ps := newTestStore(t)
	r := registry.New(registry.Options{Store: ps})
	_, ok := r.SetupConnectingPlayerSessionData(5, "p1", registry.PlayerData{PlayerName: "Ayla", IsConnected: true})
	require.True(t, ok)

	restored := registry.New(registry.Options{Store: ps})
	n, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p, ok := restored.GetPlayerDataByPlayerID("p1")
	require.True(t, ok)
	assert.Equal(t, "Ayla", p.PlayerName)
}

func TestCompactKeepsRows(t *testing.T) {
	ps := newTestStore(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, ps.SavePlayer(registry.PlayerData{PlayerID: id, UpdatedAt: time.Now()}))
	}
	require.NoError(t, ps.DeletePlayer("p2"))
	require.NoError(t, ps.Compact())

	total, _, err := ps.CountPlayers()
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}
