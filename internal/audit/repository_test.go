package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
	"github.com/nerrad567/gray-logic-mesh/migrations"
)

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "journal.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	require.NoError(t, db.Migrate(context.Background(), migrations.FS))
	return NewSQLiteRepository(db.DB)
}

func mustEntry(t *testing.T, e mesh.Event, at time.Time) *Entry {
	t.Helper()
	entry, err := NewEntry(e, at)
	require.NoError(t, err)
	return &entry
}

func TestNewEntry(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	entry, err := NewEntry(mesh.NodeInitStageChanged{NodeID: 7, Stage: mesh.StageFailed, Reason: mesh.FailureNotPresent}, at)
	require.NoError(t, err)
	assert.Equal(t, mesh.KindNodeInitStageChanged, entry.Kind)
	assert.Equal(t, mesh.NodeID(7), entry.NodeID)
	assert.JSONEq(t, `{"node_id":7,"stage":"failed","reason":"not_present"}`, string(entry.Payload))

	network, err := NewEntry(mesh.NetworkReadyChanged{Ready: true}, at)
	require.NoError(t, err)
	assert.Zero(t, network.NodeID, "controller-scope events carry no node")
}

func TestSQLiteRepository_CreateAndList(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	events := []mesh.Event{
		mesh.NodeAdded{NodeID: 3},
		mesh.NodeInitStageChanged{NodeID: 3, Stage: mesh.StageProtocolInfo},
		mesh.NodeAdded{NodeID: 4},
		mesh.NetworkReadyChanged{Ready: true},
	}
	for i, e := range events {
		entry := mustEntry(t, e, base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, repo.Create(ctx, entry))
		assert.NotEmpty(t, entry.ID)
	}

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	assert.Equal(t, defaultLimit, all.Limit)
	require.Len(t, all.Entries, 4)
	assert.Equal(t, mesh.KindNetworkReadyChanged, all.Entries[0].Kind, "most recent first")
	assert.Zero(t, all.Entries[0].NodeID)
	assert.True(t, base.Equal(all.Entries[3].CreatedAt))

	node3, err := repo.List(ctx, Filter{NodeID: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, node3.Total)
	assert.Equal(t, mesh.KindNodeInitStageChanged, node3.Entries[0].Kind)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(node3.Entries[0].Payload, &payload))
	assert.Equal(t, "protocol_info", payload["stage"])

	added, err := repo.List(ctx, Filter{Kind: mesh.KindNodeAdded, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, added.Total)
	require.Len(t, added.Entries, 1)
	assert.Equal(t, mesh.NodeID(3), added.Entries[0].NodeID)
}

func TestSQLiteRepository_ListClampsPaging(t *testing.T) {
	repo := openTestRepo(t)

	res, err := repo.List(context.Background(), Filter{Limit: 10000, Offset: -5})
	require.NoError(t, err)
	assert.Equal(t, maxLimit, res.Limit)
	assert.Equal(t, 0, res.Offset)
	assert.NotNil(t, res.Entries)
	assert.Empty(t, res.Entries)
}

func TestSQLiteRepository_CreateDefaults(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	e := &Entry{Kind: mesh.KindNodeRemoved, NodeID: 9}
	require.NoError(t, repo.Create(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())

	res, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.JSONEq(t, `{}`, string(res.Entries[0].Payload))
}

func TestSQLiteRepository_Prune(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	for day := range 5 {
		require.NoError(t, repo.Create(ctx, mustEntry(t, mesh.NodeAdded{NodeID: mesh.NodeID(day + 1)}, base.AddDate(0, 0, day))))
	}

	n, err := repo.Prune(ctx, base.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	res, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	for _, e := range res.Entries {
		assert.False(t, e.CreatedAt.Before(base.AddDate(0, 0, 3)))
	}
}
