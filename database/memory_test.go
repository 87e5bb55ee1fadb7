package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-mcp/logger"
	"github.com/saiset-co/sai-mcp/types"
)

func newTestDB(t *testing.T) types.DatabaseManager {
	t.Helper()

	db, err := NewMemoryDB(context.Background(), logger.NewZapWrapper(zap.NewNop()), &types.DatabaseConfig{
		Enabled: true,
		Type:    "memory",
	})
	require.NoError(t, err)
	require.NoError(t, db.Start())

	t.Cleanup(func() {
		_ = db.Stop()
	})

	return db
}

func TestMemoryDBLifecycle(t *testing.T) {
	db, err := NewMemoryDB(context.Background(), logger.NewZapWrapper(zap.NewNop()), &types.DatabaseConfig{
		Enabled: true,
		Type:    "memory",
	})
	require.NoError(t, err)
	assert.False(t, db.IsRunning())

	require.NoError(t, db.Start())
	assert.True(t, db.IsRunning())
	assert.True(t, types.IsError(db.Start(), types.ErrServerAlreadyRunning))

	_, err = db.CreateDocuments(context.Background(), "batch_jobs", []map[string]interface{}{
		{"id": "job-1", "status": "completed"},
	})
	require.NoError(t, err)

	require.NoError(t, db.Stop())
	assert.False(t, db.IsRunning())
	assert.True(t, types.IsError(db.Stop(), types.ErrServerNotRunning))

	// Stop drops all collections.
	count, err := db.CountDocuments(context.Background(), "batch_jobs")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryDBCollections(t *testing.T) {
	db := newTestDB(t)

	exists, err := db.HasCollection("batch_jobs")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, db.CreateCollection("batch_jobs"))

	exists, err = db.HasCollection("batch_jobs")
	require.NoError(t, err)
	assert.True(t, exists)

	err = db.CreateCollection("batch_jobs")
	assert.True(t, types.IsError(err, types.ErrDatabaseCollectionExists))
}

func TestMemoryDBCreateAndRead(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ids, err := db.CreateDocuments(ctx, "batch_jobs", []map[string]interface{}{
		{"id": "job-1", "status": "completed", "failed_items": 0},
		{"id": "job-2", "status": "failed", "failed_items": 3},
		{"id": "job-3", "status": "completed", "failed_items": 1},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	count, err := db.CountDocuments(ctx, "batch_jobs")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	docs, err := db.ReadDocuments(ctx, "batch_jobs", map[string]interface{}{"status": "completed"}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.NotEmpty(t, docs[0]["internal_id"])

	docs, err = db.ReadDocuments(ctx, "batch_jobs", map[string]interface{}{"status": "completed"}, 1)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, err = db.ReadDocuments(ctx, "batch_jobs", map[string]interface{}{
		"failed_items": map[string]interface{}{"$gt": 0},
	}, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = db.ReadDocuments(ctx, "missing", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMemoryDBReadReturnsCopies(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.CreateDocuments(ctx, "batch_jobs", []map[string]interface{}{
		{"id": "job-1", "status": "completed"},
	})
	require.NoError(t, err)

	docs, err := db.ReadDocuments(ctx, "batch_jobs", nil, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	docs[0]["status"] = "mutated"

	docs, err = db.ReadDocuments(ctx, "batch_jobs", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "completed", docs[0]["status"])
}

func TestMemoryDBDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.CreateDocuments(ctx, "batch_jobs", []map[string]interface{}{
		{"id": "job-1", "status": "completed"},
		{"id": "job-2", "status": "failed"},
		{"id": "job-3", "status": "completed"},
	})
	require.NoError(t, err)

	deleted, err := db.DeleteDocuments(ctx, "batch_jobs", map[string]interface{}{"status": "completed"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	count, err := db.CountDocuments(ctx, "batch_jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	deleted, err = db.DeleteDocuments(ctx, "missing", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}
