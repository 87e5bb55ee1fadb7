package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-mcp/database"
	"github.com/saiset-co/sai-mcp/logger"
	"github.com/saiset-co/sai-mcp/types"
)

func TestArchiverMovesExpiredTerminalJobs(t *testing.T) {
	manager := newTestManager(t, nil)
	log := logger.NewZapWrapper(zap.NewNop())

	db, err := database.NewMemoryDB(context.Background(), log, &types.DatabaseConfig{
		Enabled: true,
		Type:    "memory",
	})
	require.NoError(t, err)
	require.NoError(t, db.Start())
	t.Cleanup(func() { _ = db.Stop() })

	jobID, err := manager.Submit(types.BatchKindGeneric, []interface{}{1, 2}, noopExecutor)
	require.NoError(t, err)
	waitForTerminal(t, manager, jobID)

	archiver := NewArchiver(manager, db, log, &types.BatchConfig{
		ArchiveCollection: "batch_jobs",
		ArchiveAfter:      time.Millisecond,
	})

	// Let the job age past the retention window.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, archiver.Run(context.Background()))

	count, err := db.CountDocuments(context.Background(), "batch_jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	docs, err := db.ReadDocuments(context.Background(), "batch_jobs", map[string]interface{}{"id": jobID}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, string(types.BatchStatusCompleted), docs[0]["status"])

	// Archived jobs leave the in-memory table.
	_, err = manager.Status(jobID)
	assert.True(t, types.IsError(err, types.ErrBatchJobNotFound))

	// A second pass has nothing left to do.
	require.NoError(t, archiver.Run(context.Background()))
	count, err = db.CountDocuments(context.Background(), "batch_jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestArchiverSkipsRecentAndNonTerminalJobs(t *testing.T) {
	manager := newTestManager(t, nil)
	log := logger.NewZapWrapper(zap.NewNop())

	db, err := database.NewMemoryDB(context.Background(), log, &types.DatabaseConfig{
		Enabled: true,
		Type:    "memory",
	})
	require.NoError(t, err)
	require.NoError(t, db.Start())
	t.Cleanup(func() { _ = db.Stop() })

	jobID, err := manager.Submit(types.BatchKindGeneric, []interface{}{1}, noopExecutor)
	require.NoError(t, err)
	waitForTerminal(t, manager, jobID)

	// A one-hour retention keeps the freshly finished job in memory.
	archiver := NewArchiver(manager, db, log, &types.BatchConfig{
		ArchiveAfter: time.Hour,
	})

	require.NoError(t, archiver.Run(context.Background()))

	count, err := db.CountDocuments(context.Background(), "batch_jobs")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = manager.Status(jobID)
	assert.NoError(t, err)
}

func TestArchiverWithoutDatabaseIsNoop(t *testing.T) {
	manager := newTestManager(t, nil)
	log := logger.NewZapWrapper(zap.NewNop())

	archiver := NewArchiver(manager, nil, log, &types.BatchConfig{})
	assert.NoError(t, archiver.Run(context.Background()))
}
