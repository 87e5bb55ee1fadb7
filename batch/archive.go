package batch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-mcp/types"
	"github.com/saiset-co/sai-mcp/utils"
)

// Archiver moves terminal jobs older than the retention window out of the
// in-memory job table and into a database collection. The service wires
// its Run method to a cron schedule.
type Archiver struct {
	manager    types.BatchManager
	database   types.DatabaseManager
	logger     types.Logger
	collection string
	retention  time.Duration
}

func NewArchiver(manager types.BatchManager, database types.DatabaseManager, logger types.Logger, config *types.BatchConfig) *Archiver {
	collection := config.ArchiveCollection
	if collection == "" {
		collection = "batch_jobs"
	}

	retention := config.ArchiveAfter
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	return &Archiver{
		manager:    manager,
		database:   database,
		logger:     logger,
		collection: collection,
		retention:  retention,
	}
}

// Run archives every terminal job whose end time falls outside the
// retention window, then purges it from the job table. Jobs that fail to
// persist stay in memory for the next pass.
func (a *Archiver) Run(ctx context.Context) error {
	if a.database == nil {
		return nil
	}

	if exists, err := a.database.HasCollection(a.collection); err != nil {
		return types.WrapError(err, "failed to check archive collection")
	} else if !exists {
		if err := a.database.CreateCollection(a.collection); err != nil {
			return types.WrapError(err, "failed to create archive collection")
		}
	}

	cutoff := time.Now().Add(-a.retention)
	archived := 0

	for _, snapshot := range a.manager.List("") {
		if !snapshot.Status.Terminal() || snapshot.EndedAt.IsZero() || snapshot.EndedAt.After(cutoff) {
			continue
		}

		document, err := snapshotToDocument(snapshot)
		if err != nil {
			a.logger.Warn("Failed to encode job for archive",
				zap.String("job_id", snapshot.ID),
				zap.Error(err))
			continue
		}

		if _, err := a.database.CreateDocuments(ctx, a.collection, []map[string]interface{}{document}); err != nil {
			a.logger.Warn("Failed to archive job",
				zap.String("job_id", snapshot.ID),
				zap.Error(err))
			continue
		}

		if err := a.manager.Purge(snapshot.ID); err != nil {
			a.logger.Warn("Failed to purge archived job",
				zap.String("job_id", snapshot.ID),
				zap.Error(err))
			continue
		}

		archived++
	}

	if archived > 0 {
		a.logger.Info("Batch jobs archived",
			zap.Int("count", archived),
			zap.String("collection", a.collection))
	}

	return nil
}

func snapshotToDocument(snapshot *types.BatchJobSnapshot) (map[string]interface{}, error) {
	data, err := utils.Marshal(snapshot)
	if err != nil {
		return nil, err
	}

	var document map[string]interface{}
	if err := utils.Unmarshal(data, &document); err != nil {
		return nil, err
	}

	return document, nil
}
