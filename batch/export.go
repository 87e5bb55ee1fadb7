package batch

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/saiset-co/sai-mcp/types"
	"github.com/saiset-co/sai-mcp/utils"
)

// ExportResultsJSON serializes a job snapshot with its full per-item
// ledger.
func ExportResultsJSON(snapshot *types.BatchJobSnapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "snapshot is nil")
	}

	data, err := utils.Marshal(snapshot)
	if err != nil {
		return nil, types.WrapError(err, "failed to marshal job snapshot")
	}

	return data, nil
}

// ExportResultsCSV flattens the per-item ledger into one row per item.
func ExportResultsCSV(snapshot *types.BatchJobSnapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "snapshot is nil")
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"job_id", "kind", "index", "success", "error", "duration_ms"}
	if err := writer.Write(header); err != nil {
		return nil, types.WrapError(err, "failed to write csv header")
	}

	for _, result := range snapshot.Results {
		row := []string{
			snapshot.ID,
			string(snapshot.Kind),
			strconv.Itoa(result.Index),
			strconv.FormatBool(result.Success),
			result.Error,
			strconv.FormatInt(result.DurationMs, 10),
		}
		if err := writer.Write(row); err != nil {
			return nil, types.WrapError(err, "failed to write csv row")
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, types.WrapError(err, "failed to flush csv")
	}

	return buf.Bytes(), nil
}
