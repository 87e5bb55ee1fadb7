package batch

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-mcp/types"
	"github.com/saiset-co/sai-mcp/utils"
)

func exportSnapshot() *types.BatchJobSnapshot {
	return &types.BatchJobSnapshot{
		ID:              "job-1",
		Kind:            types.BatchKindExport,
		Status:          types.BatchStatusFailed,
		TotalItems:      2,
		ProcessedItems:  2,
		SuccessfulItems: 1,
		FailedItems:     1,
		CreatedAt:       time.Now(),
		ErrorSummary:    "1 of 2 items failed",
		Results: []types.ItemResult{
			{Index: 0, Success: true, DurationMs: 12},
			{Index: 1, Success: false, Error: "flood wait", DurationMs: 7},
		},
	}
}

func TestExportResultsJSON(t *testing.T) {
	data, err := ExportResultsJSON(exportSnapshot())
	require.NoError(t, err)

	var decoded types.BatchJobSnapshot
	require.NoError(t, utils.Unmarshal(data, &decoded))

	assert.Equal(t, "job-1", decoded.ID)
	assert.Equal(t, types.BatchStatusFailed, decoded.Status)
	require.Len(t, decoded.Results, 2)
	assert.Equal(t, "flood wait", decoded.Results[1].Error)

	_, err = ExportResultsJSON(nil)
	assert.True(t, types.IsError(err, types.ErrInvalidParameter))
}

func TestExportResultsCSV(t *testing.T) {
	data, err := ExportResultsCSV(exportSnapshot())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "job_id,kind,index,success,error,duration_ms", lines[0])
	assert.Equal(t, "job-1,export,0,true,,12", lines[1])
	assert.Equal(t, "job-1,export,1,false,flood wait,7", lines[2])

	_, err = ExportResultsCSV(nil)
	assert.True(t, types.IsError(err, types.ErrInvalidParameter))
}
