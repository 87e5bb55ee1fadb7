package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-mcp/types"
)

func testRawData() map[string]interface{} {
	return map[string]interface{}{
		"name":    "sai-mcp",
		"version": "1.0.0",
		"batch": map[string]interface{}{
			"enabled":          true,
			"items_per_second": 10,
			"queue_interval":   "250ms",
		},
		"cache": map[string]interface{}{
			"type": "memory",
			"config": map[string]interface{}{
				"max_bytes": 1024,
			},
		},
	}
}

func TestParserGetValue(t *testing.T) {
	raw := testRawData()
	parser := NewParser(&raw)

	assert.Equal(t, "sai-mcp", parser.GetValue("name", ""))
	assert.Equal(t, "memory", parser.GetValue("cache.type", ""))
	assert.Equal(t, 1024, parser.GetValue("cache.config.max_bytes", 0))

	assert.Equal(t, "fallback", parser.GetValue("cache.missing", "fallback"))
	assert.Equal(t, 42, parser.GetValue("no.such.path", 42))

	// Traversing through a scalar dead-ends.
	assert.Equal(t, "x", parser.GetValue("name.deeper", "x"))
}

func TestParserGetAs(t *testing.T) {
	raw := testRawData()
	parser := NewParser(&raw)

	var batch struct {
		Enabled        bool    `yaml:"enabled"`
		ItemsPerSecond float64 `yaml:"items_per_second"`
		QueueInterval  string  `yaml:"queue_interval"`
	}

	require.NoError(t, parser.GetAs("batch", &batch))
	assert.True(t, batch.Enabled)
	assert.Equal(t, 10.0, batch.ItemsPerSecond)
	assert.Equal(t, "250ms", batch.QueueInterval)

	err := parser.GetAs("batch.missing", &batch)
	assert.True(t, types.IsError(err, types.ErrConfigNotFound))
}

func TestParserNilData(t *testing.T) {
	parser := NewParser(nil)

	assert.Equal(t, "fallback", parser.GetValue("anything", "fallback"))
}
