package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: WarnLevel, Format: TextFormat, Output: &buf})

	log.Info("should be dropped")
	assert.Empty(t, buf.String())

	log.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestWithComponentTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: TextFormat, Output: &buf}).WithComponent("executor")

	log.Info("hello")
	assert.Contains(t, buf.String(), "(executor)")
}

func TestWithFieldsMergesAcrossDerivations(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: JSONFormat, Output: &buf}).
		WithFields(map[string]interface{}{"task_id": "t1"}).
		WithFields(map[string]interface{}{"pipeline_id": 2})

	log.Info("scheduled", map[string]interface{}{"split_id": 7})

	var entry Entry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "t1", entry.Fields["task_id"])
	assert.InDelta(t, 2, entry.Fields["pipeline_id"], 0)
	assert.InDelta(t, 7, entry.Fields["split_id"], 0)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, lvl)

	_, err = ParseLevel("bogus")
	assert.Error(t, err)
}

func TestJSONFormatProducesOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: JSONFormat, Output: &buf})
	log.Info("a")
	log.Info("b")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var e Entry
		assert.NoError(t, json.Unmarshal([]byte(line), &e))
	}
}
