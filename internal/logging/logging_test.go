package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "json")
	log.Info().Msg("hidden")
	log.Warn().Int64("dump_id", 3).Msg("shown")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["message"])
	assert.Equal(t, "lbdump", rec["service"])
	assert.EqualValues(t, 3, rec["dump_id"])
}

func TestNewConsoleDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "bogus", "console")
	log.Debug().Msg("hidden")
	log.Info().Msg("dump finished")
	assert.Contains(t, buf.String(), "dump finished")
	assert.NotContains(t, buf.String(), "hidden")
}
