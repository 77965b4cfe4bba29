package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DebugLevel,
		" WARN ":  WarnLevel,
		"warning": WarnLevel,
		"Error":   ErrorLevel,
		"":        InfoLevel,
		"verbose": InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestComponentTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	log := Component("jsonrpc")
	log.Debug().Int64("id", 7).Msg("sent request")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "jsonrpc", entry["component"])
	assert.Equal(t, "sent request", entry["message"])
	assert.EqualValues(t, 7, entry["id"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestOpenTraceAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acp.trace")
	f, err := OpenTrace(path)
	require.NoError(t, err)
	_, err = f.WriteString("one\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = OpenTrace(path)
	require.NoError(t, err)
	_, err = f.WriteString("two\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}
