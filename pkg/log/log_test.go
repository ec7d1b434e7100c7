package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"
)

func TestInitDefaultsToInfoJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(WithOutput(&buf))
	defer Init()

	Logger.Debug().Msg("hidden")
	Logger.Info().Msg("shown")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestInitParsesLevelAndFallsBack(t *testing.T) {
	Init(WithLevel("debug"))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	Init(WithLevel("not-a-level"))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	Init()
}

func TestWithComponentTagsLines(t *testing.T) {
	var buf bytes.Buffer
	Init(WithOutput(&buf))
	defer Init()

	compLogger := WithComponent("aes")
	compLogger.Info().Msg("dispatched")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "aes", line["component"])
}
