package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/config"
)

func TestNewLogger_FieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{ServiceName: "mailsync", Log: config.LogConfig{Level: "warn"}}

	log := newLogger(&buf, cfg)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	log.Warn().Str("account_id", "a1").Msg("kept")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "mailsync", entry["service"])
	assert.Equal(t, "a1", entry["account_id"])
}

func TestNewLogger_BadLevelDefaultsToInfo(t *testing.T) {
	log := newLogger(&bytes.Buffer{}, &config.Config{Log: config.LogConfig{Level: "loud"}})
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}
