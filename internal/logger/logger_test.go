package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(false, &buf)

	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Info().Str("remote", "[::1]:1234").Msg("hello")

	var fields map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, "info", fields["level"])
	assert.Equal(t, "hello", fields["message"])
	assert.Equal(t, "[::1]:1234", fields["remote"])
	assert.Contains(t, fields, "time")
}

func TestSetupDebugConsole(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(true, &buf)

	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}
