package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(Config{Level: "debug", Format: "json"}, &buf), "bidding")
	logger.Debug().Msg("bid accepted")

	var line map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	check.Equal(t, "bidding", line["component"])
	check.Equal(t, "debug", line["level"])
	check.Equal(t, "bid accepted", line["message"])
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn"}, &buf)
	logger.Info().Msg("hidden")
	check.Equal(t, 0, buf.Len())

	logger.Warn().Msg("shown")
	check.True(t, buf.Len() > 0)
}
