package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, log.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, log.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, log.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, log.InfoLevel, ParseLevel(""))
}

func TestLoggerFromEnv(t *testing.T) {
	t.Setenv(EnvLevel, "warn")
	t.Setenv(EnvPrefix, "dump ")

	var buf bytes.Buffer
	lg := NewLoggerWithWriter(&buf)
	defer lg.Close()

	lg.Info("hidden")
	lg.Warn("Corrupt list", "head", "0xc1a04b40")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "dump")
	assert.Contains(t, buf.String(), "head=0xc1a04b40")
	assert.False(t, IsDebug())

	buf.Reset()
	slog.New(lg.Logger).Warn("via slog", "va", "0xc0000000")
	assert.Contains(t, buf.String(), "va=0xc0000000")
}
