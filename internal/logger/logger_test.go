package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	for _, cfg := range []Config{
		{Level: "debug", Format: "json"},
		{Level: "info", Format: "console"},
		{Level: "nonsense", Format: "text"}, // bad level falls back to info
	} {
		log, err := New(cfg)
		require.NoError(t, err)
		assert.NotNil(t, log)
	}
}

func TestChildLoggers(t *testing.T) {
	log := Nop()

	child := log.WithAgentID("agent-1").WithRequestID("req-1").WithFields(zap.Int("n", 1))
	assert.NotNil(t, child)
	child.Debug("quiet")
	child.Info("quiet")
	child.Warn("quiet")
	child.Error("quiet")
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
