package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("bogus")
	assert.Error(t, err)
}

func TestModuleGating(t *testing.T) {
	var buf bytes.Buffer
	old := Root()
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))
	defer SetDefault(old)

	DisableModule(JitMonitoring)
	Trace(JitMonitoring, "should be dropped")
	assert.Empty(t, buf.String())

	EnableModule(JitMonitoring)
	defer DisableModule(JitMonitoring)
	Trace(JitMonitoring, "guard armed", "addr", 0x1000)
	assert.Contains(t, buf.String(), "guard armed")
	assert.Contains(t, buf.String(), "module=jit")
}

func TestWarnBypassesModuleGate(t *testing.T) {
	var buf bytes.Buffer
	old := Root()
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))
	defer SetDefault(old)

	DisableModule(JitMonitoring)
	Warn(JitMonitoring, "blr optimization disabled")
	assert.Contains(t, buf.String(), "blr optimization disabled")
}

func TestEnableModulesCSV(t *testing.T) {
	EnableModules("jit, cache")
	defer func() {
		DisableModule(JitMonitoring)
		DisableModule(CacheMonitoring)
	}()
	assert.True(t, isModuleEnabled(JitMonitoring))
	assert.True(t, isModuleEnabled(CacheMonitoring))
	assert.False(t, isModuleEnabled(CoreMonitoring))
}

func TestTerminalHandlerQuotesValues(t *testing.T) {
	var buf bytes.Buffer
	h := NewTerminalHandlerWithLevel(&buf, LevelInfo, false)
	l := NewLogger(h)
	l.Info(CoreMonitoring, "msg", "reason", "stack too small")
	line := buf.String()
	assert.True(t, strings.Contains(line, `reason="stack too small"`), line)
}
