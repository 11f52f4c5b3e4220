package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	l, err := Setup(dir, true, false, []string{"vp9pipe", "encode"})
	require.NoError(t, err)
	l.Zap().Debug("picture coded", zap.Int64("picture", 12))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	out := string(data)
	require.Contains(t, out, "vp9pipe encode")
	require.Contains(t, out, "DEBUG")
	require.Contains(t, out, `"picture": 12`)
}

func TestSetupDisabled(t *testing.T) {
	l, err := Setup(t.TempDir(), false, true, nil)
	require.NoError(t, err)
	require.Nil(t, l)
	require.NotNil(t, l.Zap())
	require.NoError(t, l.Close())
	require.Empty(t, l.Path())
}

func TestNewFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, false)
	log.Debug("hidden")
	log.Info("shown", zap.String("stage", "decision"))
	require.False(t, strings.Contains(buf.String(), "hidden"))
	require.Contains(t, buf.String(), "INFO")
	require.Contains(t, buf.String(), `"stage": "decision"`)
}

func TestDefaultLogDir(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/state")
	require.Equal(t, "/tmp/state/vp9pipe/logs", DefaultLogDir())
}
