package hostlog_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/joeycumines/lambdahost/hostlog"
	"github.com/stretchr/testify/require"
)

func TestNew_writesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := hostlog.New(&buf)

	hostlog.Infof(logger, "hello")
	hostlog.Errorf(logger, errors.New("boom"), "failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "hello")
	require.Contains(t, lines[1], "boom")
	require.Contains(t, lines[1], "failed")
}

func TestDiscard_dropsEverything(t *testing.T) {
	require.NotPanics(t, func() {
		hostlog.Infof(hostlog.Discard, "whatever")
	})
}

func TestLevel_String(t *testing.T) {
	require.Equal(t, "error", hostlog.LevelError.String())
	require.Equal(t, "warn", hostlog.LevelWarn.String())
	require.Equal(t, "info", hostlog.LevelInfo.String())
	require.Equal(t, "trace", hostlog.LevelTrace.String())
}
