package slog_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelGate(t *testing.T) {
	defer slog.SetLogLevel(slog.GetLogLevel())
	var buf bytes.Buffer
	log, chk := slog.New(&buf)

	slog.SetLogLevel(slog.Info)
	log.D.Ln("hidden")
	log.T.F("hidden %d", 1)
	assert.Equal(t, 0, buf.Len())

	log.I.Ln("shown", 1)
	assert.Contains(t, buf.String(), "shown 1")
	assert.Contains(t, buf.String(), slog.LevelSpecs[slog.Info].Name)

	buf.Reset()
	assert.True(t, chk.D(errors.New("quiet")), "check must report errors even when silent")
	assert.Equal(t, 0, buf.Len())
	assert.False(t, chk.E(nil))

	err := log.E.Err("format %d '%s'", 5, "testing")
	require.Error(t, err)
	assert.Equal(t, "format 5 'testing'", err.Error())
	assert.Contains(t, buf.String(), "format 5 'testing'")
}

func TestSetLogLevelString(t *testing.T) {
	defer slog.SetLogLevel(slog.GetLogLevel())
	for _, tc := range []struct {
		in   string
		want int
	}{
		{"trace", slog.Trace},
		{"Debug", slog.Debug},
		{"w", slog.Warn},
		{"off", slog.Off},
	} {
		slog.SetLogLevelString(tc.in)
		assert.Equal(t, tc.want, slog.GetLogLevel(), tc.in)
	}
	slog.SetLogLevel(slog.Info)
	slog.SetLogLevelString("")
	assert.Equal(t, slog.Info, slog.GetLogLevel())
}

func TestLocation(t *testing.T) {
	defer slog.SetLogLevel(slog.GetLogLevel())
	slog.SetLogLevel(slog.Trace)
	var buf bytes.Buffer
	log, _ := slog.New(&buf)
	log.T.C(func() string { return "closure" })
	assert.True(t, strings.Contains(buf.String(), "log_test.go"), buf.String())
}
