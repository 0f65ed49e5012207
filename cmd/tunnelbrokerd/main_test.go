package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openuds/tunnelbroker/internal/logger"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want logger.Level
	}{
		{"debug", logger.DebugLevel},
		{"info", logger.InfoLevel},
		{"warn", logger.WarnLevel},
		{"error", logger.ErrorLevel},
		{"nonsense", logger.InfoLevel},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, parseLevel(c.in), "level %q", c.in)
	}
}

func TestConfigFlagDefaultsToTunnelbrokerToml(t *testing.T) {
	flag := rootCmd.Flags().Lookup("config")
	if assert.NotNil(t, flag) {
		assert.Equal(t, "tunnelbroker.toml", flag.DefValue)
	}
}
