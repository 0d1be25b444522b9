package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, NetworkNone, cfg.Defaults.NetworkMode)
	assert.EqualValues(t, 256*1024, cfg.Defaults.ScrollbackBytes)
	assert.EqualValues(t, 30, cfg.IdleTimeoutSeconds)
	assert.True(t, cfg.Defaults.AutoRestart)
}

func TestParseSize(t *testing.T) {
	n, err := ParseSize("256KiB")
	require.NoError(t, err)
	assert.EqualValues(t, 256*1024, n)

	n, err = ParseSize("64MiB")
	require.NoError(t, err)
	assert.EqualValues(t, 64*1024*1024, n)

	_, err = ParseSize("not-a-size")
	assert.Error(t, err)
}
