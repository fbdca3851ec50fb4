package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liteskill.io/chatlog/internal/bus"
	"liteskill.io/chatlog/internal/config"
	"liteskill.io/chatlog/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console")
	m.Run()
}

func TestNewBusKinds(t *testing.T) {
	b, err := newBus(config.BusConfig{Kind: "memory", BufferSize: 8})
	require.NoError(t, err)
	assert.IsType(t, &bus.MemoryBus{}, b)
	require.NoError(t, b.Close())

	b, err = newBus(config.BusConfig{Kind: "noop"})
	require.NoError(t, err)
	assert.IsType(t, bus.NoopBus{}, b)
	require.NoError(t, b.Close())
}
