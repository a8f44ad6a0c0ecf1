package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMachineHappyPath(t *testing.T) {
	var seen [][2]Status
	m := NewMachine(func(from, to Status) { seen = append(seen, [2]Status{from, to}) })
	ctx := context.Background()

	require.Equal(t, Disconnected, m.Current())
	require.NoError(t, m.Fire(ctx, EventConnect))
	require.NoError(t, m.Fire(ctx, EventConnected))
	require.True(t, m.Is(Connected))
	require.NoError(t, m.Fire(ctx, EventDrop))
	require.NoError(t, m.Fire(ctx, EventReconnect))
	require.Equal(t, Reconnecting, m.Current())
	require.NoError(t, m.Fire(ctx, EventConnect))
	require.NoError(t, m.Fire(ctx, EventFail))
	require.Equal(t, Disconnected, m.Current())

	require.Equal(t, [][2]Status{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connected, Disconnected},
		{Disconnected, Reconnecting},
		{Reconnecting, Connecting},
		{Connecting, Disconnected},
	}, seen)
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	err := m.Fire(context.Background(), EventConnected)
	require.Error(t, err)
	require.Equal(t, Disconnected, m.Current())
}

func TestMachineReleaseFromAnyStatus(t *testing.T) {
	m := NewMachine(nil)
	ctx := context.Background()
	require.NoError(t, m.Fire(ctx, EventConnect))
	m.Release()
	require.Equal(t, Disconnected, m.Current())

	require.NoError(t, m.Fire(ctx, EventReconnect))
	m.Release()
	require.Equal(t, Disconnected, m.Current())
}
