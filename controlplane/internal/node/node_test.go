package node

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	n := New(&Config{}, nil)

	require.Equal(t, DefaultOverlayPort, n.OverlayPort())
	require.False(t, n.OverlayIP().IsValid())
	require.Nil(t, n.LogLevel())
}

func TestSetOverlayIPReportsChange(t *testing.T) {
	n := New(DefaultConfig(), nil)
	addr := netip.MustParseAddr("192.0.2.1")

	require.True(t, n.SetOverlayIP(addr))
	require.False(t, n.SetOverlayIP(addr))
	require.Equal(t, addr, n.OverlayIP())
}
