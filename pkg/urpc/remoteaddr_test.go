package urpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoteAddrRoundTrip(t *testing.T) {
	_, ok := RemoteAddr(context.Background())
	require.False(t, ok)

	ctx := withRemoteAddr(context.Background(), "10.0.0.5:54321")
	addr, ok := RemoteAddr(ctx)
	require.True(t, ok)
	require.Equal(t, "10.0.0.5:54321", addr)
}
