package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffLimiterForIsStablePerAddr(t *testing.T) {
	lim1 := backoffLimiterFor("peer-a:7777")
	lim2 := backoffLimiterFor("peer-a:7777")
	require.Same(t, lim1, lim2, "same addr must reuse the same limiter instance")

	lim3 := backoffLimiterFor("peer-b:7777")
	require.NotSame(t, lim1, lim3, "distinct addrs must not share a limiter")
}

func TestWaitBackoffRespectsContextCancellation(t *testing.T) {
	addr := "peer-cancelled:7777"
	// Drain the limiter's only burst token so the next Wait would block.
	backoffLimiterFor(addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := waitBackoff(ctx, addr)
	require.Error(t, err)
}
