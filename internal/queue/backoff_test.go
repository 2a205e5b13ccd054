package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	base := 5 * time.Second
	require.Equal(t, 10*time.Second, Backoff(base, 1))
	require.Equal(t, 20*time.Second, Backoff(base, 2))
	require.Equal(t, 40*time.Second, Backoff(base, 3))
}

func TestBackoffFloorsAttemptAtOne(t *testing.T) {
	base := 5 * time.Second
	require.Equal(t, 10*time.Second, Backoff(base, 0))
	require.Equal(t, 10*time.Second, Backoff(base, -3))
}
