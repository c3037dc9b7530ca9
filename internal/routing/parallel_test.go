package routing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParallelIDIsStable(t *testing.T) {
	a := parallelID("msg-1", "p1")
	require.Equal(t, a, parallelID("msg-1", "p1"))
	require.NotEqual(t, a, parallelID("msg-1", "p2"))
}
