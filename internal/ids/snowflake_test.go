package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnowflakeIDsAreUniqueAndIncreasing(t *testing.T) {
	sf, err := NewSnowflake(1)
	require.NoError(t, err)

	seen := make(map[int64]bool, 1000)
	var prev int64
	for i := 0; i < 1000; i++ {
		id := sf.Next()
		require.False(t, seen[id], "duplicate snowflake id")
		seen[id] = true
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestNewSnowflakeRejectsOutOfRangeNode(t *testing.T) {
	_, err := NewSnowflake(-1)
	require.Error(t, err)
	_, err = NewSnowflake(maxNode + 1)
	require.Error(t, err)
}
