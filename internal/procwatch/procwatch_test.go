package procwatch

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfIsAlive(t *testing.T) {
	ctx := context.Background()
	self, err := Self(ctx)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), self.PID)
	assert.Positive(t, self.StartedAt)

	c := NewProcessChecker()

	alive, err := c.Alive(ctx, self.PID, nil)
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = c.Alive(ctx, self.PID, &self.StartedAt)
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestReusedPidIsDead(t *testing.T) {
	ctx := context.Background()
	self, err := Self(ctx)
	require.NoError(t, err)

	earlier := self.StartedAt - 3600*1000
	alive, err := NewProcessChecker().Alive(ctx, self.PID, &earlier)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestInvalidPidIsDead(t *testing.T) {
	c := NewProcessChecker()
	for _, pid := range []int{0, -1} {
		alive, err := c.Alive(context.Background(), pid, nil)
		require.NoError(t, err)
		assert.False(t, alive)
	}
}
