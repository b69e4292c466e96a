package cancelreg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetIsSetClear(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(0)

	set, err := reg.IsSet(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, reg.Set(ctx, "t1"))
	set, _ = reg.IsSet(ctx, "t1")
	assert.True(t, set)

	// Other tasks are unaffected.
	set, _ = reg.IsSet(ctx, "t2")
	assert.False(t, set)

	require.NoError(t, reg.Clear(ctx, "t1"))
	set, _ = reg.IsSet(ctx, "t1")
	assert.False(t, set)

	// Clearing twice is fine.
	require.NoError(t, reg.Clear(ctx, "t1"))
}

func TestMemoryFlagExpires(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(time.Minute)
	base := time.Now()
	reg.clock = func() time.Time { return base }

	require.NoError(t, reg.Set(ctx, "t1"))
	set, _ := reg.IsSet(ctx, "t1")
	assert.True(t, set)

	reg.clock = func() time.Time { return base.Add(2 * time.Minute) }
	set, _ = reg.IsSet(ctx, "t1")
	assert.False(t, set)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "cancel:abc", Key("abc"))
}
