package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKeyring_RotationSkipsDisabled(t *testing.T) {
	k := NewKeyring([]string{"key-1", "key-2", "key-3"}, zap.NewNop())

	// Put the user on key-2 and disable key-1 via another user's event.
	_, ok := k.RotateOnRateLimit("other") // other: key-1 disabled, moves to key-2
	require.True(t, ok)
	key, ok := k.KeyFor("u1") // u1 starts at index 0, which is now disabled
	require.True(t, ok)
	assert.Equal(t, "key-2", key)

	// u1 hits a rate limit on key-2: rotation must skip disabled key-1 and
	// land on key-3.
	key, ok = k.RotateOnRateLimit("u1")
	require.True(t, ok)
	assert.Equal(t, "key-3", key)

	// Disabling key-3 exhausts the ring.
	_, ok = k.RotateOnRateLimit("u1")
	assert.False(t, ok)
	assert.True(t, k.Exhausted())
}

func TestKeyring_SharedDisabledSet(t *testing.T) {
	k := NewKeyring([]string{"key-1", "key-2"}, zap.NewNop())

	_, ok := k.RotateOnRateLimit("u1")
	require.True(t, ok)

	// A different user also skips the credential u1 burned.
	key, ok := k.KeyFor("u2")
	require.True(t, ok)
	assert.Equal(t, "key-2", key)
}

func TestKeyring_ResetReenablesAll(t *testing.T) {
	k := NewKeyring([]string{"key-1", "key-2"}, zap.NewNop())

	_, _ = k.RotateOnRateLimit("u1")
	_, ok := k.RotateOnRateLimit("u1")
	require.False(t, ok)
	require.True(t, k.Exhausted())

	k.Reset()
	assert.False(t, k.Exhausted())
	key, ok := k.KeyFor("u1")
	require.True(t, ok)
	assert.Equal(t, "key-1", key)
}

func TestKeyring_EmptyRing(t *testing.T) {
	k := NewKeyring(nil, zap.NewNop())

	_, ok := k.KeyFor("u1")
	assert.False(t, ok)
	_, ok = k.RotateOnRateLimit("u1")
	assert.False(t, ok)
	assert.True(t, k.Exhausted())
}

func TestKeyring_Snapshot(t *testing.T) {
	k := NewKeyring([]string{"key-1", "key-2"}, zap.NewNop())
	_, _ = k.RotateOnRateLimit("u1")

	snap := k.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap[0].Disabled)
	assert.False(t, snap[1].Disabled)
}

func TestController_ExhaustedKeyringPinsFallback(t *testing.T) {
	k := NewKeyring([]string{"key-1"}, zap.NewNop())
	c := NewController(testConfig(), k, zap.NewNop())

	_, rotated := c.HandleProviderRateLimit("u1")
	assert.False(t, rotated)

	d := c.CheckLimit("u1")
	assert.True(t, d.Allowed)
	assert.Equal(t, TierFallback, d.Tier)
}
