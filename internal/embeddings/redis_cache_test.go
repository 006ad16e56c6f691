package embeddings

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisCache_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	rc, err := NewRedisCache(mr.Addr(), "", zap.NewNop())
	require.NoError(t, err)
	defer rc.Close()

	ctx := context.Background()
	key := MakeKey("text-embedding-3-small", "force majeure")
	vec := []float32{0.25, -1.5, 3.75, 0}

	rc.Set(ctx, key, vec, time.Minute)

	got, ok := rc.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, vec, got)
}

func TestRedisCache_MissingKey(t *testing.T) {
	mr := miniredis.RunT(t)

	rc, err := NewRedisCache(mr.Addr(), "", zap.NewNop())
	require.NoError(t, err)
	defer rc.Close()

	_, ok := rc.Get(context.Background(), "emb:absent")
	assert.False(t, ok)
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)

	rc, err := NewRedisCache(mr.Addr(), "", zap.NewNop())
	require.NoError(t, err)
	defer rc.Close()

	ctx := context.Background()
	key := MakeKey("text-embedding-3-small", "arbitration")
	rc.Set(ctx, key, []float32{1, 2}, 30*time.Second)

	mr.FastForward(time.Minute)

	_, ok := rc.Get(ctx, key)
	assert.False(t, ok)
}

func TestRedisCache_MalformedPayloadIsAMiss(t *testing.T) {
	mr := miniredis.RunT(t)

	rc, err := NewRedisCache(mr.Addr(), "", zap.NewNop())
	require.NoError(t, err)
	defer rc.Close()

	require.NoError(t, mr.Set("emb:bad", "abc")) // not a multiple of 4 bytes

	_, ok := rc.Get(context.Background(), "emb:bad")
	assert.False(t, ok)
}

func TestRedisCache_ConnectFailure(t *testing.T) {
	_, err := NewRedisCache("127.0.0.1:1", "", zap.NewNop())
	assert.Error(t, err)
}

func TestMakeKey_Stable(t *testing.T) {
	a := MakeKey("text-embedding-3-small", "choice of law")
	b := MakeKey("text-embedding-3-small", "choice of law")
	c := MakeKey("text-embedding-3-large", "choice of law")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^emb:[0-9a-f]{32}$`, a)
}
