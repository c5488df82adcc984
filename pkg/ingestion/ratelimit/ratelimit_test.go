package ratelimit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellum-systems/substrate/pkg/ingestion/ratelimit"
)

func TestLocalLimiter_AllowsUpToBurstThenBlocks(t *testing.T) {
	l := ratelimit.NewLocalLimiter(1, 2)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "actor1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "actor1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "actor1")
	require.NoError(t, err)
	assert.False(t, ok, "third immediate request exceeds the burst of 2")
}

func TestLocalLimiter_BucketsArePerActor(t *testing.T) {
	l := ratelimit.NewLocalLimiter(1, 1)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "actor1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "actor2")
	require.NoError(t, err)
	assert.True(t, ok, "a distinct actor has its own untouched bucket")
}

func TestLocalLimiter_ZeroBurstDefaultsToOne(t *testing.T) {
	l := ratelimit.NewLocalLimiter(1, 0)
	ok, err := l.Allow(context.Background(), "actor1")
	require.NoError(t, err)
	assert.True(t, ok)
}
