package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowFallbackPermitsWithinBudget(t *testing.T) {
	l := New(nil)

	allowed, err := l.Allow(context.Background(), "org-1", 5)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAllowFallbackRejectsOverBudget(t *testing.T) {
	l := New(nil)

	for i := 0; i < 5; i++ {
		_, err := l.Allow(context.Background(), "org-1", 5)
		require.NoError(t, err)
	}

	allowed, err := l.Allow(context.Background(), "org-1", 5)
	require.NoError(t, err)
	require.False(t, allowed, "burst of 5 should be exhausted by the 6th call")
}

func TestAllowFallbackIsPerOrg(t *testing.T) {
	l := New(nil)

	for i := 0; i < 5; i++ {
		_, err := l.Allow(context.Background(), "org-1", 5)
		require.NoError(t, err)
	}

	allowed, err := l.Allow(context.Background(), "org-2", 5)
	require.NoError(t, err)
	require.True(t, allowed, "a different org must have its own budget")
}
