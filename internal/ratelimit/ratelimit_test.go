package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/proxy-dispatch-service/internal/counter"
	"github.com/proxy-dispatch-service/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitWithoutRuleAlwaysAdmits(t *testing.T) {
	ctx := context.Background()
	limiter := New(counter.NewMemoryStore(), nil)

	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Admit(ctx, "unruled.example.com"))
	}
}

func TestAdmitEnforcesWindowCeiling(t *testing.T) {
	ctx := context.Background()
	limiter := New(counter.NewMemoryStore(), []types.RateLimitRule{
		{Domain: "x.example.com", Requests: 3, WindowMs: 1000},
	})

	assert.True(t, limiter.Admit(ctx, "x.example.com"))
	assert.True(t, limiter.Admit(ctx, "x.example.com"))
	assert.True(t, limiter.Admit(ctx, "x.example.com"))
	assert.False(t, limiter.Admit(ctx, "x.example.com"), "4th admission in the window must be denied")

	// A different domain is unaffected
	assert.True(t, limiter.Admit(ctx, "y.example.com"))
}

func TestAdmitWindowExpires(t *testing.T) {
	ctx := context.Background()
	limiter := New(counter.NewMemoryStore(), []types.RateLimitRule{
		{Domain: "x.example.com", Requests: 1, WindowMs: 40},
	})

	assert.True(t, limiter.Admit(ctx, "x.example.com"))
	assert.False(t, limiter.Admit(ctx, "x.example.com"))

	time.Sleep(60 * time.Millisecond)

	assert.True(t, limiter.Admit(ctx, "x.example.com"), "new window admits again")
}

func TestAdmitCooldownBlocksNewWindow(t *testing.T) {
	ctx := context.Background()
	limiter := New(counter.NewMemoryStore(), []types.RateLimitRule{
		{Domain: "x.example.com", Requests: 1, WindowMs: 40, CooldownMs: 500},
	})

	assert.True(t, limiter.Admit(ctx, "x.example.com"))
	// Exhausting the window arms the cooldown
	assert.False(t, limiter.Admit(ctx, "x.example.com"))

	time.Sleep(60 * time.Millisecond)

	assert.False(t, limiter.Admit(ctx, "x.example.com"), "cooldown outlives the window")
}

func TestAdmitIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	limiter := New(counter.NewMemoryStore(), []types.RateLimitRule{
		{Domain: "X.Example.COM", Requests: 1, WindowMs: 1000},
	})

	assert.True(t, limiter.Admit(ctx, "x.example.com"))
	assert.False(t, limiter.Admit(ctx, "X.EXAMPLE.COM"))
}

func TestRuleLookup(t *testing.T) {
	limiter := New(counter.NewMemoryStore(), []types.RateLimitRule{
		{Domain: "x.example.com", Requests: 3, WindowMs: 1000, PreferredTier: types.TierResidential},
	})

	rule, ok := limiter.Rule("x.example.com")
	require.True(t, ok)
	assert.Equal(t, types.TierResidential, rule.PreferredTier)

	_, ok = limiter.Rule("other.example.com")
	assert.False(t, ok)
}
