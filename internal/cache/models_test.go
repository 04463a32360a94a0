package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwadow/kiro-gateway/internal/kiro"
)

func intPtr(n int) *int { return &n }

func sampleModels() []kiro.ModelInfo {
	return []kiro.ModelInfo{
		{
			ModelID:     "claude-sonnet-4",
			ModelName:   "Claude Sonnet 4",
			TokenLimits: &kiro.TokenLimits{MaxInputTokens: intPtr(200000)},
		},
		{ModelID: "claude-haiku-3.5"},
	}
}

func TestModelCache_UpdateAndGet(t *testing.T) {
	c := NewModelCache(ModelCacheOptions{})
	assert.True(t, c.IsEmpty())
	assert.True(t, c.IsStale())

	c.Update(sampleModels())

	assert.False(t, c.IsEmpty())
	assert.False(t, c.IsStale())

	m, ok := c.Get("claude-sonnet-4")
	require.True(t, ok)
	assert.Equal(t, "Claude Sonnet 4", m.ModelName)

	_, ok = c.Get("gpt-4")
	assert.False(t, ok)
}

func TestModelCache_EmptyUpdateIgnored(t *testing.T) {
	c := NewModelCache(ModelCacheOptions{})
	c.Update(sampleModels())
	before := c.UpdatedAt()

	c.Update(nil)

	assert.False(t, c.IsEmpty())
	assert.Equal(t, before, c.UpdatedAt())
	assert.Len(t, c.List(), 2)
}

func TestModelCache_ListPreservesOrderAndDedupes(t *testing.T) {
	c := NewModelCache(ModelCacheOptions{})
	c.Update([]kiro.ModelInfo{
		{ModelID: "b", ModelName: "first"},
		{ModelID: "a"},
		{ModelID: "b", ModelName: "second"},
		{ModelID: ""},
	})

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ModelID)
	assert.Equal(t, "a", list[1].ModelID)
	// A duplicate ID keeps its position but takes the latest record.
	assert.Equal(t, "second", list[0].ModelName)
}

func TestModelCache_MaxInputTokens(t *testing.T) {
	c := NewModelCache(ModelCacheOptions{})
	c.Update(sampleModels())

	limit, ok := c.MaxInputTokens("claude-sonnet-4")
	require.True(t, ok)
	assert.Equal(t, 200000, limit)

	// A model without limits must report unknown, not zero.
	_, ok = c.MaxInputTokens("claude-haiku-3.5")
	assert.False(t, ok)

	_, ok = c.MaxInputTokens("unknown-model")
	assert.False(t, ok)
}

func TestModelCache_Staleness(t *testing.T) {
	c := NewModelCache(ModelCacheOptions{TTL: 10 * time.Millisecond})
	c.Update(sampleModels())
	assert.False(t, c.IsStale())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.IsStale())

	// Stale data is still served.
	assert.Len(t, c.List(), 2)
}
