package fxrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubSource struct {
	name string
	rate float64
	err  error
	hits int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(_ context.Context, _, _ string) (float64, error) {
	s.hits++
	if s.err != nil {
		return 0, s.err
	}
	return s.rate, nil
}

func TestComputeCreditDays(t *testing.T) {
	tests := []struct {
		name        string
		amount      float64
		rate        float64
		wantDays    int
		wantRounded float64
	}{
		{"exact multiple", 100, 5, 20, 100},
		{"rounds down below half", 102, 5, 20, 100},
		{"rounds up past half", 103, 5, 21, 105},
		{"small positive grants one day", 3, 5, 1, 5},
		{"single day", 5, 5, 1, 5},
		{"below one day rounds to one", 1, 5, 1, 5},
		{"rounding step stays five at other rates", 103, 10, 11, 105},
		{"coarse rate rounds half up", 3, 10, 1, 5},
		{"zero amount", 0, 5, 0, 0},
		{"negative amount", -10, 5, 0, 0},
		{"zero rate falls back to one-to-one", 7, 0, 7, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			days, rounded := ComputeCreditDays(tt.amount, tt.rate)
			assert.Equal(t, tt.wantDays, days)
			assert.Equal(t, tt.wantRounded, rounded)
		})
	}
}

func TestRateUsesCacheFirst(t *testing.T) {
	cache := NewMemoryCache()
	src := &stubSource{name: "stub", rate: 128}
	svc := NewService(cache, []Source{src}, &Config{FallbackRate: 130}, zap.NewNop())

	ctx := context.Background()
	cache.Set(ctx, "USD:KES", 125, time.Hour)

	assert.Equal(t, 125.0, svc.Rate(ctx, "USD", "KES"))
	assert.Equal(t, 0, src.hits)
}

func TestRateFetchesAndCachesOnMiss(t *testing.T) {
	cache := NewMemoryCache()
	src := &stubSource{name: "stub", rate: 128}
	svc := NewService(cache, []Source{src}, &Config{FallbackRate: 130}, zap.NewNop())

	ctx := context.Background()
	assert.Equal(t, 128.0, svc.Rate(ctx, "USD", "KES"))
	assert.Equal(t, 1, src.hits)

	// Second lookup is served from cache.
	assert.Equal(t, 128.0, svc.Rate(ctx, "USD", "KES"))
	assert.Equal(t, 1, src.hits)
}

func TestRateTriesSourcesInOrder(t *testing.T) {
	cache := NewMemoryCache()
	broken := &stubSource{name: "broken", err: errors.New("boom")}
	working := &stubSource{name: "working", rate: 129}
	svc := NewService(cache, []Source{broken, working}, &Config{FallbackRate: 130}, zap.NewNop())

	assert.Equal(t, 129.0, svc.Rate(context.Background(), "USD", "KES"))
	assert.Equal(t, 1, broken.hits)
	assert.Equal(t, 1, working.hits)
}

func TestRateFallsBackWhenAllSourcesFail(t *testing.T) {
	cache := NewMemoryCache()
	broken := &stubSource{name: "broken", err: errors.New("boom")}
	svc := NewService(cache, []Source{broken}, &Config{FallbackRate: 130}, zap.NewNop())

	assert.Equal(t, 130.0, svc.Rate(context.Background(), "USD", "KES"))

	// The fallback is not cached; the source is retried next time.
	svc.Rate(context.Background(), "USD", "KES")
	assert.Equal(t, 2, broken.hits)
}

func TestConvertToKES(t *testing.T) {
	cache := NewMemoryCache()
	src := &stubSource{name: "stub", rate: 130}
	svc := NewService(cache, []Source{src}, &Config{FallbackRate: 130}, zap.NewNop())

	ctx := context.Background()
	assert.Equal(t, 50.0, svc.ConvertToKES(ctx, 50, "KES"))
	assert.Equal(t, 50.0, svc.ConvertToKES(ctx, 50, ""))
	assert.Equal(t, 130.0, svc.ConvertToKES(ctx, 1, "USD"))
	assert.Equal(t, 260.0, svc.ConvertToKES(ctx, 2, "usd"))
	// Unknown currencies pass through as KES.
	assert.Equal(t, 75.0, svc.ConvertToKES(ctx, 75, "EUR"))
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	ctx := context.Background()
	cache.Set(ctx, "USD:KES", 128, time.Hour)

	rate, ok := cache.Get(ctx, "USD:KES")
	assert.True(t, ok)
	assert.Equal(t, 128.0, rate)

	now = now.Add(2 * time.Hour)
	_, ok = cache.Get(ctx, "USD:KES")
	assert.False(t, ok)
}
