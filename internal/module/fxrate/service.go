package fxrate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Service resolves exchange rates and converts payment amounts to KES.
//
// Resolution order is cache, then each configured source in turn, then the
// static fallback rate. Concurrent cache misses may each trigger a fetch;
// the last writer wins, which is harmless for rates.
type Service struct {
	cache        Cache
	sources      []Source
	fallbackRate float64
	cacheTTL     time.Duration
	logger       *zap.Logger
}

// Config holds exchange rate service configuration.
type Config struct {
	CacheTTL     time.Duration
	FallbackRate float64
}

// NewService creates a new exchange rate service.
func NewService(cache Cache, sources []Source, cfg *Config, logger *zap.Logger) *Service {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	fallback := cfg.FallbackRate
	if fallback <= 0 {
		fallback = 130.0
	}
	return &Service{
		cache:        cache,
		sources:      sources,
		fallbackRate: fallback,
		cacheTTL:     ttl,
		logger:       logger,
	}
}

// DefaultSources returns the standard source list.
func DefaultSources() []Source {
	return []Source{
		NewOpenERAPISource(),
		NewExchangerateHostSource(),
	}
}

// Rate returns the base→quote exchange rate.
func (s *Service) Rate(ctx context.Context, base, quote string) float64 {
	key := fmt.Sprintf("%s:%s", base, quote)
	if rate, ok := s.cache.Get(ctx, key); ok {
		return rate
	}

	for _, src := range s.sources {
		rate, err := src.Fetch(ctx, base, quote)
		if err != nil {
			s.logger.Warn("rate source failed",
				zap.String("source", src.Name()),
				zap.String("pair", key),
				zap.Error(err),
			)
			continue
		}
		s.cache.Set(ctx, key, rate, s.cacheTTL)
		s.logger.Info("exchange rate refreshed",
			zap.String("source", src.Name()),
			zap.String("pair", key),
			zap.Float64("rate", rate),
		)
		return rate
	}

	s.logger.Warn("all rate sources failed, using fallback",
		zap.String("pair", key),
		zap.Float64("fallback", s.fallbackRate),
	)
	return s.fallbackRate
}

// ConvertToKES converts an amount in the given currency to KES.
// KES passes through unchanged. USD converts at the current rate. Any other
// currency is treated as already being KES.
func (s *Service) ConvertToKES(ctx context.Context, amount float64, currency string) float64 {
	switch strings.ToUpper(currency) {
	case "KES", "":
		return amount
	case "USD":
		return amount * s.Rate(ctx, "USD", "KES")
	default:
		return amount
	}
}

// roundingStepKES is the granularity amounts are rounded to before credit
// days are computed. Independent of the configured daily rate.
const roundingStepKES = 5.0

// ComputeCreditDays converts a KES amount into whole credit days.
//
// The amount is first rounded to the nearest multiple of 5 KES, half away
// from zero, then divided by the daily rate. Any positive amount grants at
// least one day. A non-positive rate degrades to one day per currency unit.
func ComputeCreditDays(amountKES, dailyRate float64) (int, float64) {
	if amountKES <= 0 {
		return 0, 0
	}
	if dailyRate <= 0 {
		return int(math.Max(1, math.Round(amountKES))), amountKES
	}

	rounded := math.Round(amountKES/roundingStepKES) * roundingStepKES
	if rounded < roundingStepKES {
		rounded = roundingStepKES
	}
	days := int(math.Round(rounded / dailyRate))
	if days < 1 {
		days = 1
	}
	return days, rounded
}
