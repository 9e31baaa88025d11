package core

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"gwi.com/book-recommender/internal/logging"
	"gwi.com/book-recommender/internal/metrics"
)

// BreakerEmbedder stops calling a failing embedding service for a while
// instead of letting every request wait on it. It never retries.
type BreakerEmbedder struct {
	name string
	next Embedder
	cb   *gobreaker.CircuitBreaker[[]float32]
}

// NewBreakerEmbedder opens after 5 consecutive failures and probes again after 30s.
func NewBreakerEmbedder(name string, next Embedder) *BreakerEmbedder {
	return newBreakerEmbedder(name, next, 5, 30*time.Second)
}

func newBreakerEmbedder(name string, next Embedder, maxFailures uint32, openFor time.Duration) *BreakerEmbedder {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]float32](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// a caller hanging up says nothing about the service's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("embedding circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return &BreakerEmbedder{name: name, next: next, cb: cb}
}

func (b *BreakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := b.cb.Execute(func() ([]float32, error) {
		return b.next.Embed(ctx, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &EmbeddingServiceError{Provider: b.name, Err: err}
	}
	return vec, err
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
