// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Link records which correspondent a message in the shared channel belongs to.
type Link struct {
	RelayMessageID  MessageID
	CorrespondentID UserID
	ChannelID       ChannelID
	CreatedAt       time.Time
}

// CorrelationStore persists links keyed by the relay message id.
type CorrelationStore interface {
	// PutLink inserts the link, replacing any existing link with the same relay message id.
	PutLink(ctx context.Context, link *Link) error
	// GetLink returns nil and no error when there is no link for the id.
	GetLink(ctx context.Context, id MessageID) (*Link, error)
}

// MemoryStore is a CorrelationStore that lives in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	links map[MessageID]Link
}

var _ CorrelationStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: make(map[MessageID]Link)}
}

func (s *MemoryStore) PutLink(_ context.Context, link *Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link.RelayMessageID] = *link
	return nil
}

func (s *MemoryStore) GetLink(_ context.Context, id MessageID) (*Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[id]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

// Len returns the number of stored links.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}

// BreakerSettings configures the circuit breaker in front of a correlation store.
type BreakerSettings struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// DefaultBreakerSettings trips after half of at least five calls failed and
// probes the store again after thirty seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
	}
}

// BreakerStore fails fast while the wrapped store keeps failing, so that
// replies fall back to marker extraction without waiting on a dead backend.
type BreakerStore struct {
	inner CorrelationStore
	cb    *gobreaker.CircuitBreaker
}

var _ CorrelationStore = (*BreakerStore)(nil)

func NewBreakerStore(inner CorrelationStore, settings BreakerSettings, log zerolog.Logger, metrics *Metrics) *BreakerStore {
	log = log.With().Str("component", "store_breaker").Logger()
	return &BreakerStore{
		inner: inner,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "correlation_store",
			MaxRequests: settings.MaxRequests,
			Interval:    settings.Interval,
			Timeout:     settings.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < settings.MinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Correlation store breaker changed state")
				metrics.breakerState(to)
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

func (b *BreakerStore) PutLink(ctx context.Context, link *Link) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.PutLink(ctx, link)
	})
	return breakerError("put", err)
}

func (b *BreakerStore) GetLink(ctx context.Context, id MessageID) (*Link, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.GetLink(ctx, id)
	})
	if err != nil {
		return nil, breakerError("get", err)
	}
	link, _ := res.(*Link)
	return link, nil
}

// State returns the current breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func breakerError(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &StoreError{Op: op, Err: err}
	}
	return err
}

func asStoreError(op string, err error) *StoreError {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr
	}
	return &StoreError{Op: op, Err: err}
}
