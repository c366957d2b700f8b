// Package sweeper evicts stale connection records so the registry stays
// bounded when peers disappear mid-handshake.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultOfferTTL    = 2 * time.Minute
	DefaultAnswerGrace = 30 * time.Second
)

// Store is the subset of *registry.Registry the sweeper needs.
type Store interface {
	Snapshot() []registry.Record
	EvictIf(id string, cond func(registry.Record) bool) (registry.Record, bool)
}

type Options struct {
	// Interval between passes. Independent of request traffic.
	Interval time.Duration
	// OfferTTL bounds how long a record that has not been answered may live.
	OfferTTL time.Duration
	// AnswerGrace bounds how long an answer may wait for the offering peer to
	// collect it.
	AnswerGrace time.Duration

	Clock   registry.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Sweeper struct {
	store       Store
	interval    time.Duration
	offerTTL    time.Duration
	answerGrace time.Duration
	clock       registry.Clock
	log         *slog.Logger
	metrics     *metrics.Metrics
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func New(store Store, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.OfferTTL <= 0 {
		opts.OfferTTL = DefaultOfferTTL
	}
	if opts.AnswerGrace <= 0 {
		opts.AnswerGrace = DefaultAnswerGrace
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sweeper{
		store:       store,
		interval:    opts.Interval,
		offerTTL:    opts.OfferTTL,
		answerGrace: opts.AnswerGrace,
		clock:       opts.Clock,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Run sweeps every interval until ctx is done. It returns nil on
// cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("expiry sweeper started",
		"interval", s.interval,
		"offer_ttl", s.offerTTL,
		"answer_grace", s.answerGrace,
	)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(s.clock.Now())
		}
	}
}

// Sweep performs a single pass and returns the number of records evicted.
func (s *Sweeper) Sweep(now time.Time) int {
	evicted := 0
	for _, rec := range s.store.Snapshot() {
		if !s.stale(rec, now) {
			continue
		}
		// Re-check under the registry lock; the record may have been
		// answered or touched since the snapshot.
		gone, ok := s.store.EvictIf(rec.ID, func(cur registry.Record) bool {
			return s.stale(cur, now)
		})
		if !ok {
			continue
		}
		evicted++
		reason := metrics.EvictedOfferTTL
		if rec.State == registry.StateAnswered {
			reason = metrics.EvictedAnswerGrace
		}
		s.metrics.Inc(reason)
		s.log.Debug("evicted connection",
			"connection_id", gone.ID,
			"device_id", gone.Offer.DeviceID,
			"reason", reason,
			"age", now.Sub(gone.CreatedAt),
		)
	}
	return evicted
}

func (s *Sweeper) stale(rec registry.Record, now time.Time) bool {
	limit := s.offerTTL
	if rec.State == registry.StateAnswered {
		limit = s.answerGrace
	}
	return now.Sub(rec.LastTouchedAt) > limit
}
