// Package matcher pairs answering peers with pending offers using a
// non-blocking polling contract.
//
// A consumer asks whether anything is pending. If a record is available it is
// claimed on the consumer's behalf; otherwise the consumer is told how long to
// wait before asking again. The relay never parks a request waiting for a
// peer.
package matcher

import (
	"errors"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
)

// DefaultRetryAfter matches the browser clients' hardcoded poll interval.
const DefaultRetryAfter = time.Second

// Claimer is the subset of *registry.Registry the matcher needs.
type Claimer interface {
	ClaimNext() (registry.Record, error)
}

type Options struct {
	// RetryAfter is the backoff hint returned when nothing is pending. Values
	// <= 0 select DefaultRetryAfter.
	RetryAfter time.Duration
	Metrics    *metrics.Metrics
}

type Matcher struct {
	claimer    Claimer
	retryAfter time.Duration
	metrics    *metrics.Metrics
}

func New(claimer Claimer, opts Options) *Matcher {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultRetryAfter
	}
	return &Matcher{
		claimer:    claimer,
		retryAfter: opts.RetryAfter,
		metrics:    opts.Metrics,
	}
}

// Result is the outcome of a single poll. When Claimed is false the caller
// should retry after RetryAfter.
type Result struct {
	ConnectionID string
	Claimed      bool
	RetryAfter   time.Duration
}

func (m *Matcher) RetryAfter() time.Duration { return m.retryAfter }

// Poll makes one claim attempt.
func (m *Matcher) Poll() (Result, error) {
	rec, err := m.claimer.ClaimNext()
	if errors.Is(err, registry.ErrEmpty) {
		m.metrics.Inc(metrics.QueueEmpty)
		return Result{RetryAfter: m.retryAfter}, nil
	}
	if err != nil {
		return Result{}, err
	}
	m.metrics.Inc(metrics.QueueClaimed)
	return Result{ConnectionID: rec.ID, Claimed: true}, nil
}
