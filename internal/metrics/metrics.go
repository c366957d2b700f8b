package metrics

import "sync"

// Event names. Handlers and background tasks increment these; the set is
// open-ended, so callers may also use ad-hoc names.
const (
	OfferEnqueued      = "offer_enqueued"
	OfferRejected      = "offer_rejected"
	OfferFetched       = "offer_fetched"
	QueueClaimed       = "queue_claimed"
	QueueEmpty         = "queue_empty"
	AnswerStored       = "answer_stored"
	AnswerRejected     = "answer_rejected"
	AnswerDelivered    = "answer_delivered"
	AnswerNotReady     = "answer_not_ready"
	ConnectionNotFound = "connection_not_found"

	EvictedOfferTTL     = "evicted_offer_ttl"
	EvictedAnswerGrace  = "evicted_answer_grace"
	EvictedAfterDeliver = "evicted_after_delivery"

	DropReasonTooManyConnections = "too_many_connections"
	DropReasonRateLimited        = "rate_limited"
	AuthFailure                  = "auth_failure"
	InternalError                = "internal_error"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards all updates, so components can be
// constructed without one in tests.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
