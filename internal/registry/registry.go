package registry

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// maxIDAttempts bounds retries when the id generator returns an id that is
// still live.
const maxIDAttempts = 3

type Options struct {
	// Clock defaults to the wall clock.
	Clock Clock
	// NewID generates connection ids. Defaults to random (v4) UUIDs.
	NewID func() (string, error)
	// MaxRecords caps live records. A value <= 0 means unlimited.
	MaxRecords int
	Metrics    *metrics.Metrics
}

type entry struct {
	rec Record
	// elem is the entry's position in the pending queue; nil once claimed.
	elem *list.Element
}

type Registry struct {
	clock      Clock
	newID      func() (string, error)
	maxRecords int
	metrics    *metrics.Metrics

	mu      sync.Mutex
	records map[string]*entry
	pending *list.List // of *entry, ordered by (CreatedAt, Seq)
	seq     uint64
}

func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.NewID == nil {
		opts.NewID = newUUID
	}
	return &Registry{
		clock:      opts.Clock,
		newID:      opts.NewID,
		maxRecords: opts.MaxRecords,
		metrics:    opts.Metrics,
		records:    make(map[string]*entry),
		pending:    list.New(),
	}
}

func newUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Put stores a new Pending record and returns its id.
func (r *Registry) Put(offer Offer) (string, error) {
	if !validPayload(offer.Payload) {
		return "", ErrInvalidPayload
	}
	offer.Payload = cloneRaw(offer.Payload)

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			return "", fmt.Errorf("generate connection id: %w", err)
		}
		if id == "" {
			return "", errors.New("generate connection id: empty id")
		}

		r.mu.Lock()
		if r.maxRecords > 0 && len(r.records) >= r.maxRecords {
			r.mu.Unlock()
			r.metrics.Inc(metrics.DropReasonTooManyConnections)
			return "", ErrRegistryFull
		}
		if _, ok := r.records[id]; ok {
			r.mu.Unlock()
			continue
		}

		now := r.clock.Now()
		r.seq++
		e := &entry{rec: Record{
			ID:            id,
			Offer:         offer,
			State:         StatePending,
			Seq:           r.seq,
			CreatedAt:     now,
			LastTouchedAt: now,
		}}
		r.records[id] = e
		r.enqueueLocked(e)
		r.mu.Unlock()
		return id, nil
	}

	return "", errors.New("failed to allocate unique connection id")
}

// enqueueLocked inserts e keeping the pending queue ordered by CreatedAt, then
// Seq. With a monotonic clock this is always an append.
func (r *Registry) enqueueLocked(e *entry) {
	for el := r.pending.Back(); el != nil; el = el.Prev() {
		prev := el.Value.(*entry)
		if !e.rec.CreatedAt.Before(prev.rec.CreatedAt) {
			e.elem = r.pending.InsertAfter(e, el)
			return
		}
	}
	e.elem = r.pending.PushFront(e)
}

func (r *Registry) Get(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return e.rec.clone(), nil
}

// ClaimNext moves the oldest Pending record to Claimed and returns it. Each
// record is handed out at most once.
func (r *Registry) ClaimNext() (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	front := r.pending.Front()
	if front == nil {
		return Record{}, ErrEmpty
	}
	e := r.pending.Remove(front).(*entry)
	e.elem = nil
	e.rec.State = StateClaimed
	e.rec.ClaimedAt = r.clock.Now()
	return e.rec.clone(), nil
}

// SetAnswer stores the answer for a Claimed record and moves it to Answered.
func (r *Registry) SetAnswer(id string, answer json.RawMessage) error {
	if !validPayload(answer) {
		return ErrInvalidPayload
	}
	answer = cloneRaw(answer)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	if e.rec.State != StateClaimed {
		return fmt.Errorf("%w: connection is %s", ErrInvalidState, e.rec.State)
	}
	now := r.clock.Now()
	e.rec.Answer = answer
	e.rec.State = StateAnswered
	e.rec.AnsweredAt = now
	e.rec.LastTouchedAt = now
	return nil
}

// Evict removes a record unconditionally. The returned record reports
// StateExpired; ok is false if the id was not live.
func (r *Registry) Evict(id string) (Record, bool) {
	return r.EvictIf(id, nil)
}

// EvictIf removes the record only if cond reports true for its current
// value. The check and removal happen under the same lock, so a record
// mutated after a caller's earlier Snapshot is re-evaluated. A nil cond
// always evicts.
func (r *Registry) EvictIf(id string, cond func(Record) bool) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	if cond != nil && !cond(e.rec) {
		return Record{}, false
	}
	delete(r.records, id)
	if e.elem != nil {
		r.pending.Remove(e.elem)
		e.elem = nil
	}
	out := e.rec.clone()
	out.State = StateExpired
	return out, true
}

// Snapshot returns copies of all live records in no particular order.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, e := range r.records {
		out = append(out, e.rec.clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type Stats struct {
	Pending  int
	Claimed  int
	Answered int
}

func (s Stats) Total() int { return s.Pending + s.Claimed + s.Answered }

// Map returns the counts keyed by state name.
func (s Stats) Map() map[string]int {
	return map[string]int{
		StatePending.String():  s.Pending,
		StateClaimed.String():  s.Claimed,
		StateAnswered.String(): s.Answered,
	}
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Stats
	for _, e := range r.records {
		switch e.rec.State {
		case StatePending:
			s.Pending++
		case StateClaimed:
			s.Claimed++
		case StateAnswered:
			s.Answered++
		}
	}
	return s
}

func validPayload(b json.RawMessage) bool {
	return len(b) > 0 && json.Valid(b)
}
