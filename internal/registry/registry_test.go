package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func offer(sdp string) Offer {
	return Offer{Payload: json.RawMessage(fmt.Sprintf(`{"type":"offer","sdp":%q}`, sdp))}
}

func sequentialIDs(ids ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(ids) {
			return "", errors.New("out of ids")
		}
		id := ids[i]
		i++
		return id, nil
	}
}

func TestPut_ReturnsUniqueIDs(t *testing.T) {
	r := New(Options{})
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := r.Put(offer(fmt.Sprintf("O%d", i)))
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if r.Len() != 200 {
		t.Fatalf("Len=%d, want 200", r.Len())
	}
}

func TestPut_RetriesOnLiveIDCollision(t *testing.T) {
	r := New(Options{NewID: sequentialIDs("c1", "c1", "c2")})
	if id, err := r.Put(offer("O1")); err != nil || id != "c1" {
		t.Fatalf("Put=%q,%v, want c1", id, err)
	}
	id, err := r.Put(offer("O2"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id != "c2" {
		t.Fatalf("id=%q, want c2", id)
	}
}

func TestPut_ReusesIDAfterEviction(t *testing.T) {
	r := New(Options{NewID: sequentialIDs("c1", "c1")})
	if _, err := r.Put(offer("O1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r.Evict("c1")
	if id, err := r.Put(offer("O2")); err != nil || id != "c1" {
		t.Fatalf("Put=%q,%v, want c1", id, err)
	}
}

func TestPut_RejectsInvalidPayload(t *testing.T) {
	r := New(Options{})
	for _, payload := range []string{"", "{", `{"sdp":}`, "not json"} {
		if _, err := r.Put(Offer{Payload: json.RawMessage(payload)}); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("Put(%q) err=%v, want ErrInvalidPayload", payload, err)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("Len=%d, want 0", r.Len())
	}
}

func TestPut_EnforcesMaxRecords(t *testing.T) {
	m := metrics.New()
	r := New(Options{MaxRecords: 1, Metrics: m})
	id, err := r.Put(offer("O1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := r.Put(offer("O2")); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("err=%v, want ErrRegistryFull", err)
	}
	if m.Get(metrics.DropReasonTooManyConnections) != 1 {
		t.Fatalf("expected too_many_connections metric increment")
	}

	r.Evict(id)
	if _, err := r.Put(offer("O3")); err != nil {
		t.Fatalf("Put after evict: %v", err)
	}
}

func TestGet_DoesNotMutate(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	r := New(Options{Clock: clk})
	id, _ := r.Put(Offer{Payload: json.RawMessage(`{"sdp":"O1"}`), DeviceID: "dev"})

	clk.Advance(time.Second)
	rec, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != StatePending {
		t.Fatalf("state=%v, want pending", rec.State)
	}
	if rec.Offer.DeviceID != "dev" || string(rec.Offer.Payload) != `{"sdp":"O1"}` {
		t.Fatalf("unexpected offer %+v", rec.Offer)
	}
	if !rec.LastTouchedAt.Equal(time.Unix(100, 0)) {
		t.Fatalf("LastTouchedAt=%v, want creation time", rec.LastTouchedAt)
	}

	// The returned copy must not alias registry memory.
	rec.Offer.Payload[2] = 'X'
	again, _ := r.Get(id)
	if string(again.Offer.Payload) != `{"sdp":"O1"}` {
		t.Fatalf("registry payload mutated through copy: %s", again.Offer.Payload)
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestClaimNext_FIFO(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	r := New(Options{Clock: clk, NewID: sequentialIDs("a", "b", "c")})

	r.Put(offer("A"))
	clk.Advance(time.Millisecond)
	r.Put(offer("B"))
	r.Put(offer("C")) // same CreatedAt as B; Seq breaks the tie.

	for _, want := range []string{"a", "b", "c"} {
		rec, err := r.ClaimNext()
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if rec.ID != want {
			t.Fatalf("claimed %q, want %q", rec.ID, want)
		}
		if rec.State != StateClaimed {
			t.Fatalf("state=%v, want claimed", rec.State)
		}
	}
	if _, err := r.ClaimNext(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("err=%v, want ErrEmpty", err)
	}
}

func TestClaimNext_OrdersByCreatedAtWhenClockStepsBack(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	r := New(Options{Clock: clk, NewID: sequentialIDs("late", "early")})

	r.Put(offer("late"))
	clk.Advance(-time.Second)
	r.Put(offer("early"))

	rec, err := r.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if rec.ID != "early" {
		t.Fatalf("claimed %q, want early", rec.ID)
	}
}

func TestClaimNext_SkipsEvictedRecords(t *testing.T) {
	r := New(Options{NewID: sequentialIDs("a", "b")})
	r.Put(offer("A"))
	r.Put(offer("B"))
	r.Evict("a")

	rec, err := r.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if rec.ID != "b" {
		t.Fatalf("claimed %q, want b", rec.ID)
	}
}

func TestClaimNext_ExactlyOnceUnderConcurrency(t *testing.T) {
	const (
		records = 500
		pollers = 16
	)
	r := New(Options{})
	for i := 0; i < records; i++ {
		if _, err := r.Put(offer(fmt.Sprintf("O%d", i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[string]int)

	var eg errgroup.Group
	for p := 0; p < pollers; p++ {
		eg.Go(func() error {
			for {
				rec, err := r.ClaimNext()
				if errors.Is(err, ErrEmpty) {
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				claimed[rec.ID]++
				mu.Unlock()
			}
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("poller: %v", err)
	}

	if len(claimed) != records {
		t.Fatalf("claimed %d distinct records, want %d", len(claimed), records)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("record %q claimed %d times", id, n)
		}
	}
}

func TestSetAnswer_Transitions(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	r := New(Options{Clock: clk})
	id, _ := r.Put(offer("O1"))
	answer := json.RawMessage(`{"type":"answer","sdp":"A1"}`)

	if err := r.SetAnswer(id, answer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("answer on pending: err=%v, want ErrInvalidState", err)
	}

	if _, err := r.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := r.SetAnswer(id, json.RawMessage(`{`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err=%v, want ErrInvalidPayload", err)
	}

	clk.Advance(5 * time.Second)
	if err := r.SetAnswer(id, answer); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	rec, _ := r.Get(id)
	if rec.State != StateAnswered {
		t.Fatalf("state=%v, want answered", rec.State)
	}
	if string(rec.Answer) != string(answer) {
		t.Fatalf("answer=%s, want %s", rec.Answer, answer)
	}
	if !rec.LastTouchedAt.Equal(time.Unix(105, 0)) {
		t.Fatalf("LastTouchedAt=%v, want answer time", rec.LastTouchedAt)
	}

	if err := r.SetAnswer(id, answer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second answer: err=%v, want ErrInvalidState", err)
	}
	if err := r.SetAnswer("missing", answer); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestSetAnswer_ConcurrentAnswersOnlyOneWins(t *testing.T) {
	r := New(Options{})
	id, _ := r.Put(offer("O1"))
	if _, err := r.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	var (
		mu   sync.Mutex
		wins int
		eg   errgroup.Group
	)
	for i := 0; i < 8; i++ {
		i := i
		eg.Go(func() error {
			err := r.SetAnswer(id, json.RawMessage(fmt.Sprintf(`{"sdp":"A%d"}`, i)))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return nil
			}
			if errors.Is(err, ErrInvalidState) {
				return nil
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if wins != 1 {
		t.Fatalf("wins=%d, want 1", wins)
	}
}

func TestEvict_Idempotent(t *testing.T) {
	r := New(Options{})
	id, _ := r.Put(offer("O1"))

	rec, ok := r.Evict(id)
	if !ok {
		t.Fatalf("expected first evict to succeed")
	}
	if rec.State != StateExpired || rec.ID != id {
		t.Fatalf("evicted record=%+v", rec)
	}
	if _, ok := r.Evict(id); ok {
		t.Fatalf("expected second evict to report missing")
	}
	if _, err := r.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	if _, err := r.ClaimNext(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("err=%v, want ErrEmpty", err)
	}
}

func TestEvictIf_RechecksCurrentValue(t *testing.T) {
	r := New(Options{})
	id, _ := r.Put(offer("O1"))

	onlyPending := func(rec Record) bool { return rec.State == StatePending }

	if _, err := r.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, ok := r.EvictIf(id, onlyPending); ok {
		t.Fatalf("expected claimed record to survive")
	}
	if _, ok := r.EvictIf(id, func(rec Record) bool { return rec.State == StateClaimed }); !ok {
		t.Fatalf("expected claimed record to be evicted")
	}
}

func TestStats(t *testing.T) {
	r := New(Options{})
	a, _ := r.Put(offer("A"))
	r.Put(offer("B"))
	r.Put(offer("C"))
	r.ClaimNext()
	r.ClaimNext()
	if err := r.SetAnswer(a, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	got := r.Stats()
	want := Stats{Pending: 1, Claimed: 1, Answered: 1}
	if got != want {
		t.Fatalf("Stats=%+v, want %+v", got, want)
	}
	if got.Total() != 3 {
		t.Fatalf("Total=%d, want 3", got.Total())
	}
	if m := got.Map(); m["pending"] != 1 || m["claimed"] != 1 || m["answered"] != 1 {
		t.Fatalf("Map=%v", m)
	}
	if len(r.Snapshot()) != 3 {
		t.Fatalf("Snapshot len=%d, want 3", len(r.Snapshot()))
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StatePending:  "pending",
		StateClaimed:  "claimed",
		StateAnswered: "answered",
		StateExpired:  "expired",
		State(42):     "state(42)",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("%d.String()=%q, want %q", uint8(s), got, want)
		}
	}
}
