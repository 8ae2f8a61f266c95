package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"testing"
)

type memFast struct {
	mu    sync.Mutex
	turns map[string][]Turn
	ws    map[string]WorkingSet
}

func newMemFast() *memFast {
	return &memFast{turns: make(map[string][]Turn), ws: make(map[string]WorkingSet)}
}

func (m *memFast) GetTurns(ctx context.Context, id string) ([]Turn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.turns[id]
	return t, ok
}

func (m *memFast) SetTurns(ctx context.Context, id string, turns []Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[id] = turns
	return nil
}

func (m *memFast) GetWorkingSet(ctx context.Context, id string) (WorkingSet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.ws[id]
	return ws, ok
}

func (m *memFast) SetWorkingSet(ctx context.Context, id string, ws WorkingSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ws[id] = ws
	return nil
}

func (m *memFast) Delete(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, id)
	delete(m.ws, id)
}

// memDurable is an in-memory durable tier that can fail a configured
// number of appends first, simulating an outage that later recovers.
type memDurable struct {
	mu       sync.Mutex
	turns    map[string][]Turn
	failures int
	block    chan struct{}
}

func newMemDurable() *memDurable {
	return &memDurable{turns: make(map[string][]Turn)}
}

func (m *memDurable) AppendTurn(ctx context.Context, id string, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("durable tier unreachable")
	}
	m.turns[id] = append(m.turns[id], turn)
	return nil
}

func (m *memDurable) GetTurns(ctx context.Context, id string) ([]Turn, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, len(m.turns[id]))
	copy(out, m.turns[id])
	// Reads order by the captured timestamp, as the real tier does; a
	// retried mirror may have inserted an older turn after a newer one.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *memDurable) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, id)
	return nil
}

func (m *memDurable) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns[id])
}

// recallDurable adds the similarity capability on top of memDurable.
type recallDurable struct {
	*memDurable
	hits []SimilarTurn
}

func (r *recallDurable) SimilarTurns(ctx context.Context, embedding []float32, limit int) ([]SimilarTurn, error) {
	if limit < len(r.hits) {
		return r.hits[:limit], nil
	}
	return r.hits, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, 8)
	}
	return out, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestGetContextIdempotent(t *testing.T) {
	fast := newMemFast()
	m := NewManager(fast, nil, nil, 10)
	defer m.Close()
	ctx := context.Background()

	if err := m.AppendTurn(ctx, "s1", "user", "成都哪家火锅好"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := m.AppendTurn(ctx, "s1", "assistant", "找到了三家"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	a, err := m.GetContext(ctx, "s1")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	b, err := m.GetContext(ctx, "s1")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("expected 2 turns, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Content != b[i].Content || a[i].Role != b[i].Role {
			t.Fatalf("consecutive reads differ at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestRoundTripAfterFastEviction(t *testing.T) {
	fast := newMemFast()
	durable := newMemDurable()
	m := NewManager(fast, durable, nil, 10)
	defer m.Close()
	ctx := context.Background()

	if err := m.AppendTurn(ctx, "s1", "user", "第一回合"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := m.AppendTurn(ctx, "s1", "assistant", "第二回合"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return durable.count("s1") == 2 })

	// Simulate fast-tier eviction; the durable tier must recover the
	// session, content and order preserved.
	fast.Delete(ctx, "s1")

	turns, err := m.GetContext(ctx, "s1")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "第一回合" || turns[1].Content != "第二回合" {
		t.Fatalf("recovered turns wrong: %+v", turns)
	}

	// Warm-up must have repopulated the fast tier.
	if cached, ok := fast.GetTurns(ctx, "s1"); !ok || len(cached) != 2 {
		t.Fatalf("expected fast tier warmed with 2 turns")
	}
}

func TestDurableWriteRetriesAfterFault(t *testing.T) {
	fast := newMemFast()
	durable := newMemDurable()
	durable.failures = 1
	m := NewManager(fast, durable, nil, 10)
	defer m.Close()
	ctx := context.Background()

	if err := m.AppendTurn(ctx, "s1", "user", "写入时durable挂了"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	// Fast-tier read immediately after the write is already fresh.
	turns, err := m.GetContext(ctx, "s1")
	if err != nil || len(turns) != 1 {
		t.Fatalf("expected immediate fast read, got %d turns, err %v", len(turns), err)
	}

	// The background retry eventually lands the mirror.
	waitFor(t, 5*time.Second, func() bool { return durable.count("s1") == 1 })
}

func TestRecoveryKeepsAppendOrderAfterRetriedMirror(t *testing.T) {
	fast := newMemFast()
	durable := newMemDurable()
	durable.failures = 1
	m := NewManager(fast, durable, nil, 10)
	defer m.Close()
	ctx := context.Background()

	// The first mirror fails and is retried out of band; the second
	// lands immediately, so the durable tier sees them reversed.
	if err := m.AppendTurn(ctx, "s1", "user", "先来的"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := m.AppendTurn(ctx, "s1", "assistant", "后来的"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return durable.count("s1") == 2 })

	fast.Delete(ctx, "s1")

	turns, err := m.GetContext(ctx, "s1")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "先来的" || turns[1].Content != "后来的" {
		t.Fatalf("recovered turns out of append order: %+v", turns)
	}
}

func TestWarmUpKeepsNewerFastTurns(t *testing.T) {
	fast := newMemFast()
	durable := newMemDurable()
	durable.block = make(chan struct{})
	m := NewManager(fast, durable, nil, 10)
	defer m.Close()
	ctx := context.Background()

	durable.turns["s1"] = []Turn{
		{Role: "user", Content: "旧的", Timestamp: time.Now().Add(-time.Hour)},
	}

	// A warm read starts while the durable snapshot is stale; a write
	// races in before it completes.
	type result struct {
		turns []Turn
		err   error
	}
	done := make(chan result, 1)
	go func() {
		turns, err := m.GetContext(ctx, "s1")
		done <- result{turns, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := m.AppendTurn(ctx, "s1", "user", "新的"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	close(durable.block)

	r := <-done
	if r.err != nil {
		t.Fatalf("GetContext: %v", r.err)
	}

	// The warm-up must not regress the fast tier to the stale snapshot.
	cached, ok := fast.GetTurns(ctx, "s1")
	if !ok {
		t.Fatalf("fast tier lost the racing write")
	}
	found := false
	for _, turn := range cached {
		if turn.Content == "新的" {
			found = true
		}
	}
	if !found {
		t.Fatalf("racing write regressed by warm-up: %+v", cached)
	}
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	fast := newMemFast()
	durable := newMemDurable()
	m := NewManager(fast, durable, nil, 10)
	defer m.Close()
	ctx := context.Background()

	if err := m.AppendTurn(ctx, "s1", "user", "删掉我"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return durable.count("s1") == 1 })

	if err := m.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := fast.GetTurns(ctx, "s1"); ok {
		t.Fatalf("fast tier still has the session")
	}
	if durable.count("s1") != 0 {
		t.Fatalf("durable tier still has the session")
	}
}

func TestWindowTrimsOldTurns(t *testing.T) {
	fast := newMemFast()
	m := NewManager(fast, nil, nil, 3)
	defer m.Close()
	ctx := context.Background()

	for _, content := range []string{"一", "二", "三", "四", "五"} {
		if err := m.AppendTurn(ctx, "s1", "user", content); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
	turns, err := m.GetContext(ctx, "s1")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected window of 3, got %d", len(turns))
	}
	if turns[0].Content != "三" || turns[2].Content != "五" {
		t.Fatalf("window kept wrong turns: %+v", turns)
	}
}

func TestMissingDurableTierIsCapabilityDowngrade(t *testing.T) {
	fast := newMemFast()
	m := NewManager(fast, nil, nil, 10)
	defer m.Close()
	ctx := context.Background()

	if err := m.AppendTurn(ctx, "s1", "user", "没有durable也能聊"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	turns, err := m.GetContext(ctx, "s1")
	if err != nil || len(turns) != 1 {
		t.Fatalf("short-term context must survive, got %d turns, err %v", len(turns), err)
	}

	// Unknown sessions simply come back empty.
	turns, err = m.GetContext(ctx, "ghost")
	if err != nil || turns != nil {
		t.Fatalf("expected empty context for unknown session, got %v, %v", turns, err)
	}
}

func TestSimilarContextRecallsAcrossSessions(t *testing.T) {
	durable := &recallDurable{
		memDurable: newMemDurable(),
		hits: []SimilarTurn{
			{SessionID: "other", Role: "user", Content: "上次推荐的苍蝇馆子", Distance: 0.1},
		},
	}
	m := NewManager(newMemFast(), durable, &fakeEmbedder{}, 10)
	defer m.Close()
	ctx := context.Background()

	hits := m.SimilarContext(ctx, "成都 火锅", 3)
	if len(hits) != 1 || hits[0].Content != "上次推荐的苍蝇馆子" {
		t.Fatalf("expected one recall hit, got %+v", hits)
	}
}

func TestSimilarContextIsCapabilityGated(t *testing.T) {
	ctx := context.Background()

	// Durable tier without the similarity capability.
	m := NewManager(newMemFast(), newMemDurable(), &fakeEmbedder{}, 10)
	defer m.Close()
	if hits := m.SimilarContext(ctx, "成都 火锅", 3); hits != nil {
		t.Fatalf("expected no recall without a similarity-capable tier, got %+v", hits)
	}

	// No embedder.
	m2 := NewManager(newMemFast(), &recallDurable{memDurable: newMemDurable()}, nil, 10)
	defer m2.Close()
	if hits := m2.SimilarContext(ctx, "成都 火锅", 3); hits != nil {
		t.Fatalf("expected no recall without an embedder, got %+v", hits)
	}

	// Embedder failure degrades to no recall, never an error.
	m3 := NewManager(newMemFast(), &recallDurable{memDurable: newMemDurable()}, &fakeEmbedder{err: errors.New("embed down")}, 10)
	defer m3.Close()
	if hits := m3.SimilarContext(ctx, "成都 火锅", 3); hits != nil {
		t.Fatalf("expected no recall on embedder failure, got %+v", hits)
	}
}
