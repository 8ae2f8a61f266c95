package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tastescout/tastescout/internal/telemetry"
)

// Fast is the volatile tier contract the manager writes through.
type Fast interface {
	GetTurns(ctx context.Context, sessionID string) ([]Turn, bool)
	SetTurns(ctx context.Context, sessionID string, turns []Turn) error
	GetWorkingSet(ctx context.Context, sessionID string) (WorkingSet, bool)
	SetWorkingSet(ctx context.Context, sessionID string, ws WorkingSet) error
	Delete(ctx context.Context, sessionID string)
}

// Durable is the authoritative tier contract.
type Durable interface {
	AppendTurn(ctx context.Context, sessionID string, turn Turn) error
	GetTurns(ctx context.Context, sessionID string) ([]Turn, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Embedder produces similarity vectors for durable turns.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Recaller is the optional similarity capability of a durable tier.
type Recaller interface {
	SimilarTurns(ctx context.Context, embedding []float32, limit int) ([]SimilarTurn, error)
}

// Manager coordinates the two tiers. Turn appends hit the fast tier
// synchronously so the next read is guaranteed fresh; the durable write
// is mirrored asynchronously and retried out of band on failure. A nil
// durable tier downgrades long-term recall without failing anything.
type Manager struct {
	fast    Fast
	durable Durable
	embed   Embedder
	window  int
	logger  *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	writes chan pendingWrite
	done   chan struct{}
	wg     sync.WaitGroup
}

type pendingWrite struct {
	sessionID string
	turn      Turn
	attempt   int
}

func NewManager(fast Fast, durable Durable, embed Embedder, window int) *Manager {
	if window <= 0 {
		window = 10
	}
	m := &Manager{
		fast:    fast,
		durable: durable,
		embed:   embed,
		window:  window,
		logger:  log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
		locks:   make(map[string]*sync.Mutex),
		writes:  make(chan pendingWrite, 256),
		done:    make(chan struct{}),
	}
	if durable != nil {
		m.wg.Add(1)
		go m.durableWriter()
	}
	return m
}

// Close stops the background durable writer. Queued writes still in the
// channel are attempted once more before shutdown.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
}

// lockFor serializes mutations per session identifier: one writer at a
// time per key, reads unrestricted.
func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// AppendTurn records one turn: synchronous fast-tier write, asynchronous
// durable mirror. A durable outage never blocks the caller and never
// rolls back the fast-tier write.
func (m *Manager) AppendTurn(ctx context.Context, sessionID, role, content string) error {
	turn := Turn{Role: role, Content: content, Timestamp: time.Now()}

	l := m.lockFor(sessionID)
	l.Lock()
	turns, _ := m.fast.GetTurns(ctx, sessionID)
	turns = append(turns, turn)
	if len(turns) > m.window {
		turns = turns[len(turns)-m.window:]
	}
	err := m.fast.SetTurns(ctx, sessionID, turns)
	l.Unlock()
	if err != nil {
		return err
	}

	if m.durable != nil {
		select {
		case m.writes <- pendingWrite{sessionID: sessionID, turn: turn}:
		default:
			m.logger.Printf("durable write queue full, dropping mirror for session %s", sessionID)
		}
	}
	return nil
}

// GetContext returns the session's recent turn window. Fast-tier hits
// return immediately; on a miss the durable tier is consulted and the
// fast tier warmed with the recovered window. The warm-up keeps the
// superset: a fast-tier remnant with more turns than the durable
// snapshot (an async mirror still in flight) is never regressed.
func (m *Manager) GetContext(ctx context.Context, sessionID string) ([]Turn, error) {
	if turns, ok := m.fast.GetTurns(ctx, sessionID); ok {
		telemetry.CacheReads.WithLabelValues("fast_hit").Inc()
		return turns, nil
	}
	if m.durable == nil {
		telemetry.CacheReads.WithLabelValues("miss").Inc()
		return nil, nil
	}

	all, err := m.durable.GetTurns(ctx, sessionID)
	if err != nil {
		telemetry.TierDegraded.WithLabelValues("durable").Inc()
		m.logger.Printf("durable read failed for session %s: %v", sessionID, err)
		return nil, nil
	}
	if len(all) == 0 {
		telemetry.CacheReads.WithLabelValues("miss").Inc()
		return nil, nil
	}

	window := all
	if len(window) > m.window {
		window = window[len(window)-m.window:]
	}

	l := m.lockFor(sessionID)
	l.Lock()
	if remnant, ok := m.fast.GetTurns(ctx, sessionID); ok && supersedes(remnant, window) {
		// A write raced in between the miss and the warm-up.
		window = remnant
	} else if err := m.fast.SetTurns(ctx, sessionID, window); err != nil {
		m.logger.Printf("cache warm-up failed for session %s: %v", sessionID, err)
	}
	l.Unlock()

	telemetry.CacheReads.WithLabelValues("warm").Inc()
	return window, nil
}

// History returns the full durable turn sequence, falling back to the
// fast window when the durable tier is absent.
func (m *Manager) History(ctx context.Context, sessionID string) ([]Turn, error) {
	if m.durable != nil {
		turns, err := m.durable.GetTurns(ctx, sessionID)
		if err == nil {
			return turns, nil
		}
		telemetry.TierDegraded.WithLabelValues("durable").Inc()
		m.logger.Printf("durable history read failed for session %s: %v", sessionID, err)
	}
	turns, _ := m.fast.GetTurns(ctx, sessionID)
	return turns, nil
}

// Delete removes a session from both tiers. This is the explicit user
// action; nothing else deletes durable state.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	l := m.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	m.fast.Delete(ctx, sessionID)
	if m.durable != nil {
		return m.durable.DeleteSession(ctx, sessionID)
	}
	return nil
}

// WorkingSet returns the current search's candidate state.
func (m *Manager) WorkingSet(ctx context.Context, sessionID string) (WorkingSet, bool) {
	return m.fast.GetWorkingSet(ctx, sessionID)
}

// SaveWorkingSet stores the current search's candidate state.
func (m *Manager) SaveWorkingSet(ctx context.Context, sessionID string, ws WorkingSet) error {
	l := m.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	return m.fast.SetWorkingSet(ctx, sessionID, ws)
}

// SimilarContext recalls stored turns semantically close to the query
// across all sessions. Recall is best-effort: without an embedder and a
// similarity-capable durable tier it returns nothing.
func (m *Manager) SimilarContext(ctx context.Context, query string, limit int) []SimilarTurn {
	rec, ok := m.durable.(Recaller)
	if !ok || m.embed == nil || limit <= 0 {
		return nil
	}
	vecs, err := m.embed.CreateEmbedding(ctx, []string{query})
	if err != nil || len(vecs) != 1 {
		return nil
	}
	hits, err := rec.SimilarTurns(ctx, vecs[0], limit)
	if err != nil {
		m.logger.Printf("similarity recall failed: %v", err)
		return nil
	}
	return hits
}

// supersedes reports whether the fast-tier remnant holds turns the
// durable snapshot does not yet have.
func supersedes(remnant, durable []Turn) bool {
	if len(remnant) > len(durable) {
		return true
	}
	if len(remnant) == 0 {
		return false
	}
	return remnant[len(remnant)-1].Timestamp.After(durable[len(durable)-1].Timestamp)
}

// durableWriter drains the mirror queue, embedding and inserting turns.
// Failed writes are requeued with capped backoff until they land.
func (m *Manager) durableWriter() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			// Final drain attempt, no retries.
			for {
				select {
				case w := <-m.writes:
					m.flushOne(w, false)
				default:
					return
				}
			}
		case w := <-m.writes:
			m.flushOne(w, true)
		}
	}
}

func (m *Manager) flushOne(w pendingWrite, retry bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if len(w.turn.Embedding) == 0 && m.embed != nil {
		if vecs, err := m.embed.CreateEmbedding(ctx, []string{w.turn.Content}); err == nil && len(vecs) == 1 {
			w.turn.Embedding = vecs[0]
		}
		// Embedding failure is a capability downgrade; the turn is
		// still persisted without a vector.
	}

	if err := m.durable.AppendTurn(ctx, w.sessionID, w.turn); err != nil {
		if !retry {
			m.logger.Printf("durable write lost at shutdown for session %s: %v", w.sessionID, err)
			return
		}
		telemetry.DurableWriteRetries.Inc()
		m.logger.Printf("durable write failed for session %s (attempt %d): %v", w.sessionID, w.attempt+1, err)

		delay := time.Duration(1<<uint(w.attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		w.attempt++
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			select {
			case <-m.done:
			case <-time.After(delay):
				select {
				case m.writes <- w:
				default:
					m.logger.Printf("durable write queue full, dropping retry for session %s", w.sessionID)
				}
			}
		}()
	}
}
