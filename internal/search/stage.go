package search

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/tastescout/tastescout/config"
	"github.com/tastescout/tastescout/internal/collab"
	"github.com/tastescout/tastescout/internal/retrieval"
	"github.com/tastescout/tastescout/internal/telemetry"
	"github.com/tastescout/tastescout/provider"
)

// Executor runs one pipeline phase: keyword search, per-note evidence
// gathering and merge into the shared candidate set. Evidence sub-calls
// run concurrently on a bounded worker pool, but their results are
// buffered and applied in note discovery order so collaborator latency
// never changes client-visible ordering.
type Executor struct {
	adapter *retrieval.Adapter
	llm     provider.Provider
	pool    *ants.Pool
	cfg     config.SearchConfig
	logger  *log.Logger
}

func NewExecutor(adapter *retrieval.Adapter, llm provider.Provider, cfg config.SearchConfig) (*Executor, error) {
	workers := cfg.EvidenceWorkers
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	return &Executor{
		adapter: adapter,
		llm:     llm,
		pool:    pool,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[STAGE] ", log.LstdFlags),
	}, nil
}

// Release frees the worker pool.
func (ex *Executor) Release() {
	ex.pool.Release()
}

// noteResult is the outcome of one note's evidence gathering, keyed by
// the note's position in discovery order.
type noteResult struct {
	note     retrieval.Note
	analysis *NoteAnalysis
	comments []retrieval.Comment
	err      error
}

// Run executes a phase against the query context and merges discoveries
// into qc.Candidates. New candidates are announced through emit as soon
// as their identifying data is available. Gathered partial results
// survive a timeout; the error return is non-nil only when the phase
// produced nothing usable.
func (ex *Executor) Run(ctx context.Context, phase Phase, qc *QueryContext, emit func(EventType, Phase, interface{})) error {
	started := time.Now()
	defer func() {
		telemetry.PhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(started).Seconds())
	}()

	keywords := KeywordsFor(phase, qc, ex.cfg.KeywordsPerPhase)

	var notes []retrieval.Note
	err := ex.withRetry(ctx, func() error {
		var rerr error
		notes, rerr = ex.adapter.SearchNotesMulti(ctx, keywords, ex.cfg.NotesPerKeyword)
		return rerr
	})
	if err != nil {
		return err
	}

	// Drop notes already consumed by an earlier phase.
	fresh := notes[:0]
	for _, n := range notes {
		if !seenNote(qc.Candidates, n.ID) {
			fresh = append(fresh, n)
		}
	}
	notes = fresh
	if len(notes) == 0 {
		return nil
	}

	results := ex.gather(ctx, notes)

	// Merge strictly in discovery order.
	for _, r := range results {
		if r.err != nil {
			if !collab.IsPermanent(r.err) && ctx.Err() == nil {
				ex.logger.Printf("note %s evidence gathering failed: %v", r.note.ID, r.err)
			}
			continue
		}
		ex.merge(qc, phase, r, emit)
	}
	return nil
}

// gather fans per-note work out to the pool and collects results indexed
// by discovery order.
func (ex *Executor) gather(ctx context.Context, notes []retrieval.Note) []noteResult {
	results := make([]noteResult, len(notes))
	var wg sync.WaitGroup

	for i, note := range notes {
		i, note := i, note
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = ex.gatherOne(ctx, note)
		}
		if err := ex.pool.Submit(task); err != nil {
			results[i] = noteResult{note: note, err: err}
			wg.Done()
		}
	}
	wg.Wait()
	return results
}

func (ex *Executor) gatherOne(ctx context.Context, note retrieval.Note) noteResult {
	r := noteResult{note: note}

	var analysis *NoteAnalysis
	err := ex.withRetry(ctx, func() error {
		var aerr error
		analysis, aerr = AnalyzeNote(ctx, ex.llm, note)
		return aerr
	})
	if err != nil {
		r.err = err
		return r
	}
	r.analysis = analysis
	if len(analysis.Venues) == 0 {
		return r
	}

	err = ex.withRetry(ctx, func() error {
		var cerr error
		r.comments, cerr = ex.adapter.FetchComments(ctx, note.ID, 50)
		return cerr
	})
	if err != nil {
		// The note's own text still counts as evidence.
		ex.logger.Printf("comments for note %s unavailable: %v", note.ID, err)
	}
	return r
}

// merge folds one note's analysis into the candidate set, creating or
// extending candidates by venue key and recomputing corroboration
// confidence.
func (ex *Executor) merge(qc *QueryContext, phase Phase, r noteResult, emit func(EventType, Phase, interface{})) {
	city := qc.Intent.City
	for _, name := range r.analysis.Venues {
		key := VenueKey(name, city)

		var cand *Candidate
		for _, c := range qc.Candidates {
			if c.Key == key {
				cand = c
				break
			}
		}
		isNew := cand == nil
		if isNew {
			cand = &Candidate{
				Key:   key,
				Name:  name,
				City:  city,
				Order: len(qc.Candidates),
			}
			qc.Candidates = append(qc.Candidates, cand)
		}
		if cand.HasNote(r.note.ID) {
			continue
		}
		cand.NoteIDs = append(cand.NoteIDs, r.note.ID)

		cand.Evidence = append(cand.Evidence, Evidence{
			NoteID:    r.note.ID,
			Text:      snippet(r.note.Desc),
			Author:    r.note.Author,
			Locality:  LocalityUnknown,
			Marketing: r.analysis.AdLikelihood,
			Weight:    EvidenceWeight(r.note.LikeCount),
		})
		for _, cm := range r.comments {
			if cm.Content == "" {
				continue
			}
			cand.Evidence = append(cand.Evidence, Evidence{
				NoteID:    r.note.ID,
				CommentID: cm.ID,
				Text:      snippet(cm.Content),
				Author:    cm.Author,
				Locality:  ClassifyLocality(cm.IPLocation, city),
				Marketing: 0,
				Weight:    EvidenceWeight(cm.LikeCount),
			})
		}

		cand.Confidence = corroboration(cand)

		if isNew {
			telemetry.CandidatesFound.WithLabelValues(string(phase)).Inc()
			emit(EventCandidateFound, phase, map[string]interface{}{
				"key":   cand.Key,
				"name":  cand.Name,
				"city":  cand.City,
				"order": cand.Order,
			})
		}
	}
}

// corroboration maps cross-note coverage to a confidence factor:
// single-source venues are discounted, venues endorsed across three or
// more notes with local backing are boosted.
func corroboration(c *Candidate) float64 {
	switch {
	case len(c.NoteIDs) >= 3 && hasLocalEvidence(c):
		return 1.2
	case len(c.NoteIDs) >= 2:
		return 1.0
	default:
		return 0.7
	}
}

// EnrichPOI attaches map records to candidates. Lookups run
// concurrently on the pool; results are applied and announced in
// discovery order. A venue the map does not know stays unenriched.
func (ex *Executor) EnrichPOI(ctx context.Context, qc *QueryContext, emit func(EventType, Phase, interface{})) {
	type poiResult struct {
		poi *retrieval.POI
		err error
	}
	results := make([]poiResult, len(qc.Candidates))
	var wg sync.WaitGroup

	for i, c := range qc.Candidates {
		i, c := i, c
		wg.Add(1)
		task := func() {
			defer wg.Done()
			poi, err := ex.adapter.LookupPOI(ctx, c.Name, c.City)
			results[i] = poiResult{poi: poi, err: err}
		}
		if err := ex.pool.Submit(task); err != nil {
			results[i] = poiResult{err: err}
			wg.Done()
		}
	}
	wg.Wait()

	for i, c := range qc.Candidates {
		r := results[i]
		if r.err != nil {
			ex.logger.Printf("poi lookup failed for %s: %v", c.Name, r.err)
			continue
		}
		if r.poi == nil {
			continue
		}
		c.POI = r.poi
		emit(EventCandidateFound, "", map[string]interface{}{
			"key":   c.Key,
			"name":  c.Name,
			"order": c.Order,
			"poi":   r.poi,
		})
	}
}

// withRetry retries transient collaborator failures with capped
// exponential backoff. Permanent failures surface immediately.
func (ex *Executor) withRetry(ctx context.Context, fn func() error) error {
	delay := ex.cfg.RetryBaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxAttempts := ex.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || collab.IsPermanent(err) || attempt >= maxAttempts {
			return err
		}
		telemetry.CollaboratorRetries.Inc()

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
		if max := ex.cfg.RetryMaxDelay; max > 0 && delay > max {
			delay = max
		}
	}
}

func seenNote(candidates []*Candidate, noteID string) bool {
	for _, c := range candidates {
		if c.HasNote(noteID) {
			return true
		}
	}
	return false
}

func snippet(s string) string {
	const maxLen = 280
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
