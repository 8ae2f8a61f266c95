package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tastescout/tastescout/config"
	"github.com/tastescout/tastescout/internal/collab"
	"github.com/tastescout/tastescout/internal/session"
	"github.com/tastescout/tastescout/internal/telemetry"
	"github.com/tastescout/tastescout/provider"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSearchRunning   = errors.New("a search is already running for this session")
	ErrTooBusy         = errors.New("too many concurrent searches")
)

// Orchestrator owns the phased search state machine. Each session's
// pipeline runs as an independent task; phases within a session are
// sequential, sessions across the service run concurrently up to a
// bounded limit.
type Orchestrator struct {
	cfg      config.SearchConfig
	executor *Executor
	scorer   *Scorer
	sessions *session.Manager
	llm      provider.Provider
	logger   *log.Logger

	mu   sync.RWMutex
	runs map[string]*run
	sem  chan struct{}
}

// run tracks one pipeline execution and its event stream.
type run struct {
	sessionID string
	emitter   *Emitter
	cancel    context.CancelFunc
	startedAt time.Time

	mu       sync.RWMutex
	state    State
	finished time.Time
	canceled bool
}

func (r *run) setState(s State) {
	r.mu.Lock()
	r.state = s
	if s == StateDone || s == StateError {
		r.finished = time.Now()
	}
	r.mu.Unlock()
}

func (r *run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *run) terminal() bool {
	s := r.State()
	return s == StateDone || s == StateError
}

// Status is the polling-fallback view of a session's pipeline.
type Status struct {
	SessionID string `json:"session_id"`
	State     State  `json:"state"`
	LastSeq   uint64 `json:"last_seq"`
}

func NewOrchestrator(cfg config.SearchConfig, executor *Executor, scorer *Scorer, sessions *session.Manager, llm provider.Provider) *Orchestrator {
	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 8
	}
	o := &Orchestrator{
		cfg:      cfg,
		executor: executor,
		scorer:   scorer,
		sessions: sessions,
		llm:      llm,
		logger:   log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		runs:     make(map[string]*run),
		sem:      make(chan struct{}, maxRuns),
	}
	go o.janitor()
	return o
}

// Start begins a full cold search, creating a session when none is
// given, and returns the session identifier immediately.
func (o *Orchestrator) Start(query, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return sessionID, o.launch(sessionID, query, false)
}

// Refine runs the bounded follow-up contract against an existing
// session: stored turns replay as context, only the VERIFY and NICHE
// phases execute, and prior candidates are retained.
func (o *Orchestrator) Refine(sessionID, queryDelta string) error {
	return o.launch(sessionID, queryDelta, true)
}

func (o *Orchestrator) launch(sessionID, query string, refine bool) error {
	o.mu.Lock()
	if r, ok := o.runs[sessionID]; ok && !r.terminal() {
		o.mu.Unlock()
		return ErrSearchRunning
	}

	select {
	case o.sem <- struct{}{}:
	default:
		o.mu.Unlock()
		return ErrTooBusy
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SessionBudget)
	r := &run{
		sessionID: sessionID,
		emitter:   NewEmitter(),
		cancel:    cancel,
		startedAt: time.Now(),
		state:     StateInit,
	}
	o.runs[sessionID] = r
	o.mu.Unlock()

	kind := "search"
	if refine {
		kind = "refine"
	}
	telemetry.SearchesStarted.WithLabelValues(kind).Inc()
	o.logger.Printf("%s started for session %s: %q", kind, sessionID, query)

	go func() {
		defer func() { <-o.sem }()
		defer cancel()
		o.pipeline(ctx, r, query, refine)
	}()
	return nil
}

// Subscribe attaches to a session's event stream, replaying buffered
// events after fromSeq.
func (o *Orchestrator) Subscribe(sessionID string, fromSeq uint64) (<-chan StepEvent, func(), error) {
	r := o.get(sessionID)
	if r == nil {
		return nil, nil, ErrSessionNotFound
	}
	ch, cancel := r.emitter.Subscribe(fromSeq)
	return ch, cancel, nil
}

// Heartbeat builds a keepalive event for a session's stream.
func (o *Orchestrator) Heartbeat(sessionID string) (StepEvent, error) {
	r := o.get(sessionID)
	if r == nil {
		return StepEvent{}, ErrSessionNotFound
	}
	return r.emitter.Heartbeat(), nil
}

// Status reports the current phase and high-water sequence number.
func (o *Orchestrator) Status(sessionID string) (*Status, error) {
	r := o.get(sessionID)
	if r == nil {
		return nil, ErrSessionNotFound
	}
	return &Status{
		SessionID: sessionID,
		State:     r.State(),
		LastSeq:   r.emitter.LastSeq(),
	}, nil
}

// Cancel stops a session's in-flight pipeline. Running sub-calls finish
// on their own but their results are discarded, not emitted.
func (o *Orchestrator) Cancel(sessionID string) error {
	r := o.get(sessionID)
	if r == nil {
		return ErrSessionNotFound
	}
	r.mu.Lock()
	r.canceled = true
	r.mu.Unlock()
	r.cancel()
	return nil
}

// Active reports whether the session has a run, terminal or not.
func (o *Orchestrator) Active(sessionID string) bool {
	return o.get(sessionID) != nil
}

func (o *Orchestrator) get(sessionID string) *run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runs[sessionID]
}

// pipeline drives the state machine: INIT through the phases, one
// SCORING pass, then DONE. Every path out emits a terminal marker; the
// stream never just stops.
func (o *Orchestrator) pipeline(ctx context.Context, r *run, query string, refine bool) {
	sessionID := r.sessionID

	if err := o.sessions.AppendTurn(ctx, sessionID, "user", query); err != nil {
		o.logger.Printf("append user turn failed for session %s: %v", sessionID, err)
	}

	intent := ParseIntent(ctx, o.llm, o.contextualQuery(ctx, sessionID, query, refine))
	qc := &QueryContext{Intent: intent, Refine: refine}

	phases := []Phase{PhaseBroad, PhaseHiddenGem, PhaseVerify, PhaseNiche}
	if refine {
		phases = []Phase{PhaseVerify, PhaseNiche}
		qc.Candidates = FilterExcluded(o.loadWorkingSet(ctx, sessionID), intent)
	}

	emit := func(typ EventType, phase Phase, payload interface{}) {
		if ctxCanceled(r) {
			return
		}
		r.emitter.Emit(typ, phase, payload)
	}

	failed := 0
	var reasons []string
	for _, phase := range phases {
		if ctx.Err() != nil {
			break
		}
		r.setState(stateFor(phase))
		emit(EventPhaseStart, phase, nil)

		before := len(qc.Candidates)
		phaseCtx, pcancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout)
		err := o.executor.Run(phaseCtx, phase, qc, emit)
		pcancel()

		if err != nil && len(qc.Candidates) == before {
			failed++
			reasons = append(reasons, fmt.Sprintf("%s: %v", phase, err))
			telemetry.PhaseErrors.WithLabelValues(string(phase)).Inc()
			emit(EventPhaseError, phase, map[string]interface{}{
				"reason": reasonCode(err),
				"detail": err.Error(),
			})
			continue
		}
		// A timed-out phase keeps whatever it gathered; zero candidates
		// is a no-op phase, not a failure. Forward progress either way.
		emit(EventPhaseDone, phase, map[string]interface{}{
			"candidates_total": len(qc.Candidates),
			"candidates_new":   len(qc.Candidates) - before,
		})
	}

	if ctxCanceled(r) {
		o.finish(r, StateDone)
		r.emitter.Emit(EventStreamEnd, "", map[string]interface{}{"canceled": true})
		r.emitter.Close()
		return
	}

	if failed == len(phases) && len(qc.Candidates) == 0 {
		o.finish(r, StateError)
		r.emitter.Emit(EventPhaseError, "", map[string]interface{}{
			"reason":   "all_phases_failed",
			"detail":   collab.ErrAllPhasesFailed.Error(),
			"failures": reasons,
			"terminal": true,
		})
		r.emitter.Emit(EventStreamEnd, "", nil)
		r.emitter.Close()
		return
	}

	r.setState(StateScoring)
	// Phases can re-discover a venue the refine intent threw out.
	qc.Candidates = FilterExcluded(qc.Candidates, intent)
	o.executor.EnrichPOI(ctx, qc, emit)
	o.scorer.Apply(qc.Candidates)

	if ctxCanceled(r) {
		o.finish(r, StateDone)
		r.emitter.Emit(EventStreamEnd, "", map[string]interface{}{"canceled": true})
		r.emitter.Close()
		return
	}

	o.saveWorkingSet(ctx, sessionID, qc.Candidates)
	if err := o.sessions.AppendTurn(ctx, sessionID, "assistant", resultSummary(qc)); err != nil {
		o.logger.Printf("append assistant turn failed for session %s: %v", sessionID, err)
	}

	o.finish(r, StateDone)
	emit(EventResult, "", map[string]interface{}{
		"intent":     qc.Intent,
		"candidates": qc.Candidates,
	})
	if ctxCanceled(r) {
		r.emitter.Emit(EventStreamEnd, "", map[string]interface{}{"canceled": true})
	} else {
		r.emitter.Emit(EventStreamEnd, "", nil)
	}
	r.emitter.Close()
}

func (o *Orchestrator) finish(r *run, s State) {
	r.setState(s)
	telemetry.SearchesFinished.WithLabelValues(string(s)).Inc()
	o.logger.Printf("session %s finished in state %s after %s", r.sessionID, s, time.Since(r.startedAt).Round(time.Millisecond))
}

// contextualQuery prefixes a refine delta with the stored conversation
// window, plus similar turns recalled from other sessions, so intent
// parsing sees the whole exchange.
func (o *Orchestrator) contextualQuery(ctx context.Context, sessionID, query string, refine bool) string {
	if !refine {
		return query
	}
	turns, err := o.sessions.GetContext(ctx, sessionID)
	if err != nil || len(turns) == 0 {
		return query
	}
	var b strings.Builder
	for _, rec := range o.sessions.SimilarContext(ctx, query, 3) {
		if rec.SessionID == sessionID {
			continue
		}
		fmt.Fprintf(&b, "recalled: %s\n", rec.Content)
	}
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	fmt.Fprintf(&b, "user: %s", query)
	return b.String()
}

func (o *Orchestrator) loadWorkingSet(ctx context.Context, sessionID string) []*Candidate {
	ws, ok := o.sessions.WorkingSet(ctx, sessionID)
	if !ok {
		return nil
	}
	var candidates []*Candidate
	if err := json.Unmarshal(ws, &candidates); err != nil {
		o.logger.Printf("working set for session %s unreadable: %v", sessionID, err)
		return nil
	}
	// Prior trust fields are stale once new evidence can arrive.
	for _, c := range candidates {
		c.TrustScore = nil
		c.Verdict = ""
	}
	return candidates
}

func (o *Orchestrator) saveWorkingSet(ctx context.Context, sessionID string, candidates []*Candidate) {
	raw, err := json.Marshal(candidates)
	if err != nil {
		return
	}
	if err := o.sessions.SaveWorkingSet(ctx, sessionID, raw); err != nil {
		o.logger.Printf("save working set failed for session %s: %v", sessionID, err)
	}
}

// janitor prunes terminal runs whose replay window has lapsed.
func (o *Orchestrator) janitor() {
	interval := o.cfg.StreamIdleTimeout
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-interval)
		o.mu.Lock()
		for id, r := range o.runs {
			r.mu.RLock()
			expired := !r.finished.IsZero() && r.finished.Before(cutoff)
			r.mu.RUnlock()
			if expired {
				delete(o.runs, id)
			}
		}
		o.mu.Unlock()
	}
}

func ctxCanceled(r *run) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canceled
}

func reasonCode(err error) string {
	switch {
	case collab.IsPermanent(err):
		return "collaborator_permanent"
	case errors.Is(err, context.DeadlineExceeded):
		return "phase_timeout"
	default:
		return "collaborator_transient"
	}
}

func resultSummary(qc *QueryContext) string {
	var authentic, suspect, insufficient int
	names := make([]string, 0, len(qc.Candidates))
	for _, c := range qc.Candidates {
		switch c.Verdict {
		case VerdictAuthentic:
			authentic++
			names = append(names, c.Name)
		case VerdictSuspect:
			suspect++
		default:
			insufficient++
		}
	}
	return fmt.Sprintf("Found %d venues (%d authentic, %d suspect, %d needing more evidence): %s",
		len(qc.Candidates), authentic, suspect, insufficient, strings.Join(names, ", "))
}
