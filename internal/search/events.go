package search

import (
	"sync"
	"time"
)

// EventType tags a StepEvent.
type EventType string

const (
	EventPhaseStart     EventType = "phase-start"
	EventPhaseDone      EventType = "phase-done"
	EventPhaseError     EventType = "phase-error"
	EventCandidateFound EventType = "candidate-found"
	EventResult         EventType = "result"
	EventStreamEnd      EventType = "stream-end"
	EventHeartbeat      EventType = "heartbeat"
)

// StepEvent is one entry in a session's ordered event stream. Sequence
// numbers are strictly increasing and gapless per session, which is what
// makes reconnect-with-replay possible.
type StepEvent struct {
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	Phase     Phase       `json:"phase,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Emitter buffers a session's StepEvents and fans them out to
// subscribers. All buffered events are retained for the session's
// lifetime so a reconnecting client can replay from any sequence.
type Emitter struct {
	mu      sync.Mutex
	events  []StepEvent
	subs    map[int]chan StepEvent
	nextSub int
	closed  bool
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]chan StepEvent)}
}

// Emit appends an event with the next sequence number and delivers it to
// live subscribers. A subscriber that cannot keep up is dropped rather
// than allowed to stall the pipeline; it can reconnect and replay.
func (e *Emitter) Emit(typ EventType, phase Phase, payload interface{}) StepEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return StepEvent{}
	}
	ev := StepEvent{
		Seq:       uint64(len(e.events) + 1),
		Type:      typ,
		Phase:     phase,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	e.events = append(e.events, ev)
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(e.subs, id)
		}
	}
	return ev
}

// Subscribe returns a channel that first replays buffered events with
// Seq > fromSeq, then carries live events. The returned cancel func must
// be called when the consumer is done.
func (e *Emitter) Subscribe(fromSeq uint64) (<-chan StepEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	backlog := make([]StepEvent, 0, len(e.events))
	for _, ev := range e.events {
		if ev.Seq > fromSeq {
			backlog = append(backlog, ev)
		}
	}

	ch := make(chan StepEvent, len(backlog)+64)
	for _, ev := range backlog {
		ch <- ev
	}

	if e.closed {
		close(ch)
		return ch, func() {}
	}

	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if ch, ok := e.subs[id]; ok {
			close(ch)
			delete(e.subs, id)
		}
	}
	return ch, cancel
}

// LastSeq returns the highest sequence number emitted so far.
func (e *Emitter) LastSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(len(e.events))
}

// Events returns a copy of the buffered events with Seq > fromSeq.
func (e *Emitter) Events(fromSeq uint64) []StepEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StepEvent, 0, len(e.events))
	for _, ev := range e.events {
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Close ends the stream. Subscribers see their channel close after the
// backlog drains; further Emit calls are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}

// Heartbeat builds a keepalive event carrying the current high-water
// sequence. Heartbeats are not buffered and do not consume sequence
// numbers, so replay stays gapless.
func (e *Emitter) Heartbeat() StepEvent {
	return StepEvent{
		Seq:       e.LastSeq(),
		Type:      EventHeartbeat,
		Timestamp: time.Now(),
	}
}
