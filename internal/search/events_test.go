package search

import (
	"testing"
)

func TestEmitterSequencesAreGapless(t *testing.T) {
	e := NewEmitter()
	for i := 0; i < 10; i++ {
		e.Emit(EventCandidateFound, PhaseBroad, i)
	}

	events := e.Events(0)
	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d, want %d", i, ev.Seq, i+1)
		}
	}
	if e.LastSeq() != 10 {
		t.Fatalf("last seq %d, want 10", e.LastSeq())
	}
}

func TestEmitterReplayFromSequence(t *testing.T) {
	e := NewEmitter()
	for i := 0; i < 5; i++ {
		e.Emit(EventCandidateFound, PhaseBroad, i)
	}

	// Client acknowledged up to 3; a resume must replay 4 and 5 and
	// then carry live events with no gap.
	ch, cancel := e.Subscribe(3)
	defer cancel()

	e.Emit(EventPhaseDone, PhaseBroad, nil)

	want := uint64(4)
	for want <= 6 {
		ev := <-ch
		if ev.Seq != want {
			t.Fatalf("got seq %d, want %d", ev.Seq, want)
		}
		want++
	}
}

func TestEmitterCloseEndsSubscribers(t *testing.T) {
	e := NewEmitter()
	e.Emit(EventResult, "", nil)
	ch, cancel := e.Subscribe(0)
	defer cancel()

	e.Close()

	// Backlog drains, then the channel closes.
	ev, ok := <-ch
	if !ok || ev.Seq != 1 {
		t.Fatalf("expected buffered event before close, got ok=%v seq=%d", ok, ev.Seq)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after drain")
	}

	if got := e.Emit(EventResult, "", nil); got.Seq != 0 {
		t.Fatalf("emit after close must be a no-op, got seq %d", got.Seq)
	}
}

func TestEmitterSubscribeAfterClose(t *testing.T) {
	e := NewEmitter()
	e.Emit(EventResult, "", nil)
	e.Emit(EventStreamEnd, "", nil)
	e.Close()

	// A late reconnect still replays the full buffer.
	ch, cancel := e.Subscribe(0)
	defer cancel()

	var seqs []uint64
	for ev := range ch {
		seqs = append(seqs, ev.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("expected replay of seqs [1 2], got %v", seqs)
	}
}

func TestHeartbeatDoesNotConsumeSequence(t *testing.T) {
	e := NewEmitter()
	e.Emit(EventPhaseStart, PhaseBroad, nil)

	hb := e.Heartbeat()
	if hb.Type != EventHeartbeat {
		t.Fatalf("expected heartbeat type, got %s", hb.Type)
	}
	if hb.Seq != 1 {
		t.Fatalf("heartbeat should carry the high-water seq 1, got %d", hb.Seq)
	}

	ev := e.Emit(EventPhaseDone, PhaseBroad, nil)
	if ev.Seq != 2 {
		t.Fatalf("heartbeat must not consume sequence numbers, next seq %d", ev.Seq)
	}
}
