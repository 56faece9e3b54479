package events

import "testing"

func TestEventID(t *testing.T) {
	e := StrategyEvent{
		Scope:     "abc123def456",
		Symbol:    "BTCUSDT",
		Action:    "close",
		EventMs:   1700000000000,
		SessionID: "sess-1",
		Seq:       42,
	}
	want := "abc123def456|BTCUSDT|close|1700000000000|sess-1|42"
	if got := e.ID(); got != want {
		t.Fatalf("ID = %q, want %q", got, want)
	}
}

func TestRingPushDrainOrder(t *testing.T) {
	r := NewRing()
	for i := 0; i < 5; i++ {
		r.Push(StrategyEvent{Seq: uint64(i)})
	}
	if r.Len() != 5 {
		t.Fatalf("len = %d, want 5", r.Len())
	}

	out := r.Drain(3)
	if len(out) != 3 {
		t.Fatalf("drained %d, want 3", len(out))
	}
	for i, e := range out {
		if e.Seq != uint64(i) {
			t.Fatalf("drain[%d].Seq = %d, want %d (oldest first)", i, e.Seq, i)
		}
	}
	if r.Len() != 2 {
		t.Fatalf("len after drain = %d, want 2", r.Len())
	}
	if r.Drain(0) == nil {
		t.Fatal("unbounded drain returned nil with events buffered")
	}
	if r.Drain(10) != nil {
		t.Fatal("drain of empty ring returned events")
	}
}

func TestRingRequeuePreservesOrder(t *testing.T) {
	r := NewRing()
	for i := 0; i < 4; i++ {
		r.Push(StrategyEvent{Seq: uint64(i)})
	}
	batch := r.Drain(2)
	r.Requeue(batch)

	out := r.Drain(4)
	for i, e := range out {
		if e.Seq != uint64(i) {
			t.Fatalf("after requeue, drain[%d].Seq = %d, want %d", i, e.Seq, i)
		}
	}
}

func TestRingDropsOldestWhenFull(t *testing.T) {
	r := NewRing()
	for i := 0; i < ringCapacity+10; i++ {
		r.Push(StrategyEvent{Seq: uint64(i)})
	}
	if r.Len() != ringCapacity {
		t.Fatalf("len = %d, want capacity %d", r.Len(), ringCapacity)
	}
	if r.Dropped() != 10 {
		t.Fatalf("dropped = %d, want 10", r.Dropped())
	}
	out := r.Drain(1)
	if out[0].Seq != 10 {
		t.Fatalf("oldest surviving seq = %d, want 10", out[0].Seq)
	}
}

func TestRingNextSeqMonotonic(t *testing.T) {
	r := NewRing()
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		s := r.NextSeq()
		if s <= prev {
			t.Fatalf("seq %d not greater than previous %d", s, prev)
		}
		prev = s
	}
}

func TestEventIDUniquePerSeq(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		e := StrategyEvent{Scope: "s", Symbol: "X", Action: "entry",
			EventMs: 1, SessionID: "a", Seq: uint64(i)}
		id := e.ID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
