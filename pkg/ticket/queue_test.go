package ticket

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, retention time.Duration) *Queue {
	t.Helper()
	q := NewQueue(Config{Retention: retention, SweepInterval: time.Hour}, nil)
	t.Cleanup(q.Close)
	return q
}

func TestTrackAndAck(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	q.Track("s1", []byte("payload"), "sess-a")

	tk := q.Get("s1")
	if tk == nil {
		t.Fatal("Get(s1) = nil")
	}
	if tk.Completed() {
		t.Fatal("ticket completed before any ack")
	}

	done, err := q.Ack("s1", "sess-a")
	if err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if !done {
		t.Fatal("Ack() should complete the single-recipient ticket")
	}
	if !q.Get("s1").Completed() {
		t.Fatal("CompletedAt not stamped")
	}
}

func TestAckUnknownTicket(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	if _, err := q.Ack("nope", "sess-a"); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("Ack() error = %v, want ErrTicketNotFound", err)
	}
}

func TestMultiRecipientCompletion(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	q.Track("s1", []byte("broadcast"), "sess-a")
	q.Track("s1", []byte("broadcast"), "sess-b")
	q.Track("s1", []byte("broadcast"), "sess-c")

	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (same id, one ticket)", q.Len())
	}

	for i, sess := range []string{"sess-a", "sess-b"} {
		done, err := q.Ack("s1", sess)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			t.Fatalf("completed after %d of 3 acks", i+1)
		}
	}
	done, err := q.Ack("s1", "sess-c")
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("not completed after all acks")
	}
}

func TestCompletedAtStampedOnce(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	q.Track("s1", nil, "sess-a")

	if _, err := q.Ack("s1", "sess-a"); err != nil {
		t.Fatal(err)
	}
	first := q.Get("s1").CompletedAt

	time.Sleep(2 * time.Millisecond)
	if _, err := q.Ack("s1", "sess-a"); err != nil {
		t.Fatal(err)
	}
	if got := q.Get("s1").CompletedAt; !got.Equal(first) {
		t.Fatalf("CompletedAt restamped: %v then %v", first, got)
	}
}

func TestLateRecipientReopens(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	q.Track("s1", nil, "sess-a")
	if _, err := q.Ack("s1", "sess-a"); err != nil {
		t.Fatal(err)
	}
	if !q.Get("s1").Completed() {
		t.Fatal("expected completion")
	}

	q.Track("s1", nil, "sess-b")
	if q.Get("s1").Completed() {
		t.Fatal("late recipient should reopen the ticket")
	}
	pend := q.Get("s1").Recipients()
	if len(pend) != 1 || pend[0] != "sess-b" {
		t.Fatalf("Recipients() = %v, want [sess-b]", pend)
	}
}

func TestPendingForOrder(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	for i := 1; i <= 5; i++ {
		q.Track(fmt.Sprintf("s%d", i), []byte{byte(i)}, "sess-a")
	}
	if _, err := q.Ack("s2", "sess-a"); err != nil {
		t.Fatal(err)
	}

	pending := q.PendingFor("sess-a")
	want := []string{"s1", "s3", "s4", "s5"}
	if len(pending) != len(want) {
		t.Fatalf("PendingFor() len = %d, want %d", len(pending), len(want))
	}
	for i, tk := range pending {
		if tk.ID != want[i] {
			t.Errorf("pending[%d] = %s, want %s (enqueue order)", i, tk.ID, want[i])
		}
	}
}

func TestDrop(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	q.Track("s1", nil, "sess-a")
	q.Track("s1", nil, "sess-b")
	q.Track("s2", nil, "sess-a")

	q.Drop("sess-a")

	if len(q.PendingFor("sess-a")) != 0 {
		t.Fatal("dropped session still has pending tickets")
	}
	// s1 still waits on sess-b; s2 has no recipient left and completes.
	if q.Get("s1").Completed() {
		t.Fatal("s1 should still await sess-b")
	}
	if !q.Get("s2").Completed() {
		t.Fatal("s2 should complete when its only recipient is dropped")
	}
}

func TestSweep(t *testing.T) {
	q := newTestQueue(t, time.Millisecond)

	q.Track("done", nil, "sess-a")
	if _, err := q.Ack("done", "sess-a"); err != nil {
		t.Fatal(err)
	}
	q.Track("pending", nil, "sess-a")

	time.Sleep(5 * time.Millisecond)
	evicted := q.Sweep()
	if evicted != 1 {
		t.Fatalf("Sweep() = %d, want 1", evicted)
	}
	if q.Get("done") != nil {
		t.Fatal("completed ticket survived sweep")
	}
	if q.Get("pending") == nil {
		t.Fatal("pending ticket must never be swept")
	}
}

func TestDedupe(t *testing.T) {
	d := NewDedupe(3)

	if d.Seen("a") {
		t.Fatal("fresh id reported seen")
	}
	if !d.Seen("a") {
		t.Fatal("repeat id not reported seen")
	}

	// Fill past capacity; the oldest entry falls out.
	d.Seen("b")
	d.Seen("c")
	d.Seen("d")
	if d.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", d.Len())
	}
	if d.Seen("a") {
		t.Fatal("evicted id still reported seen")
	}
}

func BenchmarkTrackAck(b *testing.B) {
	q := NewQueue(Config{Retention: time.Minute, SweepInterval: time.Hour}, nil)
	defer q.Close()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("s%d", i)
		q.Track(id, nil, "sess-a")
		_, _ = q.Ack(id, "sess-a")
	}
}

func BenchmarkDedupeSeen(b *testing.B) {
	d := NewDedupe(DefaultDedupeCapacity)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Seen(fmt.Sprintf("c%d", i))
	}
}
