package outbox

import (
	"errors"
	"testing"
)

func TestSubmitIdleTransmitsImmediately(t *testing.T) {
	q := New(nil)

	msg, transmit, key, err := q.Submit("conv-1", "hello", nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !transmit {
		t.Fatal("idle conversation should transmit immediately")
	}
	if msg.Content != "hello" {
		t.Fatalf("unexpected content %q", msg.Content)
	}
	if q.Status("conv-1") != Streaming {
		t.Fatalf("expected streaming, got %s", q.Status("conv-1"))
	}
	q.Settle(key, true, "conv-1")
}

func TestSubmitWhileStreamingEnqueues(t *testing.T) {
	q := New(nil)

	_, _, key, _ := q.Submit("conv-1", "first", nil)
	q.Settle(key, true, "conv-1")

	_, transmit, key2, err := q.Submit("conv-1", "second", nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if transmit {
		t.Fatal("streaming conversation must enqueue, not transmit")
	}
	if q.Len("conv-1") != 1 {
		t.Fatalf("expected 1 queued, got %d", q.Len("conv-1"))
	}
	q.Settle(key2, true, "conv-1")
}

func TestStreamDoneDequeuesExactlyOne(t *testing.T) {
	q := New(nil)

	_, _, key, _ := q.Submit("conv-1", "first", nil)
	q.Settle(key, true, "conv-1")
	_, _, key2, _ := q.Submit("conv-1", "second", nil)
	q.Settle(key2, true, "conv-1")
	_, _, key3, _ := q.Submit("conv-1", "third", nil)
	q.Settle(key3, true, "conv-1")

	msg, ok := q.StreamDone("conv-1")
	if !ok {
		t.Fatal("expected a dequeued message")
	}
	if msg.Content != "second" {
		t.Fatalf("expected FIFO order, got %q", msg.Content)
	}
	if q.Status("conv-1") != Draining {
		t.Fatalf("expected draining, got %s", q.Status("conv-1"))
	}
	if q.Len("conv-1") != 1 {
		t.Fatalf("expected 1 still queued, got %d", q.Len("conv-1"))
	}

	msg, ok = q.StreamDone("conv-1")
	if !ok || msg.Content != "third" {
		t.Fatalf("expected third, got %+v ok=%v", msg, ok)
	}

	if _, ok := q.StreamDone("conv-1"); ok {
		t.Fatal("empty queue must not dequeue")
	}
	if q.Status("conv-1") != Idle {
		t.Fatalf("expected idle after drain, got %s", q.Status("conv-1"))
	}
}

func TestDuplicateSendRejected(t *testing.T) {
	q := New(nil)

	_, _, key, err := q.Submit("conv-1", "same text", nil)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	// Same conversation, same content, same second: the fingerprint collides
	// while the first send is unsettled.
	_, _, _, err = q.Submit("conv-1", "same text", nil)
	if !errors.Is(err, ErrDuplicateSend) {
		t.Fatalf("expected ErrDuplicateSend, got %v", err)
	}

	q.Settle(key, true, "conv-1")
	if _, _, _, err := q.Submit("conv-1", "other text", nil); err != nil {
		t.Fatalf("submit after settle failed: %v", err)
	}
}

func TestDrainedMessageSettlesFingerprint(t *testing.T) {
	q := New(nil)

	q.MarkStreaming("conv-1")
	queued, transmit, key, err := q.Submit("conv-1", "deferred", nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if transmit {
		t.Fatal("expected the message to queue behind the stream")
	}
	if queued.Fingerprint != key {
		t.Fatalf("queued message must carry its fingerprint, got %q want %q", queued.Fingerprint, key)
	}

	msg, ok := q.StreamDone("conv-1")
	if !ok {
		t.Fatal("expected a dequeued message")
	}
	q.Settle(msg.Fingerprint, true, "conv-1")

	q.mu.Lock()
	leaked := len(q.inflight)
	q.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("in-flight fingerprints leaked after drain: %d", leaked)
	}
}

func TestFailedDrainedSendResetsToIdle(t *testing.T) {
	q := New(nil)

	q.MarkStreaming("conv-1")
	q.Submit("conv-1", "doomed", nil)

	msg, ok := q.StreamDone("conv-1")
	if !ok {
		t.Fatal("expected a dequeued message")
	}
	q.Settle(msg.Fingerprint, false, "conv-1")

	if q.Status("conv-1") != Idle {
		t.Fatalf("failed drained send should reset to idle, got %s", q.Status("conv-1"))
	}
}

func TestResetClearsPipeline(t *testing.T) {
	q := New(nil)

	_, _, _, err := q.Submit("conv-1", "first", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := q.Submit("conv-1", "queued", nil); err != nil {
		t.Fatal(err)
	}

	q.Reset("conv-1")

	if q.Status("conv-1") != Idle {
		t.Fatalf("expected idle, got %s", q.Status("conv-1"))
	}
	if q.Len("conv-1") != 0 {
		t.Fatalf("queued entries survived reset: %d", q.Len("conv-1"))
	}
	q.mu.Lock()
	leaked := len(q.inflight)
	q.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("in-flight fingerprints survived reset: %d", leaked)
	}
}

func TestFailedSendResetsToIdle(t *testing.T) {
	q := New(nil)

	_, transmit, key, _ := q.Submit("conv-1", "doomed", nil)
	if !transmit {
		t.Fatal("expected immediate transmit")
	}
	q.Settle(key, false, "conv-1")

	if q.Status("conv-1") != Idle {
		t.Fatalf("failed send should reset to idle, got %s", q.Status("conv-1"))
	}
}

func TestRekeyMovesQueueAndStatus(t *testing.T) {
	q := New(nil)

	_, _, key, _ := q.Submit("old-id", "first", nil)
	q.Settle(key, true, "old-id")
	_, _, key2, _ := q.Submit("old-id", "queued", nil)
	q.Settle(key2, true, "old-id")

	q.Rekey("old-id", "new-id")

	if q.Status("new-id") != Streaming {
		t.Fatalf("status not migrated, got %s", q.Status("new-id"))
	}
	if q.Len("new-id") != 1 {
		t.Fatalf("queue not migrated, got %d", q.Len("new-id"))
	}

	msg, ok := q.StreamDone("new-id")
	if !ok || msg.Content != "queued" {
		t.Fatalf("expected queued message under new id, got %+v ok=%v", msg, ok)
	}
}

func TestServerInitiatedStream(t *testing.T) {
	q := New(nil)

	// A retry the client did not originate: start arrives with no submit.
	q.MarkStreaming("conv-1")
	if q.Status("conv-1") != Streaming {
		t.Fatalf("expected streaming, got %s", q.Status("conv-1"))
	}
	if _, ok := q.StreamDone("conv-1"); ok {
		t.Fatal("nothing was queued")
	}
	if q.Status("conv-1") != Idle {
		t.Fatalf("expected idle, got %s", q.Status("conv-1"))
	}
}
