package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/codefionn/plauderschnell/internal/chat"
	"github.com/codefionn/plauderschnell/internal/eventbus"
)

func newTestAssembler(t *testing.T) (*Assembler, *chat.State, *eventbus.Bus) {
	t.Helper()
	state := chat.NewState()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	a := New(state, bus, nil)
	a.GracePeriod = 10 * time.Millisecond
	a.WatchInterval = 5 * time.Millisecond
	return a, state, bus
}

func openContent(t *testing.T, state *chat.State, convID string) string {
	t.Helper()
	conv, ok := state.Get(convID)
	if !ok {
		t.Fatalf("conversation %s not found", convID)
	}
	if len(conv.Messages) == 0 {
		t.Fatalf("conversation %s has no messages", convID)
	}
	return conv.Messages[len(conv.Messages)-1].Content
}

func TestDeltaAssembly(t *testing.T) {
	a, state, _ := newTestAssembler(t)

	a.HandleStart("conv-1", "msg-1")
	a.HandleProgress("conv-1", json.RawMessage(`"Hel"`))
	a.HandleProgress("conv-1", json.RawMessage(`"lo"`))

	if got := openContent(t, state, "conv-1"); got != "Hello" {
		t.Fatalf("expected content %q, got %q", "Hello", got)
	}
}

func TestSnapshotReplacesAccumulatedContent(t *testing.T) {
	a, state, _ := newTestAssembler(t)

	a.HandleStart("conv-1", "msg-1")
	a.HandleProgress("conv-1", json.RawMessage(`"partial "`))
	a.HandleProgress("conv-1", json.RawMessage(`{"message":{"content":[{"type":"text","text":"the whole answer"}]}}`))

	if got := openContent(t, state, "conv-1"); got != "the whole answer" {
		t.Fatalf("snapshot should replace, got %q", got)
	}
}

func TestReplayedEnvelopeUnwraps(t *testing.T) {
	a, state, _ := newTestAssembler(t)

	a.HandleStart("conv-1", "msg-1")
	a.HandleProgress("conv-1", json.RawMessage(`{"type":"progress","content":"replayed "}`))
	a.HandleProgress("conv-1", json.RawMessage(`{"type":"progress","content":"delta"}`))

	if got := openContent(t, state, "conv-1"); got != "replayed delta" {
		t.Fatalf("expected unwrapped deltas, got %q", got)
	}
}

func TestStartReplayDoesNotDuplicateMessage(t *testing.T) {
	a, state, _ := newTestAssembler(t)

	a.HandleStart("conv-1", "msg-1")
	a.HandleProgress("conv-1", json.RawMessage(`"keep"`))
	a.HandleStart("conv-1", "msg-1")

	conv, _ := state.Get("conv-1")
	if len(conv.Messages) != 1 {
		t.Fatalf("expected 1 message after replayed start, got %d", len(conv.Messages))
	}
	if conv.Messages[0].Content != "keep" {
		t.Fatalf("replayed start must not wipe content, got %q", conv.Messages[0].Content)
	}
}

func TestToolUseThenComplete(t *testing.T) {
	a, state, _ := newTestAssembler(t)

	a.HandleStart("conv-1", "msg-1")
	a.HandleToolUse("conv-1", "search", "tu-1")
	a.HandleToolComplete("conv-1", "search", "tu-1", 120, json.RawMessage(`{"hits":3}`))

	conv, _ := state.Get("conv-1")
	usages := conv.Messages[0].ToolUsages
	if len(usages) != 1 {
		t.Fatalf("expected 1 tool usage, got %d", len(usages))
	}
	if usages[0].Status != chat.ToolCompleted {
		t.Fatalf("expected completed status, got %s", usages[0].Status)
	}
	if usages[0].ExecutionTimeMs != 120 {
		t.Fatalf("expected execution time 120, got %d", usages[0].ExecutionTimeMs)
	}
}

func TestUnseenToolCompleteCreatesRecord(t *testing.T) {
	a, state, _ := newTestAssembler(t)

	a.HandleStart("conv-1", "msg-1")
	// Completion for a usage id that never had a tool_use (reconnect gap).
	a.HandleToolComplete("conv-1", "write_file", "tu-unseen", 50, nil)

	conv, _ := state.Get("conv-1")
	usages := conv.Messages[0].ToolUsages
	if len(usages) != 1 || usages[0].ID != "tu-unseen" {
		t.Fatalf("expected synthesized record for unseen completion, got %+v", usages)
	}
	if usages[0].Status != chat.ToolCompleted {
		t.Fatalf("expected completed status, got %s", usages[0].Status)
	}
}

func TestCompletedToolNeverRegresses(t *testing.T) {
	a, state, _ := newTestAssembler(t)

	a.HandleStart("conv-1", "msg-1")
	a.HandleToolComplete("conv-1", "search", "tu-1", 80, nil)
	// A late (replayed) tool_use must not flip the record back.
	a.HandleToolUse("conv-1", "search", "tu-1")

	conv, _ := state.Get("conv-1")
	if got := conv.Messages[0].ToolUsages[0].Status; got != chat.ToolCompleted {
		t.Fatalf("completed record regressed to %s", got)
	}
}

func TestCompleteReleasesStream(t *testing.T) {
	a, state, bus := newTestAssembler(t)

	completed := make(chan eventbus.StreamCompleted, 1)
	bus.Subscribe(eventbus.KindStreamCompleted, func(ev eventbus.Event) {
		completed <- ev.(eventbus.StreamCompleted)
	})

	idle := make(chan string, 1)
	a.OnIdle = func(convID, messageID string) { idle <- convID }

	a.HandleStart("conv-1", "msg-1")
	a.HandleProgress("conv-1", json.RawMessage(`"answer"`))
	a.HandleComplete("conv-1", "msg-1", 900, nil)

	select {
	case ev := <-completed:
		if ev.MessageID != "msg-1" {
			t.Fatalf("unexpected message id %s", ev.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("no StreamCompleted event")
	}
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("OnIdle never fired")
	}

	conv, _ := state.Get("conv-1")
	msg := conv.Messages[0]
	if msg.Open {
		t.Fatal("message still open after complete")
	}
	if msg.ProcessingTimeMs != 900 {
		t.Fatalf("expected processing time 900, got %d", msg.ProcessingTimeMs)
	}

	// Stream state stays resolvable during the grace period, then goes away.
	if !a.stateExists("conv-1") {
		t.Fatal("stream state gone before grace period")
	}
	waitFor(t, func() bool { return !a.stateExists("conv-1") })
}

func TestCompleteDeferredByOpenChecklist(t *testing.T) {
	a, _, bus := newTestAssembler(t)
	a.WatchMaxAttempts = 3

	completed := make(chan struct{}, 1)
	bus.Subscribe(eventbus.KindStreamCompleted, func(eventbus.Event) {
		completed <- struct{}{}
	})

	a.HandleStart("conv-1", "msg-1")
	a.HandleToolComplete("conv-1", "update_plan", "tu-1", 10,
		json.RawMessage(`{"todos":[{"status":"completed"},{"status":"in_progress"}]}`))
	a.HandleComplete("conv-1", "msg-1", 100, nil)

	select {
	case <-completed:
		t.Fatal("released while checklist still open")
	case <-time.After(2 * a.WatchInterval):
	}

	// The watcher is bounded: it forces idle after exhausting its attempts.
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("bounded watcher never forced idle")
	}
}

func TestErrorPreservesContent(t *testing.T) {
	a, state, bus := newTestAssembler(t)

	errored := make(chan eventbus.StreamErrored, 1)
	bus.Subscribe(eventbus.KindStreamError, func(ev eventbus.Event) {
		errored <- ev.(eventbus.StreamErrored)
	})

	a.HandleStart("conv-1", "msg-1")
	a.HandleProgress("conv-1", json.RawMessage(`"partial answer"`))
	a.HandleError("conv-1", "model overloaded")

	select {
	case ev := <-errored:
		if ev.Err != "model overloaded" {
			t.Fatalf("unexpected error %q", ev.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("no StreamErrored event")
	}

	if a.Streaming("conv-1") {
		t.Fatal("still streaming after error")
	}
	conv, _ := state.Get("conv-1")
	if conv.Messages[0].Content != "partial answer" {
		t.Fatalf("error wiped content: %q", conv.Messages[0].Content)
	}
	if conv.Messages[0].Open {
		t.Fatal("message still open after error")
	}
}

func TestErrorWithoutStreamStateStillReleases(t *testing.T) {
	a, _, _ := newTestAssembler(t)

	var releasedConv string
	a.OnIdle = func(convID, messageID string) { releasedConv = convID }

	// The server can reject a send with an error before any start frame;
	// the conversation must still be released so queued sends move on.
	a.HandleError("conv-1", "rejected")

	if releasedConv != "conv-1" {
		t.Fatalf("OnIdle not fired, got %q", releasedConv)
	}
}

func TestToolCompleteAfterTeardownStillRecords(t *testing.T) {
	a, state, _ := newTestAssembler(t)

	a.HandleStart("conv-1", "msg-1")
	a.HandleComplete("conv-1", "msg-1", 10, nil)
	waitFor(t, func() bool { return !a.stateExists("conv-1") })

	// A completion straggler after grace-period teardown still lands on the
	// finalized message.
	a.HandleToolComplete("conv-1", "web_search", "tu-late", 40, nil)

	conv, _ := state.Get("conv-1")
	usages := conv.Messages[0].ToolUsages
	if len(usages) != 1 || usages[0].Status != chat.ToolCompleted {
		t.Fatalf("straggler completion not recorded: %+v", usages)
	}
}

func TestStopKeepsContent(t *testing.T) {
	a, state, _ := newTestAssembler(t)

	a.HandleStart("conv-1", "msg-1")
	a.HandleProgress("conv-1", json.RawMessage(`"so far"`))
	a.Stop("conv-1")

	if a.Streaming("conv-1") {
		t.Fatal("still streaming after stop")
	}
	conv, _ := state.Get("conv-1")
	if conv.Messages[0].Content != "so far" {
		t.Fatalf("stop wiped content: %q", conv.Messages[0].Content)
	}
}

func TestRekeyRetainsOldKeyBriefly(t *testing.T) {
	a, _, _ := newTestAssembler(t)

	a.HandleStart("old-id", "msg-1")
	a.Rekey("old-id", "new-id", 20*time.Millisecond)

	if !a.Streaming("new-id") {
		t.Fatal("new key does not resolve")
	}
	if !a.Streaming("old-id") {
		t.Fatal("old key should stay resolvable during retention")
	}

	waitFor(t, func() bool { return !a.stateExists("old-id") })
	if !a.Streaming("new-id") {
		t.Fatal("new key vanished with the old one")
	}
}

func TestProgressWithoutStartIsDropped(t *testing.T) {
	a, state, _ := newTestAssembler(t)

	a.HandleProgress("conv-1", json.RawMessage(`"orphan"`))

	if _, ok := state.Get("conv-1"); ok {
		t.Fatal("orphan progress created a conversation")
	}
}

func (a *Assembler) stateExists(convID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.streams[convID]
	return ok
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
