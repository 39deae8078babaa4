// Package stream turns the frame sequence of an assistant turn into one
// evolving message plus its tool usage records. One Assembler serves all
// conversations; each actively-streaming conversation holds an ephemeral
// StreamState that is created on start and destroyed a short grace period
// after completion.
package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/plauderschnell/internal/chat"
	"github.com/codefionn/plauderschnell/internal/eventbus"
	"github.com/codefionn/plauderschnell/internal/logger"
)

const (
	// DefaultGracePeriod keeps completed stream state around briefly so the
	// UI does not flicker between "streaming" and "idle".
	DefaultGracePeriod = 5 * time.Second

	// Checklist watcher bounds. The protocol's complete frame can arrive
	// before a checklist tool reports its own completion, so going idle is
	// deferred behind a poll; the poll is bounded so a checklist that never
	// finishes cannot leak the watcher.
	DefaultWatchInterval    = 2 * time.Second
	DefaultWatchMaxAttempts = 30
)

// StreamState is the ephemeral per-conversation assembly state.
type StreamState struct {
	MessageID string
	Content   string
	Tools     map[string]chat.ToolUsage
	Completed bool

	watchStop  chan struct{}
	graceTimer *time.Timer
}

// Assembler consumes decoded stream frames and mutates the conversation
// state. Frames for one conversation arrive in order (transport guarantee);
// the mutex only protects against cross-conversation interleaving.
type Assembler struct {
	mu      sync.Mutex
	streams map[string]*StreamState

	state *chat.State
	bus   *eventbus.Bus
	log   *logger.Logger

	// OnIdle runs when a conversation's stream reaches idle (complete or
	// error), after state is updated. The connection manager uses it to
	// drain the outbound queue and persist the cache snapshot.
	OnIdle func(conversationID, messageID string)

	GracePeriod      time.Duration
	WatchInterval    time.Duration
	WatchMaxAttempts int
}

// New creates an assembler writing into state and publishing on bus.
func New(state *chat.State, bus *eventbus.Bus, log *logger.Logger) *Assembler {
	if log == nil {
		log = logger.Global()
	}
	return &Assembler{
		streams:          make(map[string]*StreamState),
		state:            state,
		bus:              bus,
		log:              log.WithPrefix("stream"),
		GracePeriod:      DefaultGracePeriod,
		WatchInterval:    DefaultWatchInterval,
		WatchMaxAttempts: DefaultWatchMaxAttempts,
	}
}

// Streaming reports whether a conversation has an open (not yet completed)
// stream.
func (a *Assembler) Streaming(convID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.streams[convID]
	return ok && !st.Completed
}

// State returns a copy of the stream state for a conversation, if any.
func (a *Assembler) State(convID string) (StreamState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.streams[convID]
	if !ok {
		return StreamState{}, false
	}
	cp := *st
	cp.Tools = make(map[string]chat.ToolUsage, len(st.Tools))
	for k, v := range st.Tools {
		cp.Tools[k] = v
	}
	return cp, true
}

// HandleStart opens a new assistant message. Replay-safe: a start for a
// message id that already exists reopens assembly without duplicating the
// message.
func (a *Assembler) HandleStart(convID, messageID string) {
	a.mu.Lock()
	if st, ok := a.streams[convID]; ok && st.MessageID == messageID && !st.Completed {
		a.mu.Unlock()
		return
	}
	st := &StreamState{
		MessageID: messageID,
		Tools:     make(map[string]chat.ToolUsage),
	}
	a.streams[convID] = st
	a.mu.Unlock()

	created := a.state.OpenAssistantMessage(convID, messageID)
	if !created {
		a.log.Debug("start replay for %s/%s", convID, messageID)
	}
	a.bus.Publish(eventbus.StreamStarted{ConversationID: convID, MessageID: messageID})
}

// HandleProgress applies one heterogeneous progress payload.
func (a *Assembler) HandleProgress(convID string, content json.RawMessage) {
	a.mu.Lock()
	st, ok := a.streams[convID]
	a.mu.Unlock()
	if !ok {
		a.log.Debug("progress for %s without stream state, dropping", convID)
		return
	}

	p := parseProgress(content)
	switch {
	case p.isDelta:
		a.mu.Lock()
		st.Content += p.delta
		a.mu.Unlock()
		a.state.AppendContent(convID, p.delta)

	case p.isSnapshot:
		// The server may resend a fully-formed turn instead of a delta;
		// snapshots replace, never concatenate.
		a.mu.Lock()
		st.Content = p.snapshot
		a.mu.Unlock()
		a.state.ReplaceContent(convID, p.snapshot)

	case p.tool != nil:
		a.recordTool(convID, st, *p.tool)

	default:
		a.log.Debug("unrecognized progress payload for %s, ignoring", convID)
	}
}

// HandleToolUse records a tool invocation starting.
func (a *Assembler) HandleToolUse(convID, tool, usageID string) {
	a.mu.Lock()
	st, ok := a.streams[convID]
	a.mu.Unlock()
	if !ok {
		a.log.Debug("tool_use for %s without stream state, dropping", convID)
		return
	}
	a.recordTool(convID, st, chat.ToolUsage{
		ID:       usageID,
		ToolName: tool,
		Status:   chat.ToolExecuting,
	})
}

// HandleToolComplete finishes a tool invocation. A completion for an unseen
// usage id (e.g. after a reconnect) still creates a completed record so the
// UI can show it.
func (a *Assembler) HandleToolComplete(convID, tool, usageID string, executionMs int64, output json.RawMessage) {
	a.mu.Lock()
	st, ok := a.streams[convID]
	var messageID string
	if ok {
		messageID = st.MessageID
	}
	a.mu.Unlock()

	usage := chat.ToolUsage{
		ID:              usageID,
		ToolName:        tool,
		Status:          chat.ToolCompleted,
		ExecutionTimeMs: executionMs,
		Output:          output,
	}

	if ok {
		a.recordTool(convID, st, usage)
		return
	}
	// No stream state (completion straggler): write straight to the model.
	a.state.UpsertToolUsage(convID, messageID, usage)
}

// HandleContent replaces the accumulated content with the authoritative full
// text.
func (a *Assembler) HandleContent(convID, content string) {
	a.mu.Lock()
	if st, ok := a.streams[convID]; ok {
		st.Content = content
	}
	a.mu.Unlock()
	a.state.ReplaceContent(convID, content)
}

// HandleAskUser attaches a structured prompt to the open message.
func (a *Assembler) HandleAskUser(convID string, prompt chat.AskUserPrompt) {
	a.state.SetAskUser(convID, &prompt)
	a.bus.Publish(eventbus.AskUserPrompted{
		ConversationID: convID,
		InteractionID:  prompt.InteractionID,
		Title:          prompt.Title,
	})
}

// HandleComplete finalizes the turn. If a checklist artifact from this turn
// still has incomplete items, going idle is deferred behind a bounded poll.
func (a *Assembler) HandleComplete(convID, messageID string, processingMs int64, usages []chat.ToolUsage) {
	a.mu.Lock()
	st, ok := a.streams[convID]
	if !ok {
		// Complete without start (reconnect mid-turn): synthesize state so
		// finalization still lands.
		st = &StreamState{MessageID: messageID, Tools: make(map[string]chat.ToolUsage)}
		a.streams[convID] = st
	}
	for _, u := range usages {
		st.Tools[u.ID] = u
	}
	a.mu.Unlock()

	a.state.FinalizeMessage(convID, messageID, processingMs, usages)

	if a.checklistIncomplete(convID) {
		a.log.Info("complete for %s deferred: checklist artifact still open", convID)
		a.watchChecklist(convID, st)
		return
	}
	a.release(convID, st)
}

// HandleError terminates the stream immediately: pending watchers are
// cleared and accumulated content is left untouched.
func (a *Assembler) HandleError(convID, errMsg string) {
	a.mu.Lock()
	var messageID string
	if st, ok := a.streams[convID]; ok {
		messageID = st.MessageID
		st.Completed = true
		if st.watchStop != nil {
			close(st.watchStop)
			st.watchStop = nil
		}
		if st.graceTimer != nil {
			st.graceTimer.Stop()
		}
		delete(a.streams, convID)
	}
	a.mu.Unlock()

	a.state.CloseOpenMessage(convID)
	a.bus.Publish(eventbus.StreamErrored{ConversationID: convID, Err: errMsg})
	// Fires even without stream state: the server can reject a send with an
	// error before any start frame, and the conversation still goes idle.
	if a.OnIdle != nil {
		a.OnIdle(convID, messageID)
	}
}

// Stop cancels an in-progress stream cooperatively: stream state is cleared
// and the conversation resets to idle, but content already appended stays.
func (a *Assembler) Stop(convID string) {
	a.mu.Lock()
	st, ok := a.streams[convID]
	if ok {
		if st.watchStop != nil {
			close(st.watchStop)
			st.watchStop = nil
		}
		if st.graceTimer != nil {
			st.graceTimer.Stop()
		}
		delete(a.streams, convID)
	}
	a.mu.Unlock()

	if ok {
		a.state.CloseOpenMessage(convID)
	}
}

// Rekey migrates stream state to a redirected conversation id. The old key
// stays resolvable until retain elapses, tolerating in-flight references
// from components that have not observed the redirect yet.
func (a *Assembler) Rekey(oldID, newID string, retain time.Duration) {
	a.mu.Lock()
	st, ok := a.streams[oldID]
	if ok {
		a.streams[newID] = st
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	time.AfterFunc(retain, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if cur, ok := a.streams[oldID]; ok && cur == st {
			delete(a.streams, oldID)
		}
	})
}

func (a *Assembler) recordTool(convID string, st *StreamState, usage chat.ToolUsage) {
	a.mu.Lock()
	if prev, ok := st.Tools[usage.ID]; ok {
		// executing -> completed only, never backward
		if prev.Status == chat.ToolCompleted && usage.Status == chat.ToolExecuting {
			a.mu.Unlock()
			return
		}
		if usage.Parameters == nil {
			usage.Parameters = prev.Parameters
		}
	}
	st.Tools[usage.ID] = usage
	messageID := st.MessageID
	a.mu.Unlock()

	a.state.UpsertToolUsage(convID, messageID, usage)
}

// release marks the stream completed, notifies listeners and schedules the
// grace-period teardown of the stream state.
func (a *Assembler) release(convID string, st *StreamState) {
	a.mu.Lock()
	st.Completed = true
	if st.watchStop != nil {
		st.watchStop = nil
	}
	st.graceTimer = time.AfterFunc(a.GracePeriod, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if cur, ok := a.streams[convID]; ok && cur == st {
			delete(a.streams, convID)
		}
	})
	messageID := st.MessageID
	a.mu.Unlock()

	a.bus.Publish(eventbus.StreamCompleted{ConversationID: convID, MessageID: messageID})
	if a.OnIdle != nil {
		a.OnIdle(convID, messageID)
	}
}

func (a *Assembler) watchChecklist(convID string, st *StreamState) {
	stop := make(chan struct{})
	a.mu.Lock()
	st.watchStop = stop
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(a.WatchInterval)
		defer ticker.Stop()

		for attempt := 0; attempt < a.WatchMaxAttempts; attempt++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !a.checklistIncomplete(convID) {
					a.release(convID, st)
					return
				}
			}
		}
		a.log.Warn("checklist watcher for %s exhausted %d attempts, forcing idle", convID, a.WatchMaxAttempts)
		a.release(convID, st)
	}()
}

// checklistIncomplete reports whether any tool output of the current turn is
// a checklist/plan artifact with items still pending.
func (a *Assembler) checklistIncomplete(convID string) bool {
	a.mu.Lock()
	st, ok := a.streams[convID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	outputs := make([]json.RawMessage, 0, len(st.Tools))
	for _, u := range st.Tools {
		if len(u.Output) > 0 {
			outputs = append(outputs, u.Output)
		}
	}
	a.mu.Unlock()

	for _, out := range outputs {
		if open, found := checklistOpen(out); found && open {
			return true
		}
	}
	return false
}

type checklistItem struct {
	Status string `json:"status"`
}

type checklistPayload struct {
	Todos []checklistItem `json:"todos"`
	Items []checklistItem `json:"items"`
}

// checklistOpen parses a tool output as a checklist artifact. found is false
// when the payload is not checklist-shaped at all.
func checklistOpen(output json.RawMessage) (open, found bool) {
	var payload checklistPayload
	if err := json.Unmarshal(output, &payload); err != nil {
		return false, false
	}
	items := append(payload.Todos, payload.Items...)
	if len(items) == 0 {
		return false, false
	}
	for _, it := range items {
		switch strings.ToLower(it.Status) {
		case "completed", "done", "cancelled", "canceled", "skipped":
		default:
			return true, true
		}
	}
	return false, true
}
