package chat

import (
	"sort"
	"sync"
)

// State is the owned, mutex-guarded store of conversation data for one
// session. All mutation goes through methods; nothing outside this package
// touches the maps directly. Change notification is the caller's concern
// (the connection manager publishes bus events after mutating).
type State struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewState creates an empty conversation store.
func NewState() *State {
	return &State{
		conversations: make(map[string]*Conversation),
	}
}

// Upsert inserts or replaces conversation metadata. Existing messages are
// kept when the incoming record carries none, so a bare metadata update does
// not wipe loaded history.
func (s *State) Upsert(conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[conv.ID]
	if ok && len(conv.Messages) == 0 {
		conv.Messages = existing.Messages
	}
	c := conv
	s.conversations[conv.ID] = &c
}

// Get returns a copy of the conversation.
func (s *State) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return out, true
}

// List returns all conversations ordered by UpdatedAt descending.
func (s *State) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		cp := *c
		cp.Messages = append([]Message(nil), c.Messages...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

// Remove deletes a conversation.
func (s *State) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
}

// RemoveMany deletes several conversations at once.
func (s *State) RemoveMany(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.conversations, id)
	}
}

// SetTitle updates a conversation title. Returns false if unknown.
func (s *State) SetTitle(id, title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return false
	}
	c.Title = title
	return true
}

// SetMessages replaces the full message history (authoritative server load).
func (s *State) SetMessages(id string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ensureLocked(id)
	c.Messages = append([]Message(nil), msgs...)
	c.MessageCount = len(c.Messages)
}

// AppendMessage appends one message, creating the conversation record if it
// does not exist yet (provisional conversations start client-side).
func (s *State) AppendMessage(id string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ensureLocked(id)
	c.Messages = append(c.Messages, msg)
	c.MessageCount = len(c.Messages)
}

// OpenAssistantMessage opens a new, empty assistant message unless one with
// messageID already exists. It reports whether a new message was created,
// which makes stream starts replay-safe after a reconnect.
func (s *State) OpenAssistantMessage(convID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ensureLocked(convID)
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			c.Messages[i].Open = true
			return false
		}
	}
	c.Messages = append(c.Messages, Message{
		ID:   messageID,
		Role: RoleAssistant,
		Open: true,
	})
	c.MessageCount = len(c.Messages)
	return true
}

// AppendContent appends a delta to the open message.
func (s *State) AppendContent(convID, delta string) {
	s.mutateOpen(convID, func(m *Message) {
		m.Content += delta
	})
}

// ReplaceContent replaces the open message content with a full snapshot.
func (s *State) ReplaceContent(convID, content string) {
	s.mutateOpen(convID, func(m *Message) {
		m.Content = content
	})
}

// SetAskUser attaches an ask-user prompt to the open message.
func (s *State) SetAskUser(convID string, prompt *AskUserPrompt) {
	s.mutateOpen(convID, func(m *Message) {
		m.AskUser = prompt
	})
}

// UpsertToolUsage adds or updates a tool usage on the message with messageID,
// addressed by the server-issued usage id. When messageID is empty the open
// message is targeted. Completions can arrive after a message was finalized
// (or for usage ids never seen, e.g. after a reconnect); the record is still
// written rather than discarded.
func (s *State) UpsertToolUsage(convID, messageID string, usage ToolUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convID]
	if !ok {
		return
	}
	var m *Message
	for i := range c.Messages {
		if (messageID != "" && c.Messages[i].ID == messageID) || (messageID == "" && c.Messages[i].Open) {
			m = &c.Messages[i]
			break
		}
	}
	if m == nil {
		// A completion straggler can land after the turn's message was
		// finalized; attach it to the last assistant message instead of
		// dropping the record.
		for i := len(c.Messages) - 1; i >= 0; i-- {
			if c.Messages[i].Role == RoleAssistant {
				m = &c.Messages[i]
				break
			}
		}
	}
	if m == nil {
		return
	}

	for i := range m.ToolUsages {
		if m.ToolUsages[i].ID == usage.ID {
			// Never move a completed record back to executing.
			if m.ToolUsages[i].Status == ToolCompleted && usage.Status == ToolExecuting {
				return
			}
			usage.MessageID = m.ID
			m.ToolUsages[i] = usage
			return
		}
	}
	usage.MessageID = m.ID
	m.ToolUsages = append(m.ToolUsages, usage)
}

// FinalizeMessage closes the open message and records duration and the
// server's authoritative tool usage list when provided.
func (s *State) FinalizeMessage(convID, messageID string, processingMs int64, usages []ToolUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convID]
	if !ok {
		return
	}
	for i := range c.Messages {
		if c.Messages[i].ID == messageID || c.Messages[i].Open {
			c.Messages[i].Open = false
			c.Messages[i].ProcessingTimeMs = processingMs
			if len(usages) > 0 {
				c.Messages[i].ToolUsages = usages
			}
		}
	}
}

// CloseOpenMessage closes the open message without finalizing metadata.
// Used on stream errors and client-initiated stops: content already
// accumulated stays as-is.
func (s *State) CloseOpenMessage(convID string) {
	s.mutateOpen(convID, func(m *Message) {
		m.Open = false
	})
}

// ForgetAfter truncates the conversation after the given message, dropping
// every later message. Returns the number of messages removed.
func (s *State) ForgetAfter(convID, messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convID]
	if !ok {
		return 0
	}
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			removed := len(c.Messages) - i - 1
			c.Messages = c.Messages[:i+1]
			c.MessageCount = len(c.Messages)
			return removed
		}
	}
	return 0
}

// Rekey moves a conversation under a new id. Used when the server redirects
// a provisional conversation to its durable id. The record under the old id
// is left in place; the caller removes it after the redirect grace period.
func (s *State) Rekey(oldID, newID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[oldID]
	if !ok {
		return false
	}
	moved := *c
	moved.ID = newID
	moved.Messages = append([]Message(nil), c.Messages...)
	s.conversations[newID] = &moved
	return true
}

func (s *State) ensureLocked(id string) *Conversation {
	c, ok := s.conversations[id]
	if !ok {
		c = &Conversation{ID: id}
		s.conversations[id] = c
	}
	return c
}

func (s *State) mutateOpen(convID string, fn func(*Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convID]
	if !ok {
		return
	}
	for i := range c.Messages {
		if c.Messages[i].Open {
			fn(&c.Messages[i])
			return
		}
	}
}
