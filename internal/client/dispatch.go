package client

import (
	"time"

	"github.com/codefionn/plauderschnell/internal/chat"
	"github.com/codefionn/plauderschnell/internal/eventbus"
	"github.com/codefionn/plauderschnell/internal/protocol"
)

// dispatch routes one decoded server frame. Stream frames go to the
// assembler, conversation management frames to chat state plus cache,
// connection frames to the session state machine.
func (c *Client) dispatch(frame protocol.ServerFrame) {
	switch f := frame.(type) {
	case protocol.Connected:
		c.log.Info("connected as %s (authenticated=%v)", f.UserID, f.Authenticated)
		c.authenticated.Store(f.Authenticated)
		c.signalHandshake(f.Authenticated)

	case protocol.AuthenticationRequired:
		c.log.Warn("server requires authentication")
		c.authenticated.Store(false)
		c.signalHandshake(false)
		c.bus.Publish(eventbus.AuthRequired{})

	case protocol.Subscribed:
		c.confirmSubscription(f.ProjectID, f.ConversationID)

	case protocol.ConversationRedirect:
		c.handleRedirect(f.OldConversationID, f.NewConversationID)

	case protocol.Pong:
		c.log.Debug("pong")

	case protocol.Start:
		convID := c.resolve(f.ConversationID)
		c.outbox.MarkStreaming(convID)
		c.streams.HandleStart(convID, f.ID)

	case protocol.Progress:
		c.streams.HandleProgress(c.resolve(f.ConversationID), f.Content)

	case protocol.ToolUse:
		c.streams.HandleToolUse(c.resolve(f.ConversationID), f.Tool, f.ToolUsageID)

	case protocol.ToolComplete:
		c.streams.HandleToolComplete(c.resolve(f.ConversationID), f.Tool, f.ToolUsageID, f.ExecutionTimeMs, f.Output)

	case protocol.AskUser:
		convID := c.resolve(f.ConversationID)
		prompt := chat.AskUserPrompt{
			PromptType:    f.PromptType,
			Title:         f.Title,
			Options:       f.Options,
			InputType:     f.InputType,
			Placeholder:   f.Placeholder,
			InteractionID: f.ToolUseID,
		}
		c.streams.HandleAskUser(convID, prompt)

	case protocol.Content:
		c.streams.HandleContent(c.resolve(f.ConversationID), f.Content)

	case protocol.Complete:
		convID := c.resolve(f.ConversationID)
		c.streams.HandleComplete(convID, f.ID, f.ProcessingTimeMs, f.ToolUsages)
		c.cacheConversation(convID)

	case protocol.Error:
		// HandleError releases the stream, which drains the outbox via OnIdle.
		c.streams.HandleError(c.resolve(f.ConversationID), f.Err)

	case protocol.ConversationList:
		for _, conv := range f.Conversations {
			c.chat.Upsert(conv)
		}
		c.log.Debug("received %d conversations", len(f.Conversations))

	case protocol.ConversationCreated:
		c.chat.Upsert(f.Conversation)
		c.cacheConversation(f.Conversation.ID)

	case protocol.ConversationDetails:
		c.chat.Upsert(f.Conversation)

	case protocol.ConversationUpdated:
		c.chat.Upsert(f.Conversation)
		c.bus.Publish(eventbus.TitleUpdated{
			ConversationID: f.Conversation.ID,
			Title:          f.Conversation.Title,
		})

	case protocol.ConversationDeleted:
		c.streams.Stop(f.ConversationID)
		c.chat.Remove(f.ConversationID)
		c.outbox.Reset(f.ConversationID)
		if c.cache != nil {
			c.cache.Remove(f.ConversationID)
		}

	case protocol.ConversationsBulkDeleted:
		for _, id := range f.ConversationIDs {
			c.streams.Stop(id)
			c.outbox.Reset(id)
		}
		c.chat.RemoveMany(f.ConversationIDs)
		if c.cache != nil {
			c.cache.RemoveMany(f.ConversationIDs)
		}
		if len(f.FailedIDs) > 0 {
			c.log.Warn("bulk delete failed for %d conversations", len(f.FailedIDs))
		}

	case protocol.ConversationMessages:
		convID := c.resolve(f.ConversationID)
		c.chat.SetMessages(convID, f.Messages)
		c.cacheConversation(convID)
	}
}

// signalHandshake resolves a pending Connect waiting on the first frame.
func (c *Client) signalHandshake(authenticated bool) {
	c.connMu.RLock()
	handshake := c.handshake
	c.connMu.RUnlock()
	if handshake == nil {
		return
	}
	select {
	case handshake <- authenticated:
	default:
	}
}

// confirmSubscription flips Subscribed only when the ack matches the wanted
// subscription; stale acks from a previous target are ignored.
func (c *Client) confirmSubscription(projectID, conversationID string) {
	c.subMu.Lock()
	match := c.subWanted && c.subProject == projectID &&
		(c.subConversation == conversationID || c.subConversation == "" && conversationID == "")
	if match {
		c.subscribed = true
	}
	c.subMu.Unlock()

	if !match {
		c.log.Debug("ignoring stale subscription ack for %s/%s", projectID, conversationID)
		return
	}
	c.bus.Publish(eventbus.SubscriptionConfirmed{ProjectID: projectID, ConversationID: conversationID})
}

// handleRedirect migrates everything keyed by the old conversation id to the
// new one. The old id stays resolvable for a short window so frames already
// in flight still land.
func (c *Client) handleRedirect(oldID, newID string) {
	if oldID == "" || newID == "" || oldID == newID {
		return
	}
	c.log.Info("conversation %s redirected to %s", oldID, newID)

	c.subMu.Lock()
	if c.activeConversation == oldID {
		c.activeConversation = newID
	}
	if c.subConversation == oldID {
		c.subConversation = newID
	}
	c.aliases[oldID] = newID
	c.subMu.Unlock()

	time.AfterFunc(aliasRetention, func() {
		c.subMu.Lock()
		delete(c.aliases, oldID)
		c.subMu.Unlock()
		c.chat.Remove(oldID)
	})

	c.chat.Rekey(oldID, newID)
	c.streams.Rekey(oldID, newID, aliasRetention)
	c.outbox.Rekey(oldID, newID)
	if c.cache != nil {
		c.cache.Rekey(oldID, newID)
	}

	c.bus.Publish(eventbus.ConversationRedirected{OldID: oldID, NewID: newID})
}

// cacheConversation snapshots one conversation into the cache store.
func (c *Client) cacheConversation(convID string) {
	if c.cache == nil {
		return
	}
	if conv, ok := c.chat.Get(convID); ok {
		c.cache.Put(&conv)
	}
}

// drainOutbox transmits at most one queued message once a stream releases.
func (c *Client) drainOutbox(convID string) {
	msg, ok := c.outbox.StreamDone(convID)
	if !ok {
		return
	}
	c.log.Debug("draining queued message %s into %s", msg.ID, convID)
	err := c.sendFrame(protocol.SendMessage{
		ProjectID:         c.projectID(),
		ConversationID:    convID,
		Content:           msg.Content,
		UploadedFilePaths: msg.FilePaths,
	})
	if err != nil {
		c.log.Warn("failed to send queued message %s: %v", msg.ID, err)
	}
	c.outbox.Settle(msg.Fingerprint, err == nil, convID)
}
