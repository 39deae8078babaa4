package client

import (
	"encoding/json"

	"github.com/codefionn/plauderschnell/internal/chat"
	"github.com/codefionn/plauderschnell/internal/protocol"
)

// Subscribe asks the server for frames of one project (and optionally one
// conversation). A resubscribe to the identical target is a no-op; the
// Subscribed flag turns true only when the ack arrives.
func (c *Client) Subscribe(projectID, conversationID string) error {
	conversationID = c.resolve(conversationID)

	c.subMu.Lock()
	if c.subWanted && c.subscribed && c.subProject == projectID && c.subConversation == conversationID {
		c.subMu.Unlock()
		return nil
	}
	c.subProject = projectID
	c.subConversation = conversationID
	c.subWanted = true
	c.subscribed = false
	if conversationID != "" {
		c.activeConversation = conversationID
	}
	c.subMu.Unlock()

	return c.sendFrame(protocol.Subscribe{ProjectID: projectID, ConversationID: conversationID})
}

// Unsubscribe clears the current subscription.
func (c *Client) Unsubscribe() error {
	c.subMu.Lock()
	c.subWanted = false
	c.subscribed = false
	c.subMu.Unlock()
	return c.sendFrame(protocol.Unsubscribe{})
}

// Subscribed reports whether the current subscription has been acknowledged.
func (c *Client) Subscribed() bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subscribed
}

// ActiveConversation returns the conversation the client currently follows.
func (c *Client) ActiveConversation() string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.activeConversation
}

// ProjectID returns the project the client currently targets.
func (c *Client) ProjectID() string {
	return c.projectID()
}

// SendMessage submits a user message. While the conversation is idle the
// frame goes out immediately; while it streams or drains, the message queues
// and goes out after the current stream releases. The user message is echoed
// into local history either way.
func (c *Client) SendMessage(conversationID, content string, filePaths []string) error {
	convID := c.resolve(conversationID)

	msg, transmit, key, err := c.outbox.Submit(convID, content, filePaths)
	if err != nil {
		return err
	}

	c.chat.AppendMessage(convID, chat.NewUserMessage(content))

	if !transmit {
		c.log.Debug("message %s queued behind active stream in %s", msg.ID, convID)
		return nil
	}

	err = c.sendFrame(protocol.SendMessage{
		ProjectID:         c.projectID(),
		ConversationID:    convID,
		Content:           msg.Content,
		UploadedFilePaths: msg.FilePaths,
	})
	c.outbox.Settle(key, err == nil, convID)
	return err
}

// CreateConversation creates a conversation, optionally seeded with a first
// message and uploaded files.
func (c *Client) CreateConversation(title, firstMessage string, fileIDs []string) error {
	return c.sendFrame(protocol.CreateConversation{
		ProjectID:    c.projectID(),
		Title:        title,
		FirstMessage: firstMessage,
		FileIDs:      fileIDs,
	})
}

// ListConversations requests all conversations of the active project.
func (c *Client) ListConversations() error {
	return c.sendFrame(protocol.ListConversations{ProjectID: c.projectID()})
}

// GetConversation requests one conversation's metadata.
func (c *Client) GetConversation(conversationID string) error {
	return c.sendFrame(protocol.GetConversation{ConversationID: c.resolve(conversationID)})
}

// UpdateConversation renames a conversation.
func (c *Client) UpdateConversation(conversationID, title string) error {
	return c.sendFrame(protocol.UpdateConversation{
		ConversationID: c.resolve(conversationID),
		Title:          title,
	})
}

// DeleteConversation deletes a conversation.
func (c *Client) DeleteConversation(conversationID string) error {
	return c.sendFrame(protocol.DeleteConversation{ConversationID: c.resolve(conversationID)})
}

// BulkDeleteConversations deletes several conversations at once.
func (c *Client) BulkDeleteConversations(conversationIDs []string) error {
	ids := make([]string, len(conversationIDs))
	for i, id := range conversationIDs {
		ids[i] = c.resolve(id)
	}
	return c.sendFrame(protocol.BulkDeleteConversations{ConversationIDs: ids})
}

// GetConversationMessages requests the full message history.
func (c *Client) GetConversationMessages(conversationID string) error {
	return c.sendFrame(protocol.GetConversationMessages{ConversationID: c.resolve(conversationID)})
}

// StopStreaming cancels the in-progress assistant stream. Cancellation is
// cooperative: local stream state clears immediately, content stays. The
// stop releases the stream, so one queued message drains afterwards.
func (c *Client) StopStreaming(conversationID string) error {
	convID := c.resolve(conversationID)
	c.streams.Stop(convID)
	err := c.sendFrame(protocol.StopStreaming{ConversationID: convID})
	c.drainOutbox(convID)
	return err
}

// ForgetAfter truncates local history after the given message, dropping
// every later message from chat state and refreshing the cache snapshot.
// The server keeps its own copy; this only changes what this client shows.
// Returns the number of messages dropped.
func (c *Client) ForgetAfter(conversationID, messageID string) int {
	convID := c.resolve(conversationID)
	removed := c.chat.ForgetAfter(convID, messageID)
	if removed > 0 {
		c.cacheConversation(convID)
	}
	return removed
}

// RetryLastMessage asks the server to re-run the last user prompt.
func (c *Client) RetryLastMessage(conversationID string) error {
	return c.sendFrame(protocol.RetryLastMessage{
		ProjectID:      c.projectID(),
		ConversationID: c.resolve(conversationID),
	})
}

// RespondAskUser answers a pending ask-user prompt. The response may be a
// string or an array of strings depending on the prompt type.
func (c *Client) RespondAskUser(conversationID, interactionID string, response json.RawMessage) error {
	convID := c.resolve(conversationID)
	c.chat.SetAskUser(convID, nil)
	return c.sendFrame(protocol.AskUserResponse{
		ConversationID: convID,
		InteractionID:  interactionID,
		Response:       response,
	})
}
