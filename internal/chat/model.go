// Package chat holds the client-side conversation model: conversations,
// messages and tool usage records, plus the owned state store the connection
// manager mutates while frames arrive.
package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolStatus tracks the lifecycle of a tool invocation. Transitions only go
// forward: executing -> completed.
type ToolStatus string

const (
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
)

// ToolUsage records a single tool invocation attached to a message.
type ToolUsage struct {
	ID              string          `json:"id"`
	MessageID       string          `json:"message_id"`
	ToolName        string          `json:"tool_name"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Status          ToolStatus      `json:"status"`
	ExecutionTimeMs int64           `json:"execution_time_ms,omitempty"`
	CreatedAt       string          `json:"createdAt,omitempty"`
}

// AskUserPrompt is the structured "ask the user" payload a tool can attach to
// a message while streaming.
type AskUserPrompt struct {
	PromptType    string            `json:"prompt_type"`
	Title         string            `json:"title"`
	Options       []json.RawMessage `json:"options,omitempty"`
	InputType     string            `json:"input_type,omitempty"`
	Placeholder   string            `json:"placeholder,omitempty"`
	InteractionID string            `json:"tool_use_id,omitempty"`
}

// Message is one turn in a conversation. Content is mutable only while the
// message is still streaming; Open reports that state.
type Message struct {
	ID               string          `json:"id"`
	Role             Role            `json:"role"`
	Content          string          `json:"content"`
	CreatedAt        string          `json:"createdAt,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms,omitempty"`
	ToolUsages       []ToolUsage     `json:"tool_usages,omitempty"`
	AskUser          *AskUserPrompt  `json:"ask_user,omitempty"`
	FileAttachments  json.RawMessage `json:"file_attachments,omitempty"`
	Open             bool            `json:"-"`
}

// NewUserMessage builds a user message with a fresh id and timestamp.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// Conversation is the authoritative in-memory record of one conversation.
// Message order is append-only during a session, except for ForgetAfter.
type Conversation struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Title        string    `json:"title,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    string    `json:"created_at,omitempty"`
	UpdatedAt    string    `json:"updated_at,omitempty"`
}

// OpenMessage returns the currently streaming message, if any. At most one
// message per conversation is open at a time.
func (c *Conversation) OpenMessage() *Message {
	for i := range c.Messages {
		if c.Messages[i].Open {
			return &c.Messages[i]
		}
	}
	return nil
}

// LastMessageID returns the id of the newest message, or "".
func (c *Conversation) LastMessageID() string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[len(c.Messages)-1].ID
}
