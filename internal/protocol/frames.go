// Package protocol defines the JSON wire frames exchanged with the chat
// backend over the persistent WebSocket, and the codec that maps the tagged
// union onto Go types.
//
// Every frame is one JSON object tagged by a "type" field. The server side of
// the protocol is a closed set: DecodeServer switches exhaustively over the
// tag and returns a concrete frame type, so an unhandled frame is a decode
// error at the dispatch boundary instead of a silent no-op.
package protocol

import (
	"encoding/json"

	"github.com/codefionn/plauderschnell/internal/chat"
)

// Frame type tags, client to server.
const (
	TypeSubscribe               = "subscribe"
	TypeUnsubscribe             = "unsubscribe"
	TypePing                    = "ping"
	TypeSendMessage             = "send_message"
	TypeCreateConversation      = "create_conversation"
	TypeListConversations       = "list_conversations"
	TypeGetConversation         = "get_conversation"
	TypeUpdateConversation      = "update_conversation"
	TypeDeleteConversation      = "delete_conversation"
	TypeBulkDeleteConversations = "bulk_delete_conversations"
	TypeGetConversationMessages = "get_conversation_messages"
	TypeStopStreaming           = "stop_streaming"
	TypeAskUserResponse         = "ask_user_response"
	TypeRetryLastMessage        = "retry_last_message"
)

// Frame type tags, server to client.
const (
	TypeConnected                = "connected"
	TypeAuthenticationRequired   = "authentication_required"
	TypeSubscribed               = "subscribed"
	TypeConversationRedirect     = "conversation_redirect"
	TypePong                     = "pong"
	TypeStart                    = "start"
	TypeProgress                 = "progress"
	TypeToolUse                  = "tool_use"
	TypeToolComplete             = "tool_complete"
	TypeAskUser                  = "ask_user"
	TypeContent                  = "content"
	TypeComplete                 = "complete"
	TypeError                    = "error"
	TypeConversationList         = "conversation_list"
	TypeConversationCreated      = "conversation_created"
	TypeConversationDetails      = "conversation_details"
	TypeConversationUpdated      = "conversation_updated"
	TypeConversationDeleted      = "conversation_deleted"
	TypeConversationsBulkDeleted = "conversations_bulk_deleted"
	TypeConversationMessages     = "conversation_messages"
)

// ClientFrame is implemented by every frame the client can send.
type ClientFrame interface {
	frameType() string
}

// Subscribe asks the server to deliver frames for a project and optionally a
// single conversation.
type Subscribe struct {
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Unsubscribe clears the current subscription.
type Unsubscribe struct{}

// Ping is the client heartbeat.
type Ping struct{}

// SendMessage submits a user message into a conversation.
type SendMessage struct {
	ProjectID         string   `json:"project_id"`
	ConversationID    string   `json:"conversation_id"`
	Content           string   `json:"content"`
	UploadedFilePaths []string `json:"uploaded_file_paths,omitempty"`
}

// CreateConversation creates a conversation, optionally seeding it with a
// first message and uploaded files.
type CreateConversation struct {
	ProjectID    string   `json:"project_id"`
	Title        string   `json:"title,omitempty"`
	FirstMessage string   `json:"first_message,omitempty"`
	FileIDs      []string `json:"file_ids,omitempty"`
}

// ListConversations requests all conversations of a project.
type ListConversations struct {
	ProjectID string `json:"project_id"`
}

// GetConversation requests one conversation's metadata.
type GetConversation struct {
	ConversationID string `json:"conversation_id"`
}

// UpdateConversation renames a conversation.
type UpdateConversation struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title,omitempty"`
}

// DeleteConversation deletes a conversation.
type DeleteConversation struct {
	ConversationID string `json:"conversation_id"`
}

// BulkDeleteConversations deletes several conversations at once.
type BulkDeleteConversations struct {
	ConversationIDs []string `json:"conversation_ids"`
}

// GetConversationMessages requests the full message history.
type GetConversationMessages struct {
	ConversationID string `json:"conversation_id"`
}

// StopStreaming cancels an in-progress assistant stream.
type StopStreaming struct {
	ConversationID string `json:"conversation_id"`
}

// AskUserResponse answers an ask-user prompt. Response can be a string or an
// array of strings, so it stays raw.
type AskUserResponse struct {
	ConversationID string          `json:"conversation_id"`
	InteractionID  string          `json:"interaction_id"`
	Response       json.RawMessage `json:"response"`
}

// RetryLastMessage asks the server to re-run the last user prompt.
type RetryLastMessage struct {
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id"`
}

func (Subscribe) frameType() string               { return TypeSubscribe }
func (Unsubscribe) frameType() string             { return TypeUnsubscribe }
func (Ping) frameType() string                    { return TypePing }
func (SendMessage) frameType() string             { return TypeSendMessage }
func (CreateConversation) frameType() string      { return TypeCreateConversation }
func (ListConversations) frameType() string       { return TypeListConversations }
func (GetConversation) frameType() string         { return TypeGetConversation }
func (UpdateConversation) frameType() string      { return TypeUpdateConversation }
func (DeleteConversation) frameType() string      { return TypeDeleteConversation }
func (BulkDeleteConversations) frameType() string { return TypeBulkDeleteConversations }
func (GetConversationMessages) frameType() string { return TypeGetConversationMessages }
func (StopStreaming) frameType() string           { return TypeStopStreaming }
func (AskUserResponse) frameType() string         { return TypeAskUserResponse }
func (RetryLastMessage) frameType() string        { return TypeRetryLastMessage }

// ServerFrame is implemented by every frame the server can send. The set is
// closed; DecodeServer is the only constructor.
type ServerFrame interface {
	serverFrame()
}

// Connected is the authentication handshake result, always the first frame
// on a fresh connection.
type Connected struct {
	UserID        string `json:"user_id"`
	Authenticated bool   `json:"authenticated"`
	ClientID      string `json:"client_id,omitempty"`
	Role          string `json:"role,omitempty"`
}

// AuthenticationRequired tells the client the session is not authenticated
// and a re-login is needed.
type AuthenticationRequired struct{}

// Subscribed acknowledges a subscribe frame.
type Subscribed struct {
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ConversationRedirect remaps a provisional conversation id to the durable
// id the server assigned.
type ConversationRedirect struct {
	OldConversationID string `json:"old_conversation_id"`
	NewConversationID string `json:"new_conversation_id"`
}

// Pong answers a ping.
type Pong struct{}

// Start opens an assistant turn.
type Start struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// Progress carries a heterogeneous streaming payload: a plain string delta,
// a full assistant-turn snapshot, or a tool invocation sub-payload.
type Progress struct {
	Content        json.RawMessage `json:"content"`
	ConversationID string          `json:"conversation_id"`
}

// ToolUse announces a tool invocation starting.
type ToolUse struct {
	Tool           string `json:"tool"`
	ToolUsageID    string `json:"tool_usage_id"`
	ConversationID string `json:"conversation_id"`
}

// ToolComplete reports a tool invocation finishing.
type ToolComplete struct {
	Tool            string          `json:"tool"`
	ToolUsageID     string          `json:"tool_usage_id"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	Output          json.RawMessage `json:"output,omitempty"`
	ConversationID  string          `json:"conversation_id"`
}

// AskUser carries a structured prompt the user must answer mid-stream.
type AskUser struct {
	PromptType     string            `json:"prompt_type"`
	Title          string            `json:"title"`
	Options        []json.RawMessage `json:"options,omitempty"`
	InputType      string            `json:"input_type,omitempty"`
	Placeholder    string            `json:"placeholder,omitempty"`
	ToolUseID      string            `json:"tool_use_id,omitempty"`
	ConversationID string            `json:"conversation_id"`
}

// Content is the authoritative full text of the assistant turn.
type Content struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id"`
}

// Complete finalizes an assistant turn.
type Complete struct {
	ID               string           `json:"id"`
	ConversationID   string           `json:"conversation_id"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
	ToolUsages       []chat.ToolUsage `json:"tool_usages,omitempty"`
}

// Error terminates one conversation's stream with an application error.
type Error struct {
	Err            string `json:"error"`
	ConversationID string `json:"conversation_id"`
}

func (e Error) Error() string { return e.Err }

// ConversationList answers list_conversations.
type ConversationList struct {
	Conversations []chat.Conversation `json:"conversations"`
}

// ConversationCreated confirms create_conversation.
type ConversationCreated struct {
	Conversation chat.Conversation `json:"conversation"`
}

// ConversationDetails answers get_conversation.
type ConversationDetails struct {
	Conversation chat.Conversation `json:"conversation"`
}

// ConversationUpdated broadcasts a metadata change (e.g. a title update).
type ConversationUpdated struct {
	Conversation chat.Conversation `json:"conversation"`
}

// ConversationDeleted broadcasts a deletion.
type ConversationDeleted struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationsBulkDeleted answers bulk_delete_conversations.
type ConversationsBulkDeleted struct {
	ConversationIDs []string `json:"conversation_ids"`
	FailedIDs       []string `json:"failed_ids,omitempty"`
}

// ConversationMessages answers get_conversation_messages.
type ConversationMessages struct {
	ConversationID string         `json:"conversation_id"`
	Messages       []chat.Message `json:"messages"`
}

func (Connected) serverFrame()                {}
func (AuthenticationRequired) serverFrame()   {}
func (Subscribed) serverFrame()               {}
func (ConversationRedirect) serverFrame()     {}
func (Pong) serverFrame()                     {}
func (Start) serverFrame()                    {}
func (Progress) serverFrame()                 {}
func (ToolUse) serverFrame()                  {}
func (ToolComplete) serverFrame()             {}
func (AskUser) serverFrame()                  {}
func (Content) serverFrame()                  {}
func (Complete) serverFrame()                 {}
func (Error) serverFrame()                    {}
func (ConversationList) serverFrame()         {}
func (ConversationCreated) serverFrame()      {}
func (ConversationDetails) serverFrame()      {}
func (ConversationUpdated) serverFrame()      {}
func (ConversationDeleted) serverFrame()      {}
func (ConversationsBulkDeleted) serverFrame() {}
func (ConversationMessages) serverFrame()     {}
