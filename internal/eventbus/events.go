package eventbus

// Event kinds published by the connection manager and its collaborators.
const (
	KindConnectionState Kind = "connection_state"
	KindAuthRequired    Kind = "auth_required"
	KindSubscribed      Kind = "subscribed"
	KindRedirect        Kind = "conversation_redirect"
	KindTitleUpdated    Kind = "title_updated"
	KindStreamStarted   Kind = "stream_started"
	KindStreamCompleted Kind = "stream_completed"
	KindStreamError     Kind = "stream_error"
	KindAskUser         Kind = "ask_user"
	KindReconnectGaveUp Kind = "reconnect_gave_up"
	KindCacheSynced     Kind = "cache_synced"
)

// ConnectionStateChanged reports a session state transition.
type ConnectionStateChanged struct {
	State         string
	Authenticated bool
	Err           error
}

func (ConnectionStateChanged) Kind() Kind { return KindConnectionState }

// AuthRequired signals that the UI should prompt a re-login instead of
// retrying blindly.
type AuthRequired struct{}

func (AuthRequired) Kind() Kind { return KindAuthRequired }

// SubscriptionConfirmed reports a subscribed acknowledgement frame.
type SubscriptionConfirmed struct {
	ProjectID      string
	ConversationID string
}

func (SubscriptionConfirmed) Kind() Kind { return KindSubscribed }

// ConversationRedirected reports a provisional id being replaced by the
// durable server-assigned one.
type ConversationRedirected struct {
	OldID string
	NewID string
}

func (ConversationRedirected) Kind() Kind { return KindRedirect }

// TitleUpdated reports a conversation title change.
type TitleUpdated struct {
	ConversationID string
	Title          string
}

func (TitleUpdated) Kind() Kind { return KindTitleUpdated }

// StreamStarted reports an assistant turn opening.
type StreamStarted struct {
	ConversationID string
	MessageID      string
}

func (StreamStarted) Kind() Kind { return KindStreamStarted }

// StreamCompleted reports an assistant turn reaching idle.
type StreamCompleted struct {
	ConversationID string
	MessageID      string
}

func (StreamCompleted) Kind() Kind { return KindStreamCompleted }

// StreamErrored reports an application error terminating one conversation's
// stream. Scoped to the conversation; other streams are unaffected.
type StreamErrored struct {
	ConversationID string
	Err            string
}

func (StreamErrored) Kind() Kind { return KindStreamError }

// AskUserPrompted reports a structured prompt awaiting a user response.
type AskUserPrompted struct {
	ConversationID string
	InteractionID  string
	Title          string
}

func (AskUserPrompted) Kind() Kind { return KindAskUser }

// ReconnectGaveUp is terminal: the backoff ceiling was exceeded and no
// further attempts will be made.
type ReconnectGaveUp struct {
	Attempts int
	LastErr  error
}

func (ReconnectGaveUp) Kind() Kind { return KindReconnectGaveUp }

// CacheSynced reports an external write observed on the persistent cache
// tier and mirrored into memory.
type CacheSynced struct {
	ConversationID string
	Removed        bool
}

func (CacheSynced) Kind() Kind { return KindCacheSynced }
