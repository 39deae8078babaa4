package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrUnknownFrame is returned by DecodeServer for a tag outside the closed
// frame set. The dispatcher logs and drops such frames; it never crashes.
type ErrUnknownFrame struct {
	Type string
}

func (e *ErrUnknownFrame) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Type)
}

type envelope struct {
	Type string `json:"type"`
}

// EncodeClient serializes a client frame with its type tag spliced in.
func EncodeClient(f ClientFrame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.frameType(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.frameType(), err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	tag, _ := json.Marshal(f.frameType())
	fields["type"] = tag

	return json.Marshal(fields)
}

// DecodeServer parses one inbound frame. The switch is exhaustive over the
// server frame set; adding a frame type means adding a case here.
func DecodeServer(data []byte) (ServerFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}

	switch env.Type {
	case TypeConnected:
		return decodeAs[Connected](data)
	case TypeAuthenticationRequired:
		return decodeAs[AuthenticationRequired](data)
	case TypeSubscribed:
		return decodeAs[Subscribed](data)
	case TypeConversationRedirect:
		return decodeAs[ConversationRedirect](data)
	case TypePong:
		return decodeAs[Pong](data)
	case TypeStart:
		return decodeAs[Start](data)
	case TypeProgress:
		return decodeAs[Progress](data)
	case TypeToolUse:
		return decodeAs[ToolUse](data)
	case TypeToolComplete:
		return decodeAs[ToolComplete](data)
	case TypeAskUser:
		return decodeAs[AskUser](data)
	case TypeContent:
		return decodeAs[Content](data)
	case TypeComplete:
		return decodeAs[Complete](data)
	case TypeError:
		return decodeAs[Error](data)
	case TypeConversationList:
		return decodeAs[ConversationList](data)
	case TypeConversationCreated:
		return decodeAs[ConversationCreated](data)
	case TypeConversationDetails:
		return decodeAs[ConversationDetails](data)
	case TypeConversationUpdated:
		return decodeAs[ConversationUpdated](data)
	case TypeConversationDeleted:
		return decodeAs[ConversationDeleted](data)
	case TypeConversationsBulkDeleted:
		return decodeAs[ConversationsBulkDeleted](data)
	case TypeConversationMessages:
		return decodeAs[ConversationMessages](data)
	default:
		return nil, &ErrUnknownFrame{Type: env.Type}
	}
}

func decodeAs[T ServerFrame](data []byte) (ServerFrame, error) {
	var frame T
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
