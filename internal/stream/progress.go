package stream

import (
	"encoding/json"

	"github.com/codefionn/plauderschnell/internal/chat"
)

// parsedProgress classifies one progress payload. Exactly one of the
// branches is set; a zero value means the payload was unrecognized.
type parsedProgress struct {
	isDelta bool
	delta   string

	isSnapshot bool
	snapshot   string

	tool *chat.ToolUsage
}

// progressObject is the superset of shapes the server forwards unparsed:
// replayed event envelopes, raw assistant-turn snapshots and tool invocation
// sub-payloads.
type progressObject struct {
	Type        string          `json:"type"`
	Content     json.RawMessage `json:"content"`
	Tool        string          `json:"tool"`
	Name        string          `json:"name"`
	ToolUsageID string          `json:"tool_usage_id"`
	ID          string          `json:"id"`
	Input       json.RawMessage `json:"input"`
	Message     *struct {
		Content []snapshotPart `json:"content"`
	} `json:"message"`
}

type snapshotPart struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// parseProgress decides whether a progress payload is an incremental delta
// (append), a fully-formed assistant-turn snapshot (replace), or a tool
// invocation (extract, leave content alone).
func parseProgress(raw json.RawMessage) parsedProgress {
	// Plain string: an incremental delta.
	var delta string
	if err := json.Unmarshal(raw, &delta); err == nil {
		return parsedProgress{isDelta: true, delta: delta}
	}

	var obj progressObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return parsedProgress{}
	}

	switch {
	case obj.Type == "progress" && len(obj.Content) > 0:
		// Replayed event envelope, unwrap and classify the inner payload.
		return parseProgress(obj.Content)

	case obj.Type == "tool_use":
		usage := &chat.ToolUsage{
			ID:         firstNonEmpty(obj.ToolUsageID, obj.ID),
			ToolName:   firstNonEmpty(obj.Tool, obj.Name),
			Parameters: obj.Input,
			Status:     chat.ToolExecuting,
		}
		if usage.ID == "" {
			return parsedProgress{}
		}
		return parsedProgress{tool: usage}

	case obj.Message != nil:
		// Assistant-turn snapshot: join the text parts. A snapshot whose
		// content is a lone tool_use block carries no text and is treated
		// as a tool invocation instead.
		var text string
		var tool *chat.ToolUsage
		for _, part := range obj.Message.Content {
			switch part.Type {
			case "text":
				text += part.Text
			case "tool_use":
				if tool == nil && part.ID != "" {
					tool = &chat.ToolUsage{
						ID:         part.ID,
						ToolName:   part.Name,
						Parameters: part.Input,
						Status:     chat.ToolExecuting,
					}
				}
			}
		}
		if text == "" && tool != nil {
			return parsedProgress{tool: tool}
		}
		return parsedProgress{isSnapshot: true, snapshot: text}

	case len(obj.Content) > 0:
		// {"content": "..."} with a string body: a fully-formed snapshot.
		var s string
		if err := json.Unmarshal(obj.Content, &s); err == nil {
			return parsedProgress{isSnapshot: true, snapshot: s}
		}
		return parseProgress(obj.Content)
	}

	return parsedProgress{}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
