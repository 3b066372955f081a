// Package warp provides the upstream transport, auth refresher, and event
// codec boundary for the Warp streaming protocol.
package warp

import "time"

// EventKind discriminates decoded upstream events.
type EventKind string

const (
	// EventText carries a chunk of agent output text.
	EventText EventKind = "text"
	// EventToolCall carries one tool invocation request.
	EventToolCall EventKind = "tool_call"
	// EventMeta carries conversation/task identifiers from stream init.
	EventMeta EventKind = "meta"
	// EventEnd marks the normal end of the stream.
	EventEnd EventKind = "end"
	// EventError carries a mid-stream failure; it terminates the stream.
	EventError EventKind = "error"
)

// Event is one decoded frame of the upstream response stream.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *ToolCall
	Meta     *Meta
	// Message is set for EventError.
	Message string
}

// ToolCall is a tool invocation requested by the upstream agent.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Meta carries stream identifiers surfaced on initialization.
type Meta struct {
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id"`
}

// Credentials is the result of a successful refresh-token exchange.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// QuotaInfo is the upstream request-limit snapshot. An unlimited account
// reports Limit and Remaining as -1.
type QuotaInfo struct {
	Limit           int
	Used            int
	Remaining       int
	IsUnlimited     bool
	NextRefreshTime *time.Time
	RefreshDuration string
}
