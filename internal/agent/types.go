// Package agent exposes the conversational orchestrator over HTTP: a POST
// endpoint streaming Server-Sent Events and a WebSocket endpoint, both with a
// per-user rate limit and an NDJSON conversation audit log.
package agent

// ChatRequest is the body of POST /api/chat and the first WebSocket frame.
type ChatRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"-"`
	SessionID string `json:"-"`
	RequestID string `json:"-"`
}

// Channel names recorded in the conversation log.
const (
	channelHTTP      = "chat_http"
	channelWebSocket = "chat_ws"
)
