// Package stream carries orchestrator events to a client transport over a bounded
// channel, and renders them as Server-Sent Events or WebSocket frames.
package stream

import "github.com/ashureev/insight-chat/internal/domain"

// Event names, in the order a successful request emits them.
const (
	EventContextLoaded  = "context_loaded"
	EventClassification = "classification"
	EventProgress       = "progress"
	EventMessage        = "message"
	EventSQL            = "sql"
	EventData           = "data"
	EventResult         = "result"
	EventSaved          = "saved"
	EventComplete       = "complete"
	EventError          = "error"
)

// Error kinds carried by the error event. Execution failures use the query
// error kind (syntax, permission, not_found, generic) instead.
const (
	KindValidation = "validation"
	KindGeneration = "generation"
	KindInternal   = "internal"
)

// Event is one named payload on the stream.
type Event struct {
	Name string
	Data any
}

// ContextLoaded reports how many prior blocks were loaded.
type ContextLoaded struct {
	Count int `json:"count"`
}

// Classification mirrors the router's decision.
type Classification struct {
	Category   domain.Category `json:"category"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
}

// Progress is a coarse stage notification.
type Progress struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Message is the assistant's text reply.
type Message struct {
	Content string `json:"content"`
}

// SQL carries the generated query.
type SQL struct {
	Query string `json:"query"`
}

// Data carries result rows and execution statistics.
type Data struct {
	Rows            []domain.Row `json:"rows"`
	RowCount        int          `json:"row_count"`
	ExecutionTimeMs int64        `json:"execution_time_ms"`
	BytesProcessed  int64        `json:"bytes_processed"`
	CacheHit        bool         `json:"cache_hit"`
}

// Result is the final summary of the block.
type Result struct {
	BlockID        string             `json:"block_id"`
	Category       domain.Category    `json:"category"`
	Status         domain.BlockStatus `json:"status"`
	Content        string             `json:"content"`
	GeneratedQuery string             `json:"generated_query,omitempty"`
	RowCount       int                `json:"row_count"`
	Data           []domain.Row       `json:"data"`
}

// Saved confirms the block was persisted.
type Saved struct {
	BlockID string `json:"block_id"`
}

// Complete ends a successful stream.
type Complete struct {
	BlockID   string `json:"block_id"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// Error ends a failed stream.
type Error struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
