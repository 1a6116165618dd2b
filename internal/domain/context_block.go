package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BlockType identifies what kind of turn a ContextBlock records.
type BlockType string

const (
	BlockTypeQuery    BlockType = "QUERY"
	BlockTypeAnalysis BlockType = "ANALYSIS"
	BlockTypeMetadata BlockType = "METADATA"
)

// BlockStatus is the lifecycle state of a ContextBlock.
type BlockStatus string

const (
	StatusPending    BlockStatus = "pending"
	StatusProcessing BlockStatus = "processing"
	StatusCompleted  BlockStatus = "completed"
	StatusFailed     BlockStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s BlockStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned when a block is moved backwards or mutated after
// reaching a terminal state.
var ErrInvalidTransition = errors.New("invalid context block transition")

// Row is a single result row as returned by the query engine.
type Row = map[string]any

// ExecutionResult holds the outcome of a successful query execution.
type ExecutionResult struct {
	Data            []Row `json:"data"`
	RowCount        int   `json:"row_count"`
	ExecutionTimeMs int64 `json:"execution_time_ms"`
	BytesProcessed  int64 `json:"bytes_processed"`
}

// ContextBlock is one persisted conversational turn.
type ContextBlock struct {
	BlockID           string           `json:"block_id"`
	UserID            string           `json:"user_id"`
	Timestamp         time.Time        `json:"timestamp"`
	BlockType         BlockType        `json:"block_type"`
	UserRequest       string           `json:"user_request"`
	AssistantResponse string           `json:"assistant_response"`
	GeneratedQuery    string           `json:"generated_query,omitempty"`
	ExecutionResult   *ExecutionResult `json:"execution_result,omitempty"`
	Status            BlockStatus      `json:"status"`
}

// NewContextBlock creates a pending block for a freshly received message.
func NewContextBlock(userID string, blockType BlockType, request string) *ContextBlock {
	return &ContextBlock{
		BlockID:     uuid.NewString(),
		UserID:      userID,
		Timestamp:   time.Now().UTC(),
		BlockType:   blockType,
		UserRequest: request,
		Status:      StatusPending,
	}
}

// Start moves a pending block to processing.
func (b *ContextBlock) Start() error {
	if b.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusProcessing)
	}
	b.Status = StatusProcessing
	return nil
}

// Complete marks the block completed. result may only be set on QUERY blocks.
func (b *ContextBlock) Complete(response string, result *ExecutionResult) error {
	if b.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusCompleted)
	}
	if result != nil && b.BlockType != BlockTypeQuery {
		return fmt.Errorf("%w: execution result on %s block", ErrInvalidTransition, b.BlockType)
	}
	b.AssistantResponse = response
	b.ExecutionResult = result
	b.Status = StatusCompleted
	return nil
}

// Fail marks the block failed. Pending blocks may fail directly, which happens when
// a handler gives up before it started any work.
func (b *ContextBlock) Fail(response string) error {
	if b.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusFailed)
	}
	b.AssistantResponse = response
	b.ExecutionResult = nil
	b.Status = StatusFailed
	return nil
}

// SetGeneratedQuery records the query produced for a QUERY block.
func (b *ContextBlock) SetGeneratedQuery(q string) error {
	if b.Status.IsTerminal() {
		return fmt.Errorf("%w: generated query on %s block", ErrInvalidTransition, b.Status)
	}
	b.GeneratedQuery = q
	return nil
}

// HasRows reports whether the block carries a successful result with data.
func (b *ContextBlock) HasRows() bool {
	return b.BlockType == BlockTypeQuery &&
		b.Status == StatusCompleted &&
		b.ExecutionResult != nil &&
		len(b.ExecutionResult.Data) > 0
}
