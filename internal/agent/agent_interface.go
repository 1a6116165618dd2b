package agent

import (
	"context"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/orchestrator"
	"github.com/ashureev/insight-chat/internal/stream"
)

// Turner runs conversational turns.
type Turner interface {
	// Validate rejects messages that must not start a turn.
	Validate(message string) error

	// Process runs one turn, emitting its events on em and closing em when done.
	Process(ctx context.Context, userID, message string, em *stream.Emitter) (*domain.ContextBlock, error)
}

// Ensure the orchestrator implements Turner.
var _ Turner = (*orchestrator.Orchestrator)(nil)
