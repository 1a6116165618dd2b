package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/stream"
)

// Service starts turns in the background and records them in the conversation log.
type Service struct {
	turns  Turner
	log    ConversationLogger
	buffer int
	logger *slog.Logger
}

// NewService creates a chat service.
func NewService(turns Turner, conversationLogger ConversationLogger, buffer int, logger *slog.Logger) *Service {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		turns:  turns,
		log:    conversationLogger,
		buffer: buffer,
		logger: logger.With("component", "agent"),
	}
}

// Validate reports whether message may start a turn.
func (s *Service) Validate(message string) error {
	return s.turns.Validate(message)
}

// Chat starts a turn for req and returns the emitter carrying its events. The
// caller drains the emitter and stops it on disconnect; the turn itself keeps
// running until the block is persisted.
func (s *Service) Chat(ctx context.Context, req ChatRequest, channel string) *stream.Emitter {
	em := stream.NewEmitter(s.buffer, s.logger)

	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: req.Message,
		Content:    cleanForReadability(req.Message),
		Meta:       map[string]any{"request_id": req.RequestID},
	})

	go func() {
		started := time.Now()
		block, err := s.turns.Process(context.WithoutCancel(ctx), req.UserID, req.Message, em)
		s.logAssistantMessage(req, channel, block, err, time.Since(started), em.Dropped())
	}()
	return em
}

func (s *Service) logAssistantMessage(req ChatRequest, channel string, block *domain.ContextBlock, turnErr error, elapsed time.Duration, dropped int64) {
	meta := map[string]any{
		"request_id":     req.RequestID,
		"elapsed_ms":     elapsed.Milliseconds(),
		"dropped_events": dropped,
		"partial":        dropped > 0,
	}
	var content string
	if block != nil {
		content = block.AssistantResponse
		meta["block_id"] = block.BlockID
		meta["block_type"] = block.BlockType
		meta["status"] = block.Status
		if block.GeneratedQuery != "" {
			meta["generated_query"] = strings.TrimSpace(block.GeneratedQuery)
		}
	}
	if turnErr != nil {
		meta["error"] = turnErr.Error()
		s.logger.Warn("turn failed", "user_id", req.UserID, "error", turnErr)
	}

	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

// Close releases service resources.
func (s *Service) Close() error {
	return s.log.Close()
}
