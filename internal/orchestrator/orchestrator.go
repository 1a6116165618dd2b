// Package orchestrator runs one conversational turn: it loads recent context,
// classifies the message, dispatches to the category handler, persists the
// resulting block and streams events describing each step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/insight-chat/internal/action"
	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/query"
	"github.com/ashureev/insight-chat/internal/stream"
)

var (
	// ErrValidation is returned for empty or oversized messages.
	ErrValidation = errors.New("invalid message")
	// ErrInternal is returned when a turn panicked.
	ErrInternal = errors.New("internal error")
)

const msgInternal = "요청을 처리하는 중 내부 오류가 발생했습니다."

// State names the step a turn has reached. They are only used for logging.
type State string

const (
	StateContextLoaded State = "context_loaded"
	StateClassified    State = "classified"
	StateRouted        State = "routed"
	StateExecuted      State = "executed"
	StateStreamed      State = "streamed"
	StateSaved         State = "saved"
	StateCompleted     State = "completed"
	StateError         State = "error"
)

// Classifier decides the category of a message.
type Classifier interface {
	Classify(ctx context.Context, message string, history []*domain.ContextBlock) domain.Classification
}

// Handlers resolves the handler for a category.
type Handlers interface {
	For(c domain.Category) action.Handler
}

// ContextStore loads and persists context blocks.
type ContextStore interface {
	GetRecentBlocks(ctx context.Context, userID string, limit int) ([]*domain.ContextBlock, error)
	SaveBlock(ctx context.Context, block *domain.ContextBlock) error
}

// Config bounds a turn.
type Config struct {
	HistoryLimit    int
	MaxMessageChars int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{HistoryLimit: 5, MaxMessageChars: 2000}
}

// Orchestrator is safe for concurrent use; each call to Process is independent.
type Orchestrator struct {
	store      ContextStore
	classifier Classifier
	handlers   Handlers
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an orchestrator.
func New(store ContextStore, classifier Classifier, handlers Handlers, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = DefaultConfig().MaxMessageChars
	}
	return &Orchestrator{
		store:      store,
		classifier: classifier,
		handlers:   handlers,
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
		now:        time.Now,
	}
}

// Validate rejects empty messages and messages longer than the configured limit.
func (o *Orchestrator) Validate(message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if n := utf8.RuneCountInString(message); n > o.cfg.MaxMessageChars {
		return fmt.Errorf("%w: message has %d characters, limit is %d", ErrValidation, n, o.cfg.MaxMessageChars)
	}
	return nil
}

type turn struct {
	userID   string
	block    *domain.ContextBlock
	category domain.Category
	saved    bool
	started  time.Time
	log      *slog.Logger
	em       *stream.Emitter
}

func (t *turn) transition(s State) {
	attrs := []any{"state", s}
	if t.block != nil {
		attrs = append(attrs, "block_id", t.block.BlockID, "status", t.block.Status)
	}
	t.log.Info("turn transition", attrs...)
}

// Process runs one turn for userID and emits its events on em, closing em before
// returning. The returned block is nil only when validation failed.
//
// Collaborator calls are detached from ctx cancellation: once started a turn runs
// to completion and is persisted even if the client goes away, in which case the
// emitter simply drops the remaining events.
func (o *Orchestrator) Process(ctx context.Context, userID, message string, em *stream.Emitter) (block *domain.ContextBlock, err error) {
	defer em.Close()

	t := &turn{
		userID:  userID,
		started: o.now(),
		log:     o.logger.With("user_id", userID),
		em:      em,
	}

	if verr := o.Validate(message); verr != nil {
		t.transition(StateError)
		em.Emit(stream.EventError, stream.Error{Error: verr.Error(), Kind: stream.KindValidation})
		return nil, verr
	}

	ctx = context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			t.log.Error("turn panicked", "panic", r, "stack", string(debug.Stack()))
			o.abort(ctx, t)
			block = t.block
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	history, lerr := o.store.GetRecentBlocks(ctx, userID, o.cfg.HistoryLimit)
	if lerr != nil {
		t.log.Warn("failed to load context, continuing without history", "error", lerr)
		history = nil
	}
	t.transition(StateContextLoaded)
	em.Emit(stream.EventContextLoaded, stream.ContextLoaded{Count: len(history)})

	cls := o.classifier.Classify(ctx, message, history)
	t.category = cls.Category
	t.log = t.log.With("category", cls.Category)
	t.transition(StateClassified)
	em.Emit(stream.EventClassification, stream.Classification{
		Category:   cls.Category,
		Confidence: cls.Confidence,
		Reasoning:  cls.Reasoning,
	})

	t.block = domain.NewContextBlock(userID, cls.Category.BlockType(), message)
	handler := o.handlers.For(cls.Category)
	t.transition(StateRouted)
	em.Emit(stream.EventProgress, stream.Progress{Stage: "routed", Message: "요청을 처리하고 있습니다."})

	res := handler.Handle(ctx, action.Request{
		Block:   t.block,
		History: history,
		Progress: func(stage, msg string) {
			em.Emit(stream.EventProgress, stream.Progress{Stage: stage, Message: msg})
		},
	})
	t.transition(StateExecuted)

	if !res.Success {
		o.persist(ctx, t)
		t.transition(StateError)
		em.Emit(stream.EventError, stream.Error{Error: res.Content, Kind: errorKind(res.Err)})
		if res.Err == nil {
			res.Err = errors.New("handler reported failure")
		}
		return t.block, res.Err
	}

	o.emitResult(t, res)
	t.transition(StateStreamed)

	if o.persist(ctx, t) {
		t.transition(StateSaved)
		em.Emit(stream.EventSaved, stream.Saved{BlockID: t.block.BlockID})
	}

	elapsed := o.now().Sub(t.started)
	em.Emit(stream.EventComplete, stream.Complete{BlockID: t.block.BlockID, ElapsedMs: elapsed.Milliseconds()})
	t.log.Info("turn completed",
		"block_id", t.block.BlockID,
		"elapsed_ms", elapsed.Milliseconds(),
		"dropped_events", em.Dropped(),
	)
	t.transition(StateCompleted)
	return t.block, nil
}

func (o *Orchestrator) emitResult(t *turn, res action.Result) {
	em := t.em
	em.Emit(stream.EventMessage, stream.Message{Content: res.Content})
	if t.category == domain.CategoryQuery && res.GeneratedQuery != "" {
		em.Emit(stream.EventSQL, stream.SQL{Query: res.GeneratedQuery})
	}

	rows := res.Data
	if rows == nil {
		rows = []domain.Row{}
	}
	rowCount := len(rows)
	if er := t.block.ExecutionResult; er != nil {
		rowCount = er.RowCount
	}
	if len(res.Data) > 0 {
		d := stream.Data{Rows: rows, RowCount: rowCount}
		if res.Stats != nil {
			d.ExecutionTimeMs = res.Stats.ExecutionTimeMs
			d.BytesProcessed = res.Stats.BytesProcessed
			d.CacheHit = res.Stats.CacheHit
		}
		em.Emit(stream.EventData, d)
	}

	em.Emit(stream.EventResult, stream.Result{
		BlockID:        t.block.BlockID,
		Category:       t.category,
		Status:         t.block.Status,
		Content:        res.Content,
		GeneratedQuery: res.GeneratedQuery,
		RowCount:       rowCount,
		Data:           rows,
	})
}

// persist saves the block once. Failures are logged and never reach the client.
func (o *Orchestrator) persist(ctx context.Context, t *turn) bool {
	if t.block == nil || t.saved {
		return false
	}
	if err := o.store.SaveBlock(ctx, t.block); err != nil {
		t.log.Error("failed to persist context block", "block_id", t.block.BlockID, "status", t.block.Status, "error", err)
		return false
	}
	t.saved = true
	return true
}

// abort fails and persists an in-flight block after a panic, then ends the
// stream with one error event.
func (o *Orchestrator) abort(ctx context.Context, t *turn) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("panic while aborting turn", "panic", r)
		}
	}()
	if t.block != nil && !t.block.Status.IsTerminal() {
		if err := t.block.Fail(msgInternal); err != nil {
			t.log.Error("failed to mark block failed", "block_id", t.block.BlockID, "error", err)
		}
	}
	o.persist(ctx, t)
	t.transition(StateError)
	t.em.Emit(stream.EventError, stream.Error{Error: msgInternal, Kind: stream.KindInternal})
}

func errorKind(err error) string {
	var qerr *query.Error
	switch {
	case err == nil:
		return stream.KindInternal
	case errors.As(err, &qerr):
		return string(qerr.Kind)
	case errors.Is(err, action.ErrGeneration):
		return stream.KindGeneration
	default:
		return stream.KindInternal
	}
}
