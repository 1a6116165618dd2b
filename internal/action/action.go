// Package action implements one handler per message category. Every handler
// drives a pending ContextBlock to a terminal state and reports a Result.
package action

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/llm"
	"github.com/ashureev/insight-chat/internal/metadata"
	"github.com/ashureev/insight-chat/internal/packer"
	"github.com/ashureev/insight-chat/internal/query"
)

// ErrGeneration is wrapped by errors where the language model could not produce
// a usable query or narration.
var ErrGeneration = errors.New("generation failed")

// ProgressFunc receives coarse progress notifications from a handler.
type ProgressFunc func(stage, message string)

// Request is the input to a handler.
type Request struct {
	Block    *domain.ContextBlock
	History  []*domain.ContextBlock // most-recent-first
	Progress ProgressFunc
}

func (r Request) progress(stage, message string) {
	if r.Progress != nil {
		r.Progress(stage, message)
	}
}

// Result is what a handler reports back to the orchestrator.
type Result struct {
	Success        bool
	Content        string
	Data           []domain.Row
	GeneratedQuery string
	Stats          *query.Stats
	Err            error
}

// Handler is implemented by exactly one type per category.
type Handler interface {
	Category() domain.Category
	Handle(ctx context.Context, req Request) Result
}

// MetadataSource provides cached warehouse metadata.
type MetadataSource interface {
	Get(ctx context.Context) (*metadata.Snapshot, error)
}

// Config holds limits shared by the handlers.
type Config struct {
	Temperature      float32
	QueryMaxRows     int
	AnalysisMaxRows  int
	AnalysisMaxChars int
	History          packer.HistoryLimits
}

// DefaultConfig returns the default handler limits.
func DefaultConfig() Config {
	return Config{
		Temperature:      0.2,
		QueryMaxRows:     1000,
		AnalysisMaxRows:  200,
		AnalysisMaxChars: 20000,
		History:          packer.DefaultHistoryLimits(),
	}
}

// Deps are the collaborators handlers call.
type Deps struct {
	LLM      llm.Client
	Executor query.Executor
	Metadata MetadataSource
	Budget   *packer.Budget
	Config   Config
	Logger   *slog.Logger
}

// Set is the closed collection of handlers.
type Set struct {
	Query      *QueryHandler
	Analysis   *AnalysisHandler
	Metadata   *MetadataHandler
	Guide      *GuideHandler
	OutOfScope *OutOfScopeHandler
}

// NewSet builds all five handlers from deps.
func NewSet(deps Deps) *Set {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Budget == nil {
		deps.Budget = packer.DefaultBudget()
	}
	b := base{
		llm:    deps.LLM,
		budget: deps.Budget,
		cfg:    deps.Config,
		logger: deps.Logger.With("component", "action"),
	}
	return &Set{
		Query:      &QueryHandler{base: b, executor: deps.Executor, metadata: deps.Metadata},
		Analysis:   &AnalysisHandler{base: b},
		Metadata:   &MetadataHandler{base: b, metadata: deps.Metadata},
		Guide:      &GuideHandler{base: b, metadata: deps.Metadata},
		OutOfScope: &OutOfScopeHandler{base: b},
	}
}

// For returns the handler for c. Unknown values take the query path, matching the
// router's fallback.
func (s *Set) For(c domain.Category) Handler {
	switch c {
	case domain.CategoryQuery:
		return s.Query
	case domain.CategoryAnalysis:
		return s.Analysis
	case domain.CategoryMetadata:
		return s.Metadata
	case domain.CategoryGuide:
		return s.Guide
	case domain.CategoryOutOfScope:
		return s.OutOfScope
	default:
		return s.Query
	}
}

type base struct {
	llm    llm.Client
	budget *packer.Budget
	cfg    Config
	logger *slog.Logger
}

// narrate runs a completion with the packed history followed by userContent.
func (b base) narrate(ctx context.Context, purpose packer.Purpose, system, userContent string, history []*domain.ContextBlock) (string, error) {
	msgs := packer.PackHistory(history, b.cfg.History)
	budgetText := packer.HistoryText(msgs) + userContent
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userContent})
	return b.llm.Execute(ctx, llm.Request{
		System:      system,
		Messages:    msgs,
		MaxTokens:   b.budget.MaxTokens(purpose, budgetText),
		Temperature: b.cfg.Temperature,
	})
}

// fail moves block to failed and builds the matching Result.
func (b base) fail(block *domain.ContextBlock, userMessage string, err error) Result {
	if ferr := block.Fail(userMessage); ferr != nil {
		b.logger.Error("failed to mark block failed", "block_id", block.BlockID, "error", ferr)
	}
	b.logger.Warn("action failed",
		"block_id", block.BlockID,
		"block_type", block.BlockType,
		"error", err,
	)
	return Result{Success: false, Content: userMessage, GeneratedQuery: block.GeneratedQuery, Err: err}
}

// start moves block to processing; a block that cannot start is reported as failed.
func (b base) start(block *domain.ContextBlock) error {
	if err := block.Start(); err != nil {
		b.logger.Error("cannot start block", "block_id", block.BlockID, "status", block.Status, "error", err)
		return err
	}
	return nil
}

// complete moves block to completed.
func (b base) complete(block *domain.ContextBlock, content string, result *domain.ExecutionResult) Result {
	if err := block.Complete(content, result); err != nil {
		return b.fail(block, msgInternal, err)
	}
	return Result{Success: true, Content: content}
}
