package action

import (
	"context"
	"fmt"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/llm"
	"github.com/ashureev/insight-chat/internal/packer"
	"github.com/ashureev/insight-chat/internal/query"
)

// QueryHandler generates a query with the language model and executes it.
type QueryHandler struct {
	base
	executor query.Executor
	metadata MetadataSource
}

// Category implements Handler.
func (h *QueryHandler) Category() domain.Category { return domain.CategoryQuery }

// Handle implements Handler. Execution is never attempted when generation fails.
func (h *QueryHandler) Handle(ctx context.Context, req Request) Result {
	block := req.Block
	if err := h.start(block); err != nil {
		return h.fail(block, msgInternal, err)
	}

	req.progress("generating_query", "쿼리를 생성하고 있습니다.")
	schema := h.schemaText(ctx)
	raw, err := h.narrate(ctx, packer.PurposeQueryGeneration,
		fmt.Sprintf(queryGenerationPrompt, h.cfg.QueryMaxRows, schema),
		block.UserRequest, req.History)
	if err != nil {
		return h.fail(block, msgQueryGenFailed, fmt.Errorf("%w: %w", ErrGeneration, err))
	}
	q, err := llm.CleanQuery(raw, h.cfg.QueryMaxRows)
	if err != nil {
		return h.fail(block, msgQueryGenFailed, fmt.Errorf("%w: %w", ErrGeneration, err))
	}
	if err := block.SetGeneratedQuery(q); err != nil {
		return h.fail(block, msgInternal, err)
	}

	req.progress("executing_query", "쿼리를 실행하고 있습니다.")
	res, err := h.executor.Execute(ctx, q, h.cfg.QueryMaxRows)
	if err != nil {
		return h.fail(block, fmt.Sprintf("%s (%s)", msgQueryExecFailed, query.KindOf(err)), err)
	}

	summary := fmt.Sprintf("쿼리를 실행해 %d개 행을 조회했습니다.", res.RowCount)
	out := h.complete(block, summary, res.ToExecutionResult())
	if !out.Success {
		return out
	}
	out.Data = res.Rows
	out.GeneratedQuery = q
	out.Stats = &res.Stats
	h.logger.Info("query executed",
		"block_id", block.BlockID,
		"row_count", res.RowCount,
		"execution_time_ms", res.Stats.ExecutionTimeMs,
		"bytes_processed", res.Stats.BytesProcessed,
	)
	return out
}

func (h *QueryHandler) schemaText(ctx context.Context) string {
	if h.metadata == nil {
		return "(schema unavailable)"
	}
	snap, err := h.metadata.Get(ctx)
	if err != nil {
		h.logger.Warn("schema unavailable for query generation", "error", err)
		return "(schema unavailable)"
	}
	return snap.Summary()
}
