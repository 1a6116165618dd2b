package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/packer"
)

// AnalysisHandler forwards the most recent result rows to the language model for
// narration. The rows are packed, never transformed.
type AnalysisHandler struct {
	base
}

type analysisEnvelope struct {
	Question  string          `json:"question"`
	History   any             `json:"history"`
	Query     string          `json:"query,omitempty"`
	RowCount  int             `json:"row_count"`
	Truncated bool            `json:"truncated"`
	Data      json.RawMessage `json:"data"`
}

// Category implements Handler.
func (h *AnalysisHandler) Category() domain.Category { return domain.CategoryAnalysis }

// Handle implements Handler.
func (h *AnalysisHandler) Handle(ctx context.Context, req Request) Result {
	block := req.Block
	if err := h.start(block); err != nil {
		return h.fail(block, msgInternal, err)
	}

	source := latestResult(req.History)
	if source == nil {
		return h.complete(block, msgNoData, nil)
	}

	req.progress("analyzing", "조회된 데이터를 분석하고 있습니다.")
	data, packed := packer.PackCount(source.ExecutionResult.Data, h.cfg.AnalysisMaxRows, h.cfg.AnalysisMaxChars)

	env := analysisEnvelope{
		Question:  block.UserRequest,
		History:   packer.PackHistory(req.History, h.cfg.History),
		Query:     source.GeneratedQuery,
		RowCount:  source.ExecutionResult.RowCount,
		Truncated: packed < len(source.ExecutionResult.Data),
		Data:      json.RawMessage(data),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return h.fail(block, msgAnalysisFailed, fmt.Errorf("encode analysis envelope: %w", err))
	}

	// The envelope already carries the history, so none is sent separately.
	text, err := h.narrate(ctx, packer.PurposeAnalysis, analysisPrompt, string(payload), nil)
	if err != nil {
		return h.fail(block, msgAnalysisFailed, fmt.Errorf("%w: %w", ErrGeneration, err))
	}
	return h.complete(block, text, nil)
}

// latestResult returns the newest completed query block with rows.
func latestResult(history []*domain.ContextBlock) *domain.ContextBlock {
	for _, b := range history {
		if b != nil && b.HasRows() {
			return b
		}
	}
	return nil
}
