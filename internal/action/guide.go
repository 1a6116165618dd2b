package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/packer"
)

// GuideHandler explains how to use the assistant.
type GuideHandler struct {
	base
	metadata MetadataSource
}

// Category implements Handler.
func (h *GuideHandler) Category() domain.Category { return domain.CategoryGuide }

// Handle implements Handler.
func (h *GuideHandler) Handle(ctx context.Context, req Request) Result {
	block := req.Block
	if err := h.start(block); err != nil {
		return h.fail(block, msgInternal, err)
	}

	text, err := h.narrate(ctx, packer.PurposeGuide,
		fmt.Sprintf(guidePrompt, h.tables(ctx)), block.UserRequest, req.History)
	if err != nil {
		return h.fail(block, msgGuideFailed, fmt.Errorf("%w: %w", ErrGeneration, err))
	}
	return h.complete(block, text, nil)
}

func (h *GuideHandler) tables(ctx context.Context) string {
	if h.metadata == nil {
		return ""
	}
	snap, err := h.metadata.Get(ctx)
	if err != nil || len(snap.TableList) == 0 {
		return ""
	}
	return "Available tables: " + strings.Join(snap.TableList, ", ")
}
