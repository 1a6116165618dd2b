package action

import (
	"context"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/packer"
)

// OutOfScopeHandler politely declines. It is the only handler that substitutes a
// canned answer when the language model fails.
type OutOfScopeHandler struct {
	base
}

// Category implements Handler.
func (h *OutOfScopeHandler) Category() domain.Category { return domain.CategoryOutOfScope }

// Handle implements Handler.
func (h *OutOfScopeHandler) Handle(ctx context.Context, req Request) Result {
	block := req.Block
	if err := h.start(block); err != nil {
		return h.fail(block, msgInternal, err)
	}

	text, err := h.narrate(ctx, packer.PurposeOutOfScope, outOfScopePrompt, block.UserRequest, nil)
	if err != nil {
		h.logger.Warn("out-of-scope reply failed, using canned apology", "block_id", block.BlockID, "error", err)
		text = msgOutOfScope
	}
	return h.complete(block, text, nil)
}
