package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/packer"
)

var errNoMetadataSource = errors.New("no metadata source configured")

// MetadataHandler narrates warehouse metadata.
type MetadataHandler struct {
	base
	metadata MetadataSource
}

// Category implements Handler.
func (h *MetadataHandler) Category() domain.Category { return domain.CategoryMetadata }

// Handle implements Handler.
func (h *MetadataHandler) Handle(ctx context.Context, req Request) Result {
	block := req.Block
	if err := h.start(block); err != nil {
		return h.fail(block, msgInternal, err)
	}
	if h.metadata == nil {
		return h.fail(block, msgMetadataFailed, errNoMetadataSource)
	}

	req.progress("loading_metadata", "테이블 정보를 불러오고 있습니다.")
	snap, err := h.metadata.Get(ctx)
	if err != nil {
		return h.fail(block, msgMetadataFailed, err)
	}

	text, err := h.narrate(ctx, packer.PurposeMetadata,
		fmt.Sprintf(metadataPrompt, snap.Summary()), block.UserRequest, req.History)
	if err != nil {
		return h.fail(block, msgMetadataFailed, fmt.Errorf("%w: %w", ErrGeneration, err))
	}
	return h.complete(block, text, nil)
}
