package domain

import "strings"

// Category is the closed set of actions a user message can be routed to.
type Category string

const (
	CategoryQuery      Category = "query_request"
	CategoryAnalysis   Category = "data_analysis"
	CategoryMetadata   Category = "metadata_request"
	CategoryGuide      Category = "guide_request"
	CategoryOutOfScope Category = "out_of_scope"
)

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{CategoryQuery, CategoryAnalysis, CategoryMetadata, CategoryGuide, CategoryOutOfScope}
}

// ParseCategory normalises s and reports whether it names a known category.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories() {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// BlockType returns the block type recorded for turns of this category.
func (c Category) BlockType() BlockType {
	switch c {
	case CategoryQuery:
		return BlockTypeQuery
	case CategoryAnalysis:
		return BlockTypeAnalysis
	default:
		return BlockTypeMetadata
	}
}

// Classification is the router's decision for one message.
type Classification struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
}
