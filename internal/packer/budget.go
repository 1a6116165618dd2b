package packer

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Purpose names the kind of language-model call a budget applies to.
type Purpose string

const (
	PurposeClassification  Purpose = "classification"
	PurposeQueryGeneration Purpose = "query_generation"
	PurposeAnalysis        Purpose = "data_analysis"
	PurposeMetadata        Purpose = "metadata"
	PurposeGuide           Purpose = "guide"
	PurposeOutOfScope      Purpose = "out_of_scope"
)

// Profile is the per-purpose budget configuration.
type Profile struct {
	Base        int     `yaml:"base"`
	Sensitivity float64 `yaml:"sensitivity"`
}

// Bucket is a coarse context-length class.
type Bucket int

const (
	BucketShort Bucket = iota
	BucketMedium
	BucketLong
)

// Word-count thresholds separating the buckets.
const (
	shortWords  = 200
	mediumWords = 1000
)

// Budget computes max output tokens for language-model calls.
type Budget struct {
	Profiles map[Purpose]Profile `yaml:"profiles"`
	Bonus    map[Bucket]int      `yaml:"-"`
	Ceiling  int                 `yaml:"ceiling"`
}

// DefaultBudget returns the built-in budget table.
func DefaultBudget() *Budget {
	return &Budget{
		Profiles: map[Purpose]Profile{
			PurposeClassification:  {Base: 256, Sensitivity: 0.25},
			PurposeQueryGeneration: {Base: 1024, Sensitivity: 1.0},
			PurposeAnalysis:        {Base: 1536, Sensitivity: 1.0},
			PurposeMetadata:        {Base: 1024, Sensitivity: 0.5},
			PurposeGuide:           {Base: 1024, Sensitivity: 0.5},
			PurposeOutOfScope:      {Base: 512, Sensitivity: 0.25},
		},
		Bonus: map[Bucket]int{
			BucketShort:  0,
			BucketMedium: 512,
			BucketLong:   1024,
		},
		Ceiling: 4096,
	}
}

// LoadBudget reads a YAML overlay on top of DefaultBudget. Only purposes present
// in the file are replaced.
func LoadBudget(path string) (*Budget, error) {
	b := DefaultBudget()
	if path == "" {
		return b, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read budget file: %w", err)
	}
	var overlay struct {
		Profiles map[Purpose]Profile `yaml:"profiles"`
		Ceiling  int                 `yaml:"ceiling"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse budget file: %w", err)
	}
	for p, prof := range overlay.Profiles {
		if prof.Base <= 0 || prof.Sensitivity < 0 {
			return nil, fmt.Errorf("invalid budget profile for %q", p)
		}
		b.Profiles[p] = prof
	}
	if overlay.Ceiling > 0 {
		b.Ceiling = overlay.Ceiling
	}
	return b, nil
}

// BucketFor classifies context text by word count.
func BucketFor(text string) Bucket {
	words := len(strings.Fields(text))
	switch {
	case words < shortWords:
		return BucketShort
	case words < mediumWords:
		return BucketMedium
	default:
		return BucketLong
	}
}

// MaxTokens returns base + bonus(bucket) * sensitivity, capped at the ceiling.
func (b *Budget) MaxTokens(p Purpose, contextText string) int {
	prof, ok := b.Profiles[p]
	if !ok {
		prof = Profile{Base: 512}
	}
	tokens := prof.Base + int(float64(b.Bonus[BucketFor(contextText)])*prof.Sensitivity)
	if b.Ceiling > 0 && tokens > b.Ceiling {
		return b.Ceiling
	}
	return tokens
}
