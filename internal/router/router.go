// Package router classifies a user message into one of the known categories.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/llm"
	"github.com/ashureev/insight-chat/internal/packer"
)

// FallbackConfidence is reported when classification could not be completed.
const FallbackConfidence = 0.1

const systemPrompt = `You route messages for a data assistant that answers questions about an event analytics warehouse.
Classify the latest user message into exactly one category:
- query_request: the user wants new data retrieved (counts, lists, trends, filters).
- data_analysis: the user wants the previously retrieved result explained, compared or interpreted.
- metadata_request: the user asks which tables, columns or fields exist or what they mean.
- guide_request: the user asks how to use this assistant or how to phrase questions.
- out_of_scope: anything unrelated to the data or the assistant.
Use the earlier turns only to resolve references such as "this data".
Respond with a single JSON object: {"category": "...", "confidence": 0.0-1.0, "reasoning": "..."}`

// Config controls classification calls.
type Config struct {
	Temperature float32
	History     packer.HistoryLimits
}

// Classifier maps a message and recent context to a category. It never fails.
type Classifier struct {
	client llm.Client
	budget *packer.Budget
	cfg    Config
	logger *slog.Logger
}

// New creates a Classifier.
func New(client llm.Client, budget *packer.Budget, cfg Config, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if budget == nil {
		budget = packer.DefaultBudget()
	}
	return &Classifier{
		client: client,
		budget: budget,
		cfg:    cfg,
		logger: logger.With("component", "router"),
	}
}

type classificationResponse struct {
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// Classify returns the category for message. Any failure yields query_request with
// FallbackConfidence.
func (c *Classifier) Classify(ctx context.Context, message string, blocks []*domain.ContextBlock) (result domain.Classification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("classification panicked", "panic", r)
			result = fallback(fmt.Sprintf("classification panicked: %v", r))
		}
	}()

	history := packer.PackHistory(blocks, c.cfg.History)
	msgs := append(history, llm.Message{Role: llm.RoleUser, Content: message})
	maxTokens := c.budget.MaxTokens(packer.PurposeClassification, packer.HistoryText(history))

	text, err := c.client.Execute(ctx, llm.Request{
		System:      systemPrompt,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		c.logger.Warn("classification call failed, defaulting to query_request", "error", err)
		return fallback("classifier unavailable: " + err.Error())
	}

	parsed, err := parse(text)
	if err != nil {
		c.logger.Warn("classification response unusable, defaulting to query_request", "error", err)
		return fallback(err.Error())
	}
	c.logger.Debug("message classified",
		"category", parsed.Category,
		"confidence", parsed.Confidence,
	)
	return parsed
}

func parse(text string) (domain.Classification, error) {
	obj, err := llm.ExtractJSONObject(text)
	if err != nil {
		return domain.Classification{}, err
	}
	var resp classificationResponse
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return domain.Classification{}, fmt.Errorf("decode classification: %w", err)
	}
	cat, ok := domain.ParseCategory(resp.Category)
	if !ok {
		return domain.Classification{}, fmt.Errorf("unknown category %q", resp.Category)
	}
	confidence := 0.5
	if resp.Confidence != nil {
		confidence = clamp(*resp.Confidence)
	}
	return domain.Classification{
		Category:   cat,
		Confidence: confidence,
		Reasoning:  resp.Reasoning,
	}, nil
}

func fallback(reason string) domain.Classification {
	return domain.Classification{
		Category:   domain.CategoryQuery,
		Confidence: FallbackConfidence,
		Reasoning:  "fallback: " + reason,
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
