package domain

import (
	"errors"
	"testing"
)

func TestContextBlockForwardTransitions(t *testing.T) {
	t.Parallel()

	b := NewContextBlock("user-1", BlockTypeQuery, "총 이벤트 수는 얼마인가요?")
	if b.Status != StatusPending {
		t.Fatalf("new block status = %s, want pending", b.Status)
	}
	if b.BlockID == "" {
		t.Fatal("expected generated block id")
	}

	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := &ExecutionResult{Data: []Row{{"total": 42}}, RowCount: 1}
	if err := b.Complete("1 row", res); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if b.Status != StatusCompleted || b.ExecutionResult != res {
		t.Fatalf("unexpected block after Complete: %+v", b)
	}
}

func TestContextBlockTerminalIsFrozen(t *testing.T) {
	t.Parallel()

	b := NewContextBlock("user-1", BlockTypeQuery, "q")
	_ = b.Start()
	if err := b.Fail("boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	checks := map[string]error{
		"start":    b.Start(),
		"complete": b.Complete("late", nil),
		"fail":     b.Fail("again"),
		"query":    b.SetGeneratedQuery("SELECT 1;"),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s on failed block: got %v, want ErrInvalidTransition", name, err)
		}
	}
	if b.Status != StatusFailed || b.AssistantResponse != "boom" {
		t.Fatalf("terminal block mutated: %+v", b)
	}
}

func TestContextBlockCannotSkipProcessing(t *testing.T) {
	t.Parallel()

	b := NewContextBlock("user-1", BlockTypeAnalysis, "q")
	if err := b.Complete("done", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Complete from pending: got %v", err)
	}
	if b.Status != StatusPending {
		t.Fatalf("status changed to %s", b.Status)
	}
}

func TestExecutionResultOnlyOnQueryBlocks(t *testing.T) {
	t.Parallel()

	b := NewContextBlock("user-1", BlockTypeAnalysis, "q")
	_ = b.Start()
	err := b.Complete("done", &ExecutionResult{RowCount: 1})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	if b.ExecutionResult != nil {
		t.Fatal("execution result set on analysis block")
	}
}

func TestFailClearsExecutionResult(t *testing.T) {
	t.Parallel()

	b := NewContextBlock("user-1", BlockTypeQuery, "q")
	_ = b.Start()
	b.ExecutionResult = &ExecutionResult{RowCount: 3}
	if err := b.Fail("engine error"); err != nil {
		t.Fatal(err)
	}
	if b.ExecutionResult != nil {
		t.Fatal("failed block kept execution result")
	}
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Category
		ok   bool
	}{
		{"query_request", CategoryQuery, true},
		{"  DATA_ANALYSIS ", CategoryAnalysis, true},
		{"out_of_scope", CategoryOutOfScope, true},
		{"chit_chat", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseCategory(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseCategory(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCategoryBlockType(t *testing.T) {
	t.Parallel()

	if CategoryQuery.BlockType() != BlockTypeQuery {
		t.Error("query category should map to QUERY")
	}
	if CategoryAnalysis.BlockType() != BlockTypeAnalysis {
		t.Error("analysis category should map to ANALYSIS")
	}
	for _, c := range []Category{CategoryMetadata, CategoryGuide, CategoryOutOfScope} {
		if c.BlockType() != BlockTypeMetadata {
			t.Errorf("%s should map to METADATA", c)
		}
	}
}
