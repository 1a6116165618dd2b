package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/llm"
	"github.com/ashureev/insight-chat/internal/metadata"
	"github.com/ashureev/insight-chat/internal/query"
)

type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []llm.Request
}

func (f *fakeLLM) Execute(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.reply, f.err
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeExecutor struct {
	result  *query.Result
	err     error
	queries []string
}

func (f *fakeExecutor) Execute(_ context.Context, q string, _ int) (*query.Result, error) {
	f.queries = append(f.queries, q)
	return f.result, f.err
}

func (f *fakeExecutor) FetchMetadata(context.Context) (*query.Metadata, error) {
	return &query.Metadata{TableList: []string{"events"}}, nil
}

type fakeMetadata struct {
	snap *metadata.Snapshot
	err  error
}

func (f *fakeMetadata) Get(context.Context) (*metadata.Snapshot, error) {
	return f.snap, f.err
}

func newTestSet(l *fakeLLM, exec *fakeExecutor, md MetadataSource) *Set {
	return NewSet(Deps{LLM: l, Executor: exec, Metadata: md, Config: DefaultConfig()})
}

func pending(cat domain.Category, msg string) *domain.ContextBlock {
	return domain.NewContextBlock("user-1", cat.BlockType(), msg)
}

func completedQueryBlock(rows []domain.Row) *domain.ContextBlock {
	b := domain.NewContextBlock("user-1", domain.BlockTypeQuery, "총 이벤트 수는 얼마인가요?")
	_ = b.Start()
	_ = b.SetGeneratedQuery("SELECT COUNT(*) AS total FROM events\nLIMIT 1000;")
	_ = b.Complete("1 row", &domain.ExecutionResult{Data: rows, RowCount: len(rows)})
	return b
}

func TestSetForIsExhaustive(t *testing.T) {
	t.Parallel()

	s := newTestSet(&fakeLLM{}, &fakeExecutor{}, nil)
	for _, c := range domain.Categories() {
		h := s.For(c)
		if h == nil || h.Category() != c {
			t.Errorf("For(%s) returned %v", c, h)
		}
	}
	if s.For("unknown").Category() != domain.CategoryQuery {
		t.Error("unknown category should route to the query handler")
	}
}

func TestQueryHandlerSuccess(t *testing.T) {
	t.Parallel()

	l := &fakeLLM{reply: "```sql\nSELECT COUNT(*) AS total FROM events\n```"}
	exec := &fakeExecutor{result: &query.Result{
		Rows:     []domain.Row{{"total": float64(1234)}},
		RowCount: 1,
		Stats:    query.Stats{ExecutionTimeMs: 80, BytesProcessed: 1 << 20},
	}}
	md := &fakeMetadata{snap: &metadata.Snapshot{TableList: []string{"events"}}}
	block := pending(domain.CategoryQuery, "총 이벤트 수는 얼마인가요?")

	var stages []string
	res := newTestSet(l, exec, md).Query.Handle(context.Background(), Request{
		Block:    block,
		Progress: func(stage, _ string) { stages = append(stages, stage) },
	})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.GeneratedQuery, "COUNT(*)") || !strings.Contains(res.GeneratedQuery, "LIMIT 1000") {
		t.Errorf("generated query = %q", res.GeneratedQuery)
	}
	if len(exec.queries) != 1 || exec.queries[0] != res.GeneratedQuery {
		t.Errorf("executed %v", exec.queries)
	}
	if block.Status != domain.StatusCompleted || block.ExecutionResult == nil || block.ExecutionResult.RowCount != 1 {
		t.Fatalf("unexpected block %+v", block)
	}
	if strings.Contains(block.AssistantResponse, "1234") {
		t.Errorf("assistant response should summarise, not repeat rows: %q", block.AssistantResponse)
	}
	if len(res.Data) != 1 || res.Stats == nil || res.Stats.ExecutionTimeMs != 80 {
		t.Errorf("unexpected result data %+v", res)
	}
	if strings.Join(stages, ",") != "generating_query,executing_query" {
		t.Errorf("stages = %v", stages)
	}
	if !strings.Contains(l.reqs[0].System, "Tables: events") {
		t.Errorf("schema missing from prompt: %q", l.reqs[0].System)
	}
}

func TestQueryHandlerGenerationFailureShortCircuits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		llm  *fakeLLM
	}{
		{"collaborator error", &fakeLLM{err: errors.New("quota exceeded")}},
		{"no statement", &fakeLLM{reply: "Sorry, I can't write that query."}},
	}
	for _, tt := range tests {
		exec := &fakeExecutor{}
		block := pending(domain.CategoryQuery, "q")
		res := newTestSet(tt.llm, exec, nil).Query.Handle(context.Background(), Request{Block: block})

		if res.Success || !errors.Is(res.Err, ErrGeneration) {
			t.Errorf("%s: result = %+v", tt.name, res)
		}
		if len(exec.queries) != 0 {
			t.Errorf("%s: executor called after failed generation", tt.name)
		}
		if block.Status != domain.StatusFailed {
			t.Errorf("%s: block status = %s", tt.name, block.Status)
		}
	}
}

func TestQueryHandlerExecutionFailure(t *testing.T) {
	t.Parallel()

	l := &fakeLLM{reply: "SELECT * FROM evnts"}
	exec := &fakeExecutor{err: query.NewError(query.KindNotFound, "Table evnts not found")}
	block := pending(domain.CategoryQuery, "q")

	res := newTestSet(l, exec, nil).Query.Handle(context.Background(), Request{Block: block})

	if res.Success {
		t.Fatal("expected failure")
	}
	if query.KindOf(res.Err) != query.KindNotFound {
		t.Errorf("error kind = %s", query.KindOf(res.Err))
	}
	if block.Status != domain.StatusFailed || block.ExecutionResult != nil {
		t.Fatalf("unexpected block %+v", block)
	}
	if block.GeneratedQuery == "" || res.GeneratedQuery != block.GeneratedQuery {
		t.Errorf("generated query should be kept for audit: %q", block.GeneratedQuery)
	}
}

func TestAnalysisHandlerNoDataShortCircuits(t *testing.T) {
	t.Parallel()

	l := &fakeLLM{reply: "unused"}
	block := pending(domain.CategoryAnalysis, "이 데이터를 분석해줘")

	res := newTestSet(l, &fakeExecutor{}, nil).Analysis.Handle(context.Background(), Request{Block: block})

	if !res.Success || res.Content != msgNoData {
		t.Fatalf("unexpected result %+v", res)
	}
	if l.calls() != 0 {
		t.Fatal("language model called without data")
	}
	if block.Status != domain.StatusCompleted {
		t.Fatalf("block status = %s", block.Status)
	}
}

func TestAnalysisHandlerIgnoresFailedAndNonQueryBlocks(t *testing.T) {
	t.Parallel()

	failed := domain.NewContextBlock("user-1", domain.BlockTypeQuery, "q")
	_ = failed.Start()
	_ = failed.Fail("boom")
	meta := domain.NewContextBlock("user-1", domain.BlockTypeMetadata, "tables?")
	_ = meta.Start()
	_ = meta.Complete("events", nil)

	l := &fakeLLM{}
	res := newTestSet(l, &fakeExecutor{}, nil).Analysis.Handle(context.Background(), Request{
		Block:   pending(domain.CategoryAnalysis, "분석"),
		History: []*domain.ContextBlock{meta, failed},
	})
	if !res.Success || res.Content != msgNoData || l.calls() != 0 {
		t.Fatalf("unexpected result %+v (llm calls %d)", res, l.calls())
	}
}

func TestAnalysisHandlerForwardsPackedRows(t *testing.T) {
	t.Parallel()

	rows := []domain.Row{{"day": "2026-01-01", "total": float64(10)}, {"day": "2026-01-02", "total": float64(12)}}
	older := completedQueryBlock([]domain.Row{{"stale": true}})
	newest := completedQueryBlock(rows)

	l := &fakeLLM{reply: "이벤트 수가 20% 증가했습니다."}
	block := pending(domain.CategoryAnalysis, "이 데이터를 분석해줘")
	res := newTestSet(l, &fakeExecutor{}, nil).Analysis.Handle(context.Background(), Request{
		Block:   block,
		History: []*domain.ContextBlock{newest, older},
	})

	if !res.Success || res.Content != l.reply {
		t.Fatalf("unexpected result %+v", res)
	}
	if block.Status != domain.StatusCompleted || block.ExecutionResult != nil {
		t.Fatalf("unexpected block %+v", block)
	}
	msgs := l.reqs[0].Messages
	if len(msgs) != 1 {
		t.Fatalf("expected a single envelope message, got %d", len(msgs))
	}
	env := msgs[0].Content
	for _, want := range []string{`"question":"이 데이터를 분석해줘"`, `"day":"2026-01-02"`, `"truncated":false`, "COUNT(*)"} {
		if !strings.Contains(env, want) {
			t.Errorf("envelope missing %s: %s", want, env)
		}
	}
	if strings.Contains(env, "stale") {
		t.Error("envelope used an older result")
	}
}

func TestAnalysisHandlerMarksTruncatedData(t *testing.T) {
	t.Parallel()

	rows := make([]domain.Row, DefaultConfig().AnalysisMaxRows+50)
	for i := range rows {
		rows[i] = domain.Row{"n": float64(i)}
	}
	l := &fakeLLM{reply: "ok"}
	res := newTestSet(l, &fakeExecutor{}, nil).Analysis.Handle(context.Background(), Request{
		Block:   pending(domain.CategoryAnalysis, "분석"),
		History: []*domain.ContextBlock{completedQueryBlock(rows)},
	})
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	env := l.reqs[0].Messages[0].Content
	if !strings.Contains(env, `"truncated":true`) {
		t.Errorf("envelope not marked truncated: %.200s", env)
	}
	if strings.Contains(env, fmt.Sprintf(`"n":%d}`, len(rows)-1)) {
		t.Error("envelope carries rows past the row cap")
	}
}

func TestAnalysisHandlerGenerationFailure(t *testing.T) {
	t.Parallel()

	l := &fakeLLM{err: errors.New("timeout")}
	block := pending(domain.CategoryAnalysis, "분석")
	res := newTestSet(l, &fakeExecutor{}, nil).Analysis.Handle(context.Background(), Request{
		Block:   block,
		History: []*domain.ContextBlock{completedQueryBlock([]domain.Row{{"a": 1}})},
	})
	if res.Success || !errors.Is(res.Err, ErrGeneration) || block.Status != domain.StatusFailed {
		t.Fatalf("unexpected result %+v block %s", res, block.Status)
	}
}

func TestMetadataHandler(t *testing.T) {
	t.Parallel()

	md := &fakeMetadata{snap: &metadata.Snapshot{
		TableList: []string{"events", "users"},
		Schema:    map[string]any{"events": map[string]any{"event_name": "STRING"}},
	}}
	l := &fakeLLM{reply: "events 테이블에는 event_name 컬럼이 있습니다."}
	block := pending(domain.CategoryMetadata, "어떤 테이블이 있나요?")

	res := newTestSet(l, &fakeExecutor{}, md).Metadata.Handle(context.Background(), Request{Block: block})
	if !res.Success || block.Status != domain.StatusCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(l.reqs[0].System, "event_name") {
		t.Errorf("metadata missing from prompt")
	}

	failing := &fakeMetadata{err: metadata.ErrUnavailable}
	block = pending(domain.CategoryMetadata, "어떤 테이블이 있나요?")
	res = newTestSet(l, &fakeExecutor{}, failing).Metadata.Handle(context.Background(), Request{Block: block})
	if res.Success || block.Status != domain.StatusFailed || !errors.Is(res.Err, metadata.ErrUnavailable) {
		t.Fatalf("expected metadata failure, got %+v", res)
	}
}

func TestGuideHandler(t *testing.T) {
	t.Parallel()

	l := &fakeLLM{reply: "예: '어제 이벤트 수는?'처럼 질문하세요."}
	md := &fakeMetadata{snap: &metadata.Snapshot{TableList: []string{"events"}}}
	block := pending(domain.CategoryGuide, "어떻게 사용하나요?")
	res := newTestSet(l, &fakeExecutor{}, md).Guide.Handle(context.Background(), Request{Block: block})
	if !res.Success || res.Content != l.reply {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(l.reqs[0].System, "Available tables: events") {
		t.Error("guide prompt should list tables")
	}

	l = &fakeLLM{err: errors.New("down")}
	block = pending(domain.CategoryGuide, "help")
	res = newTestSet(l, &fakeExecutor{}, nil).Guide.Handle(context.Background(), Request{Block: block})
	if res.Success || block.Status != domain.StatusFailed {
		t.Fatalf("guide should fail without a reply, got %+v", res)
	}
}

func TestOutOfScopeHandlerFallsBackToApology(t *testing.T) {
	t.Parallel()

	block := pending(domain.CategoryOutOfScope, "오늘 날씨 어때?")
	res := newTestSet(&fakeLLM{err: errors.New("down")}, &fakeExecutor{}, nil).OutOfScope.Handle(context.Background(), Request{Block: block})

	if !res.Success || res.Content != msgOutOfScope {
		t.Fatalf("unexpected result %+v", res)
	}
	if block.Status != domain.StatusCompleted || block.AssistantResponse != msgOutOfScope {
		t.Fatalf("unexpected block %+v", block)
	}
}

func TestHandlerRejectsNonPendingBlock(t *testing.T) {
	t.Parallel()

	block := pending(domain.CategoryGuide, "help")
	_ = block.Start()
	_ = block.Complete("done", nil)

	l := &fakeLLM{reply: "x"}
	res := newTestSet(l, &fakeExecutor{}, nil).Guide.Handle(context.Background(), Request{Block: block})
	if res.Success || !errors.Is(res.Err, domain.ErrInvalidTransition) {
		t.Fatalf("unexpected result %+v", res)
	}
	if block.Status != domain.StatusCompleted || block.AssistantResponse != "done" {
		t.Fatal("terminal block was mutated")
	}
	if l.calls() != 0 {
		t.Fatal("language model called for a terminal block")
	}
}
