package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/insight-chat/internal/action"
	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/identity"
	"github.com/ashureev/insight-chat/internal/llm"
	"github.com/ashureev/insight-chat/internal/orchestrator"
	"github.com/ashureev/insight-chat/internal/query"
	"github.com/ashureev/insight-chat/internal/stream"
)

type memStore struct {
	mu    sync.Mutex
	saved []*domain.ContextBlock
}

func (m *memStore) GetRecentBlocks(context.Context, string, int) ([]*domain.ContextBlock, error) {
	return nil, nil
}

func (m *memStore) SaveBlock(_ context.Context, b *domain.ContextBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, b)
	return nil
}

type fixedClassifier domain.Category

func (c fixedClassifier) Classify(context.Context, string, []*domain.ContextBlock) domain.Classification {
	return domain.Classification{Category: domain.Category(c), Confidence: 0.95, Reasoning: "count question"}
}

type cannedLLM string

func (c cannedLLM) Execute(context.Context, llm.Request) (string, error) { return string(c), nil }

type countExecutor struct{}

func (countExecutor) Execute(context.Context, string, int) (*query.Result, error) {
	return &query.Result{
		Rows:     []domain.Row{{"total": float64(1234)}},
		RowCount: 1,
		Stats:    query.Stats{ExecutionTimeMs: 12},
	}, nil
}

func (countExecutor) FetchMetadata(context.Context) (*query.Metadata, error) {
	return &query.Metadata{}, nil
}

func newTestServer(t *testing.T, store *memStore) *httptest.Server {
	t.Helper()
	set := action.NewSet(action.Deps{
		LLM:      cannedLLM("SELECT COUNT(*) AS total FROM events"),
		Executor: countExecutor{},
		Config:   action.DefaultConfig(),
	})
	orch := orchestrator.New(store, fixedClassifier(domain.CategoryQuery), set, orchestrator.DefaultConfig(), nil)
	h := NewHandler(NewService(orch, nil, 16, nil), nil)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithUserID(r.Context(), "anon_test")))
		})
	})
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return events
}

func TestHandleChatStreamsQueryTurn(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	srv := newTestServer(t, store)

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(`{"message":"총 이벤트 수는 얼마인가요?"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("status %d, content type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	events := readSSE(t, resp)
	var order []string
	var result stream.Result
	for _, ev := range events {
		if ev.name != stream.EventProgress {
			order = append(order, ev.name)
		}
		if ev.name == stream.EventResult {
			if err := json.Unmarshal([]byte(ev.data), &result); err != nil {
				t.Fatalf("decode result: %v", err)
			}
		}
	}
	want := strings.Join([]string{
		stream.EventContextLoaded, stream.EventClassification, stream.EventMessage,
		stream.EventSQL, stream.EventData, stream.EventResult, stream.EventSaved, stream.EventComplete,
	}, ",")
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("events = %s\nwant     %s", got, want)
	}
	if result.Category != domain.CategoryQuery || result.Status != domain.StatusCompleted || len(result.Data) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(result.GeneratedQuery, "COUNT(*)") || !strings.Contains(result.GeneratedQuery, "LIMIT 1000") {
		t.Fatalf("generated query = %q", result.GeneratedQuery)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.saved) != 1 || store.saved[0].UserID != "anon_test" {
		t.Fatalf("saved = %+v", store.saved)
	}
}

func TestHandleChatRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &memStore{})
	tests := []struct {
		body string
		want int
	}{
		{`{"message":"   "}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(tt.body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
		}
	}
}

func TestHandleChatRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	h := NewHandler(NewService(nil, nil, 1, nil), nil)
	defer h.Close()

	body := `{"message":"` + strings.Repeat("x", 2<<20) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req = req.WithContext(identity.WithUserID(req.Context(), "anon_test"))
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("u1") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("u2") {
		t.Fatal("limits are per user")
	}
}

func TestHandleWebSocketStreamsQueryTurn(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &memStore{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/chat/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	if err := wsjson.Write(ctx, conn, ChatRequest{Message: "총 이벤트 수는 얼마인가요?"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var names []string
	for {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			t.Fatalf("read: %v", err)
		}
		names = append(names, frame.Event)
	}
	if len(names) == 0 || names[0] != stream.EventContextLoaded || names[len(names)-1] != stream.EventComplete {
		t.Fatalf("frames = %v", names)
	}
}
