package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/flow/backend/internal/middleware"
	chatmodel "github.com/zhouzirui/flow/backend/internal/model/chat"
	flowservice "github.com/zhouzirui/flow/backend/internal/service/flow"
)

type stubRetriever struct{}

func (stubRetriever) Retrieve(context.Context, chatmodel.TurnConfig, string) (string, []*schema.Document, error) {
	return "profile context", nil, nil
}
func (stubRetriever) Warm(context.Context, chatmodel.TurnConfig) error { return nil }
func (stubRetriever) Invalidate(chatmodel.TurnConfig)                  {}

type stubGenerator struct {
	mu    sync.Mutex
	reply string
}

func (g *stubGenerator) Generate(_ context.Context, _ chatmodel.TurnConfig, _ string, _ []chatmodel.Message, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reply, nil
}

func (g *stubGenerator) FormatBurst(_ context.Context, _ chatmodel.TurnConfig, reply, _ string) ([]string, error) {
	return []string{reply}, nil
}

func (g *stubGenerator) Warm(context.Context, string) error { return nil }
func (g *stubGenerator) Invalidate(string)                  {}

func newTestRouter(quiet time.Duration) http.Handler {
	svc := flowservice.NewService(stubRetriever{}, &stubGenerator{reply: "stub reply"}, flowservice.Config{QuietPeriod: quiet})

	r := chi.NewRouter()
	r.Use(middleware.Session)
	New(svc).RegisterRoutes(r)
	return r
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	if body == "" {
		body = "{}"
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: middleware.CookieName, Value: "test-session"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleMessageAccepted(t *testing.T) {
	router := newTestRouter(time.Hour)

	rec := doRequest(t, router, http.MethodPost, "/chat", `{"message":"hello","apiKey":"k","profile":"p","persona":"x"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if payload["status"] != "buffering" {
		t.Fatalf("unexpected status: %q", payload["status"])
	}
}

func TestHandleMessageRejectsEmpty(t *testing.T) {
	router := newTestRouter(time.Hour)

	rec := doRequest(t, router, http.MethodPost, "/chat", `{"message":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleMessageRejectsMalformedBody(t *testing.T) {
	router := newTestRouter(time.Hour)

	rec := doRequest(t, router, http.MethodPost, "/chat", `{"message":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResponsePollLifecycle(t *testing.T) {
	router := newTestRouter(30 * time.Millisecond)

	// nothing pending yet
	rec := doRequest(t, router, http.MethodGet, "/chat/response", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 before any message, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPost, "/chat", `{"message":"hello","apiKey":"k"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	// poll until the quiet period elapses and the fragment lands
	deadline := time.Now().Add(time.Second)
	var got map[string]string
	for time.Now().Before(deadline) {
		rec = doRequest(t, router, http.MethodGet, "/chat/response", "")
		if rec.Code == http.StatusOK {
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("invalid response body: %v", err)
			}
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got == nil {
		t.Fatal("fragment never delivered")
	}
	if got["role"] != chatmodel.RoleAssistant || got["content"] != "stub reply" {
		t.Fatalf("unexpected fragment: %v", got)
	}

	// queue drained again
	rec = doRequest(t, router, http.MethodGet, "/chat/response", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 after drain, got %d", rec.Code)
	}
}

func TestResetClearsHistory(t *testing.T) {
	router := newTestRouter(20 * time.Millisecond)

	rec := doRequest(t, router, http.MethodPost, "/chat", `{"message":"hello","apiKey":"k"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPost, "/chat/reset", `{"apiKey":"k2","profile":"p2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, "/chat/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Messages []chatmodel.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(payload.Messages) != 0 {
		t.Fatalf("expected empty history after reset, got %d messages", len(payload.Messages))
	}
}

func TestHistoryReturnsTranscript(t *testing.T) {
	router := newTestRouter(time.Hour)

	rec := doRequest(t, router, http.MethodPost, "/chat", `{"message":"first","apiKey":"k"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodPost, "/chat", `{"message":"second","apiKey":"k"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/chat/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Messages []chatmodel.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(payload.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(payload.Messages))
	}
	if payload.Messages[0].Content != "first" || payload.Messages[1].Content != "second" {
		t.Fatalf("unexpected transcript: %+v", payload.Messages)
	}
}
