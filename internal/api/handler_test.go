package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/iatoolkit/iatoolkit/internal/chat"
	"github.com/iatoolkit/iatoolkit/internal/metering"
	"github.com/iatoolkit/iatoolkit/internal/tenant"
	"github.com/iatoolkit/iatoolkit/internal/tools"
	"github.com/iatoolkit/iatoolkit/pkg/llm"
	"github.com/iatoolkit/iatoolkit/pkg/logging"
)

type stubGenerator struct {
	reply *llm.Reply
	err   error
}

func (g *stubGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Reply, error) {
	return g.reply, g.err
}

type nopDispatcher struct{}

func (nopDispatcher) DefinitionsFor(tn *tenant.Tenant) []llm.Tool { return nil }
func (nopDispatcher) Execute(ctx context.Context, tn *tenant.Tenant, call llm.ToolCall) tools.Result {
	return tools.Result{CallID: call.ID, Name: call.Name, Status: tools.StatusError, Content: "no tools"}
}

type nopRecorder struct{}

func (nopRecorder) Record(metering.Interaction) {}

func newTestRouter(t *testing.T, gen chat.Generator) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logging.NewLogger()

	resolver, err := tenant.NewResolver(tenant.StaticSource{{
		ID:    "bookstore",
		Model: "gpt-4o",
	}}, logger)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	engine := chat.NewEngine(chat.EngineConfig{
		Resolver:   resolver,
		Generator:  gen,
		Dispatcher: nopDispatcher{},
		Log:        nopRecorder{},
		Logger:     logger,
	})

	router := gin.New()
	RegisterRoutes(router, NewHandler(engine, resolver, logger))
	return router
}

func TestHandleQuery(t *testing.T) {
	router := newTestRouter(t, &stubGenerator{reply: &llm.Reply{
		Text:       "We open at nine.",
		ResponseID: "resp-42",
	}})

	body := `{"user_id": "u1", "message": "When do you open?"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bookstore/api/llm_query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp QueryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Answer != "We open at nine." || resp.ResponseID != "resp-42" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandleQueryUnknownTenantIs404(t *testing.T) {
	router := newTestRouter(t, &stubGenerator{reply: &llm.Reply{Text: "x"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/florist/api/llm_query", strings.NewReader(`{"message": "hi"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleQueryValidation(t *testing.T) {
	router := newTestRouter(t, &stubGenerator{reply: &llm.Reply{Text: "x"}})

	cases := []struct {
		name string
		body string
	}{
		{"empty message", `{"message": "  "}`},
		{"bad json", `{"message": `},
		{"tool role in history", `{"message": "hi", "history": [{"role": "tool", "content": "x"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/bookstore/api/llm_query", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d", w.Code)
			}
		})
	}
}

func TestHandleQueryProviderInvalidRequestIs400(t *testing.T) {
	router := newTestRouter(t, &stubGenerator{err: &llm.ProviderError{
		Provider: "openai",
		Kind:     llm.KindInvalidRequest,
	}})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bookstore/api/llm_query", strings.NewReader(`{"message": "hi"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleReload(t *testing.T) {
	router := newTestRouter(t, &stubGenerator{reply: &llm.Reply{Text: "x"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/tenants/reload", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "bookstore") {
		t.Errorf("body = %s", w.Body.String())
	}
}
