package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/semantis-ai/semantis/auth"
	"github.com/semantis-ai/semantis/cache"
	"github.com/semantis-ai/semantis/embedding"
	"github.com/semantis-ai/semantis/openai"
	"github.com/semantis-ai/semantis/provider"
	"github.com/semantis-ai/semantis/utils"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	next    int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vectors == nil {
		f.vectors = make(map[string][]float32)
	}
	if vector, ok := f.vectors[text]; ok {
		return vector, nil
	}
	vector := make([]float32, 16)
	vector[f.next%16] = 1
	f.next++
	f.vectors[text] = vector
	return vector, nil
}

type fakeChat struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeChat) Complete(_ context.Context, _ []openai.Message, _ float32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	return fmt.Sprintf("answer %d", f.calls), nil
}

type serverFixture struct {
	router *mux.Router
	chat   *fakeChat
	saved  *int
}

func newServerFixture(t *testing.T) *serverFixture {
	logger := zaptest.NewLogger(t).Sugar()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	chat := &fakeChat{}
	embedder := cache.NewContextEmbedder(&fakeEmbedder{}, utils.Must(embedding.NewCache(64)))
	engine := cache.NewService(embedder, chat, 0, mock, logger)
	registry := auth.NewFileRegistry(filepath.Join(t.TempDir(), "api_keys.json"), mock, logger)

	saved := 0
	server := New(engine, registry, func() error { saved++; return nil }, mock, logger)
	router := mux.NewRouter()
	server.RegisterRoutes(router)
	return &serverFixture{router: router, chat: chat, saved: &saved}
}

func (f *serverFixture) do(method string, target string, apiKey string, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, nil)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+apiKey)
	}
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	var payload map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	return payload
}

func TestHealth_NoAuthRequired(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(http.MethodGet, "/health", "", "")

	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decodeBody(t, recorder)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "semantic-cache", payload["service"])
	assert.Equal(t, "0.1.0", payload["version"])
}

func TestAuth_MissingKey(t *testing.T) {
	f := newServerFixture(t)
	for _, apiKey := range []string{"", "wrongprefix-acme-x"} {
		recorder := f.do(http.MethodGet, "/metrics", apiKey, "")
		require.Equal(t, http.StatusUnauthorized, recorder.Code, "key: %q", apiKey)
		assert.Equal(t, "Missing or invalid API key", decodeBody(t, recorder)["detail"])
	}
}

func TestAuth_MalformedKey(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(http.MethodGet, "/metrics", "sc-acme", "")

	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, "Malformed API key", decodeBody(t, recorder)["detail"])
}

func TestChatCompletions_MissThenExactHit(t *testing.T) {
	f := newServerFixture(t)
	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"What is AI?"}]}`

	recorder := f.do(http.MethodPost, "/v1/chat/completions", "sc-acme-k1", body)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	payload := decodeBody(t, recorder)
	assert.True(t, strings.HasPrefix(payload["id"].(string), "chatcmpl-"))
	meta := payload["meta"].(map[string]any)
	assert.Equal(t, "miss", meta["hit"])

	recorder = f.do(http.MethodPost, "/v1/chat/completions", "sc-acme-k1", body)
	require.Equal(t, http.StatusOK, recorder.Code)
	payload = decodeBody(t, recorder)
	meta = payload["meta"].(map[string]any)
	assert.Equal(t, "exact", meta["hit"])
	assert.Equal(t, 1.0, meta["similarity"])

	choices := payload["choices"].([]any)
	message := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "answer 1", message["content"])
}

func TestChatCompletions_TenantsAreIsolated(t *testing.T) {
	f := newServerFixture(t)
	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"Shared question"}]}`

	first := f.do(http.MethodPost, "/v1/chat/completions", "sc-acme-k1", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodPost, "/v1/chat/completions", "sc-globex-k1", body)
	require.Equal(t, http.StatusOK, second.Code)
	meta := decodeBody(t, second)["meta"].(map[string]any)
	assert.Equal(t, "miss", meta["hit"])
}

func TestChatCompletions_ValidationFailure(t *testing.T) {
	f := newServerFixture(t)
	for _, body := range []string{
		`{"messages":[{"role":"user","content":"hi"}]}`,
		`{"model":"gpt-4o-mini","messages":[]}`,
		`{"model":"gpt-4o-mini","messages":[{"role":"robot","content":"hi"}]}`,
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}],"temperature":3}`,
	} {
		recorder := f.do(http.MethodPost, "/v1/chat/completions", "sc-acme-k1", body)
		assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code, "body: %s", body)
	}
}

func TestChatCompletions_UpstreamTimeout(t *testing.T) {
	f := newServerFixture(t)
	f.chat.err = provider.TransientError{Err: fmt.Errorf("deadline exceeded")}

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"What is AI?"}]}`
	recorder := f.do(http.MethodPost, "/v1/chat/completions", "sc-acme-k1", body)
	assert.Equal(t, http.StatusGatewayTimeout, recorder.Code)
}

func TestChatCompletions_UpstreamFatal(t *testing.T) {
	f := newServerFixture(t)
	f.chat.err = provider.FatalError{Err: fmt.Errorf("bad api key")}

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"What is AI?"}]}`
	recorder := f.do(http.MethodPost, "/v1/chat/completions", "sc-acme-k1", body)
	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
}

func TestQuery_RequiresPrompt(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(http.MethodGet, "/query", "sc-acme-k1", "")
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
}

func TestQuery_ReturnsAnswerAndMeta(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(http.MethodGet, "/query?prompt=What+is+AI%3F", "sc-acme-k1", "")

	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decodeBody(t, recorder)
	assert.Equal(t, "answer 1", payload["answer"])
	meta := payload["meta"].(map[string]any)
	assert.Equal(t, "miss", meta["hit"])
	assert.Equal(t, "hybrid", meta["strategy"])

	metrics := payload["metrics"].(map[string]any)
	assert.Equal(t, 1.0, metrics["requests"])
	assert.Equal(t, 1.0, metrics["misses"])
}

func TestMetrics_ReflectsTraffic(t *testing.T) {
	f := newServerFixture(t)
	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"What is AI?"}]}`
	f.do(http.MethodPost, "/v1/chat/completions", "sc-acme-k1", body)
	f.do(http.MethodPost, "/v1/chat/completions", "sc-acme-k1", body)

	recorder := f.do(http.MethodGet, "/metrics", "sc-acme-k1", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decodeBody(t, recorder)
	assert.Equal(t, "acme", payload["tenant"])
	assert.Equal(t, 2.0, payload["requests"])
	assert.Equal(t, 1.0, payload["hits"])
	assert.Equal(t, 1.0, payload["misses"])
	assert.Equal(t, 0.5, payload["hit_ratio"])
	assert.Equal(t, 100.0, payload["tokens_saved_est"])
}

func TestEvents_NewestFirstAndLimit(t *testing.T) {
	f := newServerFixture(t)
	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"What is AI?"}]}`
	f.do(http.MethodPost, "/v1/chat/completions", "sc-acme-k1", body)
	f.do(http.MethodPost, "/v1/chat/completions", "sc-acme-k1", body)

	recorder := f.do(http.MethodGet, "/events?limit=1", "sc-acme-k1", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	// The body is a bare list, newest first.
	var events []map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "exact", events[0]["decision"])

	recorder = f.do(http.MethodGet, "/events?limit=nope", "sc-acme-k1", "")
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
}

func TestAdminSave_TriggersSnapshot(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(http.MethodPost, "/admin/save", "sc-acme-k1", "")

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1, *f.saved)
}

func TestAdminDomains_SetAndValidate(t *testing.T) {
	f := newServerFixture(t)

	recorder := f.do(http.MethodPut, "/admin/domains", "sc-acme-k1", `{"domain":"legal","threshold":0.9}`)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = f.do(http.MethodPut, "/admin/domains", "sc-acme-k1", `{"domain":"legal","threshold":1.5}`)
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
}

func TestAdminWarmup_InsertsEntries(t *testing.T) {
	f := newServerFixture(t)

	recorder := f.do(http.MethodPost, "/admin/warmup", "sc-acme-k1",
		`{"items":[{"prompt":"What is an NDA?","response":"A non-disclosure agreement.","model":"gpt-4o-mini"}]}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1.0, decodeBody(t, recorder)["inserted"])

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"what is an NDA?"}]}`
	response := f.do(http.MethodPost, "/v1/chat/completions", "sc-acme-k1", body)
	require.Equal(t, http.StatusOK, response.Code)
	meta := decodeBody(t, response)["meta"].(map[string]any)
	assert.Equal(t, "exact", meta["hit"])
}
