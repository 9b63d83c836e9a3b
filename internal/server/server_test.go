package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/poemonsense/antigravity-hub/internal/auth"
	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/ratelimit"
	"github.com/poemonsense/antigravity-hub/internal/scheduler"
	"github.com/poemonsense/antigravity-hub/internal/store"
	"github.com/poemonsense/antigravity-hub/internal/upstream"
)

// wrappedHello is a minimal successful upstream reply in wrapped form.
const wrappedHello = `{"response":{"candidates":[{"content":{"parts":[{"text":"Hello!"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5},"modelVersion":"gemini-2.5-pro","responseId":"resp_123"}}`

// envelopeCapture records the last body a stub upstream received.
type envelopeCapture struct {
	mu   sync.Mutex
	last []byte
}

func (e *envelopeCapture) record(r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	e.mu.Lock()
	e.last = raw
	e.mu.Unlock()
}

func (e *envelopeCapture) get(path string) gjson.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gjson.GetBytes(e.last, path)
}

// newTestServer builds the full relay stack over a stub upstream and a
// temp-dir store holding one fresh account per email (default one).
func newTestServer(t *testing.T, upstreamFn http.HandlerFunc, mutate func(*config.AppConfig), emails ...string) *Server {
	t.Helper()

	stub := httptest.NewServer(upstreamFn)
	oldFallbacks := config.AntigravityEndpointFallbacks
	config.AntigravityEndpointFallbacks = []string{stub.URL}
	t.Cleanup(func() {
		config.AntigravityEndpointFallbacks = oldFallbacks
		stub.Close()
	})

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if len(emails) == 0 {
		emails = []string{"relay@example.com"}
	}
	ctx := context.Background()
	for _, email := range emails {
		_, err := st.UpsertAccount(ctx, email, "", store.Token{
			AccessToken:     "access-" + email,
			RefreshToken:    "refresh-" + email,
			ExpiresIn:       3599,
			ExpiryTimestamp: time.Now().Unix() + 3600,
			ProjectID:       "projects/test",
			Tier:            "g1-pro",
		})
		require.NoError(t, err)
	}

	cfg := config.NewManager(st)
	if mutate != nil {
		require.NoError(t, cfg.Update(mutate))
	}
	appCfg := cfg.Get()
	up, err := upstream.NewClient(&appCfg)
	require.NoError(t, err)

	tracker := ratelimit.NewTracker()
	sched := scheduler.NewManager(st, auth.NewClient(), up, cfg, tracker)
	require.NoError(t, sched.LoadAccounts(ctx))

	return New(cfg, st, sched, up, tracker, store.NewLogSink(st), Options{})
}

func doJSON(engine *gin.Engine, method, path string, body interface{}, edit func(*http.Request)) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if edit != nil {
		edit(req)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func chatRequest(model, text string) map[string]interface{} {
	return map[string]interface{}{
		"model": model,
		"messages": []map[string]interface{}{
			{"role": "user", "content": text},
		},
	}
}

func TestChatCompletionsEndToEnd(t *testing.T) {
	capture := &envelopeCapture{}
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1internal:generateContent", r.URL.Path)
		capture.record(r)
		w.Write([]byte(wrappedHello))
	}, nil)

	rec := doJSON(srv.Engine(), http.MethodPost, "/v1/chat/completions", chatRequest("gemini-2.5-pro", "Hi"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "resp_123", gjson.Get(body, "id").String())
	assert.Equal(t, "chat.completion", gjson.Get(body, "object").String())
	assert.Equal(t, "gemini-2.5-pro", gjson.Get(body, "model").String())
	assert.Equal(t, "Hello!", gjson.Get(body, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(body, "choices.0.finish_reason").String())
	assert.EqualValues(t, 5, gjson.Get(body, "usage.total_tokens").Int())

	// The upstream saw a fully wrapped envelope for the account's project.
	assert.Equal(t, "projects/test", capture.get("project").String())
	assert.Equal(t, "gemini-2.5-pro", capture.get("model").String())
	assert.True(t, strings.HasPrefix(capture.get("requestId").String(), "agent-"))
	assert.True(t, capture.get("request.contents").Exists())
}

func TestChatCompletionsRejectsMissingModel(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be called")
	}, nil)

	rec := doJSON(srv.Engine(), http.MethodPost, "/v1/chat/completions", map[string]interface{}{
		"messages": []map[string]interface{}{{"role": "user", "content": "Hi"}},
	}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaudeMessagesEndToEnd(t *testing.T) {
	capture := &envelopeCapture{}
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		capture.record(r)
		w.Write([]byte(wrappedHello))
	}, nil)

	rec := doJSON(srv.Engine(), http.MethodPost, "/v1/messages", map[string]interface{}{
		"model":      "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "Hello"},
		},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "message", gjson.Get(body, "type").String())
	assert.Equal(t, "assistant", gjson.Get(body, "role").String())
	assert.True(t, strings.HasPrefix(gjson.Get(body, "id").String(), "msg_"))
	assert.Equal(t, "text", gjson.Get(body, "content.0.type").String())
	assert.Equal(t, "Hello!", gjson.Get(body, "content.0.text").String())
	assert.Equal(t, "end_turn", gjson.Get(body, "stop_reason").String())

	assert.True(t, strings.HasPrefix(capture.get("requestId").String(), "agent-"))
	assert.Equal(t, "claude-sonnet-4-5", capture.get("model").String())
}

func TestGeminiGenerateUnwrapsResponse(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(wrappedHello))
	}, nil)

	rec := doJSON(srv.Engine(), http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent",
		map[string]interface{}{
			"contents": []map[string]interface{}{
				{"role": "user", "parts": []map[string]interface{}{{"text": "Hi"}}},
			},
		}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.False(t, gjson.Get(body, "response").Exists())
	assert.Equal(t, "Hello!", gjson.Get(body, "candidates.0.content.parts.0.text").String())
	assert.Equal(t, "STOP", gjson.Get(body, "candidates.0.finishReason").String())
}

func TestGeminiModelCatalog(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	rec := doJSON(srv.Engine(), http.MethodGet, "/v1beta/models", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, gjson.Get(rec.Body.String(), "models").Array())

	rec = doJSON(srv.Engine(), http.MethodGet, "/v1beta/models/gemini-3-flash", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "models/gemini-3-flash", gjson.Get(rec.Body.String(), "name").String())

	rec = doJSON(srv.Engine(), http.MethodGet, "/v1beta/models/not-a-model", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRotationExhaustsPool(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"quota"}}`))
	}, nil)

	rec := doJSON(srv.Engine(), http.MethodPost, "/v1/chat/completions", chatRequest("gemini-3-flash", "Hi"), nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "All accounts exhausted")
}

func TestEmptyPoolReturns429(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be called")
	}, nil)

	rec := doJSON(srv.Engine(), http.MethodGet, "/api/accounts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := gjson.Get(rec.Body.String(), "accounts.0.id").String()
	require.NotEmpty(t, id)

	rec = doJSON(srv.Engine(), http.MethodDelete, "/api/accounts/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(srv.Engine(), http.MethodPost, "/v1/chat/completions", chatRequest("gemini-3-flash", "Hi"), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "accounts")
}

func TestRotationMovesToNextAccount(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":429}}`))
			return
		}
		w.Write([]byte(wrappedHello))
	}, nil, "a@example.com", "b@example.com")

	rec := doJSON(srv.Engine(), http.MethodPost, "/v1/chat/completions", chatRequest("gemini-3-flash", "Hi"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello!", gjson.Get(rec.Body.String(), "choices.0.message.content").String())
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestNonRotationStatusPassesThrough(t *testing.T) {
	upstreamBody := `{"error":{"code":400,"message":"invalid argument","status":"INVALID_ARGUMENT"}}`
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(upstreamBody))
	}, nil)

	rec := doJSON(srv.Engine(), http.MethodPost, "/v1/chat/completions", chatRequest("gemini-3-flash", "Hi"), nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, upstreamBody, rec.Body.String())
}

func TestStreamingChatCompletions(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}]}}]}}\n\n")
		io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}]}}\n\n")
	}, nil)

	body := chatRequest("gemini-3-flash", "Hi")
	body["stream"] = true
	rec := doJSON(srv.Engine(), http.MethodPost, "/v1/chat/completions", body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	var content strings.Builder
	var finish string
	sawDone := false
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		assert.Equal(t, "chat.completion.chunk", gjson.Get(payload, "object").String())
		content.WriteString(gjson.Get(payload, "choices.0.delta.content").String())
		if fr := gjson.Get(payload, "choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
			finish = fr.String()
		}
	}
	assert.Equal(t, "Hello", content.String())
	assert.Equal(t, "stop", finish)
	assert.True(t, sawDone)
}

func TestModelMappingAppliesPerSurface(t *testing.T) {
	capture := &envelopeCapture{}
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		capture.record(r)
		w.Write([]byte(wrappedHello))
	}, func(cfg *config.AppConfig) {
		cfg.Proxy.OpenAIMapping = map[string]string{"gpt-4o": "gemini-3-pro-high"}
	})

	rec := doJSON(srv.Engine(), http.MethodPost, "/v1/chat/completions", chatRequest("gpt-4o", "Hi"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gemini-3-pro-high", capture.get("model").String())
}

func TestAuthModeAll(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, func(cfg *config.AppConfig) {
		cfg.Proxy.AuthMode = "all"
		cfg.Proxy.APIKey = "sk-test"
	})

	rec := doJSON(srv.Engine(), http.MethodGet, "/v1/models", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication_error", gjson.Get(rec.Body.String(), "error.type").String())

	rec = doJSON(srv.Engine(), http.MethodGet, "/v1/models", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sk-wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(srv.Engine(), http.MethodGet, "/v1/models", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sk-test")
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(srv.Engine(), http.MethodGet, "/v1/models", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", "sk-test")
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(srv.Engine(), http.MethodGet, "/v1/models?key=sk-test", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthModeLanOnlySkipsLoopback(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, func(cfg *config.AppConfig) {
		cfg.Proxy.AuthMode = "lan_only"
		cfg.Proxy.APIKey = "sk-test"
	})

	// httptest requests carry a non-loopback RemoteAddr.
	rec := doJSON(srv.Engine(), http.MethodGet, "/v1/models", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(srv.Engine(), http.MethodGet, "/v1/models", nil, func(r *http.Request) {
		r.RemoteAddr = "127.0.0.1:55555"
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, func(cfg *config.AppConfig) {
		cfg.Proxy.AuthMode = "all"
		cfg.Proxy.APIKey = "sk-test"
	})

	rec := doJSON(srv.Engine(), http.MethodGet, "/health", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "ok", gjson.Get(body, "status").String())
	assert.EqualValues(t, 1, gjson.Get(body, "counts.total").Int())
	assert.EqualValues(t, 1, gjson.Get(body, "counts.available").Int())
}

func TestListModelsOpenAIShape(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	rec := doJSON(srv.Engine(), http.MethodGet, "/v1/models", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "list", gjson.Get(body, "object").String())
	ids := make([]string, 0)
	for _, m := range gjson.Get(body, "data.#.id").Array() {
		ids = append(ids, m.String())
	}
	assert.Contains(t, ids, "gemini-3-flash")
	assert.Contains(t, ids, "claude-sonnet-4-5")
}

func TestCountTokensNotImplemented(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	rec := doJSON(srv.Engine(), http.MethodPost, "/v1/messages/count_tokens", map[string]interface{}{
		"model":    "claude-sonnet-4-5",
		"messages": []map[string]interface{}{{"role": "user", "content": "Hi"}},
	}, nil)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestNoRouteReturnsNotFoundError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	rec := doJSON(srv.Engine(), http.MethodGet, "/nope", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_error", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestSilentTelemetrySink(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, func(cfg *config.AppConfig) {
		cfg.Proxy.AuthMode = "all"
		cfg.Proxy.APIKey = "sk-test"
	})

	// Swallowed before auth; IDE telemetry carries no client key.
	rec := doJSON(srv.Engine(), http.MethodPost, "/api/event_logging/batch", map[string]interface{}{
		"events": []interface{}{},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())
}

func TestWarmupEndpoint(t *testing.T) {
	capture := &envelopeCapture{}
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		capture.record(r)
		w.Write([]byte(wrappedHello))
	}, nil)

	rec := doJSON(srv.Engine(), http.MethodPost, "/internal/warmup", map[string]interface{}{
		"email":        "relay@example.com",
		"model":        "gemini-3-flash",
		"access_token": "at-warm",
		"project_id":   "projects/test",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, gjson.Get(body, "ok").Bool())
	assert.EqualValues(t, http.StatusOK, gjson.Get(body, "status").Int())

	// The probe spends a single output token.
	assert.EqualValues(t, 1, capture.get("request.generationConfig.maxOutputTokens").Int())

	rec = doJSON(srv.Engine(), http.MethodPost, "/internal/warmup", map[string]interface{}{
		"email": "relay@example.com",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAccountsViewHidesCredentials(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	rec := doJSON(srv.Engine(), http.MethodGet, "/api/accounts", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "relay@example.com", gjson.Get(body, "accounts.0.email").String())
	assert.True(t, gjson.Get(body, "accounts.0.is_current").Bool())
	assert.NotContains(t, body, "access-relay@example.com")
	assert.NotContains(t, body, "refresh-relay@example.com")
}

func TestAdminConfigRoundTrip(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	rec := doJSON(srv.Engine(), http.MethodGet, "/api/config", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, config.DefaultPort, gjson.Get(rec.Body.String(), "proxy.port").Int())

	updated, err := sjson.Set(rec.Body.String(), "proxy.scheduling.mode", string(config.ModePerformanceFirst))
	require.NoError(t, err)
	updated, err = sjson.Set(updated, "warmup_enabled", true)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader(updated))
	req.Header.Set("Content-Type", "application/json")
	put := httptest.NewRecorder()
	srv.Engine().ServeHTTP(put, req)
	require.Equal(t, http.StatusOK, put.Code)

	rec = doJSON(srv.Engine(), http.MethodGet, "/api/config", nil, nil)
	body := rec.Body.String()
	assert.Equal(t, string(config.ModePerformanceFirst), gjson.Get(body, "proxy.scheduling.mode").String())
	assert.True(t, gjson.Get(body, "warmup_enabled").Bool())
}
