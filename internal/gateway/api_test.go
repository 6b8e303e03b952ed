// ABOUTME: HTTP API tests for the gateway using httptest and a scripted producer.
// ABOUTME: Covers SSE streaming, pre-stream rejections, interrupt, and prefetch.

package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/aria-gateway/internal/auth"
	"github.com/2389/aria-gateway/internal/config"
	"github.com/2389/aria-gateway/internal/pipeline"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: ":0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Admission: config.AdmissionConfig{
			MaxConcurrentStreams: config.DefaultMaxConcurrentStreams,
			RateMaxMessages:      config.DefaultRateMaxMessages,
			RateWindow:           config.DefaultRateWindow,
		},
		Interrupt: config.InterruptConfig{
			FlagTimeout:   config.DefaultFlagTimeout,
			ModuleTimeout: time.Second,
		},
		Memory: config.MemoryConfig{
			FetchTimeout:  100 * time.Millisecond,
			SaveTimeout:   time.Second,
			CacheTTL:      config.DefaultCacheTTL,
			RefreshMargin: config.DefaultRefreshMargin,
		},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config, producer pipeline.Producer) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := New(cfg, producer, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = g.store.Close()
		g.memory.Close()
	})
	return g
}

func postJSON(t *testing.T, g *Gateway, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func askScript(words ...string) *pipeline.ScriptedProducer {
	frags := make([]pipeline.Fragment, 0, len(words)+1)
	for _, w := range words {
		frags = append(frags, pipeline.TextFragment(w))
	}
	frags = append(frags, pipeline.FinalFragment(strings.Join(words, "")))
	return &pipeline.ScriptedProducer{Fragments: frags}
}

func TestHandleAsk_StreamsSSE(t *testing.T) {
	g := newTestGateway(t, testConfig(), askScript("hello ", "world"))

	rec := postJSON(t, g, "/api/ask", AskRequest{
		SessionID:  "sess-1",
		HardwareID: "hw-1",
		Prompt:     "say hello",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: started")
	assert.Contains(t, body, "event: text")
	assert.Contains(t, body, `"text":"hello "`)
	assert.Contains(t, body, `"text":"world"`)
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"full_response":"hello world"`)
	assert.NotContains(t, body, "event: error")
}

func TestHandleAsk_MissingSessionIDRejectedBeforeStream(t *testing.T) {
	g := newTestGateway(t, testConfig(), askScript("x"))

	rec := postJSON(t, g, "/api/ask", AskRequest{
		HardwareID: "hw-1",
		Prompt:     "hello",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.ReasonMissingSessionID, resp["reason"])
}

func TestHandleAsk_GenerateFailureMapsTo500(t *testing.T) {
	producer := &pipeline.ScriptedProducer{GenerateErr: assert.AnError}
	g := newTestGateway(t, testConfig(), producer)

	rec := postJSON(t, g, "/api/ask", AskRequest{
		SessionID:  "sess-1",
		HardwareID: "hw-1",
		Prompt:     "hello",
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.ReasonProcessingError, resp["reason"])
}

func TestHandleAsk_InvalidJSON(t *testing.T) {
	g := newTestGateway(t, testConfig(), askScript("x"))

	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAsk_InvalidImageEncoding(t *testing.T) {
	g := newTestGateway(t, testConfig(), askScript("x"))

	rec := postJSON(t, g, "/api/ask", AskRequest{
		SessionID:  "sess-1",
		HardwareID: "hw-1",
		Prompt:     "look",
		ImageB64:   "not-valid-base64!!!",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAsk_MethodNotAllowed(t *testing.T) {
	g := newTestGateway(t, testConfig(), askScript("x"))

	req := httptest.NewRequest(http.MethodGet, "/api/ask", nil)
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleInterrupt_DispatchesRegisteredProducer(t *testing.T) {
	producer := askScript("x")
	g := newTestGateway(t, testConfig(), producer)

	rec := postJSON(t, g, "/api/interrupt", InterruptRequest{HardwareID: "hw-1"})

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp InterruptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"pipeline"}, resp.InterruptedModules)
	assert.Equal(t, []string{}, resp.CleanedSessions)
	assert.Equal(t, int64(1), producer.InterruptCalls())
}

func TestHandleInterrupt_MissingHardwareID(t *testing.T) {
	g := newTestGateway(t, testConfig(), askScript("x"))

	rec := postJSON(t, g, "/api/interrupt", InterruptRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePrefetch(t *testing.T) {
	g := newTestGateway(t, testConfig(), askScript("x"))

	rec := postJSON(t, g, "/api/memory/prefetch", PrefetchRequest{HardwareID: "hw-1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
}

func TestHandlePrefetch_MissingHardwareID(t *testing.T) {
	g := newTestGateway(t, testConfig(), askScript("x"))

	rec := postJSON(t, g, "/api/memory/prefetch", PrefetchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	g := newTestGateway(t, testConfig(), askScript("x"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHandleReady(t *testing.T) {
	g := newTestGateway(t, testConfig(), askScript("x"))

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestAuthEnabled_RejectsMissingToken(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "test-secret"
	g := newTestGateway(t, cfg, askScript("x"))

	rec := postJSON(t, g, "/api/interrupt", InterruptRequest{HardwareID: "hw-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthEnabled_AcceptsValidToken(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "test-secret"
	g := newTestGateway(t, cfg, askScript("x"))

	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	token, err := verifier.Generate("hw-1", time.Minute)
	require.NoError(t, err)

	payload, err := json.Marshal(InterruptRequest{HardwareID: "hw-1"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/interrupt", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthEnabled_RejectsForeignDevice(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "test-secret"
	g := newTestGateway(t, cfg, askScript("x"))

	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	token, err := verifier.Generate("hw-1", time.Minute)
	require.NoError(t, err)

	// A valid token for hw-1 cannot act on hw-2
	payload, err := json.Marshal(InterruptRequest{HardwareID: "hw-2"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/interrupt", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "different device")
}

func TestAuthEnabled_RejectsForeignDeviceOnAsk(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "test-secret"
	g := newTestGateway(t, cfg, askScript("x"))

	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	token, err := verifier.Generate("hw-1", time.Minute)
	require.NoError(t, err)

	payload, err := json.Marshal(AskRequest{
		SessionID:  "sess-1",
		HardwareID: "hw-2",
		Prompt:     "hello",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/ask", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthEnabled_HealthStaysOpen(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "test-secret"
	g := newTestGateway(t, cfg, askScript("x"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
