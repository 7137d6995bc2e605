package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/aggregator"
	"github.com/JakeFAU/bookingwatch/internal/config"
	"github.com/JakeFAU/bookingwatch/internal/id/uuid"
	"github.com/JakeFAU/bookingwatch/internal/persistence"
	"github.com/JakeFAU/bookingwatch/internal/pipeline"
	"github.com/JakeFAU/bookingwatch/internal/policy/ratelimit"
	"github.com/JakeFAU/bookingwatch/internal/session"
	"github.com/JakeFAU/bookingwatch/internal/storage/memory"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
	"github.com/JakeFAU/bookingwatch/internal/visual"
)

type testEnv struct {
	server   *Server
	registry *pipeline.Registry
	records  *memory.RecordStore
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("evt-%d", s.n.Add(1)), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{WriteTimeout: 5 * time.Second, MaxBodyBytes: 1 << 20},
		Tracker: config.TrackerConfig{SessionParam: "session"},
	}
}

func newTestEnv(t *testing.T, cfg config.Config, limiter *ratelimit.Limiter, ready func(context.Context) error) *testEnv {
	t.Helper()
	records := memory.NewRecordStore()
	gateway, err := persistence.NewGateway(persistence.Config{}, persistence.Deps{
		Conversions:      records,
		IDs:              &seqIDs{},
		InteractionSinks: []persistence.Sink{persistence.NewStoreSink(records)},
	})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	pcfg := pipeline.Config{
		Confidence:     tracker.DefaultConfidence(),
		Visual:         visual.DefaultConfig(),
		MaxDepth:       3,
		AllowedOrigins: []string{"https://widget.example.com"},
	}
	deps := pipeline.Deps{Recorder: gateway, Blobs: memory.NewBlobStore(), Clock: clock}
	registry := pipeline.NewRegistry(func(sess tracker.Session) (*pipeline.Pipeline, error) {
		p, err := pipeline.New(sess, pcfg, deps, nil)
		if err != nil {
			return nil, err
		}
		return p, p.Start()
	}, time.Hour, clock, nil)
	t.Cleanup(func() {
		registry.Close(context.Background())
		_ = gateway.Close(context.Background())
	})

	server, err := NewServer(cfg, Deps{
		Registry: registry,
		Resolver: session.NewResolver("session", clock, uuid.New()),
		Limiter:  limiter,
		Ready:    ready,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return &testEnv{server: server, registry: registry, records: records}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) snapshot(t *testing.T, id string) aggregator.Snapshot {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap aggregator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func TestNewServerRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewServer(testConfig(), Deps{})
	require.Error(t, err)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil, nil)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/metrics", "").Code)

	down := newTestEnv(t, testConfig(), nil, func(context.Context) error { return errors.New("db down") })
	require.Equal(t, http.StatusServiceUnavailable, down.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestServer_CreateSessionHonoursURLParam(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil, nil)
	body := `{"url":"https://salon.example.com/book?session=bw_given","fingerprint":{"userAgent":"UA","screenWidth":1920}}`

	rec := env.do(t, http.MethodPost, "/v1/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp createSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "bw_given", resp.SessionID)
	assert.Equal(t, "https://salon.example.com/book?session=bw_given", resp.URL)
	assert.NotEmpty(t, resp.Fingerprint)
	assert.True(t, resp.Created)

	rec = env.do(t, http.MethodPost, "/v1/sessions", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.registry.Len())
}

func TestServer_CreateSessionSynthesizesID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil, nil)
	rec := env.do(t, http.MethodPost, "/v1/sessions", `{"url":"https://salon.example.com/book"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.SessionID, "bw_"))
	assert.Contains(t, resp.URL, "session="+resp.SessionID)

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/sessions", `{}`).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/sessions", `{invalid`).Code)
}

func TestServer_ConsoleIngestConverts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil, nil)
	rec := env.do(t, http.MethodPost, "/v1/sessions/bw_console/console",
		`{"method":"log","args":["done",{"clientName":"Ana","clientPhone":"+358 40 123 4567"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	snap := env.snapshot(t, "bw_console")
	assert.True(t, snap.Converted)
	require.NotNil(t, snap.Winner)
	assert.Equal(t, tracker.MethodConsoleStructured, snap.Winner.DetectionMethod)

	require.Eventually(t, func() bool {
		_, ok := env.records.Conversion("bw_console")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestServer_MessageOriginFilter(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil, nil)
	rec := env.do(t, http.MethodPost, "/v1/sessions/bw_msg/messages",
		`{"origin":"https://evil.example.com","data":"booking confirmed"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	snap := env.snapshot(t, "bw_msg")
	assert.Zero(t, snap.Signals)
	assert.False(t, snap.Converted)

	rec = env.do(t, http.MethodPost, "/v1/sessions/bw_msg/messages",
		`{"origin":"https://widget.example.com","data":"{\"clientName\":\"Ana\",\"clientEmail\":\"ana@example.com\"}"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, env.snapshot(t, "bw_msg").Converted)
}

func TestServer_ScreenshotIngestNeverSurfacesPipelineErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil, nil)
	rec := env.do(t, http.MethodPost, "/v1/sessions/bw_shot/screenshots?reason=periodic", "not an image")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, env.snapshot(t, "bw_shot").Screenshots)

	rec = env.do(t, http.MethodPost, "/v1/sessions/bw_shot/screenshots", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/sessions/bw_shot/screenshots/analyze", `{"path":"screenshots/missing.png"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/sessions/bw_shot/screenshots/analyze", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_InteractionsAndSteps(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil, nil)
	rec := env.do(t, http.MethodPost, "/v1/sessions/bw_int/interactions",
		`{"type":"click","selector":"#book","coords":{"x":10,"y":20},"timestamp_offset_seconds":1.5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"interaction_id":"evt-1"}`, rec.Body.String())

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/sessions/bw_int/interactions", `{}`).Code)

	rec = env.do(t, http.MethodPost, "/v1/sessions/bw_int/interactions", `{"id":"chosen-id","type":"click"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"interaction_id":"evt-2"}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1/sessions/bw_int/steps", `{"step":"service_selected","service":"Haircut"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/sessions/bw_int/steps", `{}`).Code)
	assert.Equal(t, 1, env.snapshot(t, "bw_int").Steps)
}

func TestServer_SessionLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil, nil)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/sessions/bw_none", "").Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/sessions/bw_none", "").Code)

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/sessions/bw_life/steps", `{"step":"opened"}`).Code)
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/sessions/bw_life", "").Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/sessions/bw_life", "").Code)

	longID := strings.Repeat("a", 201)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/sessions/"+longID, "").Code)
}

func TestServer_RateLimitPerSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1}), nil)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/sessions/bw_rl/steps", `{"step":"a"}`).Code)
	require.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodPost, "/v1/sessions/bw_rl/steps", `{"step":"b"}`).Code)
	// Other sessions keep their own budget.
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/sessions/bw_other/steps", `{"step":"a"}`).Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CORS.AllowedOrigins = []string{"https://salon.example.com"}
	env := newTestEnv(t, cfg, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/sessions/bw_cors/console", nil)
	req.Header.Set("Origin", "https://salon.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://salon.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	env := newTestEnv(t, cfg, nil, nil)

	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/healthz", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz?api_key=secret", "").Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestParseReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, tracker.ReasonPeriodic, parseReason("periodic"))
	assert.Equal(t, tracker.ReasonConfirmation, parseReason(" confirmation "))
	assert.Equal(t, tracker.ReasonBeacon, parseReason(""))
	assert.Equal(t, tracker.ReasonBeacon, parseReason("whatever"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
