package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/turnrest"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T, cfg config.Config, opts Options) (baseURL string) {
	t.Helper()

	srv := New(cfg, discardLogger(), BuildInfo{Commit: "abc", BuildTime: "time"}, opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), Options{})

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestReadyzBeforeServe(t *testing.T) {
	srv := New(testConfig(), discardLogger(), BuildInfo{}, Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503 before Serve", rec.Code)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, Options{})

	for _, path := range []string{"/readyz", "/webrtc/ice"} {
		resp, err := http.Get(baseURL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, resp.StatusCode)
		}
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	srv := New(cfg, discardLogger(), BuildInfo{}, Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webrtc/ice", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
		ExpiresAt  *time.Time       `json:"expiresAt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	if payload.ExpiresAt != nil {
		t.Fatalf("expiresAt set without TURN REST")
	}
}

func TestICEEndpointEmptyListIsArray(t *testing.T) {
	srv := New(testConfig(), discardLogger(), BuildInfo{}, Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webrtc/ice", nil))
	if !strings.Contains(rec.Body.String(), `"iceServers":[]`) {
		t.Fatalf("body=%s, want empty array", rec.Body.String())
	}
}

func TestICEEndpointMintsTURNRESTCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	gen, err := turnrest.NewGenerator(turnrest.Options{
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "aero",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	srv := New(cfg, discardLogger(), BuildInfo{}, Options{TURNREST: gen})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webrtc/ice?connectionId=c1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun server got credentials: %+v", payload.ICEServers[0])
	}
	if got := payload.ICEServers[1].Username; got != "1700003600:aero:c1" {
		t.Fatalf("turn username=%q", got)
	}
	if payload.ICEServers[1].Credential == "" {
		t.Fatalf("turn credential empty")
	}
	if payload.ExpiresAt == nil || payload.ExpiresAt.Unix() != 1_700_003_600 {
		t.Fatalf("expiresAt=%v", payload.ExpiresAt)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webrtc/ice?connectionId=a:b", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("colon connectionId status=%d, want 400", rec.Code)
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	srv := New(cfg, discardLogger(), BuildInfo{}, Options{})

	t.Run("rejects cross origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/webrtc/ice", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("allowed origin gets cors headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", "https://APP.example.com:443")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("Access-Control-Allow-Origin=%q", got)
		}
		if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Retry-After") {
			t.Fatalf("Retry-After not exposed: %q", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/connections", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "content-type, x-api-key")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status=%d, want 204", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "content-type, x-api-key" {
			t.Fatalf("Access-Control-Allow-Headers=%q", got)
		}
	})

	t.Run("no origin passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("unexpected CORS header %q", got)
		}
	})
}

func TestRateLimit(t *testing.T) {
	m := metrics.New()
	limiter := ratelimit.NewKeyedLimiter(ratelimit.Options{PerSecond: 0.001, Burst: 2})
	srv := New(testConfig(), discardLogger(), BuildInfo{}, Options{Metrics: m, Limiter: limiter})

	get := func(path, remote string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := get("/version", "10.0.0.1:1234"); code != http.StatusOK {
			t.Fatalf("request #%d status=%d", i, code)
		}
	}
	if code := get("/version", "10.0.0.1:5678"); code != http.StatusTooManyRequests {
		t.Fatalf("over limit status=%d, want 429", code)
	}
	if code := get("/healthz", "10.0.0.1:5678"); code != http.StatusOK {
		t.Fatalf("healthz must be exempt, status=%d", code)
	}
	if code := get("/version", "10.0.0.2:1234"); code != http.StatusOK {
		t.Fatalf("other client status=%d", code)
	}
	if got := m.Get(metrics.DropReasonRateLimited); got != 1 {
		t.Fatalf("rate_limited=%d, want 1", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.OfferEnqueued)
	srv := New(testConfig(), discardLogger(), BuildInfo{}, Options{
		Metrics:     m,
		Connections: func() map[string]int { return map[string]int{"pending": 3} },
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `event="offer_enqueued"} 1`) {
		t.Fatalf("missing counter in:\n%s", body)
	}
	if !strings.Contains(body, `state="pending"} 3`) {
		t.Fatalf("missing gauge in:\n%s", body)
	}
}

func TestRecoverAndRequestID(t *testing.T) {
	m := metrics.New()
	srv := New(testConfig(), discardLogger(), BuildInfo{}, Options{Metrics: m})
	srv.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("panic value leaked: %s", rec.Body.String())
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-1" {
		t.Fatalf("X-Request-ID=%q, want req-1", got)
	}
	if got := m.Get(metrics.InternalError); got != 1 {
		t.Fatalf("internal_error=%d, want 1", got)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected generated request id")
	}
}
