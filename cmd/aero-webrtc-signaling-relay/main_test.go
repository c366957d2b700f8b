package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
)

func startTestRelay(t *testing.T, args ...string) (string, *relay, func() error) {
	t.Helper()
	cfg, err := config.Load(append([]string{"--listen-addr", "127.0.0.1:0"}, args...))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rl, err := newRelay(cfg, logger, resolveBuildInfo("testcommit", ""))
	if err != nil {
		t.Fatalf("newRelay: %v", err)
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rl.run(ctx, ln) }()

	stop := func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatalf("relay did not stop")
			return nil
		}
	}
	t.Cleanup(func() { cancel() })
	return "http://" + ln.Addr().String(), rl, stop
}

func doRequest(t *testing.T, method, url, body string) (int, http.Header, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, resp.Header, b
}

func connectionID(t *testing.T, body []byte) string {
	t.Helper()
	var v struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(body, &v); err != nil || v.ConnectionID == "" {
		t.Fatalf("body %q: missing connectionId (err=%v)", body, err)
	}
	return v.ConnectionID
}

func TestRelay_ExchangeAndShutdown(t *testing.T) {
	base, rl, stop := startTestRelay(t, "--base-path", "/signaling/1.0")
	api := base + "/signaling/1.0"

	status, _, body := doRequest(t, http.MethodPost, api+"/connections", `{"type":"offer","sdp":"v=0","deviceId":"transcontainer"}`)
	if status != http.StatusCreated {
		t.Fatalf("create status=%d, want %d (body=%s)", status, http.StatusCreated, body)
	}
	id := connectionID(t, body)

	status, _, body = doRequest(t, http.MethodGet, api+"/application/queue", "")
	if status != http.StatusOK || connectionID(t, body) != id {
		t.Fatalf("queue status=%d body=%s, want 200 with %s", status, body, id)
	}

	status, _, body = doRequest(t, http.MethodGet, api+"/connections/"+id+"/offer", "")
	if status != http.StatusOK {
		t.Fatalf("offer status=%d, want %d", status, http.StatusOK)
	}
	if bytes.Contains(body, []byte("deviceId")) {
		t.Fatalf("offer leaked deviceId: %s", body)
	}

	status, _, _ = doRequest(t, http.MethodPost, api+"/connections/"+id+"/answer", `{"type":"answer","sdp":"v=0"}`)
	if status != http.StatusOK {
		t.Fatalf("answer status=%d, want %d", status, http.StatusOK)
	}

	status, _, body = doRequest(t, http.MethodGet, api+"/connections/"+id+"/answer", "")
	if status != http.StatusOK || string(body) != `{"type":"answer","sdp":"v=0"}` {
		t.Fatalf("get answer status=%d body=%s", status, body)
	}
	if rl.registry.Len() != 0 {
		t.Fatalf("registry len=%d after delivery, want 0", rl.registry.Len())
	}

	status, _, body = doRequest(t, http.MethodGet, base+"/metrics", "")
	if status != http.StatusOK {
		t.Fatalf("metrics status=%d", status)
	}
	for _, want := range []string{
		`aero_webrtc_signaling_relay_events_total{event="answer_delivered"} 1`,
		`aero_webrtc_signaling_relay_connections{state="pending"} 0`,
	} {
		if !bytes.Contains(body, []byte(want)) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	status, _, body = doRequest(t, http.MethodGet, base+"/version", "")
	if status != http.StatusOK || !bytes.Contains(body, []byte("testcommit")) {
		t.Fatalf("version status=%d body=%s", status, body)
	}

	if err := stop(); err != nil {
		t.Fatalf("run returned %v, want nil", err)
	}
}

func TestRelay_SweeperEvictsAbandonedOffers(t *testing.T) {
	base, rl, stop := startTestRelay(t,
		"--offer-ttl", "50ms",
		"--answer-grace", "50ms",
		"--sweep-interval", "10ms",
	)

	status, _, _ := doRequest(t, http.MethodPost, base+"/connections", `{"type":"offer","sdp":"v=0"}`)
	if status != http.StatusCreated {
		t.Fatalf("create status=%d", status)
	}

	deadline := time.Now().Add(3 * time.Second)
	for rl.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("offer was not swept")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := stop(); err != nil {
		t.Fatalf("run returned %v, want nil", err)
	}
}

func TestNewRelay_RejectsInvalidTURNREST(t *testing.T) {
	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 0, UsernamePrefix: "aero"}
	if _, err := newRelay(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), resolveBuildInfo("", "")); err == nil {
		t.Fatalf("expected error for zero TURN REST ttl")
	}
}
