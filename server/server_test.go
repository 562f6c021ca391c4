package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/tempochess/tempo/config"
	"github.com/tempochess/tempo/identity"
)

func bootServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = 0
	cfg.Identity.JWTSecret = "test-secret"

	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s, "http://" + s.Addr()
}

func TestServerEndToEnd(t *testing.T) {
	s, base := bootServer(t)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if report.OverallStatus != StatusHealthy || len(report.Subsystems) != 4 {
		t.Fatalf("unexpected health report: %+v", report)
	}

	// A signed token from the configured secret is accepted end to end.
	token, err := identity.NewJWT("test-secret").Sign(identity.Principal{UserID: "u1", Username: "ada"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req, _ := http.NewRequest("POST", base+"/games",
		strings.NewReader(`{"initialMs":180000,"incrementMs":2000,"discipline":"fischer-only"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	if resp2.StatusCode != http.StatusCreated {
		t.Fatalf("create game: status %d body %s", resp2.StatusCode, body)
	}

	resp3, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp3.Body.Close()
	text, _ := io.ReadAll(resp3.Body)
	if !strings.Contains(string(text), "session_created") {
		t.Fatalf("metrics exposition missing counters: %s", firstLines(string(text), 5))
	}

	if s.reg.SessionCount() != 1 {
		t.Fatalf("session count = %d, want 1", s.reg.SessionCount())
	}
}

func TestServerRejectsBadToken(t *testing.T) {
	_, base := bootServer(t)

	req, _ := http.NewRequest("POST", base+"/games", strings.NewReader(`{"initialMs":180000}`))
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", resp.StatusCode)
	}
}

func TestServerStopIsClean(t *testing.T) {
	s, base := bootServer(t)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := http.Get(base + "/healthz"); err == nil {
		t.Fatalf("listener should be closed after stop")
	}
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return fmt.Sprintf("%v", lines)
}
