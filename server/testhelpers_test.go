package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Andy963/ads/config"
	"github.com/Andy963/ads/events"
	"github.com/Andy963/ads/task"
)

const testPassword = "secret"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	cfg := *config.DefaultConfig()
	cfg.Server.Addr = ":0"
	cfg.Auth = config.AuthConfig{
		AdminUser: "admin",
		AdminPass: string(hash),
		JWTSecret: "test-secret-key-1234567890",
		TokenTTL:  time.Hour,
	}
	return cfg
}

// newTestServer returns a server with routes registered over a temp sqlite
// store and a memory bus.
func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "ads.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s := New(cfg, "test", nil)
	s.SetTaskStore(store)
	s.SetBus(events.NewMemoryBus(100))
	s.registerRoutes()
	return s
}

func login(t *testing.T, s *Server, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: "admin", Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func loginToken(t *testing.T, s *Server) string {
	t.Helper()
	rr := login(t, s, testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}
