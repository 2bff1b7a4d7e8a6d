package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/chat-relay/internal/auth"
	"github.com/tjfontaine/chat-relay/internal/config"
	"github.com/tjfontaine/chat-relay/internal/storage/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-or-seeded" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"pong\"}}]}\n\ndata: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{RequestTimeout: time.Minute},
		Storage: config.StorageConfig{Type: "memory"},
		Upstream: config.UpstreamConfig{
			BaseURL:  upstreamURL,
			Model:    "openai/gpt-4o-mini",
			Provider: "openrouter",
			Timeout:  time.Minute,
		},
		Users: []config.UserConfig{{
			ID:      "user-1",
			Name:    "Test",
			APIKeys: []config.APIKeyConfig{{KeyHash: auth.HashAPIKey("relay-key")}},
		}},
		Credentials: []config.CredentialConfig{{UserID: "user-1", Provider: "openrouter", APIKey: "sk-or-seeded"}},
	}
}

func chat(t *testing.T, url, key string) (int, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url+"/v1/chat", strings.NewReader(`{"message":"ping"}`))
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New()
	if err == nil || err.Error() != "config required (use WithConfigFile or WithConfig)" {
		t.Fatalf("err = %v", err)
	}
}

func TestNew_UnknownStorage(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.Storage.Type = "postgres"
	if _, err := New(WithConfig(cfg), WithLogger(quietLogger())); err == nil {
		t.Fatal("expected error for unknown storage type")
	}
}

func TestApp_ServesChat(t *testing.T) {
	up := newUpstream(t)
	app, err := New(WithConfig(testConfig(up.URL)), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Close()

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	status, body := chat(t, ts.URL, "relay-key")
	if status != http.StatusOK {
		t.Fatalf("status = %d body = %s", status, body)
	}
	if want := "data: {\"content\":\"pong\"}\n\ndata: [DONE]\n\n"; body != want {
		t.Errorf("body = %q, want %q", body, want)
	}

	status, _ = chat(t, ts.URL, "wrong-key")
	if status != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d", status)
	}
}

func TestApp_SQLiteStore(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(up.URL)
	cfg.Storage = config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "data", "relay.db")}}

	app, err := New(WithConfig(cfg), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Close()

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	if status, body := chat(t, ts.URL, "relay-key"); status != http.StatusOK {
		t.Fatalf("status = %d body = %s", status, body)
	}
}

func TestApp_ReloadUpdatesUsers(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(up.URL)
	store := memory.New()
	app, err := New(WithConfig(cfg), WithStore(store), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close()

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	updated := testConfig(up.URL)
	updated.Users = append(updated.Users, config.UserConfig{
		ID:      "user-2",
		APIKeys: []config.APIKeyConfig{{KeyHash: auth.HashAPIKey("second-key")}},
	})
	updated.Credentials = append(updated.Credentials, config.CredentialConfig{UserID: "user-2", APIKey: "sk-or-seeded"})
	app.reload(updated)

	if status, body := chat(t, ts.URL, "second-key"); status != http.StatusOK {
		t.Fatalf("status = %d body = %s", status, body)
	}
	if key, err := store.GetCredential(context.Background(), "user-2", "openrouter"); err != nil || key != "sk-or-seeded" {
		t.Errorf("seeded credential = %q, %v", key, err)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig("http://localhost")
	app, err := New(WithConfig(cfg), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
