package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tjfontaine/chat-relay/internal/domain"
)

func TestHTTPTransport_Send(t *testing.T) {
	var got domain.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-Conversation-ID", "conv-9")
		_, _ = io.WriteString(w, helloStream)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/", "secret", WithHTTPClient(srv.Client()))
	id := "conv-9"
	stream, err := tr.Send(context.Background(), domain.ChatRequest{ConversationID: &id, Message: "Hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer stream.Body.Close()

	if stream.ConversationID != "conv-9" {
		t.Errorf("conversation = %q", stream.ConversationID)
	}
	body, _ := io.ReadAll(stream.Body)
	if string(body) != helloStream {
		t.Errorf("body = %q", body)
	}
	if got.Message != "Hello" || got.ConversationID == nil || *got.ConversationID != "conv-9" {
		t.Errorf("request = %+v", got)
	}
}

func TestHTTPTransport_SendErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{"json error", http.StatusBadRequest, `{"error":"API key not found. Please add your openrouter API key in settings."}`, "API key not found. Please add your openrouter API key in settings."},
		{"plain text", http.StatusBadGateway, "bad gateway\n", "bad gateway"},
		{"empty body", http.StatusUnauthorized, "", "Unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewHTTPTransport(srv.URL, "k").Send(context.Background(), domain.ChatRequest{Message: "x"})
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if cerr.StatusCode != tt.status || cerr.Message != tt.wantMessage || cerr.Op != OpSend {
				t.Errorf("error = %+v", cerr)
			}
		})
	}
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTransport(url, "k").Send(context.Background(), domain.ChatRequest{Message: "x"})
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.StatusCode != 0 || cerr.Err == nil {
		t.Fatalf("err = %#v", err)
	}
}

func TestHTTPTransport_LoadTurnsAndConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/conversations/conv-1/turns":
			_ = json.NewEncoder(w).Encode(map[string]any{"conversation_id": "conv-1", "turns": persisted})
		case "/v1/conversations":
			_ = json.NewEncoder(w).Encode(map[string]any{"conversations": []domain.Conversation{{ID: "conv-1", Title: "Hello"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"Conversation not found"}`)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "k")
	turns, err := tr.LoadTurns(context.Background(), "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[1].Role != domain.RoleAssistant {
		t.Errorf("turns = %+v", turns)
	}

	convs, err := tr.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Title != "Hello" {
		t.Errorf("conversations = %+v", convs)
	}

	_, err = tr.LoadTurns(context.Background(), "missing")
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.StatusCode != http.StatusNotFound || cerr.Message != "Conversation not found" {
		t.Errorf("err = %v", err)
	}
}

// A Session driven over HTTP ends with the persisted turns.
func TestSession_OverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat":
			w.Header().Set("X-Conversation-ID", "conv-1")
			w.Header().Set("Content-Type", "text/event-stream")
			for _, frame := range []string{"data: {\"content\":\"Hi\"}\n\n", "data: {\"content\":\" there\"}\n\n", "data: [DONE]\n\n"} {
				_, _ = io.WriteString(w, frame)
				w.(http.Flusher).Flush()
			}
		case "/v1/conversations/conv-1/turns":
			_ = json.NewEncoder(w).Encode(map[string]any{"turns": persisted})
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "k")
	rec := &recorder{}
	s := NewSession(tr, tr, WithObserver(rec.observer()))
	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatal(err)
	}
	if got := rec.contents[len(rec.contents)-1]; got != "Hi there" {
		t.Errorf("streamed = %q", got)
	}
	if turns := s.Turns(); len(turns) != 2 || turns[0].ID != "t1" {
		t.Errorf("turns = %+v", turns)
	}
}
