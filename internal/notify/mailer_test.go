package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bidledger/internal/config"
)

func TestHTTPMailerSuccess(t *testing.T) {
	var received struct {
		From    string   `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
		HTML    string   `json:"html"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" {
			t.Fatalf("path should be /emails, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "msg_1"})
	}))
	defer srv.Close()

	mailer := NewHTTPMailer(config.MailerConfig{APIBase: srv.URL + "/", APIKey: "key", From: "auction@example.org", Timeout: time.Second}, testLogger())
	err := mailer.Send(context.Background(), Message{To: "ann@example.com", Subject: "hi", HTML: "<p>hi</p>"})
	if err != nil {
		t.Fatalf("Send should succeed: %v", err)
	}

	if received.From != "auction@example.org" {
		t.Fatalf("from mismatch: %#v", received)
	}
	if len(received.To) != 1 || received.To[0] != "ann@example.com" {
		t.Fatalf("to mismatch: %#v", received.To)
	}
	if received.HTML == "" {
		t.Fatalf("html should not be empty")
	}
}

func TestHTTPMailerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid from"}`))
	}))
	defer srv.Close()

	mailer := NewHTTPMailer(config.MailerConfig{APIBase: srv.URL, APIKey: "key", Timeout: time.Second}, testLogger())
	if err := mailer.Send(context.Background(), Message{To: "ann@example.com"}); err == nil {
		t.Fatal("non-2xx response should fail")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
