package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestSendItem(t *testing.T) {
	var gotTitle, gotBody, gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTitle = r.Header.Get("Title")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer server.Close()

	cfg := &Config{Enabled: true, Server: server.URL + "/", Topic: "chats", Priority: "default", Tags: "speech_balloon", Token: "tk"}
	client := NewClient(cfg, zap.NewNop())

	err := client.SendItem(context.Background(), "Bobby", Item{Author: "bob", Content: "  hi there "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/chats" {
		t.Errorf("expected /chats, got %s", gotPath)
	}
	if gotTitle != "New message in Bobby" {
		t.Errorf("unexpected title %q", gotTitle)
	}
	if gotBody != "bob: hi there" {
		t.Errorf("unexpected body %q", gotBody)
	}
	if gotAuth != "Bearer tk" {
		t.Errorf("unexpected auth %q", gotAuth)
	}
}

func TestSendStalledUsesHighPriority(t *testing.T) {
	var gotPriority, gotTags string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPriority = r.Header.Get("Priority")
		gotTags = r.Header.Get("Tags")
	}))
	defer server.Close()

	cfg := &Config{Enabled: true, Server: server.URL, Topic: "chats", Priority: "low"}
	client := NewClient(cfg, zap.NewNop())

	if err := client.SendStalled(context.Background(), "chat:7", 10, errors.New("timeout")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPriority != "high" {
		t.Errorf("expected high priority, got %q", gotPriority)
	}
	if gotTags != "warning" {
		t.Errorf("expected warning tag, got %q", gotTags)
	}
}

func TestSendFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	cfg := &Config{Enabled: true, Server: server.URL, Topic: "chats", Priority: "default"}
	client := NewClient(cfg, zap.NewNop())

	err := client.SendItem(context.Background(), "x", Item{Content: "y"})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestNewReturnsNoopWhenDisabled(t *testing.T) {
	n := New(&Config{}, zap.NewNop())
	if _, ok := n.(*NoopNotifier); !ok {
		t.Fatalf("expected NoopNotifier, got %T", n)
	}
	if err := n.SendStalled(context.Background(), "f", 1, nil); err != nil {
		t.Errorf("noop should not fail: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"valid", Config{Enabled: true, Server: "https://ntfy.sh", Topic: "t", Priority: "urgent"}, false},
		{"missing topic", Config{Enabled: true, Server: "https://ntfy.sh", Priority: "default"}, true},
		{"bad priority", Config{Enabled: true, Server: "https://ntfy.sh", Topic: "t", Priority: "max"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFormatItemMessage(t *testing.T) {
	if got := FormatItemMessage("ann", "", true); got != "ann: sent an attachment" {
		t.Errorf("unexpected attachment body %q", got)
	}

	long := strings.Repeat("ж", maxBodyRunes+10)
	got := FormatItemMessage("", long, false)
	if n := len([]rune(got)); n != maxBodyRunes {
		t.Errorf("expected %d runes, got %d", maxBodyRunes, n)
	}
}
