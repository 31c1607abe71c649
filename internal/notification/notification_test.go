package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/codegate/internal/config"
	"github.com/jkaninda/codegate/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	typ  string
	fail bool

	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Type() string { return s.typ }

func (s *recordingSender) Send(_ context.Context, ch *Channel, _ *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ch.Name)
	if s.fail {
		return errors.New("unreachable")
	}
	return nil
}

func (s *recordingSender) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestNotify_AllChannels(t *testing.T) {
	ok := &recordingSender{typ: "ok"}
	bad := &recordingSender{typ: "bad", fail: true}
	d := NewDispatcher(Config{Channels: []Channel{
		{Name: "a", Type: "ok"},
		{Name: "b", Type: "bad"},
		{Name: "c", Type: "missing"},
	}}, discardLogger())
	d.RegisterSender(ok)
	d.RegisterSender(bad)

	errs := d.Notify(context.Background(), &Message{Subject: "s"})
	if errs["a"] != nil {
		t.Errorf("a: %v", errs["a"])
	}
	if errs["b"] == nil {
		t.Error("b: expected error")
	}
	if errs["c"] == nil || !strings.Contains(errs["c"].Error(), "no sender") {
		t.Errorf("c: %v", errs["c"])
	}
}

func TestNotifyWithFallback(t *testing.T) {
	ok := &recordingSender{typ: "ok"}
	bad := &recordingSender{typ: "bad", fail: true}
	d := NewDispatcher(Config{Channels: []Channel{
		{Name: "first", Type: "bad"},
		{Name: "second", Type: "ok"},
		{Name: "third", Type: "ok"},
	}}, discardLogger())
	d.RegisterSender(ok)
	d.RegisterSender(bad)

	if err := d.NotifyWithFallback(context.Background(), &Message{}); err != nil {
		t.Fatalf("NotifyWithFallback: %v", err)
	}
	if got := ok.calls(); len(got) != 1 || got[0] != "second" {
		t.Errorf("ok sender calls = %v, want [second]", got)
	}

	empty := NewDispatcher(Config{}, discardLogger())
	if err := empty.NotifyWithFallback(context.Background(), &Message{}); err == nil {
		t.Error("expected error with no channels")
	}
}

func TestEnqueue_Cooldown(t *testing.T) {
	d := NewDispatcher(Config{Cooldown: time.Minute}, discardLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	if !d.Enqueue(&Message{Key: "k"}) {
		t.Fatal("first alert suppressed")
	}
	if d.Enqueue(&Message{Key: "k"}) {
		t.Error("repeat alert inside cooldown was queued")
	}
	if !d.Enqueue(&Message{Key: "other"}) {
		t.Error("different key suppressed")
	}
	if !d.Enqueue(&Message{}) {
		t.Error("keyless alert suppressed")
	}

	now = now.Add(2 * time.Minute)
	if n := d.Prune(); n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	if !d.Enqueue(&Message{Key: "k"}) {
		t.Error("alert after cooldown suppressed")
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	d := NewDispatcher(Config{QueueSize: 1}, discardLogger())
	if !d.Enqueue(&Message{}) {
		t.Fatal("first enqueue failed")
	}
	if d.Enqueue(&Message{}) {
		t.Error("enqueue into a full queue succeeded")
	}
}

func TestRun_DeliversQueued(t *testing.T) {
	ok := &recordingSender{typ: "ok"}
	d := NewDispatcher(Config{Channels: []Channel{{Name: "a", Type: "ok"}}}, discardLogger())
	d.RegisterSender(ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Enqueue(&Message{Subject: "x"})
	deadline := time.Now().Add(2 * time.Second)
	for len(ok.calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if len(ok.calls()) != 1 {
		t.Errorf("deliveries = %d, want 1", len(ok.calls()))
	}
}

func TestWebhookSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(discardLogger())
	ch := &Channel{Name: "hook", Type: "webhook", Config: map[string]string{"url": srv.URL}}
	if err := s.Send(context.Background(), ch, &Message{Subject: "s", Body: "b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["subject"] != "s" || got["body"] != "b" || got["channel"] != "hook" {
		t.Errorf("payload = %v", got)
	}
}

func TestWebhookSender_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewWebhookSender(discardLogger())
	tests := []struct {
		name string
		url  string
	}{
		{"missing url", ""},
		{"bad scheme", "ftp://example.com/hook"},
		{"server error", srv.URL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &Channel{Name: "hook", Config: map[string]string{"url": tt.url}}
			if err := s.Send(context.Background(), ch, &Message{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSlackSender(t *testing.T) {
	var auth string
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["channel"] == "C-bad" {
			_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewSlackSender("xoxb-default", discardLogger()).WithAPIURL(srv.URL)
	ch := &Channel{Name: "ops", Type: "slack", Config: map[string]string{"channel_id": "C1", "token": "xoxb-ops"}}
	if err := s.Send(context.Background(), ch, &Message{Subject: "alert", Body: "details"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer xoxb-ops" {
		t.Errorf("authorization = %q", auth)
	}
	if payload["text"] != "*alert*\ndetails" {
		t.Errorf("text = %q", payload["text"])
	}

	ch.Config["channel_id"] = "C-bad"
	if err := s.Send(context.Background(), ch, &Message{}); err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("err = %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	d, err := NewFromConfig(nil, discardLogger())
	if err != nil || d != nil {
		t.Fatalf("nil config: d=%v err=%v", d, err)
	}

	d, err = NewFromConfig(&config.AlertsConfig{Channels: []config.AlertChannelConfig{
		{Type: "webhook", URL: "https://hooks.example.com/codegate"},
		{Name: "ops", Type: "slack", Token: "xoxb", ChannelID: "C1"},
	}}, discardLogger())
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if len(d.cfg.Channels) != 2 || d.cfg.Channels[0].Name != "webhook-0" {
		t.Errorf("channels = %+v", d.cfg.Channels)
	}
	if d.cfg.Cooldown != 15*time.Minute {
		t.Errorf("cooldown = %v", d.cfg.Cooldown)
	}

	bad := []config.AlertChannelConfig{
		{Type: "webhook"},
		{Type: "slack", Token: "xoxb"},
		{Type: "pager"},
	}
	for _, c := range bad {
		if _, err := NewFromConfig(&config.AlertsConfig{Channels: []config.AlertChannelConfig{c}}, discardLogger()); err == nil {
			t.Errorf("channel %+v: expected error", c)
		}
	}
}

func TestAnomalyAlert(t *testing.T) {
	msg := AnomalyAlert(observability.Anomaly{
		ClientID:    "noisy-client",
		FailureRate: 0.8,
		Threshold:   0.5,
		Failures:    8,
		Total:       10,
		DetectedAt:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	})
	if msg.Key != "anomaly:noisy-client" {
		t.Errorf("key = %q", msg.Key)
	}
	if !strings.Contains(msg.Body, "8 of 10") || !strings.Contains(msg.Body, "80%") {
		t.Errorf("body = %q", msg.Body)
	}
	if msg.Metadata["failure_rate"] != "0.800" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}
