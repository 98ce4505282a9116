package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/config"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testMessage() Message {
	return Message{
		Kind:     KindAnomaly,
		Severity: "MEDIUM",
		Subject:  "Energy anomaly: 3 confirmed (MEDIUM)",
		Body:     "[Energy Anomaly Alert]\nConfirmed: 3 of 60 readings\n",
		At:       time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testMessage()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Energy anomaly") {
		t.Fatalf("text 应包含告警主题: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testMessage()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testMessage()); err == nil {
		t.Fatal("非 2xx 响应应报错")
	}
}

func TestEmailNotifierRequiresRecipients(t *testing.T) {
	notifier := NewEmailNotifier(config.EmailConfig{
		Host: "smtp.example.com",
		Port: 587,
		From: "alerts@example.com",
	}, testLogger())

	if err := notifier.Notify(context.Background(), testMessage()); err == nil {
		t.Fatal("缺少收件人应报错")
	}
}

func TestEmailNotifierTruncatesRecipients(t *testing.T) {
	all := []string{"a@example.com", "b@example.com", "c@example.com"}

	got := limitRecipients(all, 2)
	if len(got) != 2 || got[1] != "b@example.com" {
		t.Fatalf("收件人截断结果不正确: %v", got)
	}
	if got := limitRecipients(all, 0); len(got) != 3 {
		t.Fatalf("max=0 不应截断: %v", got)
	}
}
