package alerts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hl-unit-keeper/internal/config"

	"go.uber.org/zap"
)

type fakeBotServer struct {
	mu      sync.Mutex
	calls   []string
	sent    []string
	chatIDs []string
	offsets []string
}

func newFakeBotServer(t *testing.T, fake *fakeBotServer) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		fake.mu.Lock()
		fake.calls = append(fake.calls, method)
		fake.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"keeper","username":"keeper_bot"}}`))
		case "sendMessage":
			fake.mu.Lock()
			fake.sent = append(fake.sent, r.PostForm.Get("text"))
			fake.chatIDs = append(fake.chatIDs, r.PostForm.Get("chat_id"))
			fake.mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":123,"type":"group"}}}`))
		case "getUpdates":
			fake.mu.Lock()
			fake.offsets = append(fake.offsets, r.PostForm.Get("offset"))
			fake.mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":41,"message":{"message_id":3,"date":0,"text":"/status","entities":[{"type":"bot_command","offset":0,"length":7}],"from":{"id":9,"is_bot":false,"first_name":"op","username":"op"},"chat":{"id":123,"type":"group"}}}]}`))
		default:
			_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
		}
	}))
}

func TestTelegramSendDisabled(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: false}, zap.NewNop(), "http://unused/bot%s/%s", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
	if _, err := client.GetUpdates(context.Background(), 0, time.Second); err == nil {
		t.Fatalf("expected polling to fail when disabled")
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: true}, zap.NewNop(), "http://unused/bot%s/%s", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	fake := &fakeBotServer{}
	server := newFakeBotServer(t, fake)
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL+"/bot%s/%s", server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Send(context.Background(), "again"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sent) != 2 || fake.sent[0] != "hello" || fake.chatIDs[0] != "123" {
		t.Fatalf("unexpected messages %v to %v", fake.sent, fake.chatIDs)
	}
	getMe := 0
	for _, call := range fake.calls {
		if call == "getMe" {
			getMe++
		}
	}
	if getMe != 1 {
		t.Fatalf("expected bot to be dialed once, got %d getMe calls", getMe)
	}
}

func TestTelegramSendEmptyMessage(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), "http://unused/bot%s/%s", nil)
	if err := client.Send(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty message")
	}
}

func TestTelegramGetUpdates(t *testing.T) {
	fake := &fakeBotServer{}
	server := newFakeBotServer(t, fake)
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL+"/bot%s/%s", server.Client())
	updates, err := client.GetUpdates(context.Background(), 40, time.Second)
	if err != nil {
		t.Fatalf("get updates: %v", err)
	}
	if len(updates) != 1 || updates[0].UpdateID != 41 {
		t.Fatalf("unexpected updates %+v", updates)
	}
	msg := updates[0].Message
	if msg == nil || msg.Chat.ID != 123 || msg.From.ID != 9 || !msg.IsCommand() || msg.Command() != "status" {
		t.Fatalf("unexpected message %+v", msg)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.offsets) != 1 || fake.offsets[0] != "40" {
		t.Fatalf("unexpected offsets %v", fake.offsets)
	}
}

func TestTelegramChatID(t *testing.T) {
	client := newTelegram(config.TelegramConfig{ChatID: "-1001"}, nil, "", nil)
	id, err := client.ChatID()
	if err != nil || id != -1001 {
		t.Fatalf("unexpected chat id %d err=%v", id, err)
	}
}
