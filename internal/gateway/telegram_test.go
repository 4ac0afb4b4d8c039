package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "habitbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
	err   error
	block chan struct{}
}

func (f *fakeSender) Send(to tele.Recipient, what any, _ ...any) (*tele.Message, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	chat := to.(*tele.Chat)
	f.chats = append(f.chats, chat.ID)
	f.sent = append(f.sent, what.(string))
	return &tele.Message{ID: len(f.sent)}, nil
}

func TestClassifyTelegram(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		permanent bool
		after     time.Duration
	}{
		{name: "blocked", err: &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, permanent: true},
		{name: "chat not found", err: &tele.Error{Code: 400, Description: "Bad Request: chat not found"}, permanent: true},
		{name: "server error", err: &tele.Error{Code: 502, Description: "Bad Gateway"}},
		{name: "rate limit code", err: &tele.Error{Code: 429, Description: "Too Many Requests"}},
		{name: "flood text", err: errors.New("telegram: retry after 7 (429)"), after: 7 * time.Second},
		{name: "status suffix", err: errors.New("telegram: Forbidden: user is deactivated (403)"), permanent: true},
		{name: "network", err: fmt.Errorf("telegram: Post: %w", errors.New("connection reset by peer"))},
		{name: "wrapped tele error", err: fmt.Errorf("send: %w", &tele.Error{Code: 403}), permanent: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classifyTelegram(tt.err)
			if IsPermanent(got) != tt.permanent {
				t.Fatalf("IsPermanent = %v, want %v (%v)", IsPermanent(got), tt.permanent, got)
			}
			if IsTransient(got) == tt.permanent {
				t.Fatalf("IsTransient = %v", IsTransient(got))
			}
			d, ok := RetryAfter(got)
			if tt.after > 0 && (!ok || d != tt.after) {
				t.Fatalf("RetryAfter = %v %v, want %v", d, ok, tt.after)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("classified error lost its cause")
			}
		})
	}
	if classifyTelegram(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestTelegramSend(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	g := newTelegram(TelegramConfig{RatePerSec: 1000, Burst: 10}, logx.Nop(), f)
	if err := g.Send(context.Background(), " 12345 ", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(f.sent) != 1 || f.sent[0] != "hello" || f.chats[0] != 12345 {
		t.Fatalf("sent = %v to %v", f.sent, f.chats)
	}
}

func TestTelegramSendInvalidChatIsPermanent(t *testing.T) {
	t.Parallel()
	g := newTelegram(TelegramConfig{}, logx.Nop(), &fakeSender{})
	for _, id := range []string{"", "abc", "0"} {
		if err := g.Send(context.Background(), id, "x"); !IsPermanent(err) {
			t.Fatalf("Send(%q) err = %v, want permanent", id, err)
		}
	}
}

func TestTelegramSendTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	f := &fakeSender{block: make(chan struct{})}
	defer close(f.block)
	g := newTelegram(TelegramConfig{RatePerSec: 1000}, logx.Nop(), f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Send(ctx, "1", "slow")
	if !IsTransient(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want transient deadline", err)
	}
}

func TestTelegramSendPropagatesClassification(t *testing.T) {
	t.Parallel()
	f := &fakeSender{err: &tele.Error{Code: 403, Description: "Forbidden"}}
	g := newTelegram(TelegramConfig{RatePerSec: 1000}, logx.Nop(), f)
	if err := g.Send(context.Background(), "1", "x"); !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	if got := splitTelegramText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short split = %v", got)
	}

	long := strings.Repeat("a", 25)
	got := splitTelegramText(long, 10)
	if len(got) != 3 || got[2] != "aaaaa" {
		t.Fatalf("split = %q", got)
	}

	lines := "aaaaaa\nbbbbbb\ncccccc"
	got = splitTelegramText(lines, 10)
	for _, c := range got {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk too long: %q", c)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk keeps newline: %q", c)
		}
	}
	if strings.Join(got, "\n") != lines {
		t.Fatalf("newline split = %q", got)
	}
}

func TestLogGateway(t *testing.T) {
	t.Parallel()
	g := NewLog(logx.Nop())
	if err := g.Send(context.Background(), "1", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Send(ctx, "1", "hi"); !IsTransient(err) {
		t.Fatalf("cancelled send = %v", err)
	}
}
