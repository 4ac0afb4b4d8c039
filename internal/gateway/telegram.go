package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "habitbot/pkg/logx"
)

const telegramTextLimit = 4000

// TelegramConfig configures the Telegram gateway.
type TelegramConfig struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec bounds outgoing messages across all chats. Telegram allows
	// about 30/s globally; zero means 25.
	RatePerSec float64
	Burst      int
	// ParseMode is passed to sendMessage; empty sends plain text.
	ParseMode string
}

// sender is the slice of *tele.Bot the gateway uses.
type sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// Telegram delivers messages through the Telegram Bot API.
type Telegram struct {
	cfg TelegramConfig
	log logx.Logger
	bot sender
	lim *rate.Limiter
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		Client: &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return newTelegram(cfg, log, b), nil
}

func newTelegram(cfg TelegramConfig, log logx.Logger, bot sender) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Telegram{
		cfg: cfg,
		log: log.With(logx.String("comp", "gateway.telegram")),
		bot: bot,
		lim: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Send delivers msg to the chat identified by channelID (a decimal chat id).
// Long messages are split into several sends; a failure after the first
// chunk is still reported so the slot is retried.
func (t *Telegram) Send(ctx context.Context, channelID string, msg string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return Permanent(err)
	}
	chat := &tele.Chat{ID: chatID}
	opts := &tele.SendOptions{ParseMode: tele.ParseMode(t.cfg.ParseMode), DisableWebPagePreview: true}

	for _, chunk := range splitTelegramText(msg, telegramTextLimit) {
		if err := t.lim.Wait(ctx); err != nil {
			return Transient(fmt.Errorf("rate limit wait: %w", err))
		}
		if err := t.sendOne(ctx, chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

type sendResult struct {
	err error
}

// sendOne bounds the blocking Bot API call by ctx. telebot does not take a
// context, so an abandoned call finishes in the background under the HTTP
// client timeout.
func (t *Telegram) sendOne(ctx context.Context, chat *tele.Chat, text string, opts *tele.SendOptions) error {
	done := make(chan sendResult, 1)
	go func() {
		_, err := t.bot.Send(chat, text, opts)
		done <- sendResult{err: err}
	}()
	select {
	case <-ctx.Done():
		return Transient(fmt.Errorf("telegram send: %w", ctx.Err()))
	case r := <-done:
		if r.err != nil {
			t.log.Debug("telegram send failed", logx.Int64("chat_id", chat.ID), logx.Err(r.err))
		}
		return classifyTelegram(r.err)
	}
}

var reRetryAfter = regexp.MustCompile(`(?i)retry after (\d+)`)

// classifyTelegram maps Bot API failures onto Transient/Permanent.
// 429 and 5xx are transient; other 4xx (chat not found, bot blocked,
// bad request) are permanent; anything without a status is a network
// problem and transient.
func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if m := reRetryAfter.FindStringSubmatch(msg); len(m) == 2 {
		secs, _ := strconv.Atoi(m[1])
		return TransientAfter(err, time.Duration(secs)*time.Second)
	}
	if strings.Contains(strings.ToLower(msg), "too many requests") {
		return Transient(err)
	}

	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else {
		code = statusFromText(msg)
	}
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return Transient(err)
	case code >= 400:
		return Permanent(err)
	default:
		return Transient(err)
	}
}

var reStatus = regexp.MustCompile(`\((\d{3})\)\s*$`)

// statusFromText reads the "(403)" suffix telebot puts on API errors.
func statusFromText(msg string) int {
	m := reStatus.FindStringSubmatch(strings.TrimSpace(msg))
	if len(m) != 2 {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func parseChatID(channelID string) (int64, error) {
	s := strings.TrimSpace(channelID)
	if s == "" {
		return 0, errors.New("empty channel id")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid telegram chat id %q", channelID)
	}
	return id, nil
}

// splitTelegramText splits s into chunks of at most limit runes,
// preferring newline boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
