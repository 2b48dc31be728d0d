package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/agentcore/internal/telemetry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMessage = 4096

// sender is the slice of *tgbotapi.BotAPI used here.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers notifications to the chat linked to each owner.
// Owners without a linked chat are skipped.
type Telegram struct {
	bot    sender
	logger *slog.Logger

	mu    sync.RWMutex
	chats map[string]int64
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string, chats map[string]int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	t := newTelegram(bot, chats, logger)
	t.logger.Info("telegram notifier ready", "user", bot.Self.UserName)
	return t, nil
}

func newTelegram(bot sender, chats map[string]int64, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = telemetry.Discard()
	}
	t := &Telegram{bot: bot, logger: logger.With("component", "notify.telegram"), chats: make(map[string]int64)}
	for owner, id := range chats {
		t.chats[owner] = id
	}
	return t
}

// Link associates owner with a chat id.
func (t *Telegram) Link(owner string, chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chats[owner] = chatID
}

func (t *Telegram) NotifyUser(ctx context.Context, owner, text string) {
	t.mu.RLock()
	chatID, ok := t.chats[owner]
	t.mu.RUnlock()
	if !ok {
		return
	}
	for _, chunk := range splitMessage(text, telegramMaxMessage) {
		if ctx.Err() != nil {
			return
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			t.logger.Warn("telegram delivery failed", "owner", owner, "error", err)
			return
		}
	}
}

// splitMessage cuts text into pieces of at most n bytes, preferring newline
// boundaries and never splitting a UTF-8 sequence.
func splitMessage(text string, n int) []string {
	if len(text) <= n {
		return []string{text}
	}
	var out []string
	for len(text) > n {
		cut := n
		for cut > 0 && text[cut]&0xC0 == 0x80 {
			cut--
		}
		for i := cut - 1; i > n/2; i-- {
			if text[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
