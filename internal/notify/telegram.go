package notify

import (
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sourcegraph/conc"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram forwards toasts to a chat. Messages are queued and sent by a
// background worker so callers never wait on the Bot API.
type Telegram struct {
	bot    sender
	chatID int64
	queue  *Queue
	log    *slog.Logger
	wg     conc.WaitGroup
}

// NewTelegram connects to the Bot API with token and starts the worker.
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return newTelegram(bot, chatID, logger), nil
}

func newTelegram(bot sender, chatID int64, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Telegram{
		bot:    bot,
		chatID: chatID,
		queue:  NewQueue(DefaultQueueSize),
		log:    logger.With("component", "notify.telegram"),
	}
	t.wg.Go(t.loop)
	return t
}

func (t *Telegram) Success(message string, placement Placement) {
	t.queue.Success(message, placement)
}

func (t *Telegram) Error(message string) { t.queue.Error(message) }

func (t *Telegram) loop() {
	for toast := range t.queue.C() {
		text := toast.Message
		if toast.Kind == KindError {
			text = "⚠️ " + text
		}
		msg := tgbotapi.NewMessage(t.chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			t.log.Warn("telegram send failed", "error", err)
		}
	}
}

// Close flushes queued toasts and stops the worker.
func (t *Telegram) Close() {
	t.queue.Close()
	t.wg.Wait()
}
