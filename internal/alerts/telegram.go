package alerts

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"hl-unit-keeper/internal/config"
	"hl-unit-keeper/internal/logging"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Update is a single bot update as delivered by getUpdates.
type Update = tgbotapi.Update

// Telegram sends operator alerts to one chat and polls that chat for
// commands. The bot is dialed lazily so an unreachable Telegram never blocks
// startup.
type Telegram struct {
	enabled  bool
	token    string
	chatID   string
	endpoint string
	client   *http.Client
	log      *zap.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, tgbotapi.APIEndpoint, &http.Client{Timeout: 70 * time.Second})
}

// newTelegram takes an endpoint in tgbotapi's "<base>/bot%s/%s" form.
func newTelegram(cfg config.TelegramConfig, log *zap.Logger, endpoint string, client *http.Client) *Telegram {
	log = logging.OrNop(log)
	if client == nil {
		client = &http.Client{Timeout: 70 * time.Second}
	}
	return &Telegram{
		enabled:  cfg.Enabled,
		token:    strings.TrimSpace(cfg.Token),
		chatID:   strings.TrimSpace(cfg.ChatID),
		endpoint: endpoint,
		client:   client,
		log:      log,
	}
}

func (t *Telegram) Enabled() bool {
	return t != nil && t.enabled
}

// ChatID parses the configured chat id.
func (t *Telegram) ChatID() (int64, error) {
	if t.chatID == "" {
		return 0, errors.New("telegram chat_id is required")
	}
	return strconv.ParseInt(t.chatID, 10, 64)
}

// Send posts message to the configured chat. It is a no-op when disabled.
func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.Enabled() {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := t.ChatID()
	if err != nil {
		return err
	}
	bot, err := t.botAPI()
	if err != nil {
		return err
	}
	_, err = bot.Send(tgbotapi.NewMessage(chatID, message))
	return err
}

// GetUpdates long-polls for updates starting at offset. The wait is bounded by
// timeout rather than ctx.
func (t *Telegram) GetUpdates(ctx context.Context, offset int, timeout time.Duration) ([]Update, error) {
	if !t.Enabled() {
		return nil, errors.New("telegram is disabled")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bot, err := t.botAPI()
	if err != nil {
		return nil, err
	}
	req := tgbotapi.NewUpdate(offset)
	req.Timeout = int(timeout / time.Second)
	req.AllowedUpdates = []string{"message"}
	return bot.GetUpdates(req)
}

func (t *Telegram) botAPI() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	if t.token == "" {
		return nil, errors.New("telegram token is required")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, err
	}
	t.log.Info("telegram bot connected", zap.String("username", bot.Self.UserName))
	t.bot = bot
	return bot, nil
}
