package notify

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"futures-grid-trader/internal/service"
)

// Telegram 通过 Bot API 推送告警。BotToken 为空时处于禁用状态，
// Send 直接返回，调用方不需要判空。
type Telegram struct {
	client  *resty.Client
	token   string
	chatID  string
	enabled bool
	logger  *zap.Logger
}

// NewTelegram 初始化通知器
func NewTelegram(cfg service.TelegramConfig, logger *zap.Logger) *Telegram {
	t := &Telegram{
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		enabled: cfg.BotToken != "" && cfg.ChatID != "",
		logger:  logger,
	}
	if t.enabled {
		t.client = resty.New().SetTimeout(10 * time.Second)
	} else {
		logger.Info("Telegram notifications disabled (no bot token)")
	}
	return t
}

// Send 推送一条文本消息。通知失败只记日志，绝不影响交易流程。
func (t *Telegram) Send(text string) {
	if !t.enabled {
		return
	}
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	resp, err := t.client.R().
		SetFormData(map[string]string{
			"chat_id": t.chatID,
			"text":    text,
		}).
		Post(endpoint)
	if err != nil {
		t.logger.Warn("Telegram send failed", zap.Error(err))
		return
	}
	if resp.IsError() {
		t.logger.Warn("Telegram send rejected",
			zap.Int("status", resp.StatusCode()),
			zap.String("body", resp.String()))
	}
}
