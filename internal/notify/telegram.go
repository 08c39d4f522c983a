package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bandi/internal/model"
)

// Telegram rejects messages longer than this many characters.
const telegramMaxRunes = 4096

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender posts the plain-text body of a message to a chat.
type TelegramSender struct {
	api botAPI
}

// NewTelegramSender authenticates the bot token against the Telegram API.
func NewTelegramSender(token string) (*TelegramSender, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramSender{api: api}, nil
}

func (s *TelegramSender) Channel() model.Channel { return model.ChannelMessage }

func (s *TelegramSender) Send(ctx context.Context, address string, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q", address)
	}
	text := msg.Text
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + text
	}
	out := tgbotapi.NewMessage(chatID, truncateRunes(text, telegramMaxRunes))
	out.DisableWebPagePreview = true
	_, err = s.api.Send(out)
	return err
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
