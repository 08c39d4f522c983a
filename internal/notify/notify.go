// Package notify renders alert messages and delivers them over email and Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"

	"bandi/internal/logger"
	"bandi/internal/model"
)

// ErrNoChannel is returned when a recipient has no address for any configured sender.
var ErrNoChannel = errors.New("no delivery channel for recipient")

// Message is a rendered notification. Channels that cannot show HTML use Text.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

type Recipient struct {
	Name           string
	Email          string
	TelegramChatID string
}

func (r Recipient) address(ch model.Channel) string {
	switch ch {
	case model.ChannelEmail:
		return r.Email
	case model.ChannelMessage:
		return r.TelegramChatID
	}
	return ""
}

// Key identifies the recipient in the notification ledger.
func (r Recipient) Key() string {
	if r.Email != "" {
		return "email:" + r.Email
	}
	return "chat:" + r.TelegramChatID
}

// Sender delivers a message to one address on a single channel.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, address string, msg *Message) error
}

// Notifier is what the alert engine and the ingestion pipeline deliver through.
type Notifier interface {
	Send(ctx context.Context, to Recipient, msg *Message) ([]model.Channel, error)
}

// Dispatcher fans a message out to every channel the recipient has an address for.
type Dispatcher struct {
	senders []Sender
	log     logger.Logger
}

func NewDispatcher(log logger.Logger, senders ...Sender) *Dispatcher {
	return &Dispatcher{senders: senders, log: log}
}

// Send returns the channels that accepted the message. The error joins every channel
// failure and is non-nil even when another channel succeeded.
func (d *Dispatcher) Send(ctx context.Context, to Recipient, msg *Message) ([]model.Channel, error) {
	var delivered []model.Channel
	var errs []error
	attempted := 0
	for _, s := range d.senders {
		addr := to.address(s.Channel())
		if addr == "" {
			continue
		}
		attempted++
		if err := s.Send(ctx, addr, msg); err != nil {
			d.log.Warn("notification delivery failed",
				logger.String("channel", string(s.Channel())),
				logger.String("recipient", to.Key()),
				logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Channel(), err))
			continue
		}
		delivered = append(delivered, s.Channel())
	}
	if attempted == 0 {
		return nil, ErrNoChannel
	}
	return delivered, errors.Join(errs...)
}
