package services

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"hasirumitra/internal/repositories"
)

// TelegramGateway delivers codes over a Telegram bot for users who linked
// a chat, falling back to SMS otherwise. Data bundles in rural districts
// often cover messengers but not premium SMS routes.
type TelegramGateway struct {
	bot      *tgbotapi.BotAPI
	links    repositories.TelegramLinkRepository
	fallback DeliveryGateway
}

func NewTelegramGateway(botToken string, links repositories.TelegramLinkRepository, fallback DeliveryGateway) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	log.Printf("[delivery][telegram] authorized as @%s", bot.Self.UserName)
	return &TelegramGateway{bot: bot, links: links, fallback: fallback}, nil
}

func (g *TelegramGateway) Send(ctx context.Context, phone, message string) error {
	chatID, err := g.links.ChatIDByPhone(ctx, phone)
	if err != nil || chatID == 0 {
		if g.fallback != nil {
			return g.fallback.Send(ctx, phone, message)
		}
		return fmt.Errorf("no telegram link for recipient")
	}

	if err := g.Reply(chatID, message); err != nil {
		log.Printf("[delivery][telegram] send failed chat_id=%d, falling back: %v", chatID, err)
		if g.fallback != nil {
			return g.fallback.Send(ctx, phone, message)
		}
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Reply sends a plain message to a known chat. Used both for code
// delivery and for webhook command replies.
func (g *TelegramGateway) Reply(chatID int64, text string) error {
	_, err := g.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}
