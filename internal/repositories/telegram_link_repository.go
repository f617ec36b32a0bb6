package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TelegramLinkRepository maps phone numbers to Telegram chats for users
// who opted into messenger delivery. Links are written by the bot
// webhook, read by the delivery gateway.
type TelegramLinkRepository interface {
	ChatIDByPhone(ctx context.Context, phone string) (int64, error)
	Upsert(ctx context.Context, phone string, chatID int64) error
	DeleteByChat(ctx context.Context, chatID int64) error
}

type telegramLinkRepository struct {
	DB *sql.DB
}

func NewTelegramLinkRepository(db *sql.DB) TelegramLinkRepository {
	return &telegramLinkRepository{DB: db}
}

func (r *telegramLinkRepository) ChatIDByPhone(ctx context.Context, phone string) (int64, error) {
	var chatID int64
	err := r.DB.QueryRowContext(ctx,
		`SELECT chat_id FROM telegram_links WHERE phone = $1`, phone,
	).Scan(&chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("telegram_link get: %w", err)
	}
	return chatID, nil
}

func (r *telegramLinkRepository) Upsert(ctx context.Context, phone string, chatID int64) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO telegram_links (phone, chat_id)
		VALUES ($1, $2)
		ON CONFLICT (phone) DO UPDATE SET chat_id = EXCLUDED.chat_id
	`, phone, chatID)
	if err != nil {
		return fmt.Errorf("telegram_link upsert: %w", err)
	}
	return nil
}

func (r *telegramLinkRepository) DeleteByChat(ctx context.Context, chatID int64) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM telegram_links WHERE chat_id = $1`, chatID)
	return err
}
