package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"hasirumitra/internal/repositories"
)

// TelegramReplier is the slice of the delivery gateway the webhook needs
// to answer bot commands. Satisfied by services.TelegramGateway.
type TelegramReplier interface {
	Reply(chatID int64, text string) error
}

// TelegramHandler processes bot webhook updates. Sharing a contact links
// the chat for code delivery; /stop unlinks it. Telegram retries
// non-200 responses, so every update is acknowledged with 200.
type TelegramHandler struct {
	links   repositories.TelegramLinkRepository
	replier TelegramReplier // nil when the bot is disabled
}

func NewTelegramHandler(links repositories.TelegramLinkRepository, replier TelegramReplier) *TelegramHandler {
	return &TelegramHandler{links: links, replier: replier}
}

type telegramUpdate struct {
	Message *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Contact *struct {
			PhoneNumber string `json:"phone_number"`
			UserID      int64  `json:"user_id"`
		} `json:"contact"`
	} `json:"message"`
}

// normalizePhone matches Telegram contact numbers (no leading plus) to
// the E.164 form identities register with.
func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "+") {
		return s
	}
	return "+" + s
}

// @Summary      Telegram bot webhook
// @Description  Links or unlinks a Telegram chat for code delivery
// @Tags         Integrations
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /integrations/telegram/webhook [post]
func (h *TelegramHandler) Webhook(c *gin.Context) {
	var up telegramUpdate
	if err := c.ShouldBindJSON(&up); err != nil || up.Message == nil {
		c.Status(http.StatusOK)
		return
	}

	chatID := up.Message.Chat.ID
	text := strings.TrimSpace(up.Message.Text)

	switch {
	case up.Message.Contact != nil:
		// Only a contact the sender shared about themselves may link the
		// chat; forwarding someone else's contact must not redirect their
		// codes.
		if up.Message.From == nil || up.Message.Contact.UserID != up.Message.From.ID {
			h.reply(chatID, "Please share your own contact to link this chat.")
			break
		}
		phone := normalizePhone(up.Message.Contact.PhoneNumber)
		if phone == "" {
			break
		}
		if err := h.links.Upsert(c.Request.Context(), phone, chatID); err != nil {
			log.Printf("[telegram][webhook] link upsert failed chat_id=%d: %v", chatID, err)
			h.reply(chatID, "Could not link this chat, please try again later.")
			break
		}
		log.Printf("[telegram][webhook] chat linked chat_id=%d", chatID)
		h.reply(chatID, "Linked! Your verification codes will arrive in this chat.")

	case strings.HasPrefix(text, "/stop"):
		if err := h.links.DeleteByChat(c.Request.Context(), chatID); err != nil {
			log.Printf("[telegram][webhook] unlink failed chat_id=%d: %v", chatID, err)
			break
		}
		h.reply(chatID, "Unlinked. Codes will be sent by SMS again.")

	case strings.HasPrefix(text, "/start"):
		h.reply(chatID, "Hasiru Mitra here. Share your contact (attach > contact) to receive verification codes in this chat, or /stop to switch back to SMS.")
	}

	c.Status(http.StatusOK)
}

func (h *TelegramHandler) reply(chatID int64, text string) {
	if h.replier == nil {
		return
	}
	if err := h.replier.Reply(chatID, text); err != nil {
		log.Printf("[telegram][webhook] reply failed chat_id=%d: %v", chatID, err)
	}
}
