// Package telegram is an inbound channel: Telegram chats become sessions
// and finished replies are delivered back to the chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

const maxTelegramMessage = 4096

// Gateway accepts inbound messages.
type Gateway interface {
	HandleInbound(ctx context.Context, event *types.InboundEvent) (types.TurnID, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot         *tgbotapi.BotAPI
	out         sender
	gateway     Gateway
	sessions    types.SessionStore
	transcripts types.TranscriptStore
}

// New creates a Telegram adapter.
func New(token string, gw Gateway, sessions types.SessionStore, transcripts types.TranscriptStore) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{
		bot:         bot,
		out:         bot,
		gateway:     gw,
		sessions:    sessions,
		transcripts: transcripts,
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	event := &types.InboundEvent{
		Source:     "telegram",
		SessionKey: buildSessionKey(msg.From.ID, msg.Chat.ID),
		UserID:     strconv.FormatInt(msg.From.ID, 10),
		Text:       msg.Text,
	}

	// The reply arrives later through SendTo.
	_, err := a.gateway.HandleInbound(ctx, event)
	switch {
	case err == nil:
	case errors.Is(err, llm.ErrDuplicateTurn):
		a.sendResponse(chatID, "Still working on your previous message.")
	default:
		slog.Error("handle inbound failed", "session_key", string(event.SessionKey), "error", err)
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Send me a message to get started.")

	case "status":
		a.sendResponse(chatID, a.status(ctx, buildSessionKey(msg.From.ID, msg.Chat.ID)))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /status")
	}
}

func (a *Adapter) status(ctx context.Context, key types.SessionKey) string {
	sessions, err := a.sessions.List(ctx)
	if err != nil {
		return "Error fetching status."
	}
	for _, sess := range sessions {
		if sess.SessionKey != key {
			continue
		}
		var count int64
		if a.transcripts != nil {
			if count, err = a.transcripts.Count(ctx, sess.SessionID); err != nil {
				return "Error fetching status."
			}
		}
		return fmt.Sprintf("Session: %s\nVendor: %s\nMessages: %d", sess.SessionID, sess.Binding.Vendor, count)
	}
	return "No session yet. Send a message to start one."
}

// SendTo delivers a reply to the chat encoded in sessionKey. It is the
// delivery handler for the "telegram:" prefix.
func (a *Adapter) SendTo(_ context.Context, sessionKey types.SessionKey, message string) error {
	chatID, err := chatIDFromKey(sessionKey)
	if err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		return nil
	}
	a.sendResponse(chatID, message)
	return nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.out.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.out.Send(msg); err != nil {
				slog.Error("send telegram message", "chat_id", chatID, "error", err)
			}
		}
	}
}

// splitMessage cuts text into Telegram-sized parts without splitting a
// UTF-8 sequence.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end >= len(text) {
			end = len(text)
		} else {
			for end > 0 && !utf8.RuneStart(text[end]) {
				end--
			}
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildSessionKey(userID, chatID int64) types.SessionKey {
	return types.NewSessionKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}

func chatIDFromKey(key types.SessionKey) (int64, error) {
	parts := strings.Split(string(key), ":")
	if len(parts) != 3 || parts[0] != "telegram" {
		return 0, fmt.Errorf("not a telegram session key: %s", key)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id from %s: %w", key, err)
	}
	return id, nil
}
