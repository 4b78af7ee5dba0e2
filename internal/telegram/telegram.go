// Package telegram is the chat transport: long polling for the one
// configured chat and plain-text delivery back to it.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nugget/jarvis/internal/events"
)

// MaxMessageLength is Telegram's limit on one message, in UTF-16 code
// units.
const MaxMessageLength = 4096

// Queue accepts events for the conversation pipeline.
type Queue interface {
	Enqueue(ctx context.Context, ev events.Event) error
}

// api is the part of the Bot API the transport uses.
type api interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Commands are the slash-command hooks. Nil hooks reply that the
// command is unavailable.
type Commands struct {
	// Briefing runs the briefing job now.
	Briefing func(ctx context.Context) error
}

// Transport connects one Telegram chat to the event queue.
type Transport struct {
	bot      *telego.Bot
	api      api
	chatID   int64
	queue    Queue
	commands Commands
	botName  string
	logger   *slog.Logger
}

// New creates a transport for chatID.
func New(token string, chatID int64, botName string, q Queue, cmds Commands, logger *slog.Logger) (*Transport, error) {
	if chatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		bot:      bot,
		api:      bot,
		chatID:   chatID,
		queue:    q,
		commands: cmds,
		botName:  botName,
		logger:   logger,
	}, nil
}

// ConversationID is the conversation key for the configured chat.
func (t *Transport) ConversationID() string {
	return strconv.FormatInt(t.chatID, 10)
}

// Run long-polls for updates until ctx is done.
func (t *Transport) Run(ctx context.Context) error {
	updates, err := t.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}
	t.logger.Info("telegram polling started", "chat_id", t.chatID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, upd)
		}
	}
}

func (t *Transport) handleUpdate(ctx context.Context, upd telego.Update) {
	msg := upd.Message
	if msg == nil {
		return
	}
	if msg.Chat.ID != t.chatID {
		t.logger.Warn("ignoring message from unknown chat", "chat_id", msg.Chat.ID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if cmd, ok := command(text); ok {
		t.handleCommand(ctx, cmd)
		return
	}

	t.typing(ctx)
	ev := events.New(events.OriginUser, events.KindChat, t.ConversationID(), text)
	if err := t.queue.Enqueue(ctx, ev); err != nil {
		t.logger.Error("failed to enqueue chat message", "error", err)
		return
	}
	t.logger.Debug("chat message enqueued", "event_id", ev.ID, "length", len(text))
}

// command extracts "/name" from "/name@botname args".
func command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.Fields(text)[0][1:]
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), true
}

func (t *Transport) handleCommand(ctx context.Context, cmd string) {
	switch cmd {
	case "start":
		t.reply(ctx, fmt.Sprintf("%s online. How can I help?", t.botName))
	case "briefing":
		if t.commands.Briefing == nil {
			t.reply(ctx, "Briefings are not configured.")
			return
		}
		t.typing(ctx)
		if err := t.commands.Briefing(ctx); err != nil {
			t.reply(ctx, "Briefing failed: "+err.Error())
		}
	default:
		t.reply(ctx, "Unknown command /"+cmd)
	}
}

func (t *Transport) reply(ctx context.Context, text string) {
	if err := t.Send(ctx, text); err != nil {
		t.logger.Error("telegram reply failed", "error", err)
	}
}

func (t *Transport) typing(ctx context.Context) {
	if err := t.api.SendChatAction(ctx, tu.ChatAction(tu.ID(t.chatID), telego.ChatActionTyping)); err != nil {
		t.logger.Debug("chat action failed", "error", err)
	}
}

// Send delivers text to the configured chat as plain text, split into
// as many messages as the length limit requires.
func (t *Transport) Send(ctx context.Context, text string) error {
	for _, part := range Split(text, MaxMessageLength) {
		if _, err := t.api.SendMessage(ctx, tu.Message(tu.ID(t.chatID), part)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// Split breaks text into chunks of at most limit UTF-16 code units, the
// unit Telegram measures in, preferring paragraph, line and word
// boundaries. Empty text yields no chunks.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var parts []string
	for UTF16Len(text) > limit {
		cut := byteOffset(text, limit)
		head := text[:cut]

		at := strings.LastIndex(head, "\n\n")
		if at <= 0 {
			at = strings.LastIndex(head, "\n")
		}
		if at <= 0 {
			at = strings.LastIndex(head, " ")
		}
		if at <= 0 {
			at = cut
		}

		parts = append(parts, strings.TrimSpace(text[:at]))
		text = strings.TrimSpace(text[at:])
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// UTF16Len is the length of s in UTF-16 code units. Characters outside
// the Basic Multilingual Plane, most emoji among them, count twice.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

func runeUnits(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// byteOffset returns the byte index just past the longest prefix of s
// that fits in n UTF-16 code units. At least one rune is always taken.
func byteOffset(s string, n int) int {
	used := 0
	for j, r := range s {
		used += runeUnits(r)
		if used > n {
			if j == 0 {
				_, size := utf8.DecodeRuneInString(s)
				return size
			}
			return j
		}
	}
	return len(s)
}
