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

	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/types"
)

const maxTelegramMessage = 4096

// Sender is the part of the bot API the adapter writes through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Turns is the part of the gateway the adapter drives.
type Turns interface {
	Resolve(ctx context.Context, event *types.InboundEvent) (types.SessionID, error)
	Dispatch(event *types.InboundEvent, opts ...gateway.RunOption) (types.SessionID, error)
	StopTurn(id types.SessionID) bool
}

type Options struct {
	Turns    Turns
	Sessions types.SessionStore
	// KeyPath persists /new rotations. Empty keeps them in memory.
	KeyPath string
	// AllowedChats, when non-empty, limits which chats are served.
	AllowedChats []int64
}

// Adapter bridges a Telegram bot to the gateway. Each chat maps to one
// TELEGRAM session; /new moves the chat to a fresh one.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	send     Sender
	turns    Turns
	sessions types.SessionStore
	keys     *keyBook
	allowed  map[int64]bool
}

// New connects to the bot API with token.
func New(token string, opts Options) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, opts)
	a.bot = bot
	return a, nil
}

func newAdapter(send Sender, opts Options) *Adapter {
	a := &Adapter{
		send:     send,
		turns:    opts.Turns,
		sessions: opts.Sessions,
		keys:     newKeyBook(opts.KeyPath),
		allowed:  make(map[int64]bool, len(opts.AllowedChats)),
	}
	for _, id := range opts.AllowedChats {
		a.allowed[id] = true
	}
	return a
}

// Start long-polls for updates until ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)
	slog.Info("telegram polling started", "bot", a.bot.Self.UserName)

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
	chatID := msg.Chat.ID
	if len(a.allowed) > 0 && !a.allowed[chatID] {
		slog.Warn("telegram message from unlisted chat ignored", "chat_id", chatID)
		return
	}
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	if _, err := a.send.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		slog.Debug("send typing action", "chat_id", chatID, "error", err)
	}

	event := a.event(msg)
	event.Text = msg.Text
	_, err := a.turns.Dispatch(event, gateway.WithOnComplete(func(response string) {
		if strings.TrimSpace(response) == "" {
			return
		}
		if err := a.sendResponse(chatID, response); err != nil {
			slog.Error("telegram reply failed", "chat_id", chatID, "error", err)
		}
	}))
	if err != nil {
		slog.Error("dispatch telegram message", "chat_id", chatID, "error", err)
		a.reply(chatID, "Sorry, I couldn't start on that message.")
	}
}

func (a *Adapter) event(msg *tgbotapi.Message) *types.InboundEvent {
	event := &types.InboundEvent{
		Source:     types.SourceTelegram,
		SessionKey: sessionKey(msg.Chat.ID, a.keys.generation(msg.Chat.ID)),
	}
	if msg.From != nil {
		event.UserID = strconv.FormatInt(msg.From.ID, 10)
	}
	return event
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.reply(chatID, "Hello! I'm Turnstile. Send me a message to get started.\n\n/stop cancels the running turn, /status shows this session, /new starts over.")

	case "new":
		if err := a.keys.rotate(chatID); err != nil {
			slog.Error("rotate telegram session", "chat_id", chatID, "error", err)
			a.reply(chatID, "Couldn't start a new session.")
			return
		}
		a.reply(chatID, "Started a new session. The previous conversation is kept.")

	case "stop":
		id, err := a.turns.Resolve(ctx, a.event(msg))
		if err != nil {
			a.reply(chatID, "Error looking up the session.")
			return
		}
		if a.turns.StopTurn(id) {
			a.reply(chatID, "Stopped.")
		} else {
			a.reply(chatID, "Nothing is running.")
		}

	case "status":
		id, err := a.turns.Resolve(ctx, a.event(msg))
		if err != nil {
			a.reply(chatID, "Error fetching status.")
			return
		}
		session, err := a.sessions.Get(ctx, id)
		if err != nil {
			a.reply(chatID, "Error fetching status.")
			return
		}
		a.reply(chatID, formatStatus(session))

	default:
		a.reply(chatID, "Unknown command. Available: /start, /new, /stop, /status")
	}
}

func formatStatus(s *types.Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session: %s\nStatus: %s", s.ID, s.Status)
	if s.IsStreaming {
		sb.WriteString(" (working)")
	}
	fmt.Fprintf(&sb, "\nModel: %s\nMessages: %d\nCost: $%.4f", s.ModelID, len(s.Conversation), s.Cost)
	if len(s.Todos) > 0 {
		sb.WriteString("\nTodos:")
		for _, todo := range s.Todos {
			mark := " "
			switch todo.Status {
			case types.TodoCompleted:
				mark = "x"
			case types.TodoInProgress:
				mark = "~"
			}
			fmt.Fprintf(&sb, "\n[%s] %s", mark, todo.Content)
		}
	}
	return sb.String()
}

// Deliver sends an automation result to a chat. target is the chat id,
// optionally followed by ":<generation>".
func (a *Adapter) Deliver(_ context.Context, target, message string) error {
	chat, _, _ := strings.Cut(target, ":")
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat %q", target)
	}
	return a.sendResponse(chatID, message)
}

func (a *Adapter) reply(chatID int64, text string) {
	if err := a.sendResponse(chatID, text); err != nil {
		slog.Error("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

// sendResponse sends text in Telegram-sized pieces, falling back to plain
// text when Markdown is rejected.
func (a *Adapter) sendResponse(chatID int64, text string) error {
	var errs []error
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.send.Send(msg); err != nil {
			msg.ParseMode = ""
			if _, err := a.send.Send(msg); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// splitMessage cuts text into pieces of at most maxTelegramMessage bytes,
// preferring line breaks and never splitting a rune.
func splitMessage(text string) []string {
	var parts []string
	for len(text) > maxTelegramMessage {
		cut := maxTelegramMessage
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > maxTelegramMessage/2 {
			cut = nl + 1
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	return append(parts, text)
}

func sessionKey(chatID int64, generation int) types.SessionKey {
	chat := strconv.FormatInt(chatID, 10)
	if generation == 0 {
		return types.NewSessionKey("telegram", chat)
	}
	return types.NewSessionKey("telegram", chat, strconv.Itoa(generation))
}
