package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/clawterm/internal/bus"
	"github.com/user/clawterm/internal/types"
)

const maxTelegramMessage = 4096

// Sender is the part of the bot API the adapter writes through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges a Telegram chat to the event bus. Chat messages become UI
// events; model events are rendered back into the chat.
type Adapter struct {
	bot       *tgbotapi.BotAPI
	sender    Sender
	bus       *bus.Bus
	journal   types.Journal
	sessionID types.SessionID

	mu     sync.Mutex
	chatID int64 // 0 until the first message when not pinned
	pinned bool
}

// New creates a Telegram adapter. A non-zero chatID restricts the bot to
// that chat; otherwise it answers whichever chat wrote last.
func New(token string, chatID int64, b *bus.Bus, journal types.Journal, sessionID types.SessionID) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := NewWithSender(bot, chatID, b, journal, sessionID)
	a.bot = bot
	return a, nil
}

// NewWithSender creates an adapter that writes through s. It cannot poll.
func NewWithSender(s Sender, chatID int64, b *bus.Bus, journal types.Journal, sessionID types.SessionID) *Adapter {
	return &Adapter{
		sender:    s,
		bus:       b,
		journal:   journal,
		sessionID: sessionID,
		chatID:    chatID,
		pinned:    chatID != 0,
	}
}

// Register subscribes the adapter to model events.
func (a *Adapter) Register() error {
	return a.bus.RegisterHandler(bus.ChannelModel, a.HandleEvent)
}

// Start begins long-polling for Telegram updates. It returns when ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	if a.bot == nil {
		return
	}
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

// accept reports whether msg comes from the chat the adapter serves, and
// remembers it when no chat is pinned.
func (a *Adapter) accept(msg *tgbotapi.Message) bool {
	if msg.Chat == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pinned {
		return msg.Chat.ID == a.chatID
	}
	a.chatID = msg.Chat.ID
	return true
}

func (a *Adapter) currentChat() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatID
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !a.accept(msg) {
		slog.Debug("telegram message from unknown chat ignored", "chat_id", msg.Chat.ID)
		return
	}
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}
	a.send(ctx, bus.UserInput{Text: msg.Text})
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	arg := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! I'm Clawterm. Send me a message to get started.")

	case "cancel":
		a.send(ctx, bus.Cancel{})

	case "clear", "new":
		a.send(ctx, bus.ClearConversation{})

	case "approve", "deny":
		if arg == "" {
			a.sendResponse(chatID, fmt.Sprintf("Usage: /%s <request id>", msg.Command()))
			return
		}
		a.send(ctx, bus.ConfirmToolExecution{
			RequestID: types.RequestID(arg),
			Approved:  msg.Command() == "approve",
		})

	case "status":
		if a.journal == nil {
			a.sendResponse(chatID, fmt.Sprintf("Session: %s", a.sessionID))
			return
		}
		count, err := a.journal.Count(ctx, a.sessionID)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Session: %s\nEvents: %d", a.sessionID, count))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /cancel, /clear, /approve, /deny, /status")
	}
}

func (a *Adapter) send(ctx context.Context, ev bus.Event) {
	if err := a.bus.Send(ctx, ev); err != nil {
		slog.Warn("telegram event dropped", "kind", ev.Kind(), "error", err)
	}
}

// HandleEvent renders model events into the chat.
func (a *Adapter) HandleEvent(_ context.Context, env bus.Envelope) error {
	chatID := a.currentChat()
	if chatID == 0 {
		return nil
	}
	switch ev := env.Event.(type) {
	case bus.AssistantText:
		a.sendResponse(chatID, ev.Text)
	case bus.ToolStatus:
		switch ev.Phase {
		case bus.PhaseAwaitingConfirmation:
			a.sendResponse(chatID, fmt.Sprintf(
				"Tool %s wants to run (%s).\n/approve %s or /deny %s",
				ev.Tool, ev.Detail, ev.RequestID, ev.RequestID))
		case bus.PhaseDenied, bus.PhaseFailed, bus.PhaseTimedOut:
			a.sendResponse(chatID, fmt.Sprintf("Tool %s %s.", ev.Tool, strings.ReplaceAll(string(ev.Phase), "_", " ")))
		}
	case bus.TurnComplete:
		if ev.Reason == bus.ReasonCancelled {
			a.sendResponse(chatID, "Cancelled.")
		}
	}
	return nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.sender.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.sender.Send(msg); err != nil {
				slog.Error("send telegram message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

// splitMessage cuts text into Telegram-sized parts without splitting a rune.
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
