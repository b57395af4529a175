// Package telegram provides a client for sending bot notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/digitbot/internal/bot"
	"github.com/rewired-gh/digitbot/internal/events"
	"github.com/rewired-gh/digitbot/internal/logger"
	"github.com/rewired-gh/digitbot/internal/storage"
)

// BotControl is what the /status and /stop commands act on.
type BotControl interface {
	Status() bot.Status
	Stop(reason string) error
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	control        BotControl
}

// NewClient creates a new Telegram client. control may be nil, in which
// case /status and /stop are unavailable.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration, control BotControl) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            api,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		control:        control,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	// Only the configured chat may control the bot.
	if msg.Chat.ID != c.chatID {
		return
	}

	var reply tgbotapi.MessageConfig
	switch msg.Command() {
	case "ping":
		reply = tgbotapi.NewMessage(msg.Chat.ID, "Pong")
	case "status":
		if c.control == nil {
			return
		}
		reply = tgbotapi.NewMessage(msg.Chat.ID, formatStatus(c.control.Status()))
		reply.ParseMode = "MarkdownV2"
	case "stop":
		if c.control == nil {
			return
		}
		text := "Bot stopped"
		if err := c.control.Stop("stopped from Telegram"); err != nil {
			text = "Cannot stop: " + err.Error()
		}
		reply = tgbotapi.NewMessage(msg.Chat.ID, text)
	default:
		return
	}
	c.bot.Send(reply) //nolint:errcheck
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// Notify sends the message for a bot event. Events without a message are ignored.
func (c *Client) Notify(e events.Event) error {
	text, ok := formatEvent(e)
	if !ok {
		return nil
	}
	return c.sendMarkdownV2(text)
}

// NotifyAsync is Notify on its own goroutine, for use as a bus handler.
func (c *Client) NotifyAsync(e events.Event) {
	if _, ok := formatEvent(e); !ok {
		return
	}
	go func() {
		if err := c.Notify(e); err != nil {
			logger.Error("Failed to send %s notification: %v", e.Type, err)
		}
	}()
}

// SendDailySummary sends the contract summary for the day starting at day.
func (c *Client) SendDailySummary(day time.Time, sum storage.ContractSummary) error {
	return c.sendMarkdownV2(formatSummary(day, sum))
}

func formatEvent(e events.Event) (string, bool) {
	switch p := e.Payload.(type) {
	case events.StopCondition:
		switch e.Type {
		case events.TypeProfitTargetReached:
			return formatStopCondition("🎯 *Profit target reached*", p), true
		case events.TypeLossLimitReached:
			return formatStopCondition("🛑 *Loss limit reached*", p), true
		}
	case events.BotError:
		if e.Type == events.TypeBotError {
			return fmt.Sprintf("⚠️ *Bot error*\n`%s`", escapeMarkdownV2(p.Error)), true
		}
	}
	return "", false
}

func formatStopCondition(title string, sc events.StopCondition) string {
	var b strings.Builder
	b.WriteString(title + "\n\n")
	fmt.Fprintf(&b, "Session: `%s`\n", escapeMarkdownV2(sc.SessionID))
	fmt.Fprintf(&b, "Profit: *%s*\n", escapeMarkdownV2(sc.Profit.StringFixed(2)))
	fmt.Fprintf(&b, "Threshold: %s\n", escapeMarkdownV2(sc.Threshold.StringFixed(2)))
	return b.String()
}

func formatSummary(day time.Time, sum storage.ContractSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 *Daily summary* %s\n\n", escapeMarkdownV2(day.Format("2006-01-02")))
	if sum.Count == 0 {
		b.WriteString("No contracts traded\\.\n")
		return b.String()
	}
	settled := sum.Wins + sum.Losses
	winRate := 0.0
	if settled > 0 {
		winRate = float64(sum.Wins) / float64(settled) * 100
	}
	fmt.Fprintf(&b, "Contracts: %d \\(%d open\\)\n", sum.Count, sum.Open)
	fmt.Fprintf(&b, "Won/Lost: %d/%d \\(%s\\)\n", sum.Wins, sum.Losses, escapeMarkdownV2(fmt.Sprintf("%.1f%%", winRate)))

	emoji := "📈"
	if sum.Profit.IsNegative() {
		emoji = "📉"
	}
	fmt.Fprintf(&b, "%s Profit: *%s*\n", emoji, escapeMarkdownV2(sum.Profit.StringFixed(2)))
	return b.String()
}

func formatStatus(st bot.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 *%s* on %s\n", escapeMarkdownV2(string(st.State)), escapeMarkdownV2(st.Symbol))
	fmt.Fprintf(&b, "Strategy: %s\n", escapeMarkdownV2(st.Strategy))
	fmt.Fprintf(&b, "Next stake: %s\n", escapeMarkdownV2(st.NextStake.StringFixed(2)))
	if s := st.Session; s != nil {
		fmt.Fprintf(&b, "Profit: *%s*\n", escapeMarkdownV2(s.Profit.StringFixed(2)))
		fmt.Fprintf(&b, "Won/Lost: %d/%d, level %d\n", s.Wins, s.Losses, s.Level)
	}
	if st.OpenContractID != 0 {
		fmt.Fprintf(&b, "Open contract: `%d`\n", st.OpenContractID)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "Last error: `%s`\n", escapeMarkdownV2(st.LastError))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
