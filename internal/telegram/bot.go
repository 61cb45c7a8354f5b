package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// Source answers the chat commands.
type Source interface {
	Status(ctx context.Context) (swarm.StatusReport, error)
	TopResults(ctx context.Context, n int) ([]memory.Entry, error)
}

type sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Bot publishes run results to one chat and answers /status and /top from
// that chat.
type Bot struct {
	bot     *telego.Bot
	send    sender
	handler *th.BotHandler
	source  Source
	chatID  int64
	cancel  context.CancelFunc
	logger  *slog.Logger
}

func NewBot(cfg config.TelegramConfig, src Source) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{
		bot:    bot,
		send:   bot,
		source: src,
		chatID: cfg.ChatID,
		logger: slog.Default().With("component", "telegram"),
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.Chat.ID != b.chatID {
		b.logger.Warn("message from unknown chat", "chat_id", msg.Chat.ID)
		return
	}
	reply := b.reply(ctx, msg.Text)
	if reply == "" {
		return
	}
	if err := b.SendMessage(ctx, reply); err != nil {
		b.logger.Error("failed to send telegram reply", "chat", b.chatID, "error", err)
	}
}

// reply answers a command; unknown text gets no answer.
func (b *Bot) reply(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	// "/top@hivebot 3" addresses the bot in groups
	cmd, _, _ := strings.Cut(fields[0], "@")

	switch cmd {
	case "/status":
		st, err := b.source.Status(ctx)
		if err != nil {
			return "Status unavailable: " + err.Error()
		}
		return formatStatus(st)
	case "/top":
		n := 3
		if len(fields) > 1 {
			if v, err := strconv.Atoi(fields[1]); err == nil && v > 0 {
				n = min(v, 20)
			}
		}
		entries, err := b.source.TopResults(ctx, n)
		if err != nil {
			return "Results unavailable: " + err.Error()
		}
		return formatEntries(entries)
	case "/help", "/start":
		return "/status shows the running swarm\n/top [n] shows the best results"
	default:
		return ""
	}
}

// SendMessage sends text to the configured chat, split into chunks that
// fit Telegram's size limit.
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := b.send.SendMessage(ctx, tu.Message(tu.ID(b.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// PublishSummary sends the outcome of a finished run.
func (b *Bot) PublishSummary(ctx context.Context, sum swarm.Summary) error {
	return b.SendMessage(ctx, formatSummary(sum))
}
