// Package bot provides the Telegram bot initialization and handler registration.
package bot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"trivia-duel/internal/config"
	"trivia-duel/internal/handler"
	"trivia-duel/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot    *tele.Bot
	cfg    *config.Config
	access *Access

	accountHandler *handler.AccountHandler
	queueHandler   *handler.QueueHandler
	adminHandler   *handler.AdminHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config        *config.Config
	QueueService  *service.QueueService
	CreditService *service.CreditService
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			log.Error().Err(err).Msg("Bot handler error")
		},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot:            teleBot,
		cfg:            deps.Config,
		access:         NewAccess(deps.Config),
		accountHandler: handler.NewAccountHandler(deps.CreditService),
		queueHandler:   handler.NewQueueHandler(deps.QueueService),
		adminHandler:   handler.NewAdminHandler(deps.CreditService),
	}

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(b.access.WhitelistMiddleware())
	b.bot.Use(LoggingMiddleware())
}

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.accountHandler.HandleStart)
	b.bot.Handle("/balance", b.accountHandler.HandleBalance)
	b.bot.Handle("/history", b.accountHandler.HandleHistory)
	b.bot.Handle("/withdraw", b.accountHandler.HandleWithdraw)

	b.bot.Handle("/join", b.queueHandler.HandleJoin)
	b.bot.Handle("/leave", b.queueHandler.HandleLeave)
	b.bot.Handle("/queue", b.queueHandler.HandleQueue)

	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/grant", b.adminHandler.HandleGrant)
}

// Start starts the bot polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Str("username", b.bot.Me.Username).Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
