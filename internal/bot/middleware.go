package bot

import (
	"sync"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"trivia-duel/internal/config"
)

// Access decides which chats the bot answers. Users seen in a whitelisted
// group are also allowed in private chat.
type Access struct {
	cfg *config.Config

	mu      sync.RWMutex
	private map[int64]bool
}

// NewAccess creates an Access for cfg.
func NewAccess(cfg *config.Config) *Access {
	return &Access{cfg: cfg, private: make(map[int64]bool)}
}

// Allow reports whether a message from userID in chat should be handled and
// records group members for later private use.
func (a *Access) Allow(chat *tele.Chat, userID int64) bool {
	if chat.Type == tele.ChatPrivate {
		if len(a.cfg.Whitelist.Chats) == 0 {
			return true
		}
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.private[userID]
	}

	if !a.cfg.IsChatAllowed(chat.ID) {
		return false
	}
	a.mu.Lock()
	a.private[userID] = true
	a.mu.Unlock()
	return true
}

// WhitelistMiddleware drops updates from chats that are not allowed.
func (a *Access) WhitelistMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			chat := c.Chat()
			sender := c.Sender()
			if chat == nil || sender == nil {
				return nil
			}

			if !a.Allow(chat, sender.ID) {
				log.Debug().
					Int64("chat_id", chat.ID).
					Int64("user_id", sender.ID).
					Msg("Ignoring update from non-whitelisted chat")
				return nil
			}
			return next(c)
		}
	}
}

// AdminMiddleware rejects commands from non-admins.
func AdminMiddleware(cfg *config.Config) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if sender == nil {
				return nil
			}

			if !cfg.IsAdmin(sender.ID) {
				log.Warn().
					Int64("user_id", sender.ID).
					Str("command", c.Text()).
					Msg("Non-admin attempted admin command")
				return c.Reply("❌ 权限不足：需要管理员权限")
			}
			return next(c)
		}
	}
}

// LoggingMiddleware logs every incoming update at debug level.
func LoggingMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			ev := log.Debug()
			if sender := c.Sender(); sender != nil {
				ev = ev.Int64("user_id", sender.ID).Str("username", sender.Username)
			}
			if chat := c.Chat(); chat != nil {
				ev = ev.Int64("chat_id", chat.ID).Str("chat_type", string(chat.Type))
			}
			ev.Str("text", c.Text()).Msg("Received message")
			return next(c)
		}
	}
}

// RecoveryMiddleware recovers from panics in handlers.
func RecoveryMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Recovered from panic in handler")
					err = c.Reply("❌ 发生内部错误，请稍后重试")
				}
			}()
			return next(c)
		}
	}
}
