// Package handler provides Telegram bot command handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tele "gopkg.in/telebot.v3"

	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
	"trivia-duel/internal/service"
)

const handlerTimeout = 10 * time.Second

// AccountHandler handles credit commands.
type AccountHandler struct {
	credits *service.CreditService
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(credits *service.CreditService) *AccountHandler {
	return &AccountHandler{credits: credits}
}

// HandleStart handles the /start command. The account is created with its
// opening grant on first access.
func (h *AccountHandler) HandleStart(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx, cancel := requestContext()
	defer cancel()

	acct, err := h.credits.GetBalance(ctx, userID(sender))
	if err != nil {
		return c.Reply(errorText(err))
	}

	return c.Reply(fmt.Sprintf(
		"👋 欢迎 %s！\n\n"+
			"当前积分: %s\n\n"+
			"可用命令:\n"+
			"/join <立场> <报名费> <时长> [belt] [延迟ms] - 加入匹配\n"+
			"/leave - 退出匹配\n"+
			"/queue - 查看匹配状态\n"+
			"/balance - 查看积分\n"+
			"/history [条数] - 积分记录\n"+
			"/withdraw <金额> - 提现",
		displayName(sender), acct.Balance.StringFixed(2),
	))
}

// HandleBalance handles the /balance command.
func (h *AccountHandler) HandleBalance(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx, cancel := requestContext()
	defer cancel()

	acct, err := h.credits.GetBalance(ctx, userID(sender))
	if err != nil {
		return c.Reply(errorText(err))
	}

	return c.Reply(fmt.Sprintf(
		"💰 积分账户\n"+
			"━━━━━━━━━━━━━━━\n"+
			"可用: %s\n"+
			"累计获得: %s\n"+
			"累计奖励: %s\n"+
			"累计消耗: %s\n"+
			"━━━━━━━━━━━━━━━",
		acct.Balance.StringFixed(2),
		acct.TotalGranted.StringFixed(2),
		acct.TotalEarned.StringFixed(2),
		acct.TotalSpent.StringFixed(2),
	))
}

// HandleHistory handles the /history [n] command.
func (h *AccountHandler) HandleHistory(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	limit := 10
	if args := c.Args(); len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return c.Reply("❌ 条数格式错误，请输入整数")
		}
		limit = n
	}

	ctx, cancel := requestContext()
	defer cancel()

	events, err := h.credits.GetHistory(ctx, userID(sender), limit)
	if err != nil {
		return c.Reply(errorText(err))
	}
	return c.Reply(formatHistory(events))
}

// HandleWithdraw handles the /withdraw <amount> command.
func (h *AccountHandler) HandleWithdraw(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) < 1 {
		return c.Reply("❌ 用法: /withdraw <金额>\n例如: /withdraw 25.50")
	}
	amount, err := decimal.NewFromString(args[0])
	if err != nil {
		return c.Reply("❌ 金额格式错误")
	}

	ctx, cancel := requestContext()
	defer cancel()

	ev, err := h.credits.WithdrawCredits(ctx, userID(sender), amount)
	if err != nil {
		return c.Reply(errorText(err))
	}
	return c.Reply(fmt.Sprintf("✅ 已提现 %s\n💰 当前积分: %s", ev.Amount.StringFixed(2), ev.BalanceAfter.StringFixed(2)))
}

var eventLabels = map[model.EventType]string{
	model.EventGrant:    "➕ 发放",
	model.EventHold:     "🔒 冻结",
	model.EventRelease:  "🔓 解冻",
	model.EventDeduct:   "➖ 结算扣除",
	model.EventReward:   "🏆 奖励",
	model.EventWithdraw: "💸 提现",
}

func formatHistory(events []model.LedgerEvent) string {
	if len(events) == 0 {
		return "📜 暂无积分记录"
	}

	var b strings.Builder
	b.WriteString("📜 积分记录\n━━━━━━━━━━━━━━━\n")
	for _, ev := range events {
		label, ok := eventLabels[ev.Type]
		if !ok {
			label = string(ev.Type)
		}
		fmt.Fprintf(&b, "%s %s  %s → %s  %s\n",
			label,
			ev.Amount.StringFixed(2),
			ev.BalanceBefore.StringFixed(2),
			ev.BalanceAfter.StringFixed(2),
			ev.Timestamp.UTC().Format("01-02 15:04"),
		)
	}
	b.WriteString("━━━━━━━━━━━━━━━")
	return b.String()
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

func userID(u *tele.User) string {
	return strconv.FormatInt(u.ID, 10)
}

func displayName(u *tele.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return userID(u)
}

// errorText turns a service error into a reply. Unexpected errors are logged
// and shown generically.
func errorText(err error) string {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		log.Error().Err(err).Msg("Unexpected handler error")
		return "❌ 操作失败，请稍后重试"
	}

	switch ae.Code {
	case apperr.CodeInvalidArgument:
		return "❌ 参数错误: " + ae.Message
	case apperr.CodeInsufficientFunds:
		return "❌ 积分不足"
	case apperr.CodeNotFound:
		return "❌ 未找到: " + ae.Message
	case apperr.CodeNoSequencesAvailable:
		return "❌ 暂无可用题目"
	case apperr.CodeTransientStoreConflict:
		return "⏳ 操作进行中，请稍后重试"
	case apperr.CodeDependencyUnavailable:
		return "❌ 服务暂时不可用，请稍后重试"
	default:
		log.Error().Err(err).Str("code", string(ae.Code)).Msg("Handler error")
		return "❌ 操作失败，请稍后重试"
	}
}
