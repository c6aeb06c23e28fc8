package handler

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tele "gopkg.in/telebot.v3"

	"trivia-duel/internal/service"
)

// AdminHandler handles admin-only commands.
type AdminHandler struct {
	credits *service.CreditService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(credits *service.CreditService) *AdminHandler {
	return &AdminHandler{credits: credits}
}

// HandleGrant handles the /grant <user_id> <amount> command.
func (h *AdminHandler) HandleGrant(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	targetID, amount, err := parseGrantArgs(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}

	ctx, cancel := requestContext()
	defer cancel()

	reason := fmt.Sprintf("管理员 %d 发放", sender.ID)
	ev, err := h.credits.AddCredits(ctx, strconv.FormatInt(targetID, 10), amount, reason)
	if err != nil {
		return c.Reply(errorText(err))
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("target_id", targetID).
		Str("amount", amount.StringFixed(2)).
		Str("operation", "grant").
		Msg("Admin operation executed")

	return c.Reply(fmt.Sprintf(
		"✅ 操作成功\n\n"+
			"👤 用户ID: %d\n"+
			"➕ 发放: %s\n"+
			"💰 当前积分: %s",
		targetID, ev.Amount.StringFixed(2), ev.BalanceAfter.StringFixed(2),
	))
}

// parseGrantArgs parses "<user_id> <amount>".
func parseGrantArgs(args []string) (int64, decimal.Decimal, error) {
	if len(args) < 2 {
		return 0, decimal.Zero, fmt.Errorf("❌ 用法: /grant <用户ID> <金额>\n例如: /grant 123456789 50")
	}

	targetID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("❌ 用户ID格式错误，请输入数字")
	}

	amount, err := decimal.NewFromString(args[1])
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("❌ 金额格式错误")
	}
	if !amount.IsPositive() {
		return 0, decimal.Zero, fmt.Errorf("❌ 金额必须大于 0")
	}
	return targetID, amount, nil
}
