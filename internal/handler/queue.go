package handler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	tele "gopkg.in/telebot.v3"

	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
	"trivia-duel/internal/service"
)

// DefaultPingMs is used when /join omits the ping.
const DefaultPingMs = 50

var stanceAliases = map[string]string{
	"pl": model.StanceProgressiveLeft,
	"cr": model.StanceConservativeRight,
	"cm": model.StanceCentristModerate,
	"tl": model.StanceTraditionalLeft,
	"lr": model.StanceLibertarianRight,
}

const joinUsage = "❌ 用法: /join <立场> <报名费> <时长> [belt] [延迟ms]\n" +
	"立场: pl, cr, cm, tl, lr\n" +
	"例如: /join pl 10 30 belt 45"

// QueueHandler handles matchmaking commands.
type QueueHandler struct {
	queue *service.QueueService
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(queue *service.QueueService) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// HandleJoin handles the /join command.
func (h *QueueHandler) HandleJoin(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	req, err := parseJoinArgs(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	req.PersonaLabel = displayName(sender)

	ctx, cancel := requestContext()
	defer cancel()

	e, err := h.queue.Join(ctx, userID(sender), req)
	if err != nil {
		return c.Reply(errorText(err))
	}

	belt := "否"
	if e.SafetyBelt {
		belt = "是"
	}
	return c.Reply(fmt.Sprintf(
		"🎯 已加入匹配\n"+
			"━━━━━━━━━━━━━━━\n"+
			"立场: %s\n"+
			"时长: %d 秒\n"+
			"报名费: %s\n"+
			"安全带: %s\n"+
			"冻结积分: %s\n"+
			"有效期至: %s UTC\n"+
			"━━━━━━━━━━━━━━━",
		e.StanceType, e.Duration, e.EntryFee.StringFixed(2), belt,
		e.Stake().StringFixed(2), e.ExpiresAt.UTC().Format("15:04:05"),
	))
}

// HandleLeave handles the /leave command.
func (h *QueueHandler) HandleLeave(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx, cancel := requestContext()
	defer cancel()

	removed, err := h.queue.Leave(ctx, userID(sender))
	if err != nil {
		return c.Reply(errorText(err))
	}
	if !removed {
		return c.Reply("ℹ️ 您当前不在匹配队列中")
	}
	return c.Reply("👋 已退出匹配")
}

// HandleQueue handles the /queue command.
func (h *QueueHandler) HandleQueue(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx, cancel := requestContext()
	defer cancel()

	e, err := h.queue.Status(ctx, userID(sender))
	if errors.Is(err, apperr.ErrNotFound) {
		return c.Reply("ℹ️ 您当前不在匹配队列中")
	}
	if err != nil {
		return c.Reply(errorText(err))
	}
	return c.Reply(fmt.Sprintf(
		"⏳ 匹配中\n立场: %s · 时长: %d 秒 · 报名费: %s\n加入时间: %s UTC",
		e.StanceType, e.Duration, e.EntryFee.StringFixed(2), e.JoinedAt.UTC().Format("15:04:05"),
	))
}

// parseJoinArgs parses "<stance> <fee> <duration> [belt] [ping]". The
// optional arguments may appear in either order.
func parseJoinArgs(args []string) (service.JoinRequest, error) {
	var req service.JoinRequest
	if len(args) < 3 {
		return req, errors.New(joinUsage)
	}

	stance := strings.ToLower(args[0])
	if full, ok := stanceAliases[stance]; ok {
		stance = full
	}
	if !model.IsKnownStance(stance) {
		return req, fmt.Errorf("❌ 未知立场: %s\n%s", args[0], joinUsage)
	}
	req.StanceType = stance

	fee, err := decimal.NewFromString(args[1])
	if err != nil {
		return req, errors.New("❌ 报名费格式错误")
	}
	req.EntryFee = fee

	duration, err := strconv.Atoi(args[2])
	if err != nil {
		return req, errors.New("❌ 时长格式错误，请输入秒数")
	}
	req.Duration = duration

	req.PingMs = DefaultPingMs
	for _, arg := range args[3:] {
		if strings.EqualFold(arg, "belt") {
			req.SafetyBelt = true
			continue
		}
		ping, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(arg), "ms"))
		if err != nil {
			return req, fmt.Errorf("❌ 无法识别的参数: %s\n%s", arg, joinUsage)
		}
		req.PingMs = ping
	}
	return req, nil
}
