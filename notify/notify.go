// Package notify implements a best-effort Telegram notifier for admin
// events: logged admin mutations and admin traffic-limit breaches at the
// 90% and 100% thresholds. With no bot token configured it degrades to a
// no-op so callers never have to branch.
package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"

	"github.com/xpert-gate/xpert/logger"
)

// Notifier sends best-effort Telegram alerts. A disabled Notifier (zero
// Bot) makes every call a silent no-op, matching tgBotEnable=false.
type Notifier struct {
	bot    *telego.Bot
	chatID int64
}

// New builds a Notifier. If token is empty, notifications are disabled
// and every Send call becomes a no-op — the caller never needs its own
// "if enabled" branch.
func New(token string, chatID int64) *Notifier {
	if token == "" {
		return &Notifier{}
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		logger.Errorf("notify: failed to init telegram bot: %v", err)
		return &Notifier{}
	}
	return &Notifier{bot: bot, chatID: chatID}
}

func (n *Notifier) enabled() bool {
	return n.bot != nil && n.chatID != 0
}

// Send fires text to the configured chat. Failures are logged, never
// returned — callers (admin mutations, traffic-limit checks) must never
// fail because a Telegram alert couldn't be delivered.
func (n *Notifier) Send(ctx context.Context, text string) {
	if !n.enabled() {
		return
	}
	_, err := n.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: n.chatID},
		Text:   text,
	})
	if err != nil {
		logger.Errorf("notify: failed to send telegram message: %v", err)
	}
}

// AdminAction notifies about one logged admin mutation.
func (n *Notifier) AdminAction(ctx context.Context, adminUsername, action, targetUsername string) {
	n.Send(ctx, fmt.Sprintf("Admin %s performed %s on %s", adminUsername, action, targetUsername))
}

// TrafficLimitThreshold fires when usage crosses 90% or 100% of the
// configured quota.
func (n *Notifier) TrafficLimitThreshold(ctx context.Context, adminUsername string, percentageUsed float64, usedBytes, limitBytes int64) {
	switch {
	case percentageUsed >= 100:
		n.Send(ctx, fmt.Sprintf("Admin %s: external traffic limit EXCEEDED (%d/%d bytes, %.1f%%)", adminUsername, usedBytes, limitBytes, percentageUsed))
	case percentageUsed >= 90:
		n.Send(ctx, fmt.Sprintf("Admin %s: external traffic at %.1f%% of limit (%d/%d bytes)", adminUsername, percentageUsed, usedBytes, limitBytes))
	}
}
