// Package alert sends operator notifications for dissolution-severity
// verdicts and other high-signal events. It is optional: a disabled or
// unconfigured Notifier is a no-op, never a load-bearing dependency for
// correctness.
package alert

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/evaluator"
)

// Notifier sends alerts for verdicts and process-state events.
type Notifier interface {
	NotifyVerdict(ctx context.Context, v evaluator.Verdict) error
	NotifyText(ctx context.Context, text string) error
}

// SlackNotifier posts alerts to a Slack channel via a bot token.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	log     *zap.Logger
}

// NewSlackNotifier builds a SlackNotifier. botToken and channel must both
// be non-empty; callers should prefer NoopNotifier when alerting is
// disabled rather than constructing this with empty fields.
func NewSlackNotifier(botToken, channel string, log *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		log:     log,
	}
}

// NotifyVerdict posts a formatted alert for verdicts at Violation or
// Dissolution severity. Pass-or-Warn verdicts are not posted.
func (n *SlackNotifier) NotifyVerdict(ctx context.Context, v evaluator.Verdict) error {
	if v.Severity < evaluator.Violation {
		return nil
	}
	text := formatVerdict(v)
	return n.NotifyText(ctx, text)
}

// NotifyText posts a raw text message to the configured channel.
func (n *SlackNotifier) NotifyText(ctx context.Context, text string) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		n.log.Error("alert: failed to post to slack", zap.Error(err))
		return fmt.Errorf("alert: post message: %w", err)
	}
	return nil
}

func formatVerdict(v evaluator.Verdict) string {
	msg := fmt.Sprintf(":rotating_light: verdict seq=%d severity=%s hash=%s", v.Seq, v.Severity, v.DecisionHash)
	for _, b := range v.Breaches {
		msg += fmt.Sprintf("\n  - %s: observed=%.2f threshold=%.2f delta=%.2f critical=%t",
			b.Metric, b.Observed, b.Threshold, b.Delta, b.Critical)
	}
	return msg
}

// NoopNotifier discards every notification. Used when alerting is disabled.
type NoopNotifier struct{}

func (NoopNotifier) NotifyVerdict(context.Context, evaluator.Verdict) error { return nil }
func (NoopNotifier) NotifyText(context.Context, string) error              { return nil }
