package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"

	"energy-anomaly-alerts/internal/config"
)

// Transient SMTP failures are retried a few times on a fixed delay
// before the channel reports the send as failed.
const (
	emailRetryDelay = 5 * time.Second
	emailRetries    = 3
)

// EmailNotifier 通过 SMTP 发送邮件告警。
type EmailNotifier struct {
	cfg    config.EmailConfig
	logger zerolog.Logger
}

// NewEmailNotifier 构造 SMTP 告警器。
func NewEmailNotifier(cfg config.EmailConfig, logger zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger.With().Str("component", "alert_email").Logger(),
	}
}

// Name 返回通道标识。
func (n *EmailNotifier) Name() string { return "email" }

// Notify 发送一封纯文本告警邮件，失败时按固定间隔重试。
func (n *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	recipients := limitRecipients(n.cfg.Recipients, n.cfg.MaxRecipients)
	if len(recipients) == 0 {
		return fmt.Errorf("邮件告警缺少收件人")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", recipients...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	dialer := gomail.NewDialer(n.cfg.Host, n.cfg.Port, n.cfg.Username, n.cfg.Password)

	// gomail 无法中断进行中的发送，timeout 只约束整体重试预算。
	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	operation := func() error {
		return dialer.DialAndSend(m)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(emailRetryDelay), emailRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("邮件发送失败: %w", err)
	}

	n.logger.Info().
		Str("kind", msg.Kind).
		Str("severity", msg.Severity).
		Int("recipients", len(recipients)).
		Msg("告警已发送 (Email)")
	return nil
}

func limitRecipients(recipients []string, max int) []string {
	if max > 0 && len(recipients) > max {
		return recipients[:max]
	}
	return recipients
}

var _ Notifier = (*EmailNotifier)(nil)
