package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/detect"
	"energy-anomaly-alerts/internal/storage"
)

// Dispatcher 负责告警路由：级别过滤、冷却抑制、多通道分发与审计。
// CRITICAL 级别的告警不受冷却限制。
type Dispatcher struct {
	cfg      config.AlertingConfig
	channels []Notifier
	store    storage.AlertStore
	limiter  *rate.Limiter
	minTier  detect.Tier
	logger   zerolog.Logger
}

// NewDispatcher 构造告警分发器。store 可以为 nil，此时不落审计记录。
func NewDispatcher(cfg config.AlertingConfig, channels []Notifier, store storage.AlertStore, logger zerolog.Logger) *Dispatcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.Cooldown > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Cooldown), 1)
	}
	minTier, err := detect.ParseTier(cfg.NotifyTier)
	if err != nil {
		minTier = detect.TierMedium
	}
	return &Dispatcher{
		cfg:      cfg,
		channels: channels,
		store:    store,
		limiter:  limiter,
		minTier:  minTier,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch 应用路由策略并将消息发往所有配置的通道。通道部分失败时
// 告警仍算送达；全部失败才返回错误。
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	if !d.cfg.Enabled {
		return nil
	}

	if msg.Kind == KindAnomaly && !detect.TierAtLeast(detect.Tier(msg.Severity), d.minTier) {
		d.logger.Debug().
			Str("severity", msg.Severity).
			Str("min_tier", string(d.minTier)).
			Msg("severity below notification tier, dropped")
		return nil
	}

	critical := detect.Tier(msg.Severity) == detect.TierCritical
	if !critical && !d.limiter.Allow() {
		d.logger.Info().
			Str("kind", msg.Kind).
			Str("subject", msg.Subject).
			Msg("冷却期内告警被抑制")
		return nil
	}

	var sent []string
	var failures []string
	for _, ch := range d.channels {
		if err := ch.Notify(ctx, msg); err != nil {
			d.logger.Error().Err(err).Str("channel", ch.Name()).Msg("告警通道发送失败")
			failures = append(failures, fmt.Sprintf("%s: %v", ch.Name(), err))
			continue
		}
		sent = append(sent, ch.Name())
	}
	msg.Channels = sent

	d.audit(ctx, msg)

	if len(sent) == 0 && len(failures) > 0 {
		return fmt.Errorf("所有告警通道均失败: %s", strings.Join(failures, "; "))
	}
	return nil
}

func (d *Dispatcher) audit(ctx context.Context, msg Message) {
	if d.store == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		d.logger.Warn().Err(err).Msg("alert audit payload encoding failed")
		return
	}
	record := storage.AlertRecord{
		Kind:     msg.Kind,
		Severity: msg.Severity,
		Subject:  msg.Subject,
		Channels: msg.Channels,
		Payload:  payload,
	}
	if _, err := d.store.InsertAlert(ctx, record); err != nil {
		d.logger.Warn().Err(err).Msg("alert audit insert failed")
	}
}
