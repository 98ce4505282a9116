package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"energy-anomaly-alerts/internal/alerting"
	"energy-anomaly-alerts/internal/detect"
	"energy-anomaly-alerts/internal/storage"
)

// TestAlert 构造一条测试消息并走完整的分发链路，用于验证通道配置。
func (a *App) TestAlert(ctx context.Context) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	channels := a.newChannels()
	if len(channels) == 0 {
		return errors.New("未配置任何告警通道")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	var alertStore storage.AlertStore
	if store != nil {
		alertStore = store
	}

	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name()
	}

	dispatcher := alerting.NewDispatcher(a.Config.Alerting, channels, alertStore, a.Logger)

	now := time.Now().UTC()
	// CRITICAL 保证测试消息不被 notify_tier 过滤或冷却拦截。
	msg := alerting.Message{
		Kind:     alerting.KindTest,
		Severity: string(detect.TierCritical),
		Subject:  "Energy alert test",
		Body: fmt.Sprintf("[Test Alert]\nTime: %s\nChannels: %s\nIf you can read this, alert delivery works.\n",
			now.Format(time.RFC3339), strings.Join(names, ", ")),
		At: now,
	}
	if err := dispatcher.Dispatch(ctx, msg); err != nil {
		return err
	}

	a.Logger.Info().Strs("channels", names).Msg("测试告警已发送")
	return nil
}
