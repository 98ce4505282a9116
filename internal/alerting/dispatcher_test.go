package alerting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/detect"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/lifecycle"
	"energy-anomaly-alerts/internal/model"
	"energy-anomaly-alerts/internal/source"
	"energy-anomaly-alerts/internal/storage"
)

type fakeChannel struct {
	name string
	err  error

	mu  sync.Mutex
	got []Message
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Notify(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, msg)
	return nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

type fakeAlertStore struct {
	mu      sync.Mutex
	records []storage.AlertRecord
}

func (f *fakeAlertStore) InsertAlert(ctx context.Context, a storage.AlertRecord) (storage.AlertRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, a)
	return a, nil
}

func (f *fakeAlertStore) ListRecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (f *fakeAlertStore) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	return nil
}

func (f *fakeAlertStore) snapshot() []storage.AlertRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.AlertRecord, len(f.records))
	copy(out, f.records)
	return out
}

func testAlertingConfig() config.AlertingConfig {
	return config.AlertingConfig{
		Enabled:    true,
		NotifyTier: "medium",
		Cooldown:   time.Hour,
	}
}

func mediumMessage() Message {
	msg := testMessage()
	msg.Severity = string(detect.TierMedium)
	return msg
}

func TestDispatcherDropsBelowNotifyTier(t *testing.T) {
	ch := &fakeChannel{name: "telegram"}
	d := NewDispatcher(testAlertingConfig(), []Notifier{ch}, nil, testLogger())

	msg := testMessage()
	msg.Severity = string(detect.TierLow)
	if err := d.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch 应静默丢弃低级别告警: %v", err)
	}
	if ch.count() != 0 {
		t.Fatalf("低级别告警不应发送, 实际发送 %d 条", ch.count())
	}
}

func TestDispatcherCooldownSuppresses(t *testing.T) {
	ch := &fakeChannel{name: "telegram"}
	d := NewDispatcher(testAlertingConfig(), []Notifier{ch}, nil, testLogger())

	if err := d.Dispatch(context.Background(), mediumMessage()); err != nil {
		t.Fatalf("第一条告警应发送: %v", err)
	}
	if err := d.Dispatch(context.Background(), mediumMessage()); err != nil {
		t.Fatalf("冷却抑制不应报错: %v", err)
	}
	if ch.count() != 1 {
		t.Fatalf("冷却期内应只发送一条, 实际 %d 条", ch.count())
	}

	critical := mediumMessage()
	critical.Severity = string(detect.TierCritical)
	if err := d.Dispatch(context.Background(), critical); err != nil {
		t.Fatalf("CRITICAL 告警应绕过冷却: %v", err)
	}
	if ch.count() != 2 {
		t.Fatalf("CRITICAL 应照常发送, 实际共 %d 条", ch.count())
	}
}

func TestDispatcherDisabled(t *testing.T) {
	cfg := testAlertingConfig()
	cfg.Enabled = false
	ch := &fakeChannel{name: "telegram"}
	d := NewDispatcher(cfg, []Notifier{ch}, nil, testLogger())

	if err := d.Dispatch(context.Background(), mediumMessage()); err != nil {
		t.Fatalf("禁用状态不应报错: %v", err)
	}
	if ch.count() != 0 {
		t.Fatal("禁用状态不应发送任何告警")
	}
}

func TestDispatcherAuditsDeliveredChannels(t *testing.T) {
	good := &fakeChannel{name: "telegram"}
	bad := &fakeChannel{name: "email", err: errors.New("smtp refused")}
	store := &fakeAlertStore{}
	d := NewDispatcher(testAlertingConfig(), []Notifier{good, bad}, store, testLogger())

	if err := d.Dispatch(context.Background(), mediumMessage()); err != nil {
		t.Fatalf("部分通道失败时 Dispatch 仍应成功: %v", err)
	}

	records := store.snapshot()
	if len(records) != 1 {
		t.Fatalf("审计记录应为 1 条, 实际 %d", len(records))
	}
	rec := records[0]
	if rec.Kind != KindAnomaly || rec.Severity != string(detect.TierMedium) {
		t.Fatalf("审计记录内容不正确: %+v", rec)
	}
	if len(rec.Channels) != 1 || rec.Channels[0] != "telegram" {
		t.Fatalf("审计应只记录送达通道: %v", rec.Channels)
	}
	if len(rec.Payload) == 0 {
		t.Fatal("审计负载不应为空")
	}
}

func TestDispatcherAllChannelsFailed(t *testing.T) {
	bad1 := &fakeChannel{name: "telegram", err: errors.New("api down")}
	bad2 := &fakeChannel{name: "email", err: errors.New("smtp refused")}
	d := NewDispatcher(testAlertingConfig(), []Notifier{bad1, bad2}, nil, testLogger())

	if err := d.Dispatch(context.Background(), mediumMessage()); err == nil {
		t.Fatal("全部通道失败应报错")
	}
}

func confirmedVerdict(ts time.Time, power float64) detect.Verdict {
	return detect.Verdict{
		Reading:      source.Reading{Timestamp: ts, ActivePowerKW: power, VoltageV: 230},
		Methods:      []string{detect.MethodIQR, detect.MethodZScore, detect.MethodMovingAverage},
		Votes:        3,
		Consensus:    true,
		Category:     detect.CategoryHighConsumption,
		Score:        70,
		Tier:         detect.TierMedium,
		Expected:     1.0,
		DeviationPct: 800,
	}
}

func TestFormatAnomalyAlert(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	result := detect.DetectionResult{
		WindowStart:  start,
		WindowEnd:    start.Add(time.Hour),
		Readings:     60,
		ModelVersion: "v20250301_100000",
		Verdicts: []detect.Verdict{
			confirmedVerdict(start.Add(10*time.Minute), 9.0),
			confirmedVerdict(start.Add(11*time.Minute), 8.5),
		},
	}

	msg := FormatAnomalyAlert(result, detect.TierMedium)
	if msg.Kind != KindAnomaly || msg.Severity != string(detect.TierMedium) {
		t.Fatalf("消息元数据不正确: %+v", msg)
	}
	if !strings.Contains(msg.Subject, "2 confirmed") {
		t.Fatalf("主题应包含确认数: %q", msg.Subject)
	}
	for _, want := range []string{"v20250301_100000", "2 of 60", "9.00 kW", "high_consumption", "iqr"} {
		if !strings.Contains(msg.Body, want) {
			t.Fatalf("正文应包含 %q:\n%s", want, msg.Body)
		}
	}
}

func TestFormatTrainingAlert(t *testing.T) {
	metrics := model.Metrics{MAE: 0.168, RMSE: 0.241, MAPE: 12.5, R2: 0.81}
	previous := model.Metrics{MAE: 0.179, RMSE: 0.252}
	res := lifecycle.Result{
		Ran:      true,
		Decision: lifecycle.DecisionKeepNew,
		Version:  "v20250310_030000",
		Records:  43200,
		Metrics:  &metrics,
		Previous: &previous,
	}

	msg := FormatTrainingAlert(res, nil)
	if msg.Severity != string(detect.TierLow) {
		t.Fatalf("成功训练的级别应为 LOW: %q", msg.Severity)
	}
	for _, want := range []string{"keep_new", "0.1680", "0.1790"} {
		if !strings.Contains(msg.Body+msg.Subject, want) {
			t.Fatalf("训练告警应包含 %q:\n%s", want, msg.Body)
		}
	}

	promoErr := &faults.PromotionError{Step: "pointer", Err: errors.New("rename failed")}
	failed := FormatTrainingAlert(lifecycle.Result{Ran: true, Decision: lifecycle.DecisionDiscarded}, promoErr)
	if failed.Severity != string(detect.TierCritical) {
		t.Fatalf("晋升失败应为 CRITICAL: %q", failed.Severity)
	}
	if !strings.Contains(failed.Body, "promotion consistency violation") {
		t.Fatalf("正文应包含错误描述:\n%s", failed.Body)
	}

	quality := FormatTrainingAlert(
		lifecycle.Result{Ran: true, Decision: lifecycle.DecisionDiscarded},
		&faults.DataQualityError{Reason: "null ratio 0.080 exceeds 0.05"},
	)
	if quality.Severity != string(detect.TierMedium) {
		t.Fatalf("数据质量失败应为 MEDIUM: %q", quality.Severity)
	}
}
