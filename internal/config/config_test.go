package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with defaults should succeed: %v", err)
	}

	if cfg.Detection.ConsensusThreshold != 3 {
		t.Fatalf("default consensus threshold = %d, want 3", cfg.Detection.ConsensusThreshold)
	}
	if cfg.Detection.MinReadings != 30 {
		t.Fatalf("default min readings = %d, want 30", cfg.Detection.MinReadings)
	}
	if cfg.Detection.Outlier.Contamination != 0.05 {
		t.Fatalf("default contamination = %v, want 0.05", cfg.Detection.Outlier.Contamination)
	}
	if cfg.Training.IntervalDays != 7 {
		t.Fatalf("default retraining interval = %d days, want 7", cfg.Training.IntervalDays)
	}
	if cfg.Training.RollbackTolerance != 0.10 {
		t.Fatalf("default rollback tolerance = %v, want 0.10", cfg.Training.RollbackTolerance)
	}
	if cfg.Jobs.Scan.Every != time.Hour {
		t.Fatalf("default scan interval = %v, want 1h", cfg.Jobs.Scan.Every)
	}
	if len(cfg.Jobs.RetryDelays) != 3 || cfg.Jobs.RetryDelays[0] != time.Minute {
		t.Fatalf("default retry ladder = %v, want [1m 5m 15m]", cfg.Jobs.RetryDelays)
	}
	if cfg.Registry.KeepVersions != 10 {
		t.Fatalf("default keep versions = %d, want 10", cfg.Registry.KeepVersions)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad adapter", func(c *Config) { c.Source.Adapter = "mysql" }, "source.adapter"},
		{"csv without path", func(c *Config) { c.Source.Adapter = "csv" }, "source.csv_path"},
		{"threshold too high", func(c *Config) { c.Detection.ConsensusThreshold = 6 }, "consensus_threshold"},
		{"iqr out of range", func(c *Config) { c.Detection.IQR.Multiplier = 0.5 }, "iqr.multiplier"},
		{"contamination half", func(c *Config) { c.Detection.Outlier.Contamination = 0.5 }, "contamination"},
		{"holdout swallows window", func(c *Config) { c.Training.HoldoutDays = 30 }, "holdout_days"},
		{"bad clock", func(c *Config) { c.Jobs.Retrain.At = "3 am" }, "jobs.retrain.at"},
		{"bad weekday", func(c *Config) { c.Jobs.WeeklyReport.Weekday = "someday" }, "weekday"},
		{"monthly day 32", func(c *Config) { c.Jobs.MonthlyReport.Day = 32 }, "monthly_report.day"},
		{"email without host", func(c *Config) { c.Alerting.Email.Enabled = true; c.Alerting.Email.From = "a@b"; c.Alerting.Email.Recipients = []string{"x@y"} }, "email.host"},
		{"email bad port", func(c *Config) {
			c.Alerting.Email.Enabled = true
			c.Alerting.Email.Host = "smtp.example.com"
			c.Alerting.Email.From = "a@b"
			c.Alerting.Email.Recipients = []string{"x@y"}
			c.Alerting.Email.Port = 8080
		}, "email.port"},
		{"telegram without token", func(c *Config) { c.Alerting.Telegram.Enabled = true; c.Alerting.Telegram.ChatID = "1" }, "bot_token"},
	}

	for _, tc := range cases {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("%s: baseline load failed: %v", tc.name, err)
		}
		tc.mutate(cfg)
		err = cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("03:15")
	if err != nil || h != 3 || m != 15 {
		t.Fatalf("ParseClock(03:15) = %d:%d, %v", h, m, err)
	}
	if _, _, err := ParseClock("25:00"); err == nil {
		t.Fatal("ParseClock should reject hour 25")
	}
}

func TestParseWeekday(t *testing.T) {
	d, err := ParseWeekday("Monday")
	if err != nil || d != time.Monday {
		t.Fatalf("ParseWeekday(Monday) = %v, %v", d, err)
	}
	if _, err := ParseWeekday("lundi"); err == nil {
		t.Fatal("ParseWeekday should reject unknown names")
	}
}
