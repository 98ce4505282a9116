package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"energy-anomaly-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Source    SourceConfig    `mapstructure:"source"`
	Detection DetectionConfig `mapstructure:"detection"`
	Severity  SeverityConfig  `mapstructure:"severity"`
	Training  TrainingConfig  `mapstructure:"training"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Reports   ReportsConfig   `mapstructure:"reports"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SourceConfig selects and tunes the reading source adapter.
type SourceConfig struct {
	Adapter      string        `mapstructure:"adapter"`
	CSVPath      string        `mapstructure:"csv_path"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// DetectionConfig carries per-method parameters for the consensus engine.
type DetectionConfig struct {
	MinReadings        int                 `mapstructure:"min_readings"`
	ConsensusThreshold int                 `mapstructure:"consensus_threshold"`
	Classify           bool                `mapstructure:"classify"`
	IQR                IQRConfig           `mapstructure:"iqr"`
	ZScore             ZScoreConfig        `mapstructure:"zscore"`
	Outlier            OutlierModelConfig  `mapstructure:"outlier"`
	MovingAverage      MovingAverageConfig `mapstructure:"moving_average"`
	Forecast           ForecastCheckConfig `mapstructure:"forecast"`
}

// IQRConfig tunes the interquartile-range method.
type IQRConfig struct {
	Multiplier float64 `mapstructure:"multiplier"`
}

// ZScoreConfig tunes the z-score method.
type ZScoreConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// OutlierModelConfig parameterises isolation forest training.
type OutlierModelConfig struct {
	Contamination float64 `mapstructure:"contamination"`
	Estimators    int     `mapstructure:"estimators"`
	Seed          int64   `mapstructure:"seed"`
}

// MovingAverageConfig tunes the rolling-mean deviation method.
type MovingAverageConfig struct {
	Window    int     `mapstructure:"window"`
	Threshold float64 `mapstructure:"threshold"`
}

// ForecastCheckConfig tunes the forecast-residual method.
type ForecastCheckConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// SeverityConfig feeds classification and scoring.
type SeverityConfig struct {
	IdlePowerKW         float64       `mapstructure:"idle_power_kw"`
	LowPowerKW          float64       `mapstructure:"low_power_kw"`
	HighPowerKW         float64       `mapstructure:"high_power_kw"`
	CriticalPowerKW     float64       `mapstructure:"critical_power_kw"`
	VoltageNominal      float64       `mapstructure:"voltage_nominal"`
	VoltageBandLow      float64       `mapstructure:"voltage_band_low"`
	VoltageBandHigh     float64       `mapstructure:"voltage_band_high"`
	VoltageCriticalLow  float64       `mapstructure:"voltage_critical_low"`
	VoltageCriticalHigh float64       `mapstructure:"voltage_critical_high"`
	SensorToleranceKW   float64       `mapstructure:"sensor_tolerance_kw"`
	CurrentTolerance    float64       `mapstructure:"current_tolerance"`
	Sustained           time.Duration `mapstructure:"sustained"`
}

// TrainingConfig governs the lifecycle manager.
type TrainingConfig struct {
	IntervalDays      int           `mapstructure:"interval_days"`
	WindowDays        int           `mapstructure:"window_days"`
	MinDays           int           `mapstructure:"min_days"`
	HoldoutDays       int           `mapstructure:"holdout_days"`
	MaxNullRatio      float64       `mapstructure:"max_null_ratio"`
	MaxOutlierRatio   float64       `mapstructure:"max_outlier_ratio"`
	MaxGap            time.Duration `mapstructure:"max_gap"`
	ClipIQRMultiplier float64       `mapstructure:"clip_iqr_multiplier"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RollbackTolerance float64       `mapstructure:"rollback_tolerance"`
}

// RegistryConfig locates the model registry on disk.
type RegistryConfig struct {
	Dir          string `mapstructure:"dir"`
	KeepVersions int    `mapstructure:"keep_versions"`
}

// JobsConfig wires the five orchestrated jobs.
type JobsConfig struct {
	StartupDelay  time.Duration     `mapstructure:"startup_delay"`
	LockBaseKey   int64             `mapstructure:"lock_base_key"`
	RetryDelays   []time.Duration   `mapstructure:"retry_delays"`
	Scan          IntervalJobConfig `mapstructure:"scan"`
	Retrain       DailyJobConfig    `mapstructure:"retrain"`
	DailyReport   DailyJobConfig    `mapstructure:"daily_report"`
	WeeklyReport  WeeklyJobConfig   `mapstructure:"weekly_report"`
	MonthlyReport MonthlyJobConfig  `mapstructure:"monthly_report"`
}

// IntervalJobConfig schedules an aligned interval job.
type IntervalJobConfig struct {
	Every         time.Duration `mapstructure:"every"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
}

// DailyJobConfig schedules a job at a fixed time of day (UTC).
type DailyJobConfig struct {
	At string `mapstructure:"at"`
}

// WeeklyJobConfig schedules a job at a fixed weekday and time (UTC).
type WeeklyJobConfig struct {
	Weekday string `mapstructure:"weekday"`
	At      string `mapstructure:"at"`
}

// MonthlyJobConfig schedules a job at a fixed day of month and time (UTC).
type MonthlyJobConfig struct {
	Day int    `mapstructure:"day"`
	At  string `mapstructure:"at"`
}

// AlertingConfig defines notification thresholds and routing.
type AlertingConfig struct {
	Enabled    bool           `mapstructure:"enabled"`
	NotifyTier string         `mapstructure:"notify_tier"`
	Cooldown   time.Duration  `mapstructure:"cooldown"`
	Channels   []string       `mapstructure:"channels"`
	Email      EmailConfig    `mapstructure:"email"`
	Telegram   TelegramConfig `mapstructure:"telegram"`
}

// EmailConfig carries SMTP delivery parameters.
type EmailConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	From          string        `mapstructure:"from"`
	Recipients    []string      `mapstructure:"recipients"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRecipients int           `mapstructure:"max_recipients"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ReportsConfig tunes the periodic report generator.
type ReportsConfig struct {
	Dir           string  `mapstructure:"dir"`
	FallbackCache bool    `mapstructure:"fallback_cache"`
	CachePath     string  `mapstructure:"cache_path"`
	TariffPerKWh  float64 `mapstructure:"tariff_per_kwh"`
	Currency      string  `mapstructure:"currency"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENERGYWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "energywatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("source.adapter", "postgres")
	v.SetDefault("source.query_timeout", "30s")

	v.SetDefault("detection.min_readings", 30)
	v.SetDefault("detection.consensus_threshold", 3)
	v.SetDefault("detection.classify", true)
	v.SetDefault("detection.iqr.multiplier", 1.5)
	v.SetDefault("detection.zscore.threshold", 3.0)
	v.SetDefault("detection.outlier.contamination", 0.05)
	v.SetDefault("detection.outlier.estimators", 100)
	v.SetDefault("detection.outlier.seed", int64(42))
	v.SetDefault("detection.moving_average.window", 60)
	v.SetDefault("detection.moving_average.threshold", 0.30)
	v.SetDefault("detection.forecast.threshold", 0.30)

	v.SetDefault("severity.idle_power_kw", 0.2)
	v.SetDefault("severity.low_power_kw", 0.5)
	v.SetDefault("severity.high_power_kw", 7.0)
	v.SetDefault("severity.critical_power_kw", 10.0)
	v.SetDefault("severity.voltage_nominal", 230.0)
	v.SetDefault("severity.voltage_band_low", 207.0)
	v.SetDefault("severity.voltage_band_high", 253.0)
	v.SetDefault("severity.voltage_critical_low", 200.0)
	v.SetDefault("severity.voltage_critical_high", 260.0)
	v.SetDefault("severity.sensor_tolerance_kw", 0.001)
	v.SetDefault("severity.current_tolerance", 0.25)
	v.SetDefault("severity.sustained", "15m")

	v.SetDefault("training.interval_days", 7)
	v.SetDefault("training.window_days", 90)
	v.SetDefault("training.min_days", 30)
	v.SetDefault("training.holdout_days", 7)
	v.SetDefault("training.max_null_ratio", 0.05)
	v.SetDefault("training.max_outlier_ratio", 0.10)
	v.SetDefault("training.max_gap", "6h")
	v.SetDefault("training.clip_iqr_multiplier", 3.0)
	v.SetDefault("training.timeout", "10m")
	v.SetDefault("training.rollback_tolerance", 0.10)

	v.SetDefault("registry.dir", "models")
	v.SetDefault("registry.keep_versions", 10)

	v.SetDefault("jobs.startup_delay", "0s")
	v.SetDefault("jobs.lock_base_key", int64(0x656E7267))
	v.SetDefault("jobs.retry_delays", []string{"60s", "300s", "900s"})
	v.SetDefault("jobs.scan.every", "60m")
	v.SetDefault("jobs.scan.align_to_bucket", true)
	v.SetDefault("jobs.retrain.at", "03:00")
	v.SetDefault("jobs.daily_report.at", "08:00")
	v.SetDefault("jobs.weekly_report.weekday", "monday")
	v.SetDefault("jobs.weekly_report.at", "09:00")
	v.SetDefault("jobs.monthly_report.day", 1)
	v.SetDefault("jobs.monthly_report.at", "10:00")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.notify_tier", "medium")
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"email"})
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.email.timeout", "30s")
	v.SetDefault("alerting.email.max_recipients", 10)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("reports.dir", "reports")
	v.SetDefault("reports.fallback_cache", true)
	v.SetDefault("reports.cache_path", "reports/cache/last_window.json")
	v.SetDefault("reports.tariff_per_kwh", 0.25)
	v.SetDefault("reports.currency", "EUR")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Source.Adapter {
	case "postgres", "csv", "synthetic":
	default:
		return fmt.Errorf("source.adapter must be one of postgres, csv, synthetic")
	}
	if c.Source.Adapter == "csv" && c.Source.CSVPath == "" {
		return fmt.Errorf("source.csv_path must be set when source.adapter is csv")
	}
	if c.Detection.MinReadings <= 0 {
		return fmt.Errorf("detection.min_readings must be greater than zero")
	}
	if c.Detection.ConsensusThreshold < 1 || c.Detection.ConsensusThreshold > 5 {
		return fmt.Errorf("detection.consensus_threshold must be between 1 and 5")
	}
	if c.Detection.IQR.Multiplier < 1.0 || c.Detection.IQR.Multiplier > 3.0 {
		return fmt.Errorf("detection.iqr.multiplier must be within [1.0, 3.0]")
	}
	if c.Detection.ZScore.Threshold < 1.0 || c.Detection.ZScore.Threshold > 5.0 {
		return fmt.Errorf("detection.zscore.threshold must be within [1.0, 5.0]")
	}
	if c.Detection.Outlier.Contamination <= 0 || c.Detection.Outlier.Contamination >= 0.5 {
		return fmt.Errorf("detection.outlier.contamination must be within (0, 0.5)")
	}
	if c.Detection.Outlier.Estimators <= 0 {
		return fmt.Errorf("detection.outlier.estimators must be greater than zero")
	}
	if c.Detection.MovingAverage.Window <= 1 {
		return fmt.Errorf("detection.moving_average.window must be greater than one")
	}
	if c.Severity.VoltageBandLow >= c.Severity.VoltageBandHigh {
		return fmt.Errorf("severity voltage band is empty")
	}
	if c.Severity.VoltageCriticalLow > c.Severity.VoltageBandLow || c.Severity.VoltageCriticalHigh < c.Severity.VoltageBandHigh {
		return fmt.Errorf("severity voltage critical band must contain the nominal band")
	}
	if c.Training.IntervalDays <= 0 {
		return fmt.Errorf("training.interval_days must be greater than zero")
	}
	if c.Training.HoldoutDays >= c.Training.MinDays {
		return fmt.Errorf("training.holdout_days must be smaller than training.min_days")
	}
	if c.Training.MaxNullRatio < 0 || c.Training.MaxNullRatio > 1 {
		return fmt.Errorf("training.max_null_ratio must be within [0, 1]")
	}
	if c.Training.RollbackTolerance < 0 {
		return fmt.Errorf("training.rollback_tolerance cannot be negative")
	}
	if c.Registry.KeepVersions < 1 {
		return fmt.Errorf("registry.keep_versions must be at least one")
	}
	if c.Jobs.Scan.Every <= 0 {
		return fmt.Errorf("jobs.scan.every must be greater than zero")
	}
	for name, at := range map[string]string{
		"jobs.retrain.at":        c.Jobs.Retrain.At,
		"jobs.daily_report.at":   c.Jobs.DailyReport.At,
		"jobs.weekly_report.at":  c.Jobs.WeeklyReport.At,
		"jobs.monthly_report.at": c.Jobs.MonthlyReport.At,
	} {
		if _, _, err := ParseClock(at); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := ParseWeekday(c.Jobs.WeeklyReport.Weekday); err != nil {
		return fmt.Errorf("jobs.weekly_report.weekday: %w", err)
	}
	if c.Jobs.MonthlyReport.Day < 1 || c.Jobs.MonthlyReport.Day > 31 {
		return fmt.Errorf("jobs.monthly_report.day must be within [1, 31]")
	}
	switch strings.ToLower(c.Alerting.NotifyTier) {
	case "low", "medium", "critical":
	default:
		return fmt.Errorf("alerting.notify_tier must be low, medium or critical")
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Host == "" {
			return fmt.Errorf("alerting.email.host must be set when email is enabled")
		}
		if c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.from must be set when email is enabled")
		}
		if len(c.Alerting.Email.Recipients) == 0 {
			return fmt.Errorf("alerting.email.recipients must not be empty when email is enabled")
		}
		switch c.Alerting.Email.Port {
		case 25, 465, 587:
		default:
			return fmt.Errorf("alerting.email.port must be 25, 465 or 587")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Reports.TariffPerKWh < 0 {
		return fmt.Errorf("reports.tariff_per_kwh cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ParseClock parses a "HH:MM" time-of-day string.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}

// ParseWeekday parses a lowercase English weekday name.
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return time.Sunday, fmt.Errorf("invalid weekday %q", s)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
