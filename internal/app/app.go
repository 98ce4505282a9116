package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/alerting"
	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/detect"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/jobs"
	"energy-anomaly-alerts/internal/lifecycle"
	"energy-anomaly-alerts/internal/quality"
	"energy-anomaly-alerts/internal/registry"
	"energy-anomaly-alerts/internal/report"
	"energy-anomaly-alerts/internal/service"
	"energy-anomaly-alerts/internal/source"
	"energy-anomaly-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newSource builds the reading adapter selected by source.adapter. The
// postgres adapter shares the store's pool, so it needs a configured
// database; csv and synthetic run without one.
func (a *App) newSource(store *storage.Store) (source.Adapter, error) {
	switch a.Config.Source.Adapter {
	case "postgres":
		if store == nil {
			return nil, errors.New("source.adapter is postgres but database.dsn is not configured")
		}
		return source.NewPostgres(store.Pool(), source.PostgresOptions{
			QueryTimeout: a.Config.Source.QueryTimeout,
		}, a.Logger), nil
	case "csv":
		return source.NewCSV(a.Config.Source.CSVPath, a.Logger), nil
	case "synthetic":
		profile, err := source.ProfileByName("")
		if err != nil {
			return nil, err
		}
		return source.NewSynthetic(source.SyntheticOptions{Profile: profile}, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown source adapter %q", a.Config.Source.Adapter)
	}
}

// newChannels constructs the notification channels listed under
// alerting.channels, skipping any whose own section is disabled.
func (a *App) newChannels() []alerting.Notifier {
	var channels []alerting.Notifier
	for _, name := range a.Config.Alerting.Channels {
		switch name {
		case "telegram":
			if !a.Config.Alerting.Telegram.Enabled {
				continue
			}
			cfg := a.Config.Alerting.Telegram
			channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		case "email":
			if !a.Config.Alerting.Email.Enabled {
				continue
			}
			channels = append(channels, alerting.NewEmailNotifier(a.Config.Alerting.Email, a.Logger))
		default:
			a.Logger.Warn().Str("channel", name).Msg("unknown alert channel ignored")
		}
	}
	return channels
}

func (a *App) newDispatcher(alertStore storage.AlertStore) *alerting.Dispatcher {
	return alerting.NewDispatcher(a.Config.Alerting, a.newChannels(), alertStore, a.Logger)
}

func (a *App) newTrainer(adapter source.Adapter, reg *registry.Registry) *lifecycle.Trainer {
	checker := quality.NewChecker(a.Config.Training, a.Config.Severity, a.Logger)
	return lifecycle.NewTrainer(a.Config.Training, a.Config.Detection.Outlier, adapter, checker, reg, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(a.Config.Database.DSN); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		a.Logger.Debug().Msg("database schema up to date")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service: the hourly anomaly
// scan, periodic retraining and the three report schedules.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	adapter, err := a.newSource(store)
	if err != nil {
		return err
	}

	var anomalyStore storage.AnomalyStore
	var alertStore storage.AlertStore
	var runStore storage.JobRunStore
	var locker storage.AdvisoryLocker
	if store != nil {
		anomalyStore = store
		alertStore = store
		runStore = store
		locker = store
	}

	reg := registry.New(a.Config.Registry, a.Logger)
	switch verr := reg.Verify(); {
	case errors.Is(verr, registry.ErrNoProduction):
		a.Logger.Info().Msg("no production model yet; scans run on statistical methods until the first training")
	case verr != nil:
		a.Logger.Warn().Err(verr).Msg("production model failed verification")
	}

	engine := detect.NewEngine(a.Config.Detection, a.Config.Severity, a.Logger)
	trainer := a.newTrainer(adapter, reg)
	dispatcher := a.newDispatcher(alertStore)
	scanner := service.NewScanner(adapter, reg, engine, anomalyStore, dispatcher, a.Config.Source.QueryTimeout, a.Logger)
	generator := report.NewGenerator(a.Config.Reports, adapter, anomalyStore, a.Logger)

	runner := jobs.NewRunner(a.Config.Jobs, locker, runStore, a.Logger)
	runner.Add(jobs.Job{
		Name:    "anomaly_scan",
		Trigger: jobs.NewInterval(a.Config.Jobs.Scan.Every, a.Config.Jobs.Scan.AlignToBucket),
		Run:     scanner.ScanHour,
	})

	retrain, err := jobs.NewDaily(a.Config.Jobs.Retrain.At)
	if err != nil {
		return fmt.Errorf("jobs.retrain.at: %w", err)
	}
	runner.Add(jobs.Job{Name: "retraining", Trigger: retrain, Run: a.trainingJob(trainer, dispatcher)})

	daily, err := jobs.NewDaily(a.Config.Jobs.DailyReport.At)
	if err != nil {
		return fmt.Errorf("jobs.daily_report.at: %w", err)
	}
	runner.Add(jobs.Job{Name: "daily_report", Trigger: daily, Run: a.reportJob(generator, dispatcher, report.PeriodDaily)})

	weekly, err := jobs.NewWeekly(a.Config.Jobs.WeeklyReport.Weekday, a.Config.Jobs.WeeklyReport.At)
	if err != nil {
		return fmt.Errorf("jobs.weekly_report: %w", err)
	}
	runner.Add(jobs.Job{Name: "weekly_report", Trigger: weekly, Run: a.reportJob(generator, dispatcher, report.PeriodWeekly)})

	monthly, err := jobs.NewMonthly(a.Config.Jobs.MonthlyReport.Day, a.Config.Jobs.MonthlyReport.At)
	if err != nil {
		return fmt.Errorf("jobs.monthly_report: %w", err)
	}
	runner.Add(jobs.Job{Name: "monthly_report", Trigger: monthly, Run: a.reportJob(generator, dispatcher, report.PeriodMonthly)})

	a.Logger.Info().
		Str("adapter", a.Config.Source.Adapter).
		Str("registry", a.Config.Registry.Dir).
		Msg("starting monitoring service")

	err = runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// trainingJob wraps a training cycle for the runner and notifies the
// outcome. A cycle that was not due stays silent; connectivity failures
// go back to the runner's retry ladder without an outcome alert.
func (a *App) trainingJob(trainer *lifecycle.Trainer, dispatcher *alerting.Dispatcher) jobs.Func {
	return func(ctx context.Context, fired time.Time) error {
		res, runErr := trainer.RunCycle(ctx, fired, false)
		if runErr != nil && faults.IsRetryable(runErr) {
			return runErr
		}
		if res.Ran || runErr != nil {
			msg := alerting.FormatTrainingAlert(res, runErr)
			if err := dispatcher.Dispatch(ctx, msg); err != nil {
				a.Logger.Error().Err(err).Msg("training alert delivery failed")
			}
		}
		return runErr
	}
}

// reportJob wraps report generation for the runner and sends the text
// rendering through the alert channels.
func (a *App) reportJob(gen *report.Generator, dispatcher *alerting.Dispatcher, period report.Period) jobs.Func {
	return func(ctx context.Context, fired time.Time) error {
		rep, err := gen.Generate(ctx, period, fired)
		if err != nil {
			return err
		}
		msg := alerting.Message{
			Kind:     alerting.KindReport,
			Severity: string(detect.TierLow),
			Subject:  fmt.Sprintf("Energy report (%s): %.2f kWh", period, rep.Summary.TotalKWh),
			Body:     rep.Text(),
			At:       rep.GeneratedAt,
		}
		if err := dispatcher.Dispatch(ctx, msg); err != nil {
			a.Logger.Error().Err(err).Msg("report delivery failed")
		}
		return nil
	}
}

// ScanOptions configure a one-off detection pass.
type ScanOptions struct {
	From *time.Time
	To   *time.Time
}

// TrainOptions configure a one-off training cycle.
type TrainOptions struct {
	Force bool
}

// ReportOptions configure a one-off report generation.
type ReportOptions struct {
	Period string
}

// ExportOptions hold parameters for exporting historical readings.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SeedOptions configure the synthetic seed job.
type SeedOptions struct {
	Days        int
	Profile     string
	Seed        int64
	AnomalyRate float64
	DryRun      bool
}

// MigrateOptions configure the migrate command.
type MigrateOptions struct {
	Down bool
}
