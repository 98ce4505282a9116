package app

import (
	"context"
	"errors"
	"time"

	"energy-anomaly-alerts/internal/source"
)

// Seed 用合成读数回填 readings 表，为训练和扫描准备历史数据。
func (a *App) Seed(ctx context.Context, opts SeedOptions) error {
	if opts.Days <= 0 {
		return errors.New("--days 必须为正数")
	}

	profile, err := source.ProfileByName(opts.Profile)
	if err != nil {
		return err
	}

	gen := source.NewSynthetic(source.SyntheticOptions{
		Profile:     profile,
		Seed:        opts.Seed,
		AnomalyRate: opts.AnomalyRate,
	}, a.Logger)

	end := time.Now().UTC().Truncate(time.Minute)
	start := end.AddDate(0, 0, -opts.Days)

	var pg *source.Postgres
	if opts.DryRun {
		a.Logger.Warn().Msg("seed dry-run：不会写入数据库")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法灌入数据")
		}
		if closeStore != nil {
			defer closeStore()
		}
		pg = source.NewPostgres(store.Pool(), source.PostgresOptions{
			QueryTimeout: a.Config.Source.QueryTimeout,
		}, a.Logger)

		// ts 是主键，重复写入会失败；已有数据则从其后继续。
		if latest, lerr := pg.LatestReadingTime(ctx); lerr == nil && !latest.IsZero() && latest.After(start) {
			resume := latest.Add(time.Minute)
			if !resume.Before(end) {
				a.Logger.Info().Time("latest", latest).Msg("数据已覆盖目标区间，无需灌入")
				return nil
			}
			a.Logger.Info().Time("latest", latest).Time("resume", resume).Msg("检测到已有数据，从其后继续灌入")
			start = resume
		}
	}

	var inserted int64
	failed := 0
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batchEnd := day.AddDate(0, 0, 1)
		if batchEnd.After(end) {
			batchEnd = end
		}

		window, err := gen.FetchWindow(ctx, day, batchEnd)
		if err != nil {
			return err
		}
		if opts.DryRun {
			inserted += int64(window.Len())
			continue
		}

		n, err := pg.InsertReadings(ctx, window.Readings)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("day", day).Msg("当日批次写入失败")
			continue
		}
		inserted += n
		a.Logger.Debug().Time("day", day).Int64("rows", n).Msg("当日批次写入完成")
	}

	done := a.Logger.Info().
		Int("days", opts.Days).
		Int64("rows", inserted).
		Str("profile", profile.Name).
		Bool("dry_run", opts.DryRun)
	if pg != nil {
		if total, err := pg.CountReadings(ctx); err == nil {
			done = done.Int64("table_total", total)
		}
	}
	done.Msg("数据灌入完成")
	if failed > 0 {
		return errors.New("部分批次写入失败，请检查日志")
	}
	return nil
}
