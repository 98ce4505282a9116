package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"energy-anomaly-alerts/internal/storage"
)

// Migrate applies the database schema, or rolls back one step with Down.
func (a *App) Migrate(_ context.Context, opts MigrateOptions) error {
	dsn := a.Config.Database.DSN
	if dsn == "" {
		return errors.New("database.dsn not configured")
	}

	if opts.Down {
		if err := storage.MigrateDown(dsn); err != nil {
			return err
		}
		a.Logger.Info().Msg("rolled back one migration step")
	} else {
		if err := storage.Migrate(dsn); err != nil {
			return err
		}
		a.Logger.Info().Msg("migrations applied")
	}

	version, dirty, err := storage.SchemaVersion(dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "schema version: %d (dirty: %v)\n", version, dirty)
	return nil
}
