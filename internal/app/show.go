package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent confirmed anomalies.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show anomalies")
	}
	if closeStore != nil {
		defer closeStore()
	}

	events, err := store.ListRecentAnomalies(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no anomalies found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPower kW\tDeviation%\tVotes\tMethods\tCategory\tTier\tModel")

	for _, event := range events {
		fmt.Fprintf(
			writer,
			"%s\t%.3f\t%+.1f\t%d\t%s\t%s\t%s\t%s\n",
			event.ObservedAt.UTC().Format(time.RFC3339),
			event.PowerKW,
			event.DeviationPct,
			event.Votes,
			strings.Join(event.Methods, ","),
			sanitizeInline(event.Category),
			event.Tier,
			event.ModelVersion,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
