package ics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	appLog "dashcal/internal/log"
	"dashcal/internal/model"
)

// ErrSync is the single, non-specific failure reported for a sync cycle.
// The underlying cause is wrapped for logging.
var ErrSync = errors.New("failed to sync one or more calendars")

// Sync fetches every source concurrently, parses each payload and returns
// the merged events sorted by start time (stable, so ties keep source order).
//
// The operation is all-or-nothing: if any source fails the result is nil and
// the error wraps ErrSync. The remaining in-flight fetches are canceled.
func Sync(ctx context.Context, fetcher TextFetcher, sources []model.Source, loc *time.Location) ([]model.CalendarEvent, error) {
	perSource := make([][]model.CalendarEvent, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			raw, err := fetcher.FetchText(gctx, src.URL)
			if err != nil {
				return fmt.Errorf("source %q: %w", src.ID, err)
			}
			perSource[i] = Parse(raw, loc)
			appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(perSource[i]))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSync, err)
	}

	merged := make([]model.CalendarEvent, 0)
	for _, evs := range perSource {
		merged = append(merged, evs...)
	}
	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].Start.Before(merged[b].Start)
	})
	return merged, nil
}
