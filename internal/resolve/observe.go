package resolve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/logging"
	"github.com/bikeshare-atlas/pipeline/internal/station"
)

// ObserveTrip records both endpoints of t as sightings. Only a validated
// timestamp moves first_seen and last_seen. Malformed rows are skipped.
func ObserveTrip(store *station.Store, t Trip) {
	if t.Malformed {
		return
	}
	seen := t.StartedAt
	if !t.TimestampValid {
		seen = time.Time{}
	}
	if id, ok := station.ParseID(t.StartID); ok {
		store.Add(id, t.StartName, t.StartLat, t.StartLon, seen)
	}
	if id, ok := station.ParseID(t.EndID); ok {
		store.Add(id, t.EndName, t.EndLat, t.EndLon, seen)
	}
}

// ObserveReader adds every trip read from r to store
func ObserveReader(ctx context.Context, store *station.Store, sourceFile string, r io.Reader) (int, error) {
	rows := 0
	var ctxErr error
	err := ReadTrips(r, sourceFile, func(t Trip) {
		if ctxErr != nil {
			return
		}
		if ctxErr = ctx.Err(); ctxErr != nil {
			return
		}
		rows++
		ObserveTrip(store, t)
	})
	if ctxErr != nil {
		return rows, ctxErr
	}
	return rows, err
}

// CollectObservations reads trip files on up to workers goroutines, each
// into its own Store, and merges the stores in file order.
func CollectObservations(ctx context.Context, paths []string, workers int, opts station.StoreOptions, logger *slog.Logger) (*station.Store, error) {
	logger = logging.OrDefault(logger).With(slog.String("component", "observations"))
	if workers < 1 {
		workers = 1
	}

	stores := make([]*station.Store, len(paths))
	errs := make([]error, len(paths))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				stores[i], errs[i] = observeFile(ctx, paths[i], opts, logger)
			}
		}()
	}
	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	merged := station.NewStore(opts)
	for i, s := range stores {
		if errs[i] != nil {
			return nil, errs[i]
		}
		merged.Merge(s)
	}
	return merged, nil
}

func observeFile(ctx context.Context, path string, opts station.StoreOptions, logger *slog.Logger) (*station.Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trip file: %w", err)
	}
	defer logging.SafeCloseWithLogging(f, logger, "close_trip_file")

	store := station.NewStore(opts)
	rows, err := ObserveReader(ctx, store, filepath.Base(path), f)
	if err != nil {
		return nil, err
	}
	logger.Debug("observed trip file",
		slog.String("source_file", filepath.Base(path)),
		slog.Int("rows", rows),
		slog.Int("identifiers", store.Len()))
	return store, nil
}
