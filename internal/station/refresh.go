package station

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/logging"
)

// Fetcher downloads GBFS station_information snapshots
type Fetcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewFetcher creates a Fetcher with a bounded request timeout
func NewFetcher(logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.OrDefault(logger),
	}
}

// RefreshIfStale replaces the roster file at path with a fresh download when
// it is missing or older than maxAge. A failed download keeps the existing
// snapshot; the error is returned only when there is nothing to fall back to.
func (f *Fetcher) RefreshIfStale(ctx context.Context, url, path string, maxAge time.Duration) error {
	if url == "" {
		return nil
	}
	if filepath.Ext(path) != ".json" {
		return fmt.Errorf("roster refresh needs a .json path, got %q", path)
	}

	if r, err := LoadRoster(path); err == nil && !r.IsStale(maxAge, time.Now()) {
		f.logger.Debug("roster is fresh, skipping refresh",
			slog.String("path", path),
			slog.Time("fetched_at", r.FetchedAt()))
		return nil
	}

	err := f.download(ctx, url, path)
	if err == nil {
		logging.LogOperation(f.logger, "roster_refreshed",
			slog.String("url", url),
			slog.String("path", path))
		return nil
	}

	if _, statErr := os.Stat(path); statErr == nil {
		logging.LogError(f.logger, "roster refresh failed, using existing snapshot", err,
			slog.String("path", path))
		return nil
	}
	return err
}

func (f *Fetcher) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch roster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("roster feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// Refuse to overwrite a good snapshot with something unparseable
	if _, err := ParseGBFS(body); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create roster directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return fmt.Errorf("failed to write roster: %w", err)
	}
	return os.Rename(tmp, path)
}
