// Package notes syncs the shared remediation guides from their published
// notes into local markdown files.
package notes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Fetcher downloads published remediation guides.
type Fetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Fetcher. The shared note service can be slow to export, so
// each download gets a generous timeout.
func New(logger *slog.Logger) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// GuideFileName maps a severity to its local guide filename, for example
// "critical" to "Fortify Critical Solution.md".
func GuideFileName(severity string) string {
	if severity == "" {
		return ""
	}
	title := strings.ToUpper(severity[:1]) + strings.ToLower(severity[1:])
	return fmt.Sprintf("Fortify %s Solution.md", title)
}

// SyncAll downloads every guide in urls (severity to note URL) into dir,
// at most three at a time. A failed guide is logged and skipped; the error
// reports how many failed.
func (f *Fetcher) SyncAll(ctx context.Context, urls map[string]string, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating solutions directory: %w", err)
	}

	var mu sync.Mutex
	var failed []string

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for severity, url := range urls {
		g.Go(func() error {
			path := filepath.Join(dir, GuideFileName(severity))
			if err := f.syncOne(ctx, url, path); err != nil {
				f.logger.Warn("guide sync failed", "severity", severity, "error", err)
				mu.Lock()
				failed = append(failed, severity)
				mu.Unlock()
				return nil
			}
			f.logger.Info("guide synced", "severity", severity, "path", path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d guides failed to sync: %s", len(failed), len(urls), strings.Join(failed, ", "))
	}
	return nil
}

// syncOne downloads one published note's markdown export into path.
func (f *Fetcher) syncOne(ctx context.Context, noteURL, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, noteURL+"/download", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading note: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading note: unexpected status %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading note: %w", err)
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
