package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/metrics"
	"github.com/MrSnakeDoc/shelf/internal/sources/homepage"
)

// BookmarkStore is the part of the Store the importer needs.
type BookmarkStore interface {
	FetchAll(ctx context.Context, userID string) ([]domain.Record, error)
	Insert(ctx context.Context, userID string, p domain.Payload) (domain.Record, error)
}

// ImportReloader periodically imports Homepage bookmarks into the owner's
// collection. Entries whose URL the owner already has are skipped, so
// reloading is idempotent.
type ImportReloader struct {
	loader        *homepage.Loader
	store         BookmarkStore
	owner         string
	logger        logger.Logger
	interval      time.Duration
	timeout       time.Duration
	stopCh        chan struct{}
	manualTrigger chan struct{}
}

// NewImportReloader creates a new import reloader
func NewImportReloader(
	loader *homepage.Loader,
	store BookmarkStore,
	owner string,
	log logger.Logger,
	interval time.Duration,
	timeout time.Duration,
	manualTrigger chan struct{},
) *ImportReloader {
	return &ImportReloader{
		loader:        loader,
		store:         store,
		owner:         owner,
		logger:        log.With(logger.String("owner", owner)),
		interval:      interval,
		timeout:       timeout,
		stopCh:        make(chan struct{}),
		manualTrigger: manualTrigger,
	}
}

// Start begins the periodic import process
func (ir *ImportReloader) Start(ctx context.Context) error {
	// Import immediately on start
	if _, err := ir.Reload(ctx); err != nil {
		return fmt.Errorf("initial import failed: %w", err)
	}

	ticker := time.NewTicker(ir.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := ir.Reload(ctx); err != nil {
					ir.logger.Error("failed to import bookmarks",
						logger.Error(err))
				}
			case <-ir.manualTrigger:
				ir.logger.Info("manual import triggered")
				if _, err := ir.Reload(ctx); err != nil {
					ir.logger.Error("failed to import bookmarks",
						logger.Error(err))
				}
			case <-ir.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the reloader
func (ir *ImportReloader) Stop() {
	close(ir.stopCh)
}

// Reload imports the Homepage entries the owner does not have yet and
// returns how many were inserted.
func (ir *ImportReloader) Reload(ctx context.Context) (int, error) {
	payloads, err := ir.loader.Load()
	if err != nil {
		return 0, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, ir.timeout)
	existing, err := ir.store.FetchAll(fetchCtx, ir.owner)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to fetch existing bookmarks: %w", err)
	}

	known := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		known[r.URL] = struct{}{}
	}

	inserted := 0
	for _, p := range payloads {
		if _, ok := known[p.URL]; ok {
			continue
		}

		insertCtx, cancel := context.WithTimeout(ctx, ir.timeout)
		rec, err := ir.store.Insert(insertCtx, ir.owner, p)
		cancel()
		if err != nil {
			// Keep what was inserted; the next run retries the rest.
			return inserted, fmt.Errorf("failed to insert %s: %w", p.URL, err)
		}

		known[rec.URL] = struct{}{}
		inserted++
		metrics.ImportedTotal.Inc()
	}

	if inserted > 0 {
		ir.logger.Info("imported bookmarks from homepage",
			logger.Int("inserted", inserted),
			logger.Int("loaded", len(payloads)))
	} else {
		ir.logger.Debug("homepage import found nothing new",
			logger.Int("loaded", len(payloads)))
	}

	return inserted, nil
}
