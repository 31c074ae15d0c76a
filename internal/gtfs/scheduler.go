package gtfs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"transitsync/internal/storage"
)

// Scheduler keeps one mode's static graph current. With a downloader it
// fetches the feed zip; otherwise it loads the configured directory.
type Scheduler struct {
	mode       string
	dir        string
	downloader *Downloader
	loader     *Loader
	db         *storage.DB
	loc        *time.Location
	logger     *slog.Logger

	mu            sync.Mutex
	lastCheckDate string // YYYY-MM-DD of last check, prevents multiple checks per day
}

// NewScheduler creates a Scheduler. downloader may be nil, in which case dir
// is loaded as is.
func NewScheduler(mode, dir string, downloader *Downloader, db *storage.DB, loc *time.Location, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		mode:       mode,
		dir:        dir,
		downloader: downloader,
		loader:     NewLoader(db, mode, logger),
		db:         db,
		loc:        loc,
		logger:     logger.With("mode", mode),
	}
}

// EnsureData loads the static graph if the mode has none yet.
// Called on startup.
func (s *Scheduler) EnsureData(ctx context.Context) error {
	if s.db.HasStaticGraph(ctx, s.mode) {
		s.logger.Info("static graph already present")
		return nil
	}
	s.logger.Info("no static graph found, performing initial load")
	return s.Update(ctx)
}

// CheckAndUpdate reloads the graph when the upstream feed changed.
// Only checks once per calendar day.
func (s *Scheduler) CheckAndUpdate(ctx context.Context) error {
	s.mu.Lock()
	today := time.Now().In(s.loc).Format(DateLayout)
	if s.lastCheckDate == today {
		s.mu.Unlock()
		return nil
	}
	s.lastCheckDate = today
	s.mu.Unlock()

	if s.downloader == nil {
		return s.Update(ctx)
	}

	lastModified, _ := s.db.GetMetadata(ctx, storage.MetadataKey(s.mode, "last_modified"))
	etag, _ := s.db.GetMetadata(ctx, storage.MetadataKey(s.mode, "etag"))

	result, err := s.downloader.Check(ctx, lastModified, etag)
	if err != nil {
		return err
	}
	if !result.NeedsUpdate {
		return nil
	}
	return s.Update(ctx)
}

// StartBackground runs the 3 AM daily check. It blocks until the context is
// cancelled.
func (s *Scheduler) StartBackground(ctx context.Context) {
	s.logger.Info("static scheduler started")

	for {
		next := next3AM(time.Now(), s.loc)
		s.logger.Info("next static check scheduled", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			if err := s.CheckAndUpdate(ctx); err != nil {
				s.logger.Error("background static update failed", "error", err)
			}
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("static scheduler stopped")
			return
		}
	}
}

// Update performs a full fetch and load cycle.
func (s *Scheduler) Update(ctx context.Context) error {
	if s.downloader == nil {
		if s.dir == "" {
			return errors.New("no static_dir or static_url configured")
		}
		return s.loader.Load(ctx, s.dir)
	}

	feedDir, result, err := s.downloader.Download(ctx)
	if err != nil {
		return err
	}
	defer os.RemoveAll(feedDir)

	if err := s.loader.Load(ctx, feedDir); err != nil {
		return err
	}

	for key, value := range map[string]string{"last_modified": result.LastModified, "etag": result.ETag} {
		if value == "" {
			continue
		}
		if err := s.db.SetMetadata(ctx, storage.MetadataKey(s.mode, key), value); err != nil {
			s.logger.Warn("failed to record feed metadata", "key", key, "error", err)
		}
	}
	return nil
}

// next3AM returns the next 3:00 AM in loc after now.
func next3AM(now time.Time, loc *time.Location) time.Time {
	now = now.In(loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
