package sqlite

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// CleanupService enforces the artifact retention window: terminal jobs older
// than the window are deleted and their local code artifacts removed.
type CleanupService struct {
	Jobs          *JobRepo
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(jobs *JobRepo, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Jobs: jobs, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal jobs past the retention window together
// with their on-disk code artifacts.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)
	paths, err := s.Jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err == nil {
			removed++
		}
	}
	if len(paths) > 0 {
		slog.Info("retention cleanup completed",
			slog.Int("jobs_deleted", len(paths)),
			slog.Int("artifacts_removed", removed),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

// RunPeriodic runs cleanup on the given interval until ctx is done.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("retention cleanup failed", slog.Any("error", err))
			}
		}
	}
}
