// Package maintenance purges conversation history past its retention window
// and sweeps table objects left behind by failed or replaced uploads.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shubhpsd/data-viz/internal/conversation"
	"github.com/shubhpsd/data-viz/internal/observability"
)

// Purger deletes turns created before cutoff and sessions idle since before
// cutoff. conversation.Store satisfies it.
type Purger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (conversation.DeleteResult, error)
}

// ObjectSweeper deletes stored objects no dataset references. dataset.Service
// satisfies it.
type ObjectSweeper interface {
	SweepOrphanedObjects(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Interval time.Duration
	MaxAge   time.Duration
	// OrphanGrace is how old an unreferenced object must be before it is
	// swept. Zero disables the sweep.
	OrphanGrace time.Duration
}

type Service struct {
	Store   Purger
	Objects ObjectSweeper
	Config  Config
	Logger  *slog.Logger
	Clock   func() time.Time
}

type RetentionSummary struct {
	Cutoff                 time.Time `json:"cutoff"`
	TurnsDeleted           int64     `json:"turns_deleted"`
	SessionsDeleted        int64     `json:"sessions_deleted"`
	OrphanedObjectsDeleted int64     `json:"orphaned_objects_deleted"`
}

// Run purges once immediately and then on every tick until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()
	if err := s.validate(); err != nil {
		return err
	}

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Service) runCycle(ctx context.Context) {
	summary, err := s.RunRetentionOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.Logger.ErrorContext(ctx, "retention cycle failed", slog.Any("error", err))
		return
	}
	s.Logger.InfoContext(ctx, "retention cycle completed", slog.Any("summary", summary))
}

func (s *Service) RunRetentionOnce(ctx context.Context) (RetentionSummary, error) {
	s.ensureDefaults()
	if err := s.validate(); err != nil {
		return RetentionSummary{}, err
	}

	now := s.Clock().UTC()
	cutoff := now.Add(-s.Config.MaxAge)
	summary := RetentionSummary{Cutoff: cutoff}
	deleted, err := s.Store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return summary, fmt.Errorf("delete conversations older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	summary.TurnsDeleted = deleted.Turns
	summary.SessionsDeleted = deleted.Sessions
	observability.ObserveRetentionDeleted("turns", deleted.Turns)
	observability.ObserveRetentionDeleted("sessions", deleted.Sessions)

	if s.Objects != nil && s.Config.OrphanGrace > 0 {
		swept, err := s.Objects.SweepOrphanedObjects(ctx, now.Add(-s.Config.OrphanGrace))
		summary.OrphanedObjectsDeleted = swept
		observability.ObserveRetentionDeleted("objects", swept)
		if err != nil {
			return summary, fmt.Errorf("sweep orphaned objects: %w", err)
		}
	}
	return summary, nil
}

func (s *Service) validate() error {
	if s.Store == nil {
		return fmt.Errorf("conversation store is required")
	}
	if s.Config.MaxAge <= 0 {
		return fmt.Errorf("retention max age must be > 0")
	}
	return nil
}

func (s *Service) ensureDefaults() {
	if s.Config.Interval <= 0 {
		s.Config.Interval = time.Hour
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
}
