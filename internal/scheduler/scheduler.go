// Package scheduler runs the daily maintenance of a peer: log pruning,
// player database compaction and a player count summary.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netsession/internal/config"
	"github.com/energizer-project/netsession/internal/events"
	"github.com/energizer-project/netsession/internal/util"
)

// PlayerStore is the persisted registry as seen by maintenance.
type PlayerStore interface {
	Compact() error
	CountPlayers() (total, connected int, err error)
}

// Scheduler manages the daily maintenance run.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	store    PlayerStore
	logger   zerolog.Logger

	now func() time.Time
}

// NewScheduler creates a scheduler. store may be nil when the registry is
// not persisted.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, store PlayerStore) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		store:    store,
		logger:   util.ComponentLogger("scheduler"),
		now:      time.Now,
	}
}

// Start runs maintenance at the configured time of day until ctx is done.
// An empty maintenance time disables the schedule.
func (s *Scheduler) Start(ctx context.Context) {
	at := s.cfg.GetTimers().MaintenanceTime
	if at == "" {
		s.logger.Info().Msg("daily maintenance disabled")
		return
	}
	hour, minute, err := config.ParseTimeOfDay(at)
	if err != nil {
		s.logger.Error().Err(err).Msg("daily maintenance not scheduled")
		return
	}

	s.logger.Info().Str("at", at).Msg("scheduler started")
	for {
		next := nextRun(s.now(), hour, minute)
		s.logger.Debug().Time("next_run", next).Msg("maintenance scheduled")

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
			s.RunMaintenance(ctx)
		}
	}
}

// RunMaintenance performs one maintenance pass and publishes its summary.
func (s *Scheduler) RunMaintenance(ctx context.Context) events.MaintenancePayload {
	start := s.now()
	var report events.MaintenancePayload

	logging := s.cfg.GetLogging()
	report.LogsRemoved = util.CleanOldLogs(logging.Directory, logging.MaxBackups)

	if s.store != nil {
		dbPath := s.cfg.GetDatabase().Path
		before := fileSize(dbPath)
		if err := s.store.Compact(); err != nil {
			s.logger.Warn().Err(err).Msg("database compaction failed")
		}
		freed := before - fileSize(dbPath)
		if freed < 0 {
			freed = 0
		}
		report.DatabaseFreed = formatBytes(freed)

		total, connected, err := s.store.CountPlayers()
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to count players")
		}
		report.Players, report.ConnectedPlayers = total, connected
	}

	s.logger.Info().
		Int("logs_removed", report.LogsRemoved).
		Str("database_freed", report.DatabaseFreed).
		Int("players", report.Players).
		Int("connected_players", report.ConnectedPlayers).
		Dur("duration", s.now().Sub(start)).
		Msg("daily maintenance completed")

	if s.eventBus != nil {
		s.eventBus.Emit(ctx, events.Event{
			Type:    events.EventMaintenance,
			Source:  "scheduler",
			Payload: report,
		})
	}
	return report
}

// nextRun returns the first hour:minute strictly after now.
func nextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
