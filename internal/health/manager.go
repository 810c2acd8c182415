// Package health runs the periodic maintenance checks of a running peer:
// registry purging, session service reachability and status reports.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netsession/internal/config"
	"github.com/energizer-project/netsession/internal/connection"
	"github.com/energizer-project/netsession/internal/events"
	"github.com/energizer-project/netsession/internal/metrics"
	"github.com/energizer-project/netsession/internal/util"
)

// StatusSource provides the connection view included in status reports.
type StatusSource interface {
	Snapshot() connection.Snapshot
}

// Purger drops stale disconnected players.
type Purger interface {
	PurgeStale(maxAge time.Duration) int
}

// Pinger checks that the session service answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusReport is published on EventStatusReport.
type StatusReport struct {
	Connection       connection.Snapshot `json:"connection"`
	Resources        util.ResourceUsage  `json:"resources"`
	ServiceReachable *bool               `json:"service_reachable,omitempty"`
	Timestamp        int64               `json:"timestamp"`
}

// Manager runs the periodic checks. Pinger may be nil when no session
// service is configured.
type Manager struct {
	timers   config.TimerConfig
	eventBus *events.EventBus
	status   StatusSource
	purger   Purger
	pinger   Pinger
	logger   zerolog.Logger

	mu        sync.Mutex
	reachable *bool
}

// NewManager creates a health manager.
func NewManager(timers config.TimerConfig, eventBus *events.EventBus, status StatusSource, purger Purger, pinger Pinger) *Manager {
	return &Manager{
		timers:   timers,
		eventBus: eventBus,
		status:   status,
		purger:   purger,
		pinger:   pinger,
		logger:   util.ComponentLogger("health"),
	}
}

// Start launches every check with a positive interval and blocks until ctx
// is done.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"registry_purge", m.timers.RegistryPurgeInterval, m.purgeRegistry},
		{"service_ping", m.timers.ServicePingInterval, m.pingService},
		{"status_report", m.timers.StatusInterval, m.publishStatus},
	}

	var wg sync.WaitGroup
	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			m.logger.Debug().Str("check", check.name).Msg("running initial check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health manager started")
	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health manager stopped")
}

func (m *Manager) purgeRegistry(context.Context) {
	if m.purger == nil || m.timers.PlayerStaleAfter <= 0 {
		return
	}
	removed := m.purger.PurgeStale(time.Duration(m.timers.PlayerStaleAfter) * time.Second)
	if removed > 0 {
		metrics.AddPurgedPlayers(removed)
		m.logger.Info().Int("removed", removed).Msg("purged stale players")
	}
}

func (m *Manager) pingService(ctx context.Context) {
	if m.pinger == nil {
		return
	}
	err := m.pinger.Ping(ctx)
	ok := err == nil
	if !ok {
		m.logger.Warn().Err(err).Msg("session service unreachable")
	}
	metrics.SetServiceReachable(ok)

	m.mu.Lock()
	m.reachable = &ok
	m.mu.Unlock()
}

// Report builds a status report from the current state.
func (m *Manager) Report() StatusReport {
	report := StatusReport{Timestamp: time.Now().Unix()}
	if m.status != nil {
		report.Connection = m.status.Snapshot()
	}
	usage, err := util.GetResourceUsage()
	if err != nil {
		m.logger.Debug().Err(err).Msg("failed to sample resource usage")
	}
	report.Resources = usage

	m.mu.Lock()
	if m.reachable != nil {
		v := *m.reachable
		report.ServiceReachable = &v
	}
	m.mu.Unlock()
	return report
}

func (m *Manager) publishStatus(ctx context.Context) {
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventStatusReport,
		Source:  "health",
		Payload: m.Report(),
	})
}
