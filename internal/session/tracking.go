package session

import (
	"context"
	"time"

	"github.com/energizer-project/netsession/internal/events"
)

type tracker struct {
	cancel context.CancelFunc
}

// BeginTracking starts the background heartbeat (host) and the session
// poll that detects a departed host (client). It is a no-op without a
// current session or when already tracking.
func (f *Facade) BeginTracking() {
	f.mu.Lock()
	if f.current == nil {
		f.mu.Unlock()
		f.logger.Warn().Msg("begin tracking called without a session")
		return
	}
	if f.tracking != nil {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(f.rootCtx)
	t := &tracker{cancel: cancel}
	f.tracking = t
	s := f.current.Clone()
	host := f.isHost
	f.wg.Add(1)
	f.mu.Unlock()

	go f.track(ctx, t, host)

	f.logger.Info().Str("session", s.ID).Bool("host", host).Msg("session tracking started")
	f.publishTracked(s, host, true)
}

// IsTracking reports whether the background loop is running.
func (f *Facade) IsTracking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracking != nil
}

// EndTracking stops tracking, clears the current session and then deletes
// it (host) or leaves it (client). The local view is cleared before the
// remote call is made.
func (f *Facade) EndTracking(ctx context.Context) error {
	s, host := f.detach(nil)
	if s == nil {
		return nil
	}
	return f.cleanupRemote(ctx, s, host)
}

// EndTrackingAsync is EndTracking with the remote call moved to a
// background goroutine. The current session is cleared before it returns.
func (f *Facade) EndTrackingAsync() {
	f.endTrackingAsync(nil)
}

func (f *Facade) endTrackingAsync(only *tracker) {
	s, host := f.detach(only)
	if s == nil {
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		timeout := f.opts.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := f.cleanupRemote(ctx, s, host); err != nil {
			f.logger.Debug().Err(err).Str("session", s.ID).Msg("session cleanup failed")
		}
	}()
}

// detach clears the current session and stops its tracker. When only is
// set, nothing happens unless that tracker is still the active one.
func (f *Facade) detach(only *tracker) (*Session, bool) {
	f.mu.Lock()
	if only != nil && f.tracking != only {
		f.mu.Unlock()
		return nil, false
	}
	s, host, t := f.current, f.isHost, f.tracking
	f.current, f.isHost, f.tracking = nil, false, nil
	f.mu.Unlock()

	if t != nil {
		t.cancel()
	}
	if s != nil {
		f.logger.Info().Str("session", s.ID).Bool("host", host).Msg("session tracking ended")
		f.publishTracked(s, host, false)
	}
	return s, host
}

func (f *Facade) cleanupRemote(ctx context.Context, s *Session, host bool) error {
	if f.svc == nil {
		return nil
	}
	if host {
		return f.deleteSession(ctx, s.ID, true)
	}
	return f.removePlayer(ctx, OpLeave, s.ID, f.LocalPlayer().ID)
}

func (f *Facade) track(ctx context.Context, t *tracker, host bool) {
	defer f.wg.Done()

	var heartbeat <-chan time.Time
	if host {
		hb := time.NewTicker(f.opts.HeartbeatInterval)
		defer hb.Stop()
		heartbeat = hb.C
	}
	poll := time.NewTicker(f.opts.HostPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat:
			_ = f.Heartbeat(ctx)
		case <-poll.C:
			if f.checkSession(ctx, t, host) {
				return
			}
		}
	}
}

// checkSession refreshes the session and reports whether tracking ended.
func (f *Facade) checkSession(ctx context.Context, t *tracker, host bool) bool {
	s, err := f.GetSession(ctx)
	if err != nil {
		if ctx.Err() == nil && !host && KindOf(err) == KindNotFound {
			f.logger.Info().Msg("tracked session disappeared")
			f.detach(t)
			return true
		}
		return false
	}
	if ctx.Err() != nil {
		return true
	}

	if !host && !s.HasPlayer(s.HostID) {
		f.logger.Warn().Str("session", s.ID).Msg("host left the session")
		f.PublishError("Host left the session", "Disconnecting.", OpGet, KindOther, nil)
		f.endTrackingAsync(t)
		return true
	}
	return false
}

func (f *Facade) publishTracked(s *Session, host, tracking bool) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(f.rootCtx, events.Event{
		Type:   events.EventSessionTracked,
		Source: "session",
		Payload: events.SessionTrackedPayload{
			SessionID: s.ID,
			JoinCode:  s.JoinCode,
			IsHost:    host,
			Tracking:  tracking,
		},
	})
}
