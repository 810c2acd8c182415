package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeService is an in-memory Service. Errors queued in fail[op] are
// returned, one per call, before the operation is attempted.
type fakeService struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byCode   map[string]string
	calls    map[string]int
	fail     map[string][]error
	nextID   int
}

func newFakeService() *fakeService {
	return &fakeService{
		sessions: make(map[string]*Session),
		byCode:   make(map[string]string),
		calls:    make(map[string]int),
		fail:     make(map[string][]error),
	}
}

func (s *fakeService) failNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = append(s.fail[op], errs...)
}

func (s *fakeService) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeService) begin(op string) error {
	s.calls[op]++
	if q := s.fail[op]; len(q) > 0 {
		s.fail[op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *fakeService) CreateSession(_ context.Context, opts CreateOptions) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpCreate); err != nil {
		return nil, err
	}
	s.nextID++
	sess := &Session{
		ID:          fmt.Sprintf("s%d", s.nextID),
		Name:        opts.Name,
		JoinCode:    fmt.Sprintf("CODE%d", s.nextID),
		HostID:      opts.Host.ID,
		MaxPlayers:  opts.MaxPlayers,
		IsPrivate:   opts.IsPrivate,
		Players:     []Player{opts.Host},
		Data:        map[string]string{},
		LastUpdated: time.Now(),
	}
	s.sessions[sess.ID] = sess
	s.byCode[sess.JoinCode] = sess.ID
	return sess.Clone(), nil
}

func (s *fakeService) join(op, id string, p Player) (*Session, error) {
	if err := s.begin(op); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, &ServiceError{Op: op, Kind: KindNotFound, Status: 404, Err: fmt.Errorf("no session %s", id)}
	}
	if !sess.HasPlayer(p.ID) {
		sess.Players = append(sess.Players, p)
	}
	return sess.Clone(), nil
}

func (s *fakeService) JoinSessionByCode(_ context.Context, code string, p Player) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.join(OpJoinByCode, s.byCode[code], p)
}

func (s *fakeService) JoinSessionByID(_ context.Context, id string, p Player) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.join(OpJoinByID, id, p)
}

func (s *fakeService) QuickJoin(_ context.Context, p Player) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if !sess.IsPrivate && len(sess.Players) < sess.MaxPlayers {
			return s.join(OpQuickJoin, id, p)
		}
	}
	s.calls[OpQuickJoin]++
	return nil, &ServiceError{Op: OpQuickJoin, Kind: KindNotFound, Err: fmt.Errorf("no open session")}
}

func (s *fakeService) ReconnectToSession(_ context.Context, id, playerID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.join(OpReconnect, id, Player{ID: playerID})
}

func (s *fakeService) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpGet); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, &ServiceError{Op: OpGet, Kind: KindNotFound, Err: fmt.Errorf("no session %s", id)}
	}
	return sess.Clone(), nil
}

func (s *fakeService) QuerySessions(context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpQuery); err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess.Clone())
	}
	return out, nil
}

func (s *fakeService) RemovePlayer(_ context.Context, sessionID, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpRemovePlayer); err != nil {
		return err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return &ServiceError{Op: OpRemovePlayer, Kind: KindNotFound, Err: fmt.Errorf("no session %s", sessionID)}
	}
	kept := sess.Players[:0]
	for _, p := range sess.Players {
		if p.ID != playerID {
			kept = append(kept, p)
		}
	}
	sess.Players = kept
	return nil
}

func (s *fakeService) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpDelete); err != nil {
		return err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return &ServiceError{Op: OpDelete, Kind: KindNotFound, Err: fmt.Errorf("no session %s", id)}
	}
	delete(s.byCode, sess.JoinCode)
	delete(s.sessions, id)
	return nil
}

func (s *fakeService) UpdatePlayer(_ context.Context, sessionID, playerID string, data map[string]string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpUpdatePlayer); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, &ServiceError{Op: OpUpdatePlayer, Kind: KindNotFound, Err: fmt.Errorf("no session %s", sessionID)}
	}
	for i := range sess.Players {
		if sess.Players[i].ID != playerID {
			continue
		}
		if sess.Players[i].Data == nil {
			sess.Players[i].Data = map[string]string{}
		}
		for k, v := range data {
			sess.Players[i].Data[k] = v
		}
	}
	return sess.Clone(), nil
}

func (s *fakeService) UpdateSession(_ context.Context, sessionID string, data map[string]string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpUpdateData); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, &ServiceError{Op: OpUpdateData, Kind: KindNotFound, Err: fmt.Errorf("no session %s", sessionID)}
	}
	for k, v := range data {
		sess.Data[k] = v
	}
	return sess.Clone(), nil
}

func (s *fakeService) Heartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpHeartbeat); err != nil {
		return err
	}
	if _, ok := s.sessions[id]; !ok {
		return &ServiceError{Op: OpHeartbeat, Kind: KindNotFound, Err: fmt.Errorf("no session %s", id)}
	}
	return nil
}

// dropHost removes the host from the player list without deleting the session.
func (s *fakeService) dropHost(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	kept := sess.Players[:0]
	for _, p := range sess.Players {
		if p.ID != sess.HostID {
			kept = append(kept, p)
		}
	}
	sess.Players = kept
}

func (s *fakeService) hasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// fakeClock is a manually advanced clock for cooldown tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func rateLimited(op string) error {
	return &ServiceError{Op: op, Kind: KindRateLimited, Status: 429, Err: fmt.Errorf("too many requests")}
}
