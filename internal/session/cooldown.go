package session

import (
	"sync"
	"time"
)

// RateLimitCooldown gates one remote operation. It is tripped explicitly
// when the service reports a quota violation and permits calls again once
// the cooldown has elapsed.
type RateLimitCooldown struct {
	mu       sync.Mutex
	cooldown time.Duration
	expiry   time.Time
	now      func() time.Time
}

// NewRateLimitCooldown creates an untripped cooldown.
func NewRateLimitCooldown(cooldown time.Duration, now func() time.Time) *RateLimitCooldown {
	if now == nil {
		now = time.Now
	}
	return &RateLimitCooldown{cooldown: cooldown, now: now}
}

// CanCall reports whether no cooldown is active.
func (c *RateLimitCooldown) CanCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiry.IsZero() || !c.now().Before(c.expiry)
}

// PutOnCooldown starts a new cooldown window from now.
func (c *RateLimitCooldown) PutOnCooldown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiry = c.now().Add(c.cooldown)
}

// Remaining returns how long until calls are permitted again.
func (c *RateLimitCooldown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expiry.IsZero() {
		return 0
	}
	if d := c.expiry.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

// Cooldown returns the configured window.
func (c *RateLimitCooldown) Cooldown() time.Duration {
	return c.cooldown
}
