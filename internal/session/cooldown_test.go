package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitCooldown(t *testing.T) {
	clock := newFakeClock()
	cd := NewRateLimitCooldown(3*time.Second, clock.Now)

	assert.True(t, cd.CanCall(), "fresh cooldown permits calls")
	assert.Zero(t, cd.Remaining())

	cd.PutOnCooldown()
	assert.False(t, cd.CanCall())
	assert.Equal(t, 3*time.Second, cd.Remaining())

	clock.Advance(2999 * time.Millisecond)
	assert.False(t, cd.CanCall())

	clock.Advance(time.Millisecond)
	assert.True(t, cd.CanCall(), "expiry instant permits calls")
	assert.Zero(t, cd.Remaining())
}

func TestRateLimitCooldownRestartsWindow(t *testing.T) {
	clock := newFakeClock()
	cd := NewRateLimitCooldown(time.Second, clock.Now)

	cd.PutOnCooldown()
	clock.Advance(800 * time.Millisecond)
	cd.PutOnCooldown()
	clock.Advance(800 * time.Millisecond)

	assert.False(t, cd.CanCall())
	assert.Equal(t, 200*time.Millisecond, cd.Remaining())
}
