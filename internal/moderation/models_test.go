package moderation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActionTypeVerb(t *testing.T) {
	assert.Equal(t, "blocked", ActionBlock.Verb(false))
	assert.Equal(t, "unblocked", ActionBlock.Verb(true))
	assert.Equal(t, "muted", ActionMute.Verb(false))
	assert.Equal(t, "unmuted", ActionMute.Verb(true))
}

func TestTempEntryExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, TempEntry{ExpiresAt: now.Add(-time.Second)}.Expired(now))
	assert.True(t, TempEntry{ExpiresAt: now}.Expired(now), "exact expiry counts as expired")
	assert.False(t, TempEntry{ExpiresAt: now.Add(time.Second)}.Expired(now))
}

func TestOptionsNormalize(t *testing.T) {
	assert.Equal(t, 1, Options{CheckIntervalMinutes: 0}.Normalize().CheckIntervalMinutes)
	assert.Equal(t, 1, Options{CheckIntervalMinutes: -3}.Normalize().CheckIntervalMinutes)
	assert.Equal(t, 10, Options{CheckIntervalMinutes: 99}.Normalize().CheckIntervalMinutes)
	assert.Equal(t, 5, Options{CheckIntervalMinutes: 5}.Normalize().CheckIntervalMinutes)
	assert.Equal(t, 0, Options{ContextRetentionDays: -1}.Normalize().ContextRetentionDays)
}
