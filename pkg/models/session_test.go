package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := &Session{ID: "s1", ExpiresAt: now.Add(time.Hour)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(2*time.Hour)))

	// Zero expiry never expires.
	s2 := &Session{ID: "s2"}
	assert.False(t, s2.Expired(now.Add(100*time.Hour)))
}

func TestSessionAppendHistoryTrims(t *testing.T) {
	s := &Session{ID: "s1"}
	for i := 0; i < 10; i++ {
		s.AppendHistory("u", "a", 6)
	}
	assert.Len(t, s.History, 6)
	assert.Equal(t, "user", s.History[0].Role)
	assert.Equal(t, "assistant", s.History[5].Role)
}

func TestSessionHasInline(t *testing.T) {
	s := &Session{InlineFingerprints: []string{"abc", "def"}}
	assert.True(t, s.HasInline("abc"))
	assert.False(t, s.HasInline("xyz"))
}
