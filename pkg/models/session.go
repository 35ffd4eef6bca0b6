package models

import "time"

// ContinuationKind names the provider-native dialect of a continuation token.
// OpenAI-family responses resume from a response id, Codex-style local agents
// from a thread id; families that cannot resume server-side use KindNone and
// rely on the compacted history.
type ContinuationKind string

const (
	ContinuationNone       ContinuationKind = "none"
	ContinuationResponseID ContinuationKind = "response_id"
	ContinuationThreadID   ContinuationKind = "thread_id"
)

// HistoryMessage is one entry of a session's compacted message history.
type HistoryMessage struct {
	Role string `json:"role"` // user or assistant
	Text string `json:"text"`
}

// Session is the persistent continuity record for a client-chosen session id.
// It is shared across provider families: the compacted history survives a
// family switch, the continuation token does not.
type Session struct {
	ID                 string           `json:"id"`
	ProviderFamily     string           `json:"provider_family"`
	ContinuationKind   ContinuationKind `json:"continuation_kind"`
	ContinuationToken  string           `json:"continuation_token,omitempty"`
	History            []HistoryMessage `json:"history,omitempty"`
	VectorStoreID      string           `json:"vector_store_id,omitempty"`
	InlineFingerprints []string         `json:"inline_fingerprints,omitempty"`
	LastSeen           time.Time        `json:"last_seen"`
	ExpiresAt          time.Time        `json:"expires_at"`
}

// Expired reports whether the session's TTL has elapsed at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// HasInline reports whether a content hash is in the stable inline set.
func (s *Session) HasInline(hash string) bool {
	for _, h := range s.InlineFingerprints {
		if h == hash {
			return true
		}
	}
	return false
}

// AppendHistory adds a user/assistant exchange, trimming the oldest entries
// when the history exceeds max entries. Zero or negative max keeps everything.
func (s *Session) AppendHistory(userText, assistantText string, max int) {
	s.History = append(s.History,
		HistoryMessage{Role: "user", Text: userText},
		HistoryMessage{Role: "assistant", Text: assistantText},
	)
	if max > 0 && len(s.History) > max {
		s.History = s.History[len(s.History)-max:]
	}
}
