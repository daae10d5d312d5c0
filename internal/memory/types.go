package memory

import (
	"context"
	"errors"
	"sort"

	"github.com/avvvet/chatcapture/internal/models"
)

var (
	// ErrQuotaExceeded is returned by a Backend when a value is larger than
	// its per-key byte limit
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrKeyNotFound is returned by Backend.Get for unknown keys
	ErrKeyNotFound = errors.New("key not found")
	// ErrConversationNotFound is returned when a conversation is not stored
	ErrConversationNotFound = errors.New("conversation not found")
)

// RecentList is the catalogued list of conversation keys, most recently
// updated first
const RecentList = "recent"

// Backend is a flat key to blob store. Set may fail with ErrQuotaExceeded.
// This allows us to swap between Redis, bbolt, Cloud Storage or in-memory.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// State is everything persisted under one store key
type State struct {
	Conversations map[string]*models.Conversation `json:"conversations"`
	Draft         string                          `json:"draft,omitempty"`
	Options       map[string]string               `json:"options,omitempty"`
	Lists         map[string][]string             `json:"lists,omitempty"`
}

// NewState returns an empty state
func NewState() *State {
	return &State{
		Conversations: make(map[string]*models.Conversation),
	}
}

// Clone returns a deep copy
func (s *State) Clone() *State {
	out := &State{
		Conversations: make(map[string]*models.Conversation, len(s.Conversations)),
		Draft:         s.Draft,
	}
	for k, c := range s.Conversations {
		if c == nil {
			continue
		}
		cp := *c
		cp.Messages = append([]models.Message(nil), c.Messages...)
		out.Conversations[k] = &cp
	}
	if s.Options != nil {
		out.Options = make(map[string]string, len(s.Options))
		for k, v := range s.Options {
			out.Options[k] = v
		}
	}
	if s.Lists != nil {
		out.Lists = make(map[string][]string, len(s.Lists))
		for k, v := range s.Lists {
			out.Lists[k] = append([]string(nil), v...)
		}
	}
	return out
}

// Sorted returns conversations most recently updated first. Ties are broken
// by key so the order is deterministic.
func (s *State) Sorted() []*models.Conversation {
	keys := s.keysByRecency()
	out := make([]*models.Conversation, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.Conversations[k])
	}
	return out
}

func (s *State) keysByRecency() []string {
	keys := make([]string, 0, len(s.Conversations))
	for k, c := range s.Conversations {
		if c != nil {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.Conversations[keys[i]], s.Conversations[keys[j]]
		if a.LastUpdated != b.LastUpdated {
			return a.LastUpdated > b.LastUpdated
		}
		return keys[i] < keys[j]
	})
	return keys
}

// touchRecent moves key to the front of the recent list
func (s *State) touchRecent(key string) {
	if s.Lists == nil {
		s.Lists = make(map[string][]string)
	}
	recent := []string{key}
	for _, k := range s.Lists[RecentList] {
		if k != key {
			recent = append(recent, k)
		}
	}
	s.Lists[RecentList] = recent
}

// pruneRecent drops recent entries whose conversation is gone
func (s *State) pruneRecent() {
	recent, ok := s.Lists[RecentList]
	if !ok {
		return
	}
	kept := recent[:0]
	for _, k := range recent {
		if _, ok := s.Conversations[k]; ok {
			kept = append(kept, k)
		}
	}
	s.Lists[RecentList] = kept
}
