package memory

import (
	"encoding/json"
	"time"

	"github.com/avvvet/chatcapture/internal/models"
	"github.com/m-mizutani/goerr/v2"
)

// Eviction stages, in the order Reconcile escalates through them
const (
	StageNone       = -1
	StageFieldCaps  = 0
	StageAgeShape   = 1
	StageAggressive = 2
	StageWipe       = 3
)

// Caps bounds the shape of a State. Zero means unbounded.
type Caps struct {
	Conversations int
	Messages      int
	MessageChars  int
	DraftChars    int
	OptionChars   int
	ListItems     int
	ListItemChars int
}

// Limits configures Reconcile
type Limits struct {
	// Quota is the maximum serialized size in bytes
	Quota int
	// MaxAge expires conversations created longer ago
	MaxAge time.Duration
	// AggressiveFloor is the size above which the aggressive stage runs
	AggressiveFloor int
	Normal          Caps
	Aggressive      Caps
}

// DefaultLimits returns limits sized for a 100 KiB per-key quota
func DefaultLimits() Limits {
	return Limits{
		Quota:           100 * 1024,
		MaxAge:          24 * time.Hour,
		AggressiveFloor: 7 * 1024,
		Normal: Caps{
			Messages:      10,
			MessageChars:  500,
			DraftChars:    2000,
			OptionChars:   500,
			ListItems:     20,
			ListItemChars: 200,
		},
		Aggressive: Caps{
			Conversations: 5,
			Messages:      5,
			MessageChars:  200,
			DraftChars:    500,
			OptionChars:   100,
			ListItems:     5,
			ListItemChars: 100,
		},
	}
}

// Report describes what a reconcile pass did
type Report struct {
	Stage   int
	Before  int
	After   int
	Expired int
	Dropped int
	Fits    bool
}

// Size returns the serialized size of st in bytes
func Size(st *State) (int, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to marshal state")
	}
	return len(raw), nil
}

// Reconcile shrinks st until it serializes within limits.Quota, escalating
// through the field-cap, age/shape and aggressive stages and re-measuring
// after each. A state that already fits is returned as is. The input is
// never modified. The result may still be over quota when even the
// aggressive stage is not enough; Report.Fits tells.
func Reconcile(st *State, limits Limits, now time.Time) (*State, Report, error) {
	size, err := Size(st)
	if err != nil {
		return nil, Report{}, err
	}

	rep := Report{Stage: StageNone, Before: size, After: size}
	if size <= limits.Quota {
		rep.Fits = true
		return st, rep, nil
	}

	out := st.Clone()
	stages := []func(*State){
		func(s *State) { capFields(s, limits.Normal) },
		func(s *State) {
			rep.Expired += expire(s, limits.MaxAge, now)
			rep.Dropped += capShape(s, limits.Normal)
		},
		func(s *State) {
			capFields(s, limits.Aggressive)
			rep.Dropped += capShape(s, limits.Aggressive)
		},
	}

	for stage, apply := range stages {
		if stage == StageAggressive && size <= limits.AggressiveFloor {
			break
		}
		apply(out)
		rep.Stage = stage

		if size, err = Size(out); err != nil {
			return nil, Report{}, err
		}
		if size <= limits.Quota {
			break
		}
	}

	rep.After = size
	rep.Fits = size <= limits.Quota
	return out, rep, nil
}

// Wipe discards every conversation, the draft and all options. Catalogued
// lists survive, minus references to the dropped conversations.
func Wipe(st *State) *State {
	out := st.Clone()
	out.Conversations = make(map[string]*models.Conversation)
	out.Draft = ""
	out.Options = nil
	out.pruneRecent()
	return out
}

func capFields(s *State, caps Caps) {
	s.Draft = truncate(s.Draft, caps.DraftChars)
	for k, v := range s.Options {
		s.Options[k] = truncate(v, caps.OptionChars)
	}
}

func expire(s *State, maxAge time.Duration, now time.Time) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-maxAge).UnixMilli()
	n := 0
	for k, c := range s.Conversations {
		created := createdAt(c)
		if created > 0 && created < cutoff {
			delete(s.Conversations, k)
			n++
		}
	}
	s.pruneRecent()
	return n
}

func createdAt(c *models.Conversation) int64 {
	switch {
	case c.CreatedAt > 0:
		return c.CreatedAt
	case len(c.Messages) > 0 && c.Messages[0].Timestamp > 0:
		return c.Messages[0].Timestamp
	default:
		return c.LastUpdated
	}
}

func capShape(s *State, caps Caps) int {
	dropped := 0
	if caps.Conversations > 0 && len(s.Conversations) > caps.Conversations {
		for _, k := range s.keysByRecency()[caps.Conversations:] {
			delete(s.Conversations, k)
			dropped++
		}
	}

	for _, c := range s.Conversations {
		if caps.Messages > 0 && len(c.Messages) > caps.Messages {
			c.Messages = append([]models.Message(nil), c.Messages[len(c.Messages)-caps.Messages:]...)
		}
		for i := range c.Messages {
			c.Messages[i].Content = truncate(c.Messages[i].Content, caps.MessageChars)
		}
	}

	for name, items := range s.Lists {
		if caps.ListItems > 0 && len(items) > caps.ListItems {
			items = items[:caps.ListItems]
		}
		// recent holds conversation keys, which must stay intact to resolve
		if name != RecentList {
			for i := range items {
				items[i] = truncate(items[i], caps.ListItemChars)
			}
		}
		s.Lists[name] = items
	}
	s.pruneRecent()
	return dropped
}

// truncate cuts s to at most n runes; n <= 0 leaves s alone
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
