package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avvvet/chatcapture/internal/logging"
	"github.com/avvvet/chatcapture/internal/models"
	"github.com/m-mizutani/goerr/v2"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/memory"
)

const (
	// DefaultKey is the store key the whole state lives under
	DefaultKey = "chat_history"
	// DefaultMaxMessagesPerConversation caps stored messages, oldest dropped first
	DefaultMaxMessagesPerConversation = 50
	// DefaultMergeWindow bounds how far apart two id-less copies of the same
	// content may be timestamped and still count as one message
	DefaultMergeWindow = 10 * time.Second
	// contentKeyRunes is how much content identifies a stored message; it
	// stays below every message cap so truncated copies still match
	contentKeyRunes = 100
)

// Manager owns the persisted state: it merges relayed batches into
// conversations and keeps the serialized state within the backend quota.
// A Manager assumes it is the only writer of its key.
type Manager struct {
	backend     Backend
	key         string
	limits      Limits
	maxMessages int
	mergeWindow time.Duration
	now         func() time.Time

	mu sync.Mutex
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithKey sets the store key
func WithKey(key string) ManagerOption {
	return func(m *Manager) {
		if key != "" {
			m.key = key
		}
	}
}

// WithLimits sets the eviction limits
func WithLimits(limits Limits) ManagerOption {
	return func(m *Manager) {
		m.limits = limits
	}
}

// WithMaxMessages sets the per-conversation message cap
func WithMaxMessages(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxMessages = n
		}
	}
}

// WithMergeWindow sets the timestamp distance within which a message
// without a source id matches a stored message with the same content
func WithMergeWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.mergeWindow = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a new memory manager
func NewManager(backend Backend, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend:     backend,
		key:         DefaultKey,
		limits:      DefaultLimits(),
		maxMessages: DefaultMaxMessagesPerConversation,
		mergeWindow: DefaultMergeWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limits returns the eviction limits in use
func (m *Manager) Limits() Limits { return m.limits }

// Load reads the stored state; a missing key yields an empty state
func (m *Manager) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

func (m *Manager) load(ctx context.Context) (*State, error) {
	raw, err := m.backend.Get(ctx, m.key)
	if errors.Is(err, ErrKeyNotFound) {
		return NewState(), nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load state", goerr.V("key", m.key))
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, goerr.Wrap(err, "failed to parse state", goerr.V("key", m.key))
	}
	if st.Conversations == nil {
		st.Conversations = make(map[string]*models.Conversation)
	}
	return &st, nil
}

// Save reconciles st and writes it. When the backend still rejects the
// write as over quota, all conversations, the draft and options are
// discarded and the write is retried exactly once. The persisted state is
// returned.
func (m *Manager) Save(ctx context.Context, st *State) (*State, Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(ctx, st)
}

func (m *Manager) save(ctx context.Context, st *State) (*State, Report, error) {
	logger := logging.From(ctx)

	reconciled, rep, err := Reconcile(st, m.limits, m.now())
	if err != nil {
		return nil, rep, err
	}
	if rep.Stage != StageNone {
		logger.Info("state reconciled",
			"stage", rep.Stage,
			"before", rep.Before,
			"after", rep.After,
			"expired", rep.Expired,
			"dropped", rep.Dropped,
		)
	}

	err = m.write(ctx, reconciled)
	if err == nil {
		return reconciled, rep, nil
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		return nil, rep, err
	}

	logger.Warn("quota exceeded after reconcile, discarding conversations",
		"size", rep.After,
		"quota", m.limits.Quota,
		"conversations", len(reconciled.Conversations),
	)
	wiped := Wipe(reconciled)
	rep.Stage = StageWipe
	rep.Dropped += len(reconciled.Conversations)

	if err := m.write(ctx, wiped); err != nil {
		return nil, rep, goerr.Wrap(err, "write failed after discarding conversations", goerr.V("key", m.key))
	}
	if rep.After, err = Size(wiped); err != nil {
		return nil, rep, err
	}
	rep.Fits = true
	return wiped, rep, nil
}

func (m *Manager) write(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal state")
	}
	if err := m.backend.Set(ctx, m.key, raw); err != nil {
		return goerr.Wrap(err, "failed to write state", goerr.V("key", m.key), goerr.V("size", len(raw)))
	}
	return nil
}

// Apply merges a relayed batch into its conversation and saves the state.
// A message is skipped when its id is already stored. Messages without a
// source id are also skipped when a stored message with the same role and
// content was captured within the merge window.
func (m *Manager) Apply(ctx context.Context, env *models.Envelope) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(ctx)
	if err != nil {
		return Report{Stage: StageNone}, err
	}

	now := m.now().UnixMilli()
	key := models.ConversationKey(env.Platform, env.ConversationID)
	conv, exists := st.Conversations[key]
	if !exists {
		conv = &models.Conversation{
			ID:        env.ConversationID,
			Platform:  env.Platform,
			CreatedAt: now,
		}
		st.Conversations[key] = conv
	}
	if env.URL != "" {
		conv.URL = env.URL
	}

	added := merge(conv, env.Messages, m.mergeWindow.Milliseconds())
	if added == 0 {
		logging.From(ctx).Debug("batch already stored", "conversation", key)
		return Report{Stage: StageNone, Fits: true}, nil
	}
	if over := len(conv.Messages) - m.maxMessages; over > 0 {
		conv.Messages = append([]models.Message(nil), conv.Messages[over:]...)
	}
	conv.LastUpdated = now
	st.touchRecent(key)

	_, rep, err := m.save(ctx, st)
	if err != nil {
		return rep, err
	}
	logging.From(ctx).Debug("batch stored",
		"conversation", key,
		"added", added,
		"total", len(conv.Messages),
	)
	return rep, nil
}

func contentKey(msg models.Message) string {
	return string(msg.Role) + "\x00" + truncate(msg.Content, contentKeyRunes)
}

// merge appends incoming messages that are not stored yet, in order.
// Source ids are authoritative; content matching only applies to messages
// that came without one, and only within windowMs of the stored copy.
func merge(conv *models.Conversation, incoming []models.Message, windowMs int64) int {
	ids := make(map[string]struct{}, len(conv.Messages))
	seen := make(map[string][]int64, len(conv.Messages))
	for _, msg := range conv.Messages {
		if msg.ID != "" {
			ids[msg.ID] = struct{}{}
		}
		ck := contentKey(msg)
		seen[ck] = append(seen[ck], msg.Timestamp)
	}

	added := 0
	for _, msg := range incoming {
		if !msg.Role.Valid() || msg.Content == "" {
			continue
		}
		if _, ok := ids[msg.ID]; ok && msg.ID != "" {
			continue
		}
		ck := contentKey(msg)
		if !msg.HasSourceID() && capturedWithin(seen[ck], msg.Timestamp, windowMs) {
			continue
		}

		conv.Messages = append(conv.Messages, msg)
		if msg.ID != "" {
			ids[msg.ID] = struct{}{}
		}
		seen[ck] = append(seen[ck], msg.Timestamp)
		added++
	}
	return added
}

func capturedWithin(stamps []int64, ts, windowMs int64) bool {
	for _, s := range stamps {
		d := ts - s
		if d < 0 {
			d = -d
		}
		if d <= windowMs {
			return true
		}
	}
	return false
}

// Reconcile runs eviction on the stored state and writes it back when
// anything changed
func (m *Manager) Reconcile(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(ctx)
	if err != nil {
		return Report{Stage: StageNone}, err
	}

	_, rep, err := Reconcile(st, m.limits, m.now())
	if err != nil || rep.Stage == StageNone {
		return rep, err
	}
	_, rep, err = m.save(ctx, st)
	return rep, err
}

// Conversations returns stored conversations, most recently updated first
func (m *Manager) Conversations(ctx context.Context) ([]*models.Conversation, error) {
	st, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	return st.Sorted(), nil
}

// Conversation returns one stored conversation
func (m *Manager) Conversation(ctx context.Context, platform, id string) (*models.Conversation, error) {
	st, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	conv, ok := st.Conversations[models.ConversationKey(platform, id)]
	if !ok || conv == nil {
		return nil, goerr.Wrap(ErrConversationNotFound, "lookup failed",
			goerr.V("platform", platform),
			goerr.V("id", id),
		)
	}
	return conv, nil
}

// DeleteConversation removes a conversation from the state
func (m *Manager) DeleteConversation(ctx context.Context, platform, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(ctx)
	if err != nil {
		return err
	}
	key := models.ConversationKey(platform, id)
	if _, ok := st.Conversations[key]; !ok {
		return goerr.Wrap(ErrConversationNotFound, "delete failed", goerr.V("conversation", key))
	}
	delete(st.Conversations, key)
	st.pruneRecent()

	_, _, err = m.save(ctx, st)
	return err
}

// SetDraft stores the in-progress prompt draft
func (m *Manager) SetDraft(ctx context.Context, draft string) error {
	return m.update(ctx, func(st *State) { st.Draft = draft })
}

// SetOption stores one option value
func (m *Manager) SetOption(ctx context.Context, key, value string) error {
	return m.update(ctx, func(st *State) {
		if st.Options == nil {
			st.Options = make(map[string]string)
		}
		st.Options[key] = value
	})
}

func (m *Manager) update(ctx context.Context, fn func(*State)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(ctx)
	if err != nil {
		return err
	}
	fn(st)
	_, _, err = m.save(ctx, st)
	return err
}

// History loads a stored conversation into a LangChainGo conversation buffer
func (m *Manager) History(ctx context.Context, platform, id string) (*memory.ConversationBuffer, error) {
	conv, err := m.Conversation(ctx, platform, id)
	if err != nil {
		return nil, err
	}

	mem := memory.NewConversationBuffer()
	for _, msg := range conv.Messages {
		var chatMsg llms.ChatMessage

		switch msg.Role {
		case models.RoleUser:
			chatMsg = llms.HumanChatMessage{Content: msg.Content}
		case models.RoleAssistant:
			chatMsg = llms.AIChatMessage{Content: msg.Content}
		default:
			logging.From(ctx).Warn("unknown message role, skipping", "role", msg.Role)
			continue
		}

		if err := mem.ChatHistory.AddMessage(ctx, chatMsg); err != nil {
			return nil, goerr.Wrap(err, "failed to add message to memory")
		}
	}
	return mem, nil
}

// FormattedHistory returns a stored conversation as "User: ..." and
// "Assistant: ..." lines
func (m *Manager) FormattedHistory(ctx context.Context, platform, id string) (string, error) {
	mem, err := m.History(ctx, platform, id)
	if err != nil {
		return "", err
	}

	messages, err := mem.ChatHistory.Messages(ctx)
	if err != nil {
		return "", goerr.Wrap(err, "failed to get messages")
	}

	if len(messages) == 0 {
		return "No previous conversation.", nil
	}

	var b strings.Builder
	for _, msg := range messages {
		switch m := msg.(type) {
		case llms.HumanChatMessage:
			fmt.Fprintf(&b, "User: %s\n", m.Content)
		case llms.AIChatMessage:
			fmt.Fprintf(&b, "Assistant: %s\n", m.Content)
		}
	}
	return b.String(), nil
}

// Close closes the underlying backend
func (m *Manager) Close() error {
	if closer, ok := m.backend.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
