package memory_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/avvvet/chatcapture/internal/memory"
	"github.com/avvvet/chatcapture/internal/models"
	"github.com/m-mizutani/gt"
)

func envelope(id string, from, to int) *models.Envelope {
	env := &models.Envelope{
		Type:           models.EnvelopeChatHistoryUpdate,
		Platform:       "chatgpt",
		ConversationID: id,
		URL:            "https://chatgpt.com/c/" + id,
		Timestamp:      now.UnixMilli(),
	}
	for i := from; i < to; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		env.Messages = append(env.Messages, models.Message{
			Role:      role,
			Content:   fmt.Sprintf("message number %d", i),
			Timestamp: now.UnixMilli() + int64(i),
			ID:        fmt.Sprintf("%s-%d", id, i),
		})
	}
	return env
}

func newManager(backend memory.Backend, opts ...memory.ManagerOption) *memory.Manager {
	opts = append([]memory.ManagerOption{memory.WithClock(func() time.Time { return now })}, opts...)
	return memory.NewManager(backend, opts...)
}

func TestManagerApplyCreatesConversation(t *testing.T) {
	ctx := context.Background()
	m := newManager(memory.NewMemoryStore())

	rep, err := m.Apply(ctx, envelope("abc", 0, 3))
	gt.NoError(t, err)
	gt.Equal(t, rep.Stage, memory.StageNone)

	conv, err := m.Conversation(ctx, "chatgpt", "abc")
	gt.NoError(t, err)
	gt.Equal(t, conv.URL, "https://chatgpt.com/c/abc")
	gt.Equal(t, conv.CreatedAt, now.UnixMilli())
	gt.Equal(t, conv.LastUpdated, now.UnixMilli())
	gt.A(t, conv.Messages).Length(3)
	gt.Equal(t, conv.Messages[2].Content, "message number 2")
}

func TestManagerApplyCapsMessages(t *testing.T) {
	ctx := context.Background()
	m := newManager(memory.NewMemoryStore())

	for i := 0; i < 60; i += 10 {
		_, err := m.Apply(ctx, envelope("abc", i, i+10))
		gt.NoError(t, err)
	}

	conv, err := m.Conversation(ctx, "chatgpt", "abc")
	gt.NoError(t, err)
	gt.A(t, conv.Messages).Length(memory.DefaultMaxMessagesPerConversation)
	gt.Equal(t, conv.Messages[0].ID, "abc-10")
	gt.Equal(t, conv.Messages[49].ID, "abc-59")
}

func TestManagerApplySkipsStoredMessages(t *testing.T) {
	ctx := context.Background()
	m := newManager(memory.NewMemoryStore())

	_, err := m.Apply(ctx, envelope("abc", 0, 4))
	gt.NoError(t, err)
	_, err = m.Apply(ctx, envelope("abc", 0, 4))
	gt.NoError(t, err)

	// a re-render relayed with locally generated ids carries the same content
	again := envelope("abc", 2, 6)
	for i := range again.Messages {
		again.Messages[i].ID = fmt.Sprintf("%sfresh-%d", models.GeneratedIDPrefix, i)
	}
	_, err = m.Apply(ctx, again)
	gt.NoError(t, err)

	conv, err := m.Conversation(ctx, "chatgpt", "abc")
	gt.NoError(t, err)
	gt.A(t, conv.Messages).Length(6)
	gt.Equal(t, conv.Messages[4].ID, models.GeneratedIDPrefix+"fresh-2")
}

func TestManagerApplyKeepsRepeatedTurns(t *testing.T) {
	ctx := context.Background()
	m := newManager(memory.NewMemoryStore())

	boilerplate := strings.Repeat("Here is a detailed walkthrough. ", 4)
	turns := []models.Message{
		{Role: models.RoleUser, Content: "continue", Timestamp: 1_000, ID: "m1"},
		{Role: models.RoleUser, Content: "continue", Timestamp: 600_000, ID: "m7"},
		{Role: models.RoleAssistant, Content: boilerplate + "first ending", Timestamp: 601_000, ID: "m8"},
		{Role: models.RoleAssistant, Content: boilerplate + "second ending", Timestamp: 602_000, ID: "m9"},
	}
	for _, msg := range turns {
		_, err := m.Apply(ctx, &models.Envelope{
			Type:           models.EnvelopeChatHistoryUpdate,
			Platform:       "chatgpt",
			ConversationID: "abc",
			Messages:       []models.Message{msg},
		})
		gt.NoError(t, err)
	}

	conv, err := m.Conversation(ctx, "chatgpt", "abc")
	gt.NoError(t, err)
	gt.A(t, conv.Messages).Length(4)
	for i, msg := range conv.Messages {
		gt.Equal(t, msg.ID, turns[i].ID)
	}
}

func TestManagerApplyContentMatchIsWindowed(t *testing.T) {
	ctx := context.Background()
	m := newManager(memory.NewMemoryStore(), memory.WithMergeWindow(10*time.Second))

	apply := func(ts int64) {
		t.Helper()
		_, err := m.Apply(ctx, &models.Envelope{
			Type:           models.EnvelopeChatHistoryUpdate,
			Platform:       "generic",
			ConversationID: "draft",
			Messages: []models.Message{{
				Role:      models.RoleUser,
				Content:   "yes",
				Timestamp: ts,
				ID:        models.NewMessageID(),
			}},
		})
		gt.NoError(t, err)
	}

	apply(1_000)
	// re-render of the same turn after the dedup bucket rolled over
	apply(7_000)
	gt.A(t, mustConversation(t, m, "generic", "draft").Messages).Length(1)

	// the same words typed again minutes later are a new turn
	apply(300_000)
	gt.A(t, mustConversation(t, m, "generic", "draft").Messages).Length(2)
}

func mustConversation(t *testing.T, m *memory.Manager, platform, id string) *models.Conversation {
	t.Helper()
	conv, err := m.Conversation(context.Background(), platform, id)
	gt.NoError(t, err)
	return conv
}

func TestManagerRecentList(t *testing.T) {
	ctx := context.Background()
	m := newManager(memory.NewMemoryStore())

	for _, env := range []*models.Envelope{
		envelope("a", 0, 2),
		envelope("b", 0, 2),
		envelope("a", 2, 4),
	} {
		_, err := m.Apply(ctx, env)
		gt.NoError(t, err)
	}

	st, err := m.Load(ctx)
	gt.NoError(t, err)
	gt.Equal(t, st.Lists[memory.RecentList], []string{"chatgpt:a", "chatgpt:b"})

	gt.NoError(t, m.DeleteConversation(ctx, "chatgpt", "a"))
	st, err = m.Load(ctx)
	gt.NoError(t, err)
	gt.Equal(t, st.Lists[memory.RecentList], []string{"chatgpt:b"})

	err = m.DeleteConversation(ctx, "chatgpt", "a")
	gt.True(t, errors.Is(err, memory.ErrConversationNotFound))
}

func TestManagerQuotaWipeAndRetry(t *testing.T) {
	ctx := context.Background()
	backend := memory.WithQuota(memory.NewMemoryStore(), 2*1024)
	m := newManager(backend)

	gt.NoError(t, m.SetDraft(ctx, "short draft"))
	gt.NoError(t, m.SetOption(ctx, "mode", "compact"))

	env := envelope("big", 0, 10)
	for i := range env.Messages {
		env.Messages[i].Content = strings.Repeat("y", 300) + fmt.Sprint(i)
	}
	rep, err := m.Apply(ctx, env)
	gt.NoError(t, err)
	gt.Equal(t, rep.Stage, memory.StageWipe)

	st, err := m.Load(ctx)
	gt.NoError(t, err)
	gt.Equal(t, len(st.Conversations), 0)
	gt.Equal(t, st.Draft, "")
	gt.Equal(t, len(st.Options), 0)

	_, err = m.Conversation(ctx, "chatgpt", "big")
	gt.True(t, errors.Is(err, memory.ErrConversationNotFound))
}

type rejectingBackend struct {
	*memory.MemoryStore
	sets int
}

func (r *rejectingBackend) Set(context.Context, string, []byte) error {
	r.sets++
	return memory.ErrQuotaExceeded
}

func TestManagerRetryFailurePropagates(t *testing.T) {
	backend := &rejectingBackend{MemoryStore: memory.NewMemoryStore()}
	m := newManager(backend)

	_, err := m.Apply(context.Background(), envelope("abc", 0, 2))
	gt.Error(t, err)
	gt.True(t, errors.Is(err, memory.ErrQuotaExceeded))
	gt.Equal(t, backend.sets, 2)
}

func TestManagerReconcile(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewMemoryStore()
	limits := memory.DefaultLimits()
	limits.Quota = 12 * 1024
	m := newManager(backend, memory.WithLimits(limits))

	// write an oversized state behind the manager's back
	raw := stateOf(
		conversation("fresh", now.Add(-time.Hour), 10, 400),
		conversation("day", now.Add(-23*time.Hour), 10, 400),
		conversation("stale", now.Add(-30*time.Hour), 10, 400),
	)
	_, _, err := memory.NewManager(backend, memory.WithLimits(memory.Limits{Quota: 1 << 30})).Save(ctx, raw)
	gt.NoError(t, err)

	rep, err := m.Reconcile(ctx)
	gt.NoError(t, err)
	gt.Equal(t, rep.Stage, memory.StageAgeShape)

	convs, err := m.Conversations(ctx)
	gt.NoError(t, err)
	gt.A(t, convs).Length(2)
	gt.Equal(t, convs[0].ID, "fresh")

	rep, err = m.Reconcile(ctx)
	gt.NoError(t, err)
	gt.Equal(t, rep.Stage, memory.StageNone)
}

func TestManagerFormattedHistory(t *testing.T) {
	ctx := context.Background()
	m := newManager(memory.NewMemoryStore())

	_, err := m.Apply(ctx, envelope("abc", 0, 2))
	gt.NoError(t, err)

	mem, err := m.History(ctx, "chatgpt", "abc")
	gt.NoError(t, err)
	messages, err := mem.ChatHistory.Messages(ctx)
	gt.NoError(t, err)
	gt.A(t, messages).Length(2)

	out, err := m.FormattedHistory(ctx, "chatgpt", "abc")
	gt.NoError(t, err)
	gt.Equal(t, out, "User: message number 0\nAssistant: message number 1\n")

	_, err = m.FormattedHistory(ctx, "chatgpt", "missing")
	gt.True(t, errors.Is(err, memory.ErrConversationNotFound))
}
