package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avvvet/chatcapture/internal/logging"
	"github.com/avvvet/chatcapture/internal/models"
	"github.com/m-mizutani/gt"
)

const snapshot = `<html><head><link rel="canonical" href="https://chatgpt.com/c/cli-test"></head><body><main>
<div data-message-author-role="user" data-message-id="u1">How do I list files?</div>
<div data-message-author-role="assistant" data-message-id="a1"><p>Use ls.</p></div>
</main></body></html>`

func runCLI(t *testing.T, ctx context.Context, db string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	argv := append([]string{"chatcapture", "--store", "bolt", "--bolt-path", db, "--log-level", "error"}, args...)
	gt.NoError(t, run(ctx, argv, &out))
	return out.String()
}

func TestWatchStoresConversation(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "state.bolt")
	page := filepath.Join(dir, "page.html")
	gt.NoError(t, os.WriteFile(page, []byte(snapshot), 0o644))

	// stopping flushes whatever the first scan buffered
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	runCLI(t, ctx, db, "watch", "--file", page)

	out := runCLI(t, context.Background(), db, "list")
	gt.S(t, out).Contains("chatgpt:cli-test")
	gt.S(t, out).Contains("2 messages")

	out = runCLI(t, context.Background(), db, "show", "chatgpt", "cli-test")
	gt.Equal(t, out, "User: How do I list files?\nAssistant: Use ls.\n")

	out = runCLI(t, context.Background(), db, "delete", "chatgpt", "cli-test")
	gt.S(t, out).Contains("Deleted chatgpt:cli-test")

	out = runCLI(t, context.Background(), db, "list")
	gt.S(t, out).Contains("No conversations stored.")
}

func TestReconcileCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state.bolt")
	runCLI(t, context.Background(), db, "draft", "half", "written", "prompt")

	out := runCLI(t, context.Background(), db, "reconcile")
	gt.S(t, out).Contains("State fits quota")
}

func TestPlatformsCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state.bolt")
	out := runCLI(t, context.Background(), db, "platforms")
	gt.S(t, out).Contains("chatgpt\tchatgpt.com,chat.openai.com")
	gt.S(t, out).Contains("generic\t-")
}

func TestShowRequiresArgs(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state.bolt")
	var out bytes.Buffer
	err := run(context.Background(), []string{"chatcapture", "--bolt-path", db, "show", "chatgpt"}, &out)
	gt.Error(t, err)
}

type brokenRelay struct{}

func (brokenRelay) Send(context.Context, *models.Envelope) error { return nil }
func (brokenRelay) Close() error { return errors.New("connection reset") }

func TestCloseRelayLogsError(t *testing.T) {
	var buf bytes.Buffer
	ctx := logging.With(context.Background(), logging.New("warn", &buf))

	closeRelay(ctx, brokenRelay{})
	gt.S(t, buf.String()).Contains("failed to close relay")
	gt.S(t, buf.String()).Contains("connection reset")
}
