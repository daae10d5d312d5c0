package surface_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/avvvet/chatcapture/internal/sched"
	"github.com/avvvet/chatcapture/internal/surface"
	"github.com/m-mizutani/gt"
)

func TestFileReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	gt.NoError(t, os.WriteFile(path, []byte(`<html><body><main><p>one</p></main></body></html>`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := sched.NewLoop(0)
	go func() { _ = loop.Run(ctx) }()

	f, err := surface.NewFile(path, "https://example.com/conversation/1", loop)
	gt.NoError(t, err)
	gt.S(t, f.Find("main").Text()).Contains("one")

	changed := make(chan struct{}, 4)
	gt.NoError(t, loop.Sync(ctx, func() {
		_, err = f.Observe("main", func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}))
	gt.NoError(t, err)

	go func() { _ = f.Watch(ctx) }()
	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	gt.NoError(t, os.WriteFile(path, []byte(`<html><body><main><p>two</p></main></body></html>`), 0o644))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification")
	}

	// truncate and write may arrive as separate events; wait for the final render
	deadline := time.Now().Add(3 * time.Second)
	var text string
	for time.Now().Before(deadline) {
		gt.NoError(t, loop.Sync(ctx, func() {
			if main := f.Find("main"); main != nil {
				text = main.Text()
			}
		}))
		if strings.Contains(text, "two") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	gt.S(t, text).Contains("two")
}

func TestNewFileMissing(t *testing.T) {
	_, err := surface.NewFile(filepath.Join(t.TempDir(), "nope.html"), "", sched.NewManual(time.Now()))
	gt.Error(t, err)
}
