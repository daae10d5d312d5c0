package surface

import (
	"context"
	"os"
	"path/filepath"

	"github.com/avvvet/chatcapture/internal/logging"
	"github.com/avvvet/chatcapture/internal/sched"
	"github.com/fsnotify/fsnotify"
	"github.com/m-mizutani/goerr/v2"
)

// File is a Document re-rendered from a snapshot file whenever an external
// renderer rewrites it. Reloads are posted to the scheduler so the document
// is only touched from the scheduler thread.
type File struct {
	*Document
	path string
	s    sched.Scheduler
}

// NewFile creates a file-backed surface and performs the initial render
func NewFile(path, fallbackURL string, s sched.Scheduler) (*File, error) {
	f := &File{
		Document: NewDocument(fallbackURL),
		path:     path,
		s:        s,
	}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) reload() error {
	fd, err := os.Open(f.path)
	if err != nil {
		return goerr.Wrap(err, "failed to open snapshot", goerr.V("path", f.path))
	}
	defer fd.Close()

	if err := f.Load(fd); err != nil {
		return goerr.Wrap(err, "failed to render snapshot", goerr.V("path", f.path))
	}
	return nil
}

// Watch blocks until ctx is done, posting a reload for every write to the
// snapshot. The parent directory is watched so atomic renames are seen.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return goerr.Wrap(err, "failed to create watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return goerr.Wrap(err, "failed to watch directory", goerr.V("dir", dir))
	}

	target := filepath.Clean(f.path)
	logger := logging.From(ctx)
	logger.Info("watching snapshot", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			f.s.Do(func() {
				if err := f.reload(); err != nil {
					logger.Warn("snapshot reload failed", "error", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}
