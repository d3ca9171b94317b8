package main

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// fileWatcher watches the open file, one file at a time, and calls onChange
// after it is written.
type fileWatcher struct {
	mu       sync.Mutex
	current  *fsnotify.Watcher
	cancel   context.CancelFunc
	path     string
	onChange func(path string)
	logger   *slog.Logger
}

func newFileWatcher(onChange func(path string), logger *slog.Logger) *fileWatcher {
	return &fileWatcher{onChange: onChange, logger: logger}
}

// watch replaces the current watch with filePath. Watching the file that is
// already watched does nothing.
func (m *fileWatcher) watch(filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.path == filePath {
		return nil
	}
	m.stopLocked()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filePath); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			m.logger.Warn("failed to close watcher after add error", "error", closeErr)
		}
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.current = watcher
	m.cancel = cancel
	m.path = filePath

	go m.run(ctx, watcher, filePath)
	return nil
}

func (m *fileWatcher) stopLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
	m.path = ""
}

func (m *fileWatcher) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *fileWatcher) run(ctx context.Context, watcher *fsnotify.Watcher, filePath string) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	changed := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if ctx.Err() == nil {
				m.onChange(filePath)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				m.logger.Debug("file modified", "path", filePath)
				changed()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				// Editors that save by renaming replace the inode; watch the new one.
				if _, err := os.Stat(filePath); err == nil {
					if err := watcher.Add(filePath); err != nil {
						m.logger.Warn("cannot re-watch file", "path", filePath, "error", err)
					}
					changed()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watcher error", "error", err)
		}
	}
}

// reloadFile re-publishes path as a fresh file message if it is still the
// open file.
func (s *Server) reloadFile(ctx context.Context, path string) {
	cur, err := s.Snapshot(ctx)
	if err != nil {
		return
	}
	if cur.Filename == "" || cur.isVirtual() || s.filePath(cur) != path {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("cannot reload file", "path", path, "error", err)
		return
	}

	msg := &NavigateMessage{ViewState: ViewState{
		Client:     RoleProducer,
		Func:       FuncFile,
		Cwd:        cur.Cwd,
		CwdBody:    cur.CwdBody,
		CwdEncoded: cur.CwdEncoded,
		Filename:   cur.Filename,
		FileBody:   string(content),
		FileCwd:    cur.FileCwd,
		FileOpen:   cur.FileOpen,
	}}
	if err := s.Publish(ctx, msg); err != nil {
		s.logger.Warn("reload dropped", "path", path, "error", err)
	}
}
