package collectors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/classifier"
	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/timeseries"
)

// previewLimit caps the message_preview column; the full line still travels
// on the raw event.
const previewLimit = 200

// LogWatcher tails configured log files with filesystem notifications. Lines
// appended after start are indexed into log_index and published as raw log
// events. Rotation and truncation reset the file's read offset.
type LogWatcher struct {
	store    *timeseries.Store
	bus      *bus.Bus
	logger   *slog.Logger
	hostname string

	// paths maps each cleaned target path to its pending state. Only the
	// watch goroutine touches offsets after Start seeds them.
	paths   map[string]bool
	offsets map[string]int64

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewLogWatcher creates a tailer for the given files. Paths that do not exist
// yet are picked up when they appear.
func NewLogWatcher(store *timeseries.Store, b *bus.Bus, logger *slog.Logger, paths []string) *LogWatcher {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	targets := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p != "" {
			targets[filepath.Clean(p)] = true
		}
	}
	return &LogWatcher{
		store:    store,
		bus:      b,
		logger:   logger.With("component", "collectors"),
		hostname: hostname,
		paths:    targets,
		offsets:  make(map[string]int64, len(targets)),
	}
}

// Start seeds read offsets at each file's current end, so only new lines are
// ingested, and begins watching the parent directories. Watching directories
// rather than the files themselves survives logrotate's rename-and-recreate.
func (w *LogWatcher) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}
	if len(w.paths) == 0 {
		w.logger.Info("Log watcher has no paths configured, not starting")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = watcher

	dirs := make(map[string]bool, len(w.paths))
	for path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.offsets[path] = info.Size()
		}
		dirs[filepath.Dir(path)] = true
	}
	watched := 0
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn("Failed to watch log directory", "dir", dir, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		w.watcher = nil
		return fmt.Errorf("no log directories could be watched")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)

	w.logger.Info("Log watcher started", "files", len(w.paths), "directories", watched)
	return nil
}

// Stop signals the watch loop to exit and waits for it to finish.
func (w *LogWatcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.logger.Info("Log watcher stopped")
}

func (w *LogWatcher) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", "error", err)
		}
	}
}

func (w *LogWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if !w.paths[path] {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Write):
		w.ingestNew(ctx, path)
	case event.Op.Has(fsnotify.Create):
		// A rotated file reappeared; read it from the top.
		w.offsets[path] = 0
		w.ingestNew(ctx, path)
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		delete(w.offsets, path)
	}
}

// ingestNew reads the complete lines appended since the last offset. A file
// shorter than its offset was truncated in place, so reading restarts at the
// top. Lines without a trailing newline stay unread until completed.
func (w *LogWatcher) ingestNew(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn("Failed to open log file", "path", path, "error", err)
		return
	}
	defer f.Close()

	offset := w.offsets[path]
	if info, err := f.Stat(); err == nil && info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		w.logger.Warn("Failed to seek log file", "path", path, "error", err)
		return
	}

	now := time.Now().UTC()
	var rows timeseries.LogRows
	var events []*models.Event

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial trailing line: leave it for the next write event.
			break
		}
		lineStart := offset
		offset += int64(len(line))

		text := trimLine(line)
		if text == "" {
			continue
		}
		rows = append(rows, timeseries.LogRow{
			TS:             now,
			FilePath:       path,
			LineOffset:     lineStart,
			Severity:       string(classifier.LogSeverityHint(text)),
			MessagePreview: preview(text),
			Source:         w.hostname,
		})
		events = append(events, &models.Event{
			ID:        uuid.New().String(),
			Timestamp: now,
			Kind:      models.KindLog,
			Source:    w.hostname,
			Message:   text,
			Data:      map[string]any{"path": path},
		})
	}
	w.offsets[path] = offset

	if len(rows) == 0 {
		return
	}
	if err := w.store.Append(ctx, rows); err != nil {
		w.logger.Error("Failed to index log lines", "path", path, "error", err)
	}
	for _, e := range events {
		w.bus.Publish(bus.TopicTelemetryRaw, e)
	}
}

func trimLine(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func preview(line string) string {
	if len(line) <= previewLimit {
		return line
	}
	return line[:previewLimit]
}
