package collectors

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/timeseries"
)

func appendToFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func indexedRows(t *testing.T, store *timeseries.Store) []map[string]any {
	t.Helper()
	res, err := store.Query(context.Background(), timeseries.QuerySpec{
		Kind:  timeseries.KindLogIndex,
		Since: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	return res.Rows
}

func countIndexed(store *timeseries.Store) int {
	res, err := store.Query(context.Background(), timeseries.QuerySpec{
		Kind:  timeseries.KindLogIndex,
		Since: time.Now().Add(-time.Hour),
	})
	if err != nil {
		return -1
	}
	return len(res.Rows)
}

func startWatcher(t *testing.T, store *timeseries.Store, b *bus.Bus, paths ...string) *LogWatcher {
	t.Helper()
	w := NewLogWatcher(store, b, testLogger(), paths)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestLogWatcherTailsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("boot noise from before the watcher\n"), 0o644))

	store := newTestStore(t)
	b := bus.New()
	t.Cleanup(b.Close)
	sub := b.Subscribe(bus.TopicTelemetryRaw, "test", 64)
	defer sub.Unsubscribe()

	startWatcher(t, store, b, path)

	appendToFile(t, path, "connection established\n")
	appendToFile(t, path, "ERROR: upstream refused\n")

	require.Eventually(t, func() bool { return countIndexed(store) == 2 }, waitFor, tick,
		"appended lines should be indexed")

	var previews []string
	for _, row := range indexedRows(t, store) {
		previews = append(previews, row["message_preview"].(string))
	}
	assert.ElementsMatch(t, []string{"connection established", "ERROR: upstream refused"}, previews)

	// Severity hints ride along on the index rows.
	res, err := store.Query(context.Background(), timeseries.QuerySpec{
		Kind:    timeseries.KindLogIndex,
		Filters: map[string]any{"severity": string(models.SeverityNotable)},
		Since:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "ERROR: upstream refused", res.Rows[0]["message_preview"])
	assert.Equal(t, path, res.Rows[0]["file_path"])
	assert.EqualValues(t, len("boot noise from before the watcher\n")+len("connection established\n"),
		res.Rows[0]["line_offset"])

	// Raw events carry the full line and the origin path.
	got := map[string]string{}
	for len(got) < 2 {
		select {
		case msg := <-sub.C:
			ev, ok := msg.Payload.(*models.Event)
			require.True(t, ok)
			require.Equal(t, models.KindLog, ev.Kind)
			got[ev.Message] = ev.Data["path"].(string)
		case <-time.After(waitFor):
			t.Fatalf("expected 2 raw log events, got %d", len(got))
		}
	}
	assert.Equal(t, path, got["connection established"])
}

func TestLogWatcherFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("pre-rotation content\n"), 0o644))

	store := newTestStore(t)
	b := bus.New()
	t.Cleanup(b.Close)

	startWatcher(t, store, b, path)

	// logrotate style: move the file aside and recreate the path.
	require.NoError(t, os.Rename(path, path+".1"))
	appendToFile(t, path, "first line of the new file\n")

	require.Eventually(t, func() bool { return countIndexed(store) == 1 }, waitFor, tick,
		"recreated file should be read from the top")
	rows := indexedRows(t, store)
	assert.Equal(t, "first line of the new file", rows[0]["message_preview"])
	assert.EqualValues(t, 0, rows[0]["line_offset"])
}

func TestLogWatcherResetsOnTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	store := newTestStore(t)
	b := bus.New()
	t.Cleanup(b.Close)

	startWatcher(t, store, b, path)

	appendToFile(t, path, "before truncation\n")
	require.Eventually(t, func() bool { return countIndexed(store) == 1 }, waitFor, tick)

	require.NoError(t, os.Truncate(path, 0))
	appendToFile(t, path, "after truncation\n")

	require.Eventually(t, func() bool { return countIndexed(store) == 2 }, waitFor, tick,
		"the post-truncation line should be read from offset zero")

	var previews []string
	for _, row := range indexedRows(t, store) {
		previews = append(previews, row["message_preview"].(string))
	}
	assert.Contains(t, previews, "after truncation")
}

func TestLogWatcherWaitsForCompleteLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	store := newTestStore(t)
	b := bus.New()
	t.Cleanup(b.Close)

	startWatcher(t, store, b, path)

	appendToFile(t, path, "half a line")
	assert.Never(t, func() bool { return countIndexed(store) > 0 }, 300*time.Millisecond, tick,
		"a line without its newline must not be indexed")

	appendToFile(t, path, ", now finished\n")
	require.Eventually(t, func() bool { return countIndexed(store) == 1 }, waitFor, tick)
	rows := indexedRows(t, store)
	assert.Equal(t, "half a line, now finished", rows[0]["message_preview"])
}

func TestLogWatcherPicksUpLateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.log")

	store := newTestStore(t)
	b := bus.New()
	t.Cleanup(b.Close)

	startWatcher(t, store, b, path)

	appendToFile(t, path, "file created after the watcher started\n")
	require.Eventually(t, func() bool { return countIndexed(store) == 1 }, waitFor, tick,
		"files that appear later should be tailed from the top")
}

func TestLogWatcherTruncatesPreview(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	store := newTestStore(t)
	b := bus.New()
	t.Cleanup(b.Close)
	sub := b.Subscribe(bus.TopicTelemetryRaw, "test", 8)
	defer sub.Unsubscribe()

	startWatcher(t, store, b, path)

	long := strings.Repeat("x", previewLimit+50)
	appendToFile(t, path, long+"\n")

	require.Eventually(t, func() bool { return countIndexed(store) == 1 }, waitFor, tick)
	rows := indexedRows(t, store)
	assert.Len(t, rows[0]["message_preview"], previewLimit)

	select {
	case msg := <-sub.C:
		ev, ok := msg.Payload.(*models.Event)
		require.True(t, ok)
		assert.Equal(t, long, ev.Message, "the raw event keeps the full line")
	case <-time.After(waitFor):
		t.Fatal("raw event not published")
	}
}

func TestLogWatcherWithoutPathsIsInert(t *testing.T) {
	w := NewLogWatcher(newTestStore(t), bus.New(), testLogger(), nil)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
}
