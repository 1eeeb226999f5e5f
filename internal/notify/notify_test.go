// ABOUTME: Tests for the support and reminder trigger rules.
// ABOUTME: Uses a real SQLite store and a recording notifier sink.

package notify

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillwater/harbor/internal/store"
)

type recordingNotifier struct {
	sent []Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func newTestEvaluator(t *testing.T) (*Evaluator, *store.SQLiteStore, *recordingNotifier) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sink := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEvaluator(s, sink, 2, 3, 3, logger), s, sink
}

func putMood(t *testing.T, s *store.SQLiteStore, day time.Time, value int) {
	t.Helper()
	require.NoError(t, s.PutMood(context.Background(), &store.MoodRecord{
		Date:       day.Format("2006-01-02"),
		Value:      value,
		RecordedAt: day,
	}))
}

func TestEvaluateSupport_FiresOnSustainedLowMood(t *testing.T) {
	e, s, sink := newTestEvaluator(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	putMood(t, s, now.AddDate(0, 0, -1), 1)
	putMood(t, s, now.AddDate(0, 0, -2), 2)
	putMood(t, s, now.AddDate(0, 0, -3), 2)

	fired, err := e.EvaluateSupport(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, fired)
	require.Len(t, sink.sent, 1)
	assert.True(t, sink.sent[0].Urgent)
	assert.Equal(t, "support-check", sink.sent[0].Tag)
	assert.NotEmpty(t, sink.sent[0].Actions)
}

func TestEvaluateSupport_DoesNotFireOnGoodMood(t *testing.T) {
	e, s, sink := newTestEvaluator(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	putMood(t, s, now.AddDate(0, 0, -1), 4)
	putMood(t, s, now.AddDate(0, 0, -2), 5)

	fired, err := e.EvaluateSupport(context.Background(), now)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Empty(t, sink.sent)
}

func TestEvaluateSupport_OldRecordsAgeOut(t *testing.T) {
	e, s, sink := newTestEvaluator(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Three low entries, but outside the look-back window
	putMood(t, s, now.AddDate(0, 0, -5), 1)
	putMood(t, s, now.AddDate(0, 0, -6), 1)
	putMood(t, s, now.AddDate(0, 0, -7), 1)

	fired, err := e.EvaluateSupport(context.Background(), now)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Empty(t, sink.sent)
}

func TestEvaluateReminder_FiresWhenNoEntryToday(t *testing.T) {
	e, s, sink := newTestEvaluator(t)
	now := time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC)

	putMood(t, s, now.AddDate(0, 0, -1), 3)

	fired, err := e.EvaluateReminder(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, fired)
	require.Len(t, sink.sent, 1)
	assert.False(t, sink.sent[0].Urgent)
	assert.Equal(t, "daily-reminder", sink.sent[0].Tag)
}

func TestEvaluateReminder_QuietWhenEntryExists(t *testing.T) {
	e, s, sink := newTestEvaluator(t)
	now := time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC)

	putMood(t, s, now, 3)

	fired, err := e.EvaluateReminder(context.Background(), now)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Empty(t, sink.sent)
}
