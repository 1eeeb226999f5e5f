// ABOUTME: Periodic notification triggers evaluated over local mood records.
// ABOUTME: Support trigger (sustained low mood) and reminder trigger (no entry today).

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stillwater/harbor/internal/store"
)

// Notification is the payload handed to the platform notifier.
type Notification struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Tag     string         `json:"tag,omitempty"`
	Urgent  bool           `json:"urgent,omitempty"`
	Actions []Action       `json:"actions,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Action is one interactive button on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notifier delivers notifications to the platform.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. It is the default sink when
// no platform delivery is wired up.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the notification at the level implied by its urgency.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	if n.Urgent {
		l.Logger.Warn("notification", "title", n.Title, "body", n.Body, "tag", n.Tag)
	} else {
		l.Logger.Info("notification", "title", n.Title, "body", n.Body, "tag", n.Tag)
	}
	return nil
}

// Evaluator runs the two trigger rules. Both are pure read-evaluate-notify
// passes over the durable mood collection: no state mutation, no network.
type Evaluator struct {
	store        store.RecordStore
	notifier     Notifier
	threshold    int
	lowMoodCount int
	lookbackDays int
	logger       *slog.Logger
}

// NewEvaluator creates an Evaluator. threshold is the highest mood value
// counted as low; lowMoodCount is how many low entries within lookbackDays
// fire the support trigger.
func NewEvaluator(s store.RecordStore, notifier Notifier, threshold, lowMoodCount, lookbackDays int, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:        s,
		notifier:     notifier,
		threshold:    threshold,
		lowMoodCount: lowMoodCount,
		lookbackDays: lookbackDays,
		logger:       logger,
	}
}

// EvaluateSupport counts low-mood entries within the look-back window and
// fires a single urgent notification when the count reaches the limit.
// Returns whether a notification fired.
func (e *Evaluator) EvaluateSupport(ctx context.Context, now time.Time) (bool, error) {
	since := now.AddDate(0, 0, -e.lookbackDays).Format("2006-01-02")

	records, err := e.store.ListMoodSince(ctx, since)
	if err != nil {
		return false, fmt.Errorf("reading mood records: %w", err)
	}

	low := 0
	for _, rec := range records {
		if rec.Value <= e.threshold {
			low++
		}
	}
	if low < e.lowMoodCount {
		return false, nil
	}

	n := Notification{
		Title:  "We're here for you",
		Body:   "It looks like the last few days have been rough. Would you like some support?",
		Tag:    "support-check",
		Urgent: true,
		Actions: []Action{
			{Action: "open-support", Title: "View resources"},
			{Action: "dismiss", Title: "Not now"},
		},
		Data: map[string]any{"low_count": low, "window_days": e.lookbackDays},
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		return false, fmt.Errorf("delivering support notification: %w", err)
	}
	e.logger.Info("support trigger fired", "low_count", low, "window_days", e.lookbackDays)
	return true, nil
}

// EvaluateReminder fires a low-priority notification when no mood entry
// exists for the current date. Returns whether a notification fired.
func (e *Evaluator) EvaluateReminder(ctx context.Context, now time.Time) (bool, error) {
	today := now.Format("2006-01-02")

	_, err := e.store.MoodForDate(ctx, today)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("reading mood record for %s: %w", today, err)
	}

	n := Notification{
		Title: "How are you feeling?",
		Body:  "You haven't checked in today. A quick note helps you track how things are going.",
		Tag:   "daily-reminder",
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		return false, fmt.Errorf("delivering reminder notification: %w", err)
	}
	e.logger.Info("reminder trigger fired", "date", today)
	return true, nil
}
