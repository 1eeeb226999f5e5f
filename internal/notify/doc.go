// Package notify evaluates the periodic notification triggers over locally
// cached mood records and delivers payloads through a pluggable Notifier.
package notify
