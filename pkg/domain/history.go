package domain

import "time"

// HistoryEntry records one state change. The history log is append-only and is
// the sole audit trail; it must never be truncated.
type HistoryEntry struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// appendHistory returns the log with a new entry at the end.
func appendHistory(log []HistoryEntry, state, reason string, at time.Time) []HistoryEntry {
	return append(log, HistoryEntry{State: state, Reason: reason, Timestamp: at})
}
