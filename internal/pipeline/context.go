package pipeline

import "time"

// Context entry kinds.
const (
	EntryIssue      = "issue"
	EntrySummary    = "summary"
	EntryTranscript = "transcript"
	EntryDiff       = "diff"
	EntryFailure    = "failure"
	EntryReview     = "review"
)

// Default context bounds.
const (
	DefaultMaxEntries = 20
	DefaultMaxBytes   = 64 * 1024
)

const truncatedMarker = "\n[truncated]"

// ContextEntry is one item of accumulated session context.
type ContextEntry struct {
	Stage   Stage     `json:"stage"`
	Attempt int       `json:"attempt"`
	Kind    string    `json:"kind"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Limits caps the context log.
type Limits struct {
	MaxEntries int
	MaxBytes   int
}

// DefaultLimits returns the default context bounds.
func DefaultLimits() Limits {
	return Limits{MaxEntries: DefaultMaxEntries, MaxBytes: DefaultMaxBytes}
}

// ContextLog is a size-capped append-only log carried across iterations.
type ContextLog struct {
	Entries []ContextEntry `json:"entries"`
}

// Append returns a new log with e appended. The oldest entries are pruned
// until the log fits lim; the newest entry is always kept, truncated if it
// alone exceeds MaxBytes.
func (l ContextLog) Append(e ContextEntry, lim Limits) ContextLog {
	if lim.MaxEntries <= 0 {
		lim.MaxEntries = DefaultMaxEntries
	}
	if lim.MaxBytes <= 0 {
		lim.MaxBytes = DefaultMaxBytes
	}
	if len(e.Content) > lim.MaxBytes {
		cut := lim.MaxBytes - len(truncatedMarker)
		if cut < 0 {
			cut = 0
		}
		e.Content = e.Content[:cut] + truncatedMarker
	}

	entries := make([]ContextEntry, 0, len(l.Entries)+1)
	entries = append(entries, l.Entries...)
	entries = append(entries, e)

	size := 0
	for _, x := range entries {
		size += len(x.Content)
	}
	for len(entries) > 1 && (len(entries) > lim.MaxEntries || size > lim.MaxBytes) {
		size -= len(entries[0].Content)
		entries = entries[1:]
	}
	return ContextLog{Entries: entries}
}

// Latest returns the most recent entry of the given kind.
func (l ContextLog) Latest(kind string) (ContextEntry, bool) {
	for i := len(l.Entries) - 1; i >= 0; i-- {
		if l.Entries[i].Kind == kind {
			return l.Entries[i], true
		}
	}
	return ContextEntry{}, false
}

// Size returns the total content size in bytes.
func (l ContextLog) Size() int {
	n := 0
	for _, e := range l.Entries {
		n += len(e.Content)
	}
	return n
}
