package msglog

import (
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxEntries bounds the log to the most recent rows shown in the UI.
const MaxEntries = 5

type Entry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the bounded conversation log plus the interim transcript buffer for
// the user utterance that has not been finalized yet. Consecutive assistant
// appends extend the last row in place so streamed text deltas render as one
// turn instead of one row per delta.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	interim string

	onChange func()

	now func() time.Time
}

func New() *Log {
	return &Log{now: time.Now}
}

// SetChangeHook registers a callback invoked after every mutation, outside
// the log's lock.
func (l *Log) SetChangeHook(fn func()) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *Log) Append(role Role, text string) {
	if text == "" {
		return
	}
	l.mu.Lock()
	if role == RoleAssistant && len(l.entries) > 0 && l.entries[len(l.entries)-1].Role == RoleAssistant {
		l.entries[len(l.entries)-1].Text += text
	} else {
		l.entries = append(l.entries, Entry{Role: role, Text: text, Timestamp: l.now()})
	}
	if len(l.entries) > MaxEntries {
		l.entries = l.entries[len(l.entries)-MaxEntries:]
	}
	hook := l.onChange
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// SetInterim replaces the in-flight user transcript.
func (l *Log) SetInterim(text string) {
	l.mu.Lock()
	changed := l.interim != text
	l.interim = text
	hook := l.onChange
	l.mu.Unlock()

	if changed && hook != nil {
		hook()
	}
}

// CommitInterim turns the buffered transcript into a user entry and clears
// the buffer. A blank buffer commits nothing.
func (l *Log) CommitInterim() {
	l.mu.Lock()
	text := strings.TrimSpace(l.interim)
	l.interim = ""
	l.mu.Unlock()

	if text == "" {
		return
	}
	l.Append(RoleUser, text)
}

func (l *Log) ClearInterim() {
	l.SetInterim("")
}

func (l *Log) Interim() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interim
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Reset drops all rows and the interim buffer.
func (l *Log) Reset() {
	l.mu.Lock()
	l.entries = nil
	l.interim = ""
	hook := l.onChange
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
}
