// Package snapshotlog keeps a history of cache snapshots, newest first,
// each labelled with the action that preceded it.
package snapshotlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hanpama/gqlcache/internal/cache"
	"github.com/hanpama/gqlcache/internal/eventbus"
	"github.com/hanpama/gqlcache/internal/events"
)

// Extractor is the part of a cache the log needs.
type Extractor interface {
	Extract() cache.Snapshot
}

// Entry is one logged snapshot.
type Entry struct {
	Message       string         `json:"message"`
	SnapshotTime  time.Time      `json:"snapshotTime"`
	CacheContents cache.Snapshot `json:"cacheContents"`
}

// Log is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithLimit keeps at most n entries, dropping the oldest. Zero keeps all.
func WithLimit(n int) Option { return func(l *Log) { l.limit = n } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

func New(opts ...Option) *Log {
	l := &Log{now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Add records the current contents of src under message.
func (l *Log) Add(message string, src Extractor) {
	e := Entry{Message: message, SnapshotTime: l.now(), CacheContents: src.Extract()}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]Entry{e}, l.entries...)
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = l.entries[:l.limit]
	}
}

// Entries returns the logged entries, newest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Log) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Snapshots []Entry `json:"snapshots"`
	}{l.Entries()})
}

// WriteTo renders the log as indented JSON.
func (l *Log) WriteTo(w io.Writer) (int64, error) {
	b, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return 0, err
	}
	n, err := w.Write(append(b, '\n'))
	return int64(n), err
}

// Attach adds a snapshot of src after every committed write, eviction and
// garbage collection published on bus. It returns a function detaching it.
func (l *Log) Attach(bus *eventbus.Bus, src Extractor) func() {
	unsubs := []func(){
		eventbus.Subscribe(bus, func(_ context.Context, e events.Write) {
			if e.Err != nil {
				return
			}
			msg := e.Kind
			if e.RootID != "" {
				msg = fmt.Sprintf("%s(%s)", e.Kind, e.RootID)
			}
			l.Add(msg, src)
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.Evict) {
			args := []string{e.ID}
			if e.FieldName != "" {
				args = append(args, e.FieldName)
			}
			l.Add(fmt.Sprintf("evict(%s) = %t", strings.Join(args, ", "), e.Removed), src)
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.GC) {
			l.Add(fmt.Sprintf("gc() = [%s]", strings.Join(e.Removed, ", ")), src)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
