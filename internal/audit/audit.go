package audit

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/project-umbra/warden/internal/clock"
)

// EntrySchemaVersion is the current audit entry schema version
const EntrySchemaVersion = 1

// DefaultMaxEntries is the default retention bound for the in-memory log
const DefaultMaxEntries = 10000

// sourcePattern is the mandatory "layer:component" form for entry sources
var sourcePattern = regexp.MustCompile(`^[a-z]+:[a-z][a-z0-9\-]*$`)

// Entry records a single security-relevant operation
type Entry struct {
	// SchemaVersion identifies the entry layout for external persistence
	SchemaVersion int `json:"schema_version"`

	// ID is a unique identifier for this entry
	ID string `json:"id"`

	// Timestamp is when the operation happened
	Timestamp time.Time `json:"timestamp"`

	// Source identifies the emitting component as "layer:component",
	// e.g. "auth:service" or "delegation:sql". Mandatory.
	Source string `json:"source"`

	// UserID is the subject the operation was performed for, if known
	UserID string `json:"user_id,omitempty"`

	// Action names the operation, e.g. "authenticate" or "token_exchange"
	Action string `json:"action"`

	// Resource names the object acted on, if any
	Resource string `json:"resource,omitempty"`

	// Success records whether the operation succeeded
	Success bool `json:"success"`

	// Error carries the full error detail. Never surfaced to clients;
	// sanitisation happens at the envelope, not here.
	Error string `json:"error,omitempty"`

	// Metadata carries additional context
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Sink receives batches of audit entries on overflow and on shutdown
type Sink interface {
	// Write persists a batch of entries. Entries arrive in their original
	// append order.
	Write(entries []Entry) error
}

// Query filters entries returned by Service.Query
type Query struct {
	UserID  string
	Action  string
	Success *bool
	Limit   int
}

// Service is a bounded in-memory audit log. Retention is capped; on
// overflow the oldest entries are handed to the overflow callback before
// being discarded.
//
// A Service constructed with NewNop accepts entries and drops them, so
// callers never need a nil check.
type Service struct {
	mu         sync.Mutex
	entries    []Entry
	maxEntries int
	onOverflow func([]Entry)
	clock      clock.Clock
	enabled    bool
}

// Config configures the audit service
type Config struct {
	// MaxEntries bounds retention (default 10000)
	MaxEntries int

	// OnOverflow is invoked with the batch of entries about to be evicted,
	// in their original order, before they become unreachable. Optional.
	OnOverflow func([]Entry)

	// Clock is the time source (default: system clock)
	Clock clock.Clock
}

// NewService creates an audit service with retention enabled
func NewService(cfg Config) *Service {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	return &Service{
		entries:    make([]Entry, 0, 64),
		maxEntries: maxEntries,
		onOverflow: cfg.OnOverflow,
		clock:      clk,
		enabled:    true,
	}
}

// NewNop creates an audit service that accepts and silently drops entries.
// It still validates sources, so integrity bugs surface even without
// retention configured.
func NewNop() *Service {
	return &Service{
		clock:   clock.NewSystemClock(),
		enabled: false,
	}
}

// Log appends an entry. The entry's Source must match "layer:component";
// entries without a valid source are rejected. Timestamp, ID, and
// SchemaVersion are filled in if unset.
func (s *Service) Log(entry Entry) error {
	if !sourcePattern.MatchString(entry.Source) {
		return fmt.Errorf("audit entry source %q must match layer:component", entry.Source)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.SchemaVersion == 0 {
		entry.SchemaVersion = EntrySchemaVersion
	}

	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	evicted := s.appendLocked(entry)
	s.mu.Unlock()

	// Callback runs outside the lock so sinks can call back into the service
	if len(evicted) > 0 && s.onOverflow != nil {
		s.onOverflow(evicted)
	}

	return nil
}

// appendLocked appends and returns the batch evicted to stay within bounds
func (s *Service) appendLocked(entry Entry) []Entry {
	s.entries = append(s.entries, entry)
	if len(s.entries) <= s.maxEntries {
		return nil
	}

	n := len(s.entries) - s.maxEntries
	evicted := make([]Entry, n)
	copy(evicted, s.entries[:n])
	s.entries = append(s.entries[:0], s.entries[n:]...)
	return evicted
}

// Query returns entries matching the filter, oldest first
func (s *Service) Query(q Query) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.Success != nil && e.Success != *q.Success {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Drain removes and returns all retained entries, oldest first.
// Used by graceful shutdown to hand the tail to a sink.
func (s *Service) Drain() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.entries
	s.entries = nil
	return out
}

// Len returns the number of retained entries
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SinkOverflow adapts a Sink into an overflow callback
func SinkOverflow(sink Sink) func([]Entry) {
	return func(entries []Entry) {
		// Sink errors are swallowed: overflow persistence is best-effort,
		// the in-process trail stays authoritative
		_ = sink.Write(entries)
	}
}
