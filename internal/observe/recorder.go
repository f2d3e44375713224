package observe

import (
	"sync"

	"github.com/project-umbra/warden/internal/authn"
	"github.com/project-umbra/warden/internal/exchange"
)

// Event is one recorded observer callback
type Event struct {
	Name   string
	Fields map[string]any
}

// Recorder is an Observer that captures every event with its fields so
// tests can inspect exactly what the components reported. Safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Events returns a copy of the recorded events in order
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded
func (r *Recorder) Count(name string) int {
	return len(r.Named(name))
}

func (r *Recorder) record(name string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Fields: fields})
}

func (r *Recorder) TokenValidated(issuer, keyID, subject string) {
	r.record("token_validated", map[string]any{"issuer": issuer, "kid": keyID, "subject": subject})
}

func (r *Recorder) TokenRejected(code authn.Code, reason string) {
	r.record("token_rejected", map[string]any{"code": string(code), "reason": reason})
}

func (r *Recorder) SessionCreated(session *authn.UserSession) {
	r.record("session_created", map[string]any{"user_id": session.UserID, "role": string(session.Role)})
}

func (r *Recorder) AuthenticationRejected(subject string) {
	r.record("authentication_rejected", map[string]any{"subject": subject})
}

func (r *Recorder) ExchangePerformed(audience string, cached bool) {
	r.record("exchange_performed", map[string]any{"audience": audience, "cached": cached})
}

func (r *Recorder) ExchangeFailed(code exchange.Code, reason string) {
	r.record("exchange_failed", map[string]any{"code": string(code), "reason": reason})
}

func (r *Recorder) DelegationStarted(module, action, userID string) {
	r.record("delegation_started", map[string]any{"module": module, "action": action, "user_id": userID})
}

func (r *Recorder) DelegationCompleted(module, action string, success bool) {
	r.record("delegation_completed", map[string]any{"module": module, "action": action, "success": success})
}

func (r *Recorder) DelegationPanicked(module, action string) {
	r.record("delegation_panicked", map[string]any{"module": module, "action": action})
}
