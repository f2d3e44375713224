package observe

import (
	"log/slog"

	"github.com/project-umbra/warden/internal/authn"
	"github.com/project-umbra/warden/internal/delegation"
	"github.com/project-umbra/warden/internal/exchange"
)

// Observer is the union of the component observer interfaces, so one
// implementation can be wired everywhere
type Observer interface {
	authn.Observer
	exchange.Observer
	delegation.Observer
}

// Noop discards every event
type Noop struct{}

func (Noop) TokenValidated(string, string, string)    {}
func (Noop) TokenRejected(authn.Code, string)         {}
func (Noop) SessionCreated(*authn.UserSession)        {}
func (Noop) AuthenticationRejected(string)            {}
func (Noop) ExchangePerformed(string, bool)           {}
func (Noop) ExchangeFailed(exchange.Code, string)     {}
func (Noop) DelegationStarted(string, string, string) {}
func (Noop) DelegationCompleted(string, string, bool) {}
func (Noop) DelegationPanicked(string, string)        {}

// Logging logs every event through slog, tagging records with an "event"
// attribute so the filtering handler can tune them individually
type Logging struct {
	authnLog      *slog.Logger
	exchangeLog   *slog.Logger
	delegationLog *slog.Logger
}

// NewLogging creates a logging observer on the given logger
// (slog.Default() when nil)
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{
		authnLog:      logger.With("event", "authn"),
		exchangeLog:   logger.With("event", "token_exchange"),
		delegationLog: logger.With("event", "delegation"),
	}
}

func (l *Logging) TokenValidated(issuer, keyID, subject string) {
	l.authnLog.Debug("token validated", "issuer", issuer, "kid", keyID, "subject", subject)
}

func (l *Logging) TokenRejected(code authn.Code, reason string) {
	l.authnLog.Warn("token rejected", "code", string(code), "reason", reason)
}

func (l *Logging) SessionCreated(session *authn.UserSession) {
	l.authnLog.Info("session created",
		"user_id", session.UserID,
		"role", string(session.Role),
		"scopes", len(session.Scopes))
}

func (l *Logging) AuthenticationRejected(subject string) {
	l.authnLog.Warn("authentication rejected by role policy", "subject", subject)
}

func (l *Logging) ExchangePerformed(audience string, cached bool) {
	l.exchangeLog.Debug("token exchange performed", "audience", audience, "cached", cached)
}

func (l *Logging) ExchangeFailed(code exchange.Code, reason string) {
	l.exchangeLog.Error("token exchange failed", "code", string(code), "reason", reason)
}

func (l *Logging) DelegationStarted(module, action, userID string) {
	l.delegationLog.Debug("delegation started", "module", module, "action", action, "user_id", userID)
}

func (l *Logging) DelegationCompleted(module, action string, success bool) {
	l.delegationLog.Debug("delegation completed", "module", module, "action", action, "success", success)
}

func (l *Logging) DelegationPanicked(module, action string) {
	l.delegationLog.Error("delegation module panicked", "module", module, "action", action)
}

// Composite fans events out to several observers in order
type Composite struct {
	observers []Observer
}

// NewComposite creates a fan-out observer
func NewComposite(observers ...Observer) *Composite {
	return &Composite{observers: observers}
}

func (c *Composite) TokenValidated(issuer, keyID, subject string) {
	for _, o := range c.observers {
		o.TokenValidated(issuer, keyID, subject)
	}
}

func (c *Composite) TokenRejected(code authn.Code, reason string) {
	for _, o := range c.observers {
		o.TokenRejected(code, reason)
	}
}

func (c *Composite) SessionCreated(session *authn.UserSession) {
	for _, o := range c.observers {
		o.SessionCreated(session)
	}
}

func (c *Composite) AuthenticationRejected(subject string) {
	for _, o := range c.observers {
		o.AuthenticationRejected(subject)
	}
}

func (c *Composite) ExchangePerformed(audience string, cached bool) {
	for _, o := range c.observers {
		o.ExchangePerformed(audience, cached)
	}
}

func (c *Composite) ExchangeFailed(code exchange.Code, reason string) {
	for _, o := range c.observers {
		o.ExchangeFailed(code, reason)
	}
}

func (c *Composite) DelegationStarted(module, action, userID string) {
	for _, o := range c.observers {
		o.DelegationStarted(module, action, userID)
	}
}

func (c *Composite) DelegationCompleted(module, action string, success bool) {
	for _, o := range c.observers {
		o.DelegationCompleted(module, action, success)
	}
}

func (c *Composite) DelegationPanicked(module, action string) {
	for _, o := range c.observers {
		o.DelegationPanicked(module, action)
	}
}
