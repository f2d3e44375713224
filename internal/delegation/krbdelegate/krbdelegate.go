// Package krbdelegate delegates to Kerberos-protected downstream services:
// it obtains service tickets for an allow-listed set of SPNs on behalf of
// the downstream identity named by the delegated token.
package krbdelegate

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/groupcache/lru"

	"github.com/project-umbra/warden/internal/audit"
	"github.com/project-umbra/warden/internal/authn"
	"github.com/project-umbra/warden/internal/delegation"
	"github.com/project-umbra/warden/internal/exchange"
)

const moduleType = "kerberos"

// Config is the module configuration subtree
type Config struct {
	// KeytabFile and Krb5File locate the service keytab and realm
	// configuration
	KeytabFile string `mapstructure:"keytab_file"`
	Krb5File   string `mapstructure:"krb5_file"`

	// Username and Realm identify the service principal in the keytab
	Username string `mapstructure:"username"`
	Realm    string `mapstructure:"realm"`

	// Audience is the token exchange audience for the Kerberos identity
	Audience string `mapstructure:"audience"`

	// Scopes are the downstream scopes requested on exchange
	Scopes []string `mapstructure:"scopes"`

	// AllowedSPNs is the closed set of service principals tickets may be
	// obtained for
	AllowedSPNs []string `mapstructure:"allowed_spns"`

	// TicketTTL bounds how long an obtained ticket is reused
	// (default 10m)
	TicketTTL time.Duration `mapstructure:"ticket_ttl"`

	// MaxCachedTickets bounds the ticket cache (default 256)
	MaxCachedTickets int `mapstructure:"max_cached_tickets"`
}

// Module is the Kerberos delegation adapter
type Module struct {
	name string
	cfg  Config

	allowedSPNs map[string]bool
	source      TicketSource

	mu      sync.Mutex
	tickets *lru.Cache

	// newSource is swapped in tests
	newSource func(keytabSourceConfig) (TicketSource, error)
}

// New creates an uninitialised module with the given registry name
func New(name string) *Module {
	return &Module{
		name: name,
		newSource: func(cfg keytabSourceConfig) (TicketSource, error) {
			return newKeytabSource(cfg)
		},
	}
}

func (m *Module) Name() string { return m.name }
func (m *Module) Type() string { return moduleType }

// Initialize decodes the configuration strictly, logs the service principal
// in, and prepares the ticket cache
func (m *Module) Initialize(_ context.Context, raw map[string]any) error {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("invalid kerberos module config: %w", err)
	}

	if cfg.KeytabFile == "" || cfg.Krb5File == "" {
		return fmt.Errorf("kerberos module %q requires keytab_file and krb5_file", m.name)
	}
	if cfg.Username == "" || cfg.Realm == "" {
		return fmt.Errorf("kerberos module %q requires username and realm", m.name)
	}
	if cfg.Audience == "" {
		return fmt.Errorf("kerberos module %q requires an audience", m.name)
	}
	if len(cfg.AllowedSPNs) == 0 {
		return fmt.Errorf("kerberos module %q requires at least one allowed SPN", m.name)
	}
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = 10 * time.Minute
	}
	if cfg.MaxCachedTickets <= 0 {
		cfg.MaxCachedTickets = 256
	}

	source, err := m.newSource(keytabSourceConfig{
		keytabFile: cfg.KeytabFile,
		krb5File:   cfg.Krb5File,
		username:   cfg.Username,
		realm:      cfg.Realm,
		ticketTTL:  cfg.TicketTTL,
	})
	if err != nil {
		return fmt.Errorf("kerberos module %q: %w", m.name, err)
	}

	m.cfg = cfg
	m.source = source
	m.allowedSPNs = make(map[string]bool, len(cfg.AllowedSPNs))
	for _, spn := range cfg.AllowedSPNs {
		m.allowedSPNs[spn] = true
	}
	m.tickets = lru.New(cfg.MaxCachedTickets)
	return nil
}

// Delegate runs one action. The only supported action is "ticket" with
// params {"spn": string}: it obtains (or reuses) a service ticket on
// behalf of the downstream identity named by the delegated token.
func (m *Module) Delegate(ctx context.Context, session *authn.UserSession, action string, params map[string]any, dctx *delegation.Context) (*delegation.Result, error) {
	if m.source == nil {
		return nil, fmt.Errorf("kerberos module %q is not initialised", m.name)
	}
	if action != "ticket" {
		return failure(session, action, fmt.Sprintf("unsupported action %q", action), "unsupported action"), nil
	}

	spn, _ := params["spn"].(string)
	if spn == "" {
		return failure(session, action, "missing spn parameter", "spn is required"), nil
	}
	if !m.allowedSPNs[spn] {
		return failure(session, action, fmt.Sprintf("SPN %q is not in the allow list", spn), "service is not permitted"), nil
	}

	user, refused := m.delegatedUser(ctx, session, action, dctx)
	if refused != nil {
		return refused, nil
	}

	ticket, cached, err := m.ticketFor(ctx, user, spn)
	if err != nil {
		return failure(session, action, err.Error(), "ticket acquisition failed"), nil
	}

	return &delegation.Result{
		Success: true,
		Data: map[string]any{
			"spn":        ticket.SPN,
			"realm":      m.cfg.Realm,
			"ticket":     base64.StdEncoding.EncodeToString(ticket.Raw),
			"expires_at": ticket.ExpiresAt,
		},
		AuditTrail: []audit.Entry{{
			Action:   "ticket",
			UserID:   session.UserID,
			Resource: spn,
			Success:  true,
			Metadata: map[string]any{
				"cached":          cached,
				"downstream_user": user,
				"impersonated":    m.source.Impersonates(),
			},
		}},
	}, nil
}

// delegatedUser exchanges the requestor's token and reads the downstream
// principal from the delegated token's identity claim
func (m *Module) delegatedUser(ctx context.Context, session *authn.UserSession, action string, dctx *delegation.Context) (string, *delegation.Result) {
	if dctx == nil || dctx.Exchanger == nil {
		return "", failure(session, action, "no token exchanger available", "delegation is not available")
	}

	delegated, err := dctx.Exchanger.Exchange(ctx, exchange.Request{
		SubjectToken: session.AccessToken(),
		Audience:     m.cfg.Audience,
		Scopes:       m.cfg.Scopes,
		SessionID:    dctx.SessionID,
		JWTSubject:   session.UserID,
	})
	if err != nil {
		return "", failure(session, action, err.Error(), "could not obtain delegated access")
	}

	user := delegated.Claims.String("legacy_name")
	if user == "" {
		return "", failure(session, action, "delegated token carries no downstream identity", "no downstream identity for user")
	}
	return user, nil
}

// ticketFor returns a cached unexpired ticket or obtains a fresh one. The
// cache key carries the user only when the source binds tickets to users;
// a user-bound ticket is never served to another requestor, and a shared
// ticket is never duplicated per user.
func (m *Module) ticketFor(ctx context.Context, user, spn string) (*Ticket, bool, error) {
	key := spn
	if m.source.Impersonates() {
		key = user + "|" + spn
	}

	m.mu.Lock()
	if value, ok := m.tickets.Get(key); ok {
		if ticket, ok := value.(*Ticket); ok && time.Now().Before(ticket.ExpiresAt) {
			m.mu.Unlock()
			return ticket, true, nil
		}
		m.tickets.Remove(key)
	}
	m.mu.Unlock()

	ticket, err := m.source.ServiceTicket(ctx, user, spn)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	m.tickets.Add(key, ticket)
	m.mu.Unlock()
	return ticket, false, nil
}

// HealthCheck re-authenticates the service principal against the KDC
func (m *Module) HealthCheck(context.Context) error {
	if m.source == nil {
		return fmt.Errorf("kerberos module %q is not initialised", m.name)
	}
	if err := m.source.Refresh(); err != nil {
		return fmt.Errorf("kerberos module %q login failed: %w", m.name, err)
	}
	return nil
}

// Destroy drops cached tickets and destroys the client session
func (m *Module) Destroy(context.Context) error {
	m.mu.Lock()
	if m.tickets != nil {
		m.tickets.Clear()
	}
	m.mu.Unlock()

	if m.source != nil {
		m.source.Close()
		m.source = nil
	}
	return nil
}

func failure(session *authn.UserSession, action, detail, message string) *delegation.Result {
	return &delegation.Result{
		Success: false,
		Error:   message,
		AuditTrail: []audit.Entry{{
			Action:  action,
			UserID:  session.UserID,
			Success: false,
			Error:   detail,
		}},
	}
}
