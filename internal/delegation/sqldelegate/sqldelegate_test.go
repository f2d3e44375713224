package sqldelegate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/project-umbra/warden/internal/authn"
	"github.com/project-umbra/warden/internal/claims"
	"github.com/project-umbra/warden/internal/delegation"
	"github.com/project-umbra/warden/internal/exchange"
)

// fakeExchanger counts exchanges and issues a delegated token naming a
// configurable database identity
type fakeExchanger struct {
	calls int
	last  exchange.Request
	err   error
	role  string
}

func (f *fakeExchanger) Exchange(_ context.Context, req exchange.Request) (*exchange.Result, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &exchange.Result{
		AccessToken: "delegated-token-value",
		Claims:      claims.Claims{"sub": "alice", "legacy_name": f.role},
	}, nil
}

func TestScreenQuery(t *testing.T) {
	readOnly := New("db")
	writable := New("db")
	writable.cfg.AllowWrites = true

	tests := []struct {
		name       string
		module     *Module
		query      string
		wantReason string
	}{
		{
			name:   "plain select passes",
			module: readOnly,
			query:  "SELECT id, name FROM reports WHERE owner = $1",
		},
		{
			name:       "drop is always denied",
			module:     writable,
			query:      "DROP TABLE reports",
			wantReason: "denied keyword",
		},
		{
			name:       "truncate embedded in cte is denied",
			module:     writable,
			query:      "WITH x AS (SELECT 1) TRUNCATE reports",
			wantReason: "denied keyword",
		},
		{
			name:       "insert denied without allow_writes",
			module:     readOnly,
			query:      "INSERT INTO reports (name) VALUES ($1)",
			wantReason: "allow_writes",
		},
		{
			name:   "insert permitted with allow_writes",
			module: writable,
			query:  "INSERT INTO reports (name) VALUES ($1)",
		},
		{
			name:   "keyword inside string literal is ignored",
			module: readOnly,
			query:  "SELECT * FROM notes WHERE body = 'please do not DROP this'",
		},
		{
			name:       "multiple statements are denied",
			module:     readOnly,
			query:      "SELECT 1; SELECT 2",
			wantReason: "multiple statements",
		},
		{
			name:   "trailing semicolon is fine",
			module: readOnly,
			query:  "SELECT 1;",
		},
		{
			name:       "case does not matter",
			module:     readOnly,
			query:      "dElEtE FROM reports",
			wantReason: "allow_writes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := tt.module.screenQuery(tt.query)
			if tt.wantReason == "" {
				if reason != "" {
					t.Errorf("expected query to pass, got %q", reason)
				}
				return
			}
			if !strings.Contains(reason, tt.wantReason) {
				t.Errorf("expected reason containing %q, got %q", tt.wantReason, reason)
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("SELECT a_b, 'DROP x' FROM t1")
	want := map[string]bool{"select": true, "a_b": true, "from": true, "t": true}
	for _, tok := range tokens {
		if tok == "drop" {
			t.Error("expected string literal content to be skipped")
		}
	}
	if !want["select"] {
		t.Fatal("sanity check failed")
	}
}

func TestDelegate_UninitialisedModuleRefuses(t *testing.T) {
	module := New("db")
	_, err := module.Delegate(context.Background(), sessionWithRole("alice"), "query", map[string]any{"sql": "SELECT 1"}, nil)
	if err == nil {
		t.Fatal("expected uninitialised module to refuse delegation")
	}
}

// newPooledModule initialises a module against a closed local port: the
// pool is created lazily, so everything up to the connection acquisition
// is exercised without a database
func newPooledModule(t *testing.T) *Module {
	t.Helper()
	module := New("db")
	err := module.Initialize(context.Background(), map[string]any{
		"dsn":      "postgres://warden@127.0.0.1:1/warden?sslmode=disable",
		"audience": "https://db.corp.test",
	})
	if err != nil {
		t.Fatalf("failed to initialise module: %v", err)
	}
	t.Cleanup(func() { _ = module.Destroy(context.Background()) })
	return module
}

func TestDelegatedRole_ComesFromExchangedToken(t *testing.T) {
	module := New("db")
	module.cfg = Config{Audience: "https://db.corp.test", Scopes: []string{"db:read"}}

	ex := &fakeExchanger{role: "alice_legacy"}
	dctx := &delegation.Context{SessionID: "sess-1", Exchanger: ex}
	session := sessionWithRole("requestor-claimed-role")

	role, refused := module.delegatedRole(context.Background(), session, "query", dctx)
	if refused != nil {
		t.Fatalf("expected a delegated role, got refusal %q", refused.Error)
	}
	if role != "alice_legacy" {
		t.Errorf("expected the role from the delegated token, got %q", role)
	}
	if ex.calls != 1 {
		t.Errorf("expected exactly one exchange, got %d", ex.calls)
	}
	if ex.last.SubjectToken != session.AccessToken() {
		t.Errorf("expected the requestor's token as exchange subject, got %q", ex.last.SubjectToken)
	}
	if ex.last.Audience != "https://db.corp.test" {
		t.Errorf("expected the configured audience, got %q", ex.last.Audience)
	}
	if ex.last.SessionID != "sess-1" {
		t.Errorf("expected the session id for cache scoping, got %q", ex.last.SessionID)
	}
}

func TestDelegatedRole_RequiresExchanger(t *testing.T) {
	module := New("db")
	module.cfg = Config{Audience: "https://db.corp.test"}
	session := sessionWithRole("alice")

	for _, dctx := range []*delegation.Context{nil, {SessionID: "sess-1"}} {
		_, refused := module.delegatedRole(context.Background(), session, "query", dctx)
		if refused == nil {
			t.Fatal("expected a refusal without an exchanger")
		}
		if refused.Error != "delegation is not available" {
			t.Errorf("expected client-safe refusal, got %q", refused.Error)
		}
	}
}

func TestDelegatedRole_ExchangeFailureIsSanitised(t *testing.T) {
	module := New("db")
	module.cfg = Config{Audience: "https://db.corp.test"}

	ex := &fakeExchanger{err: errors.New("token endpoint returned 502: ldap backend 10.0.0.5 unreachable")}
	dctx := &delegation.Context{SessionID: "sess-1", Exchanger: ex}

	_, refused := module.delegatedRole(context.Background(), sessionWithRole("alice"), "query", dctx)
	if refused == nil {
		t.Fatal("expected a refusal when the exchange fails")
	}
	if refused.Error != "could not obtain delegated access" {
		t.Errorf("expected client-safe refusal, got %q", refused.Error)
	}
	if len(refused.AuditTrail) != 1 || !strings.Contains(refused.AuditTrail[0].Error, "10.0.0.5") {
		t.Errorf("expected the raw failure in the audit trail, got %v", refused.AuditTrail)
	}
}

func TestDelegatedRole_RejectsUnusableIdentity(t *testing.T) {
	module := New("db")
	module.cfg = Config{Audience: "https://db.corp.test"}
	session := sessionWithRole("alice")

	for _, role := range []string{"", "alice; DROP ROLE admin", "1bad"} {
		ex := &fakeExchanger{role: role}
		dctx := &delegation.Context{SessionID: "sess-1", Exchanger: ex}
		_, refused := module.delegatedRole(context.Background(), session, "query", dctx)
		if refused == nil {
			t.Fatalf("expected delegated identity %q to be refused", role)
		}
		if refused.Error != "no database identity for user" {
			t.Errorf("expected client-safe refusal for %q, got %q", role, refused.Error)
		}
	}
}

func TestDelegate_ExchangesBeforeQuerying(t *testing.T) {
	module := newPooledModule(t)

	ex := &fakeExchanger{role: "alice_legacy"}
	dctx := &delegation.Context{SessionID: "sess-1", Exchanger: ex}

	result, err := module.Delegate(context.Background(), sessionWithRole("alice"), "query",
		map[string]any{"sql": "SELECT 1"}, dctx)
	if err != nil {
		t.Fatalf("delegation failed: %v", err)
	}

	if ex.calls != 1 {
		t.Fatalf("expected the query path to exchange exactly once, got %d", ex.calls)
	}
	// No database listens on the closed port, so the operation itself fails
	// after the exchange
	if result.Success {
		t.Error("expected the query to fail without a database")
	}
}

func TestDelegate_ScreenedQueryNeverExchanges(t *testing.T) {
	module := newPooledModule(t)

	ex := &fakeExchanger{role: "alice_legacy"}
	dctx := &delegation.Context{SessionID: "sess-1", Exchanger: ex}

	result, err := module.Delegate(context.Background(), sessionWithRole("alice"), "query",
		map[string]any{"sql": "DROP TABLE reports"}, dctx)
	if err != nil {
		t.Fatalf("delegation failed: %v", err)
	}
	if result.Success {
		t.Error("expected the screened query to be refused")
	}
	if ex.calls != 0 {
		t.Errorf("expected no exchange for a refused query, got %d", ex.calls)
	}
}

func TestInitialize_RequiresAudience(t *testing.T) {
	module := New("db")
	err := module.Initialize(context.Background(), map[string]any{
		"dsn": "postgres://warden@127.0.0.1:1/warden?sslmode=disable",
	})
	if err == nil || !strings.Contains(err.Error(), "audience") {
		t.Errorf("expected missing audience to fail initialisation, got %v", err)
	}
}

func TestFailure_DetailStaysInAuditTrail(t *testing.T) {
	session := sessionWithRole("alice; DROP ROLE admin")
	result := failure(session, "query", "role \"alice; DROP ROLE admin\" is not a valid identifier", "no database identity for user")

	if result.Success {
		t.Error("expected failure result")
	}
	if strings.Contains(result.Error, "DROP ROLE") {
		t.Errorf("expected client-safe error, got %q", result.Error)
	}
	if len(result.AuditTrail) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(result.AuditTrail))
	}
	if !strings.Contains(result.AuditTrail[0].Error, "DROP ROLE") {
		t.Errorf("expected audit trail to carry the full detail, got %q", result.AuditTrail[0].Error)
	}
}

func sessionWithRole(legacyUsername string) *authn.UserSession {
	return authn.NewSession(authn.SessionInput{
		Payload:        claims.Claims{"sub": "alice"},
		RoleResult:     authn.RoleResult{PrimaryRole: authn.RoleUser},
		LegacyUsername: legacyUsername,
		RawToken:       "raw",
	})
}
