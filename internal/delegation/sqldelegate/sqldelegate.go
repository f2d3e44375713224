// Package sqldelegate delegates read queries to PostgreSQL under the
// requesting user's database role. The role comes from the delegated
// token obtained by exchanging the requestor's token, never from the
// requestor's own claims.
//
// Every operation runs inside SET ROLE / RESET ROLE on a pooled
// connection: the pool's service credentials only carry the right to
// assume per-user roles, and row access is enforced by the database
// itself, not by this process.
package sqldelegate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/project-umbra/warden/internal/audit"
	"github.com/project-umbra/warden/internal/authn"
	"github.com/project-umbra/warden/internal/delegation"
	"github.com/project-umbra/warden/internal/exchange"
)

const moduleType = "sql"

// identifierPattern constrains role names to plain SQL identifiers.
// Anything else cannot be safely quoted into SET ROLE.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// deniedKeywords are statement-leading or embedded keywords that are never
// acceptable through this module, regardless of the database grants
var deniedKeywords = map[string]bool{
	"drop":     true,
	"truncate": true,
	"alter":    true,
	"grant":    true,
	"revoke":   true,
	"create":   true,
	"copy":     true,
	"vacuum":   true,
}

// writeKeywords are additionally denied unless writes are enabled
var writeKeywords = map[string]bool{
	"insert": true,
	"update": true,
	"delete": true,
	"merge":  true,
}

// Config is the module configuration subtree
type Config struct {
	// DSN is the PostgreSQL connection string. The pool user must hold
	// only role-assumption grants.
	DSN string `mapstructure:"dsn"`

	// Audience is the token exchange audience for the database identity
	Audience string `mapstructure:"audience"`

	// Scopes are the downstream scopes requested on exchange
	Scopes []string `mapstructure:"scopes"`

	// MaxConns bounds the pool (default 4)
	MaxConns int32 `mapstructure:"max_conns"`

	// AllowWrites permits INSERT/UPDATE/DELETE/MERGE statements
	AllowWrites bool `mapstructure:"allow_writes"`

	// QueryTimeout bounds a single statement (default 10s)
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// Module is the PostgreSQL delegation adapter
type Module struct {
	name string
	cfg  Config
	pool *pgxpool.Pool
}

// New creates an uninitialised module with the given registry name
func New(name string) *Module {
	return &Module{name: name}
}

func (m *Module) Name() string { return m.name }
func (m *Module) Type() string { return moduleType }

// Initialize decodes the configuration strictly and opens the pool
func (m *Module) Initialize(ctx context.Context, raw map[string]any) error {
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
		return fmt.Errorf("invalid sql module config: %w", err)
	}
	if cfg.DSN == "" {
		return fmt.Errorf("sql module %q requires a dsn", m.name)
	}
	if cfg.Audience == "" {
		return fmt.Errorf("sql module %q requires an audience", m.name)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return fmt.Errorf("sql module %q dsn is not valid: %w", m.name, err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("sql module %q failed to create pool: %w", m.name, err)
	}

	m.cfg = cfg
	m.pool = pool
	return nil
}

// Delegate runs one action. The only supported action is "query" with
// params {"sql": string, "args": []any}.
func (m *Module) Delegate(ctx context.Context, session *authn.UserSession, action string, params map[string]any, dctx *delegation.Context) (*delegation.Result, error) {
	if m.pool == nil {
		return nil, fmt.Errorf("sql module %q is not initialised", m.name)
	}
	if action != "query" {
		return failure(session, action, fmt.Sprintf("unsupported action %q", action), "unsupported action"), nil
	}

	query, _ := params["sql"].(string)
	if strings.TrimSpace(query) == "" {
		return failure(session, action, "empty query", "query is required"), nil
	}
	if reason := m.screenQuery(query); reason != "" {
		return failure(session, action, reason, "query is not permitted"), nil
	}

	role, refused := m.delegatedRole(ctx, session, action, dctx)
	if refused != nil {
		return refused, nil
	}

	args := queryArgs(params)

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()

	rows, err := m.runAsRole(opCtx, role, query, args)
	if err != nil {
		// Raw database errors carry schema details; only the audit trail
		// sees them
		return failure(session, action, err.Error(), "query failed"), nil
	}

	return &delegation.Result{
		Success: true,
		Data:    map[string]any{"rows": rows, "row_count": len(rows)},
		AuditTrail: []audit.Entry{{
			Action:   "query",
			UserID:   session.UserID,
			Resource: role,
			Success:  true,
			Metadata: map[string]any{"rows": len(rows)},
		}},
	}, nil
}

// delegatedRole exchanges the requestor's token and reads the database
// role from the delegated token's downstream identity claim. The
// requestor's own claims never pick the role.
func (m *Module) delegatedRole(ctx context.Context, session *authn.UserSession, action string, dctx *delegation.Context) (string, *delegation.Result) {
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

	role := delegated.Claims.String("legacy_name")
	if role == "" {
		return "", failure(session, action, "delegated token carries no database identity", "no database identity for user")
	}
	if !identifierPattern.MatchString(role) {
		return "", failure(session, action, fmt.Sprintf("role %q is not a valid identifier", role), "no database identity for user")
	}
	return role, nil
}

// runAsRole executes the query under SET ROLE. RESET ROLE always runs
// before the connection goes back to the pool, including on query failure;
// a failed reset poisons the connection and it is destroyed rather than
// reused.
func (m *Module) runAsRole(ctx context.Context, role, query string, args []any) ([]map[string]any, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SET ROLE "+pgx.Identifier{role}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to assume role: %w", err)
	}

	rows, queryErr := m.collect(ctx, conn, query, args)

	if _, err := conn.Exec(context.WithoutCancel(ctx), "RESET ROLE"); err != nil {
		// The connection still carries the user's role. It must not return
		// to the pool in that state.
		conn.Conn().Close(context.WithoutCancel(ctx))
		conn.Release()
		if queryErr != nil {
			return nil, queryErr
		}
		return nil, fmt.Errorf("failed to reset role: %w", err)
	}
	conn.Release()

	if queryErr != nil {
		return nil, queryErr
	}
	return rows, nil
}

func (m *Module) collect(ctx context.Context, conn *pgxpool.Conn, query string, args []any) ([]map[string]any, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// screenQuery tokenises the statement and rejects denied keywords. The
// database grants are the real boundary; this screen exists to fail fast
// and keep obviously destructive statements out of the audit noise.
func (m *Module) screenQuery(query string) string {
	for _, token := range tokenize(query) {
		if deniedKeywords[token] {
			return fmt.Sprintf("statement contains denied keyword %q", token)
		}
		if !m.cfg.AllowWrites && writeKeywords[token] {
			return fmt.Sprintf("write keyword %q requires allow_writes", token)
		}
	}
	if strings.Count(strings.TrimRight(strings.TrimSpace(query), ";"), ";") > 0 {
		return "multiple statements are not permitted"
	}
	return ""
}

// tokenize lowercases and splits a statement into word tokens, skipping
// quoted strings so literals cannot trip the keyword screen
func tokenize(query string) []string {
	var tokens []string
	var b strings.Builder
	inString := false

	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, strings.ToLower(b.String()))
			b.Reset()
		}
	}

	for _, r := range query {
		switch {
		case r == '\'':
			inString = !inString
			flush()
		case inString:
			// literal content is not tokenised
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_':
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func queryArgs(params map[string]any) []any {
	args, _ := params["args"].([]any)
	return args
}

// HealthCheck pings the pool
func (m *Module) HealthCheck(ctx context.Context) error {
	if m.pool == nil {
		return fmt.Errorf("sql module %q is not initialised", m.name)
	}
	return m.pool.Ping(ctx)
}

// Destroy closes the pool
func (m *Module) Destroy(context.Context) error {
	if m.pool != nil {
		m.pool.Close()
		m.pool = nil
	}
	return nil
}

// failure builds a failed result whose audit entry carries the full detail
// while the client-facing error stays generic
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
