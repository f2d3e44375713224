// Package httpdelegate delegates to an HTTP API downstream: it exchanges
// the requestor's token for a delegated one, performs the request with it,
// and optionally reshapes the response through a Lua transform.
package httpdelegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/project-umbra/warden/internal/audit"
	"github.com/project-umbra/warden/internal/authn"
	"github.com/project-umbra/warden/internal/delegation"
	"github.com/project-umbra/warden/internal/exchange"
	"github.com/project-umbra/warden/internal/lua"
)

const moduleType = "http"

// maxResponseBytes caps how much of a downstream response is read
const maxResponseBytes = 1 << 20

// Config is the module configuration subtree
type Config struct {
	// BaseURL is the downstream API root. Paths from requests are joined
	// under it and cannot escape it.
	BaseURL string `mapstructure:"base_url"`

	// Audience is the token exchange audience for this API
	Audience string `mapstructure:"audience"`

	// Scopes are the downstream scopes requested on exchange
	Scopes []string `mapstructure:"scopes"`

	// AllowedMethods restricts HTTP methods (default: GET only)
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// RequestTimeout bounds one downstream round trip (default 15s)
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// TransformScript is an optional Lua script reshaping responses
	TransformScript string `mapstructure:"transform_script"`
}

// Module is the HTTP delegation adapter
type Module struct {
	name string
	cfg  Config

	baseURL        *url.URL
	allowedMethods map[string]bool
	transformer    *lua.Transformer
	httpClient     *http.Client
}

// New creates an uninitialised module with the given registry name
func New(name string) *Module {
	return &Module{name: name}
}

// NewWithClient creates a module with an explicit HTTP client, for testing
// with fixture transports
func NewWithClient(name string, client *http.Client) *Module {
	return &Module{name: name, httpClient: client}
}

func (m *Module) Name() string { return m.name }
func (m *Module) Type() string { return moduleType }

// Initialize decodes the configuration strictly and compiles the optional
// transform script
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
		return fmt.Errorf("invalid http module config: %w", err)
	}

	if cfg.BaseURL == "" {
		return fmt.Errorf("http module %q requires a base_url", m.name)
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil || (baseURL.Scheme != "https" && baseURL.Scheme != "http") {
		return fmt.Errorf("http module %q base_url is not a valid URL", m.name)
	}
	if cfg.Audience == "" {
		return fmt.Errorf("http module %q requires an audience", m.name)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	allowed := make(map[string]bool, len(methods))
	for _, method := range methods {
		allowed[strings.ToUpper(method)] = true
	}

	var transformer *lua.Transformer
	if cfg.TransformScript != "" {
		transformer, err = lua.NewTransformer(lua.TransformerConfig{Script: cfg.TransformScript})
		if err != nil {
			return fmt.Errorf("http module %q transform script: %w", m.name, err)
		}
	}

	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	m.cfg = cfg
	m.baseURL = baseURL
	m.allowedMethods = allowed
	m.transformer = transformer
	return nil
}

// Delegate runs one action. The only supported action is "request" with
// params {"method": string, "path": string, "query": map, "body": map}.
func (m *Module) Delegate(ctx context.Context, session *authn.UserSession, action string, params map[string]any, dctx *delegation.Context) (*delegation.Result, error) {
	if m.baseURL == nil {
		return nil, fmt.Errorf("http module %q is not initialised", m.name)
	}
	if action != "request" {
		return failure(session, action, fmt.Sprintf("unsupported action %q", action), "unsupported action"), nil
	}
	if dctx == nil || dctx.Exchanger == nil {
		return failure(session, action, "no token exchanger available", "delegation is not available"), nil
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	if !m.allowedMethods[method] {
		return failure(session, action, fmt.Sprintf("method %q is not allowed", method), "method is not permitted"), nil
	}

	path := stringParam(params, "path", "")
	target, err := m.resolvePath(path)
	if err != nil {
		return failure(session, action, err.Error(), "path is not permitted"), nil
	}

	delegated, err := dctx.Exchanger.Exchange(ctx, exchange.Request{
		SubjectToken: session.AccessToken(),
		Audience:     m.cfg.Audience,
		Scopes:       m.cfg.Scopes,
		SessionID:    dctx.SessionID,
		JWTSubject:   session.UserID,
	})
	if err != nil {
		return failure(session, action, err.Error(), "could not obtain delegated access"), nil
	}

	payload, detail, err := m.perform(ctx, method, target, params, delegated.AccessToken)
	if err != nil {
		return failure(session, action, detail, "downstream request failed"), nil
	}

	if m.transformer != nil {
		payload, err = m.transformer.Transform(payload)
		if err != nil {
			return failure(session, action, err.Error(), "response transform failed"), nil
		}
	}

	return &delegation.Result{
		Success: true,
		Data:    payload,
		AuditTrail: []audit.Entry{{
			Action:   "request",
			UserID:   session.UserID,
			Resource: method + " " + target.Path,
			Success:  true,
		}},
	}, nil
}

// resolvePath joins a request path under the base URL, refusing anything
// that would escape it
func (m *Module) resolvePath(path string) (*url.URL, error) {
	if path == "" || !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path must start with /")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("path %q contains traversal", path)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("path %q is not valid: %w", path, err)
	}
	target := m.baseURL.ResolveReference(ref)
	if target.Host != m.baseURL.Host || target.Scheme != m.baseURL.Scheme {
		return nil, fmt.Errorf("path %q resolves outside the configured API", path)
	}
	return target, nil
}

// perform runs the downstream request with the delegated bearer token.
// Returns the decoded payload plus, on failure, a detail string for audit.
func (m *Module) perform(ctx context.Context, method string, target *url.URL, params map[string]any, token string) (map[string]any, string, error) {
	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, "failed to encode request body", err
		}
		body = bytes.NewReader(encoded)
	}

	if query, ok := params["query"].(map[string]any); ok {
		values := target.Query()
		for key, value := range query {
			values.Set(key, fmt.Sprint(value))
		}
		target.RawQuery = values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, "failed to build request", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "request failed: " + err.Error(), err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "failed to read response", err
	}

	payload := map[string]any{"status": resp.StatusCode}
	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		payload["body"] = decoded
	} else {
		payload["body"] = string(raw)
	}

	if resp.StatusCode >= 400 {
		detail := fmt.Sprintf("downstream returned %d: %s", resp.StatusCode, string(raw))
		return nil, detail, fmt.Errorf("downstream returned %d", resp.StatusCode)
	}
	return payload, "", nil
}

// HealthCheck verifies the base URL host answers at all. A HEAD to the
// root suffices; authorization failures still prove reachability.
func (m *Module) HealthCheck(ctx context.Context) error {
	if m.baseURL == nil {
		return fmt.Errorf("http module %q is not initialised", m.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.baseURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http module %q downstream unreachable: %w", m.name, err)
	}
	resp.Body.Close()
	return nil
}

// Destroy releases the client's idle connections
func (m *Module) Destroy(context.Context) error {
	if m.httpClient != nil {
		m.httpClient.CloseIdleConnections()
	}
	return nil
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
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
