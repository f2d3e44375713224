package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/project-umbra/warden/internal/authn"
	"github.com/project-umbra/warden/internal/authz"
	"github.com/project-umbra/warden/internal/clock"
	"github.com/project-umbra/warden/internal/httpfixture"
	"github.com/project-umbra/warden/internal/metadata"
	"github.com/project-umbra/warden/internal/server"
)

const (
	srvIssuer   = "https://idp.test"
	srvJWKSURL  = "https://idp.test/keys"
	srvResource = "https://warden.test"
)

type serverHarness struct {
	handler http.Handler
	fixture *httpfixture.JWKSFixture
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	fixture, err := httpfixture.NewJWKSFixture(httpfixture.JWKSFixtureConfig{
		Issuer:  srvIssuer,
		JWKSURL: srvJWKSURL,
		Clock:   clk,
	})
	if err != nil {
		t.Fatalf("failed to create JWKS fixture: %v", err)
	}
	transport := httpfixture.NewTransport(httpfixture.TransportConfig{Provider: fixture, Strict: true})

	issuer, err := authn.NewIssuer(context.Background(), authn.IssuerConfig{
		Name:     "test-idp",
		Issuer:   srvIssuer,
		JWKSURL:  srvJWKSURL,
		Audience: srvResource,
		RoleMappings: authn.RoleMappings{
			User:                []string{"engineers"},
			RejectUnmappedRoles: true,
		},
		HTTPClient: transport.Client(),
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	validator, err := authn.NewValidator(authn.ValidatorConfig{
		Issuers: []*authn.Issuer{issuer},
		Clock:   clk,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	auth, err := authn.NewService(authn.ServiceConfig{Validator: validator, Clock: clk})
	if err != nil {
		t.Fatalf("failed to create auth service: %v", err)
	}

	tools := authz.NewToolSet(nil)
	if err := tools.Register(&authz.Tool{
		Name:        "echo",
		Description: "echoes its params",
		Handle: func(_ context.Context, _ *authn.UserSession, params map[string]any) (any, *authz.Error) {
			return params, nil
		},
	}); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	if err := tools.Register(&authz.Tool{
		Name:           "scoped",
		RequiredScopes: []string{"reports:read"},
		Handle: func(context.Context, *authn.UserSession, map[string]any) (any, *authz.Error) {
			return "ok", nil
		},
	}); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}

	doc, err := metadata.New(srvResource, []string{srvIssuer}, []string{"reports:read"})
	if err != nil {
		t.Fatalf("failed to build metadata: %v", err)
	}

	srv, err := server.New(server.Config{
		Addr:     ":0",
		Metadata: doc,
		Auth:     auth,
		Tools:    tools,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	return &serverHarness{handler: srv.Handler(), fixture: fixture}
}

func (h *serverHarness) token(t *testing.T) string {
	t.Helper()
	raw, err := h.fixture.CreateAndSignToken(map[string]any{
		"sub":   "alice",
		"aud":   srvResource,
		"roles": []string{"engineers"},
	})
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return raw
}

func (h *serverHarness) invoke(t *testing.T, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/invoke", bytes.NewReader(encoded))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) authz.Envelope {
	t.Helper()
	var env authz.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

func TestServer_MetadataIsPublic(t *testing.T) {
	h := newServerHarness(t)

	req := httptest.NewRequest(http.MethodGet, metadata.WellKnownPath, nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var doc metadata.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to decode document: %v", err)
	}
	if doc.Resource != srvResource {
		t.Errorf("expected resource %q, got %q", srvResource, doc.Resource)
	}
	if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != srvIssuer {
		t.Errorf("expected authorization servers [%s], got %v", srvIssuer, doc.AuthorizationServers)
	}
}

func TestServer_HealthIsPublic(t *testing.T) {
	h := newServerHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServer_MissingTokenChallenges(t *testing.T) {
	h := newServerHarness(t)

	rec := h.invoke(t, "", map[string]any{"tool": "echo"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	challenge := rec.Header().Get("WWW-Authenticate")
	if !strings.HasPrefix(challenge, "Bearer ") {
		t.Fatalf("expected a bearer challenge, got %q", challenge)
	}
	if !strings.Contains(challenge, `error="invalid_request"`) {
		t.Errorf("expected invalid_request, got %q", challenge)
	}
	if !strings.Contains(challenge, `resource_metadata="`+srvResource+metadata.WellKnownPath+`"`) {
		t.Errorf("expected resource_metadata pointer, got %q", challenge)
	}
}

func TestServer_BadTokenChallenges(t *testing.T) {
	h := newServerHarness(t)

	rec := h.invoke(t, "not-a-jwt", map[string]any{"tool": "echo"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	challenge := rec.Header().Get("WWW-Authenticate")
	if !strings.Contains(challenge, `error="invalid_token"`) {
		t.Errorf("expected invalid_token, got %q", challenge)
	}
	// The raw token never appears in the challenge
	if strings.Contains(challenge, "not-a-jwt") {
		t.Errorf("expected the token to be withheld, got %q", challenge)
	}
}

func TestServer_RejectedSessionIsForbidden(t *testing.T) {
	h := newServerHarness(t)

	raw, err := h.fixture.CreateAndSignToken(map[string]any{
		"sub":   "mallory",
		"aud":   srvResource,
		"roles": []string{"strangers"},
	})
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	rec := h.invoke(t, raw, map[string]any{"tool": "echo"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("WWW-Authenticate"), `error="insufficient_user"`) {
		t.Errorf("expected insufficient_user, got %q", rec.Header().Get("WWW-Authenticate"))
	}
}

func TestServer_Invoke(t *testing.T) {
	h := newServerHarness(t)

	rec := h.invoke(t, h.token(t), map[string]any{
		"tool":   "echo",
		"params": map[string]any{"k": "v"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	if env.Status != "success" {
		t.Fatalf("expected success, got %s (%s)", env.Status, env.Message)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["k"] != "v" {
		t.Errorf("expected echoed params, got %v", env.Data)
	}
}

func TestServer_InvokeStatusMapping(t *testing.T) {
	h := newServerHarness(t)
	token := h.token(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   authz.ErrorCode
	}{
		{
			name:       "unknown tool",
			body:       map[string]any{"tool": "ghost"},
			wantStatus: http.StatusNotFound,
			wantCode:   authz.CodeModuleNotAvailable,
		},
		{
			name:       "missing scope",
			body:       map[string]any{"tool": "scoped"},
			wantStatus: http.StatusForbidden,
			wantCode:   authz.CodeInsufficientScope,
		},
		{
			name:       "missing tool name",
			body:       map[string]any{"params": map[string]any{}},
			wantStatus: http.StatusBadRequest,
			wantCode:   authz.CodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.invoke(t, token, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			env := decodeEnvelope(t, rec)
			if env.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, env.Code)
			}
		})
	}
}

func TestServer_InvokeRejectsBadJSON(t *testing.T) {
	h := newServerHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/invoke", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+h.token(t))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServer_InvokeRequiresPOST(t *testing.T) {
	h := newServerHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoke", nil)
	req.Header.Set("Authorization", "Bearer "+h.token(t))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestServer_ListTools(t *testing.T) {
	h := newServerHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer "+h.token(t))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected data map, got %T", env.Data)
	}
	listed, ok := data["tools"].([]any)
	if !ok || len(listed) != 1 {
		t.Fatalf("expected the session to see the one tool it can invoke, got %v", data["tools"])
	}
	first := listed[0].(map[string]any)
	if first["name"] != "echo" {
		t.Errorf("expected echo listed, got %v", first)
	}
}
