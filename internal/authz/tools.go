package authz

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/project-umbra/warden/internal/audit"
	"github.com/project-umbra/warden/internal/authn"
)

const auditSource = "authz:tools"

// Handler executes one tool invocation for an already-authorized session
type Handler func(ctx context.Context, session *authn.UserSession, params map[string]any) (any, *Error)

// Tool is one invokable operation with its authorization requirements
type Tool struct {
	// Name is the invocation key
	Name string

	// Description is shown in tool listings
	Description string

	// RequiredRoles gates invocation; any one suffices. Empty means any
	// authenticated session.
	RequiredRoles []string

	// RequiredScopes gates invocation; all are required
	RequiredScopes []string

	// Visible controls listing. Nil means visible to any session that
	// could invoke the tool. Visibility failures never fail the listing;
	// a panicking predicate reads as not visible.
	Visible func(session *authn.UserSession) bool

	// Handle executes the tool
	Handle Handler
}

// ToolSet holds the registered tools and executes invocations with
// authorization, panic containment, and audit
type ToolSet struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	audit *audit.Service
}

// NewToolSet creates an empty tool set
func NewToolSet(auditSvc *audit.Service) *ToolSet {
	if auditSvc == nil {
		auditSvc = audit.NewNop()
	}
	return &ToolSet{
		tools: make(map[string]*Tool),
		audit: auditSvc,
	}
}

// Register adds a tool. Names are unique.
func (ts *ToolSet) Register(tool *Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handle == nil {
		return fmt.Errorf("tool %q has no handler", tool.Name)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, exists := ts.tools[tool.Name]; exists {
		return fmt.Errorf("tool %q is already registered", tool.Name)
	}
	ts.tools[tool.Name] = tool
	return nil
}

// List returns the names and descriptions of tools visible to the session,
// sorted by name
func (ts *ToolSet) List(session *authn.UserSession) []map[string]string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var out []map[string]string
	for _, tool := range ts.tools {
		if !ts.visible(tool, session) {
			continue
		}
		out = append(out, map[string]string{
			"name":        tool.Name,
			"description": tool.Description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["name"] < out[j]["name"] })
	return out
}

// visible evaluates a tool's visibility fail-safe: any doubt, including a
// panicking predicate, hides the tool
func (ts *ToolSet) visible(tool *Tool, session *authn.UserSession) (visible bool) {
	defer func() {
		if recover() != nil {
			visible = false
		}
	}()

	if ts.authorize(tool, session) != nil {
		return false
	}
	if tool.Visible != nil {
		return tool.Visible(session)
	}
	return true
}

// Execute runs a tool invocation end to end and always returns an
// envelope. Handler panics become INTERNAL_ERROR with the detail confined
// to the audit trail.
func (ts *ToolSet) Execute(ctx context.Context, name string, session *authn.UserSession, params map[string]any) Envelope {
	ts.mu.RLock()
	tool, ok := ts.tools[name]
	ts.mu.RUnlock()

	if !ok {
		err := NewError(http.StatusNotFound, CodeModuleNotAvailable, fmt.Sprintf("tool %q is not available", name))
		ts.logInvocation(session, name, err, err.Message)
		return Failure(err)
	}

	if err := ts.authorize(tool, session); err != nil {
		ts.logInvocation(session, name, err, err.Message)
		return Failure(err)
	}

	result, err := ts.invoke(ctx, tool, session, params)
	if err != nil {
		detail := err.Message
		if err.Detail != nil {
			detail = err.Message + ": " + err.Detail.Error()
		}
		ts.logInvocation(session, name, err, detail)
		return Failure(err)
	}

	ts.logInvocation(session, name, nil, "")
	return Success(result)
}

// authorize applies the tool's role and scope requirements
func (ts *ToolSet) authorize(tool *Tool, session *authn.UserSession) *Error {
	if len(tool.RequiredRoles) > 0 {
		if err := RequireAnyRole(session, tool.RequiredRoles...); err != nil {
			return err
		}
	} else if err := RequireAuth(session); err != nil {
		return err
	}
	if len(tool.RequiredScopes) > 0 {
		if err := RequireAllScopes(session, tool.RequiredScopes...); err != nil {
			return err
		}
	}
	return nil
}

// invoke calls the handler with panic containment
func (ts *ToolSet) invoke(ctx context.Context, tool *Tool, session *authn.UserSession, params map[string]any) (result any, toolErr *Error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			toolErr = NewError(http.StatusInternalServerError, CodeInternalError, "tool execution failed").
				WithDetail(fmt.Errorf("tool %q panicked: %v", tool.Name, rec))
		}
	}()

	return tool.Handle(ctx, session, params)
}

func (ts *ToolSet) logInvocation(session *authn.UserSession, name string, err *Error, detail string) {
	entry := audit.Entry{
		Source:   auditSource,
		Action:   "invoke",
		Resource: name,
		Success:  err == nil,
	}
	if session != nil {
		entry.UserID = session.UserID
	}
	if err != nil {
		entry.Error = detail
		entry.Metadata = map[string]any{"code": string(err.Code)}
	}
	_ = ts.audit.Log(entry)
}
