package delegation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/project-umbra/warden/internal/audit"
	"github.com/project-umbra/warden/internal/authn"
)

// Observer receives delegation lifecycle events
type Observer interface {
	// DelegationStarted fires before a module is invoked
	DelegationStarted(module, action, userID string)

	// DelegationCompleted fires after a module returns
	DelegationCompleted(module, action string, success bool)

	// DelegationPanicked fires when a module panics; the panic is
	// contained and converted to a failed result
	DelegationPanicked(module, action string)
}

// NoopObserver discards all events
type NoopObserver struct{}

func (NoopObserver) DelegationStarted(string, string, string) {}
func (NoopObserver) DelegationCompleted(string, string, bool) {}
func (NoopObserver) DelegationPanicked(string, string)        {}

// Registry holds the registered delegation modules and dispatches
// operations to them with timeout enforcement, panic containment, and
// audit stamping.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module

	timeout  time.Duration
	audit    *audit.Service
	observer Observer
}

// RegistryConfig configures the registry
type RegistryConfig struct {
	// Timeout bounds each delegated operation (default 30s)
	Timeout time.Duration

	// Audit receives module audit trails and registry entries
	// (default: no-op)
	Audit *audit.Service

	// Observer receives lifecycle events (default: NoopObserver)
	Observer Observer
}

// NewRegistry creates an empty registry
func NewRegistry(cfg RegistryConfig) *Registry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	auditSvc := cfg.Audit
	if auditSvc == nil {
		auditSvc = audit.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Registry{
		modules:  make(map[string]Module),
		timeout:  timeout,
		audit:    auditSvc,
		observer: observer,
	}
}

// Register adds a module. Names are unique; re-registering is an error so
// configuration mistakes cannot silently shadow a live module.
func (r *Registry) Register(module Module) error {
	name := module.Name()
	if err := ValidateName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("module %q is already registered", name)
	}
	r.modules[name] = module
	return nil
}

// Unregister removes a module and destroys it
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	module, exists := r.modules[name]
	delete(r.modules, name)
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %q", ErrModuleNotFound, name)
	}
	return module.Destroy(ctx)
}

// Get returns a registered module
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Has reports whether a module is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns the registered module names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	return names
}

// Delegate dispatches one operation to the named module.
//
// Unknown modules fail without invoking anything, leaving a registry audit
// entry and a MODULE_NOT_FOUND result. Module panics are contained and
// surface as a DELEGATION_ERROR result. The module's audit trail is
// stamped with its source and forwarded regardless of outcome.
func (r *Registry) Delegate(ctx context.Context, name string, session *authn.UserSession, action string, params map[string]any, dctx *Context) (*Result, error) {
	module, ok := r.Get(name)
	if !ok {
		_ = r.audit.Log(audit.Entry{
			Source:   "delegation:registry",
			UserID:   userID(session),
			Action:   action,
			Resource: name,
			Success:  false,
			Error:    fmt.Sprintf("module %q is not registered", name),
		})
		return &Result{Success: false, Error: ErrorModuleNotFound}, nil
	}

	r.observer.DelegationStarted(name, action, userID(session))

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.invoke(opCtx, module, session, action, params, dctx)
	if err != nil {
		result = &Result{
			Success: false,
			Error:   ErrorDelegationFailed,
			AuditTrail: []audit.Entry{{
				Action:  action,
				Success: false,
				Error:   err.Error(),
				UserID:  userID(session),
			}},
		}
	}

	r.forwardAuditTrail(name, result)
	r.observer.DelegationCompleted(name, action, result.Success)
	return result, nil
}

// invoke calls the module with panic containment
func (r *Registry) invoke(ctx context.Context, module Module, session *authn.UserSession, action string, params map[string]any, dctx *Context) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.observer.DelegationPanicked(module.Name(), action)
			result = nil
			err = fmt.Errorf("module %q panicked: %v", module.Name(), rec)
		}
	}()

	result, err = module.Delegate(ctx, session, action, params, dctx)
	if err == nil && result == nil {
		err = fmt.Errorf("module %q returned no result", module.Name())
	}
	return result, err
}

// forwardAuditTrail stamps missing sources and hands the module's entries
// to the audit service
func (r *Registry) forwardAuditTrail(moduleName string, result *Result) {
	for _, entry := range result.AuditTrail {
		if entry.Source == "" {
			entry.Source = "delegation:" + moduleName
		}
		_ = r.audit.Log(entry)
	}
}

// HealthCheck fans out to every registered module and returns the per-
// module outcome. A nil map value means healthy.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	modules := make(map[string]Module, len(r.modules))
	for name, m := range r.modules {
		modules[name] = m
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(modules))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, module := range modules {
		wg.Add(1)
		go func(name string, module Module) {
			defer wg.Done()
			err := module.HealthCheck(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, module)
	}
	wg.Wait()
	return results
}

// Shutdown destroys every module. Errors are collected, not short-circuited.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	modules := r.modules
	r.modules = make(map[string]Module)
	r.mu.Unlock()

	var firstErr error
	for name, module := range modules {
		if err := module.Destroy(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to destroy module %q: %w", name, err)
		}
	}
	return firstErr
}

func userID(session *authn.UserSession) string {
	if session == nil {
		return ""
	}
	return session.UserID
}
