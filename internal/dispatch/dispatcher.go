// ABOUTME: Method dispatcher routing envelopes through auth, rate, and handler stages.
// ABOUTME: The dispatch table is closed at construction; every method carries its gates.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opal-labs/opal-gateway/internal/audit"
	"github.com/opal-labs/opal-gateway/internal/auth"
	"github.com/opal-labs/opal-gateway/internal/protocol"
	"github.com/opal-labs/opal-gateway/internal/ratelimit"
	"github.com/opal-labs/opal-gateway/internal/registry"
	"github.com/opal-labs/opal-gateway/internal/session"
	"github.com/opal-labs/opal-gateway/internal/store"
	"github.com/opal-labs/opal-gateway/internal/subscribe"
)

// ErrInvalidParams marks a params shape violation inside a handler.
var ErrInvalidParams = errors.New("invalid params")

// anonymousPrincipal attributes audit records for calls that failed before
// a principal could be resolved.
const anonymousPrincipal = "anonymous"

// Call is the context a handler receives after every gate has passed.
type Call struct {
	Session   *session.Session // nil for session-less API-token calls
	Principal *auth.Principal
	Params    json.RawMessage
}

// HandlerFunc executes one method. Returned errors are mapped to protocol
// error codes at the dispatcher boundary.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// methodSpec is one row of the closed dispatch table.
type methodSpec struct {
	handler      HandlerFunc
	rateClass    string
	minRole      auth.Role
	permission   string // non-empty for permission-gated methods
	needsSession bool   // true for methods meaningless without a connection
}

// Config carries the dispatcher's collaborators.
type Config struct {
	Resolver   *auth.Resolver
	Limiter    *ratelimit.Limiter
	Registries *registry.Registries
	Broadcast  *subscribe.Broadcaster
	Sessions   *session.Manager
	Sink       *audit.Sink
	Store      store.Store
	Invoker    Invoker
	Logger     *slog.Logger

	ServerName    string
	ServerVersion string
}

// Dispatcher routes requests to handlers, enforcing auth and rate gates
// first and recording exactly one audit entry per dispatched call.
type Dispatcher struct {
	resolver   *auth.Resolver
	limiter    *ratelimit.Limiter
	registries *registry.Registries
	broadcast  *subscribe.Broadcaster
	sessions   *session.Manager
	sink       *audit.Sink
	store      store.Store
	invoker    Invoker
	logger     *slog.Logger

	serverName    string
	serverVersion string

	table map[string]methodSpec
}

// New builds the dispatcher and its closed method table, and wires the
// registry change hooks to the broadcaster so list_changed events fire
// strictly after each mutation is visible.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Resolver == nil:
		return nil, errors.New("resolver is required")
	case cfg.Limiter == nil:
		return nil, errors.New("limiter is required")
	case cfg.Registries == nil:
		return nil, errors.New("registries are required")
	case cfg.Broadcast == nil:
		return nil, errors.New("broadcaster is required")
	case cfg.Sessions == nil:
		return nil, errors.New("session manager is required")
	case cfg.Sink == nil:
		return nil, errors.New("audit sink is required")
	case cfg.Store == nil:
		return nil, errors.New("store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		resolver:      cfg.Resolver,
		limiter:       cfg.Limiter,
		registries:    cfg.Registries,
		broadcast:     cfg.Broadcast,
		sessions:      cfg.Sessions,
		sink:          cfg.Sink,
		store:         cfg.Store,
		invoker:       cfg.Invoker,
		logger:        logger.With("component", "dispatch"),
		serverName:    cfg.ServerName,
		serverVersion: cfg.ServerVersion,
	}
	if d.serverName == "" {
		d.serverName = "opal-gateway"
	}
	if d.serverVersion == "" {
		d.serverVersion = "dev"
	}

	d.buildTable()
	d.wireNotifications()
	d.sink.SessionCounter(d.sessions.Count)
	d.sessions.OnClose(d.broadcast.Detach)

	return d, nil
}

// buildTable registers every method with its gates. Adding a method here
// is the only way to expose it.
func (d *Dispatcher) buildTable() {
	d.table = map[string]methodSpec{
		"ping": {handler: d.handlePing, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleViewer},

		"tools/list":    {handler: d.handleToolsList, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleViewer},
		"tools/get":     {handler: d.handleToolsGet, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleViewer},
		"tools/upsert":  {handler: d.handleToolsUpsert, rateClass: ratelimit.ClassRegistryMutate, minRole: auth.RoleAdmin},
		"tools/delete":  {handler: d.handleToolsDelete, rateClass: ratelimit.ClassRegistryMutate, minRole: auth.RoleAdmin},
		"tools/execute": {handler: d.handleToolsExecute, rateClass: ratelimit.ClassToolExecution, minRole: auth.RoleOperator, permission: "tools.execute"},

		"resources/list":        {handler: d.handleResourcesList, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleViewer},
		"resources/get":         {handler: d.handleResourcesGet, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleViewer},
		"resources/upsert":      {handler: d.handleResourcesUpsert, rateClass: ratelimit.ClassRegistryMutate, minRole: auth.RoleAdmin},
		"resources/delete":      {handler: d.handleResourcesDelete, rateClass: ratelimit.ClassRegistryMutate, minRole: auth.RoleAdmin},
		"resources/subscribe":   {handler: d.handleResourcesSubscribe, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleViewer, needsSession: true},
		"resources/unsubscribe": {handler: d.handleResourcesUnsubscribe, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleViewer, needsSession: true},

		"prompts/list":   {handler: d.handlePromptsList, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleViewer},
		"prompts/get":    {handler: d.handlePromptsGet, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleViewer},
		"prompts/upsert": {handler: d.handlePromptsUpsert, rateClass: ratelimit.ClassRegistryMutate, minRole: auth.RoleAdmin},
		"prompts/delete": {handler: d.handlePromptsDelete, rateClass: ratelimit.ClassRegistryMutate, minRole: auth.RoleAdmin},
		"prompts/render": {handler: d.handlePromptsRender, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleViewer},

		"server/stats": {handler: d.handleServerStats, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleAdmin},
		"audit/list":   {handler: d.handleAuditList, rateClass: ratelimit.ClassGeneric, minRole: auth.RoleAdmin},
	}
}

// wireNotifications connects registry mutation hooks to the broadcaster.
// The hooks run synchronously after each in-memory commit, preserving the
// mutation-before-notification ordering.
func (d *Dispatcher) wireNotifications() {
	d.registries.Tools.OnChange(func() {
		d.broadcast.Broadcast("notifications/tools/list_changed", nil)
	})
	d.registries.Prompts.OnChange(func() {
		d.broadcast.Broadcast("notifications/prompts/list_changed", nil)
	})
	d.registries.Resources.OnChange(func() {
		d.broadcast.Broadcast("notifications/resources/list_changed", nil)
	})
	d.registries.Resources.OnDelete(d.broadcast.DropResource)
}

// ResolveCredential resolves a raw credential to a principal, for
// transport-level ownership checks outside the dispatch pipeline.
func (d *Dispatcher) ResolveCredential(ctx context.Context, credential string) (*auth.Principal, error) {
	return d.resolver.Resolve(ctx, credential)
}

// Methods returns the sorted method names of the dispatch table, for
// startup logging and capability introspection.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.table))
	for m := range d.table {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs one request through the gate pipeline and returns the
// response envelope. sess may be nil for session-less API-token calls;
// credential is consulted only when no session principal exists.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, credential string, env *protocol.Envelope) *protocol.Envelope {
	started := time.Now()
	method := env.Method

	principalID := anonymousPrincipal
	fail := func(code int, message string, data any) *protocol.Envelope {
		d.audit(principalID, method, env.Params, started, fmt.Sprintf("%d: %s", code, message))
		return protocol.NewError(env.ID, code, message, data)
	}

	spec, known := d.table[method]
	if !known {
		return fail(protocol.CodeMethodNotFound, "method not found", nil)
	}

	// Resolve the principal: bound to the session for its lifetime, or
	// per-call for bare API-token requests.
	var principal *auth.Principal
	if sess != nil {
		principal = sess.Principal
		d.sessions.Touch(sess.ID)
	} else {
		var err error
		principal, err = d.resolver.Resolve(ctx, credential)
		if err != nil {
			return fail(protocol.CodeUnauthorized, authErrorMessage(err), nil)
		}
	}
	principalID = principal.ID

	if spec.needsSession && sess == nil {
		return fail(protocol.CodeNotInitialized, "method requires an initialized session", nil)
	}

	// Authorization is re-checked per method: a resolved principal is
	// necessary but not sufficient.
	if err := authorize(spec, principal); err != nil {
		code, message := classifyError(err)
		return fail(code, message, nil)
	}

	decision := d.limiter.Check(principal.ID, spec.rateClass)
	if !decision.Allowed {
		retry := int(decision.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		return fail(protocol.CodeRateLimited, "rate limit exceeded",
			map[string]int{"retryAfterSeconds": retry})
	}

	result, err := d.execute(ctx, spec, &Call{Session: sess, Principal: principal, Params: env.Params})
	if err != nil {
		code, message := classifyError(err)
		if code == protocol.CodeInternalError {
			d.logger.Error("handler failed",
				"method", method,
				"principal", principal.ID,
				"error", err,
			)
		}
		return fail(code, message, nil)
	}

	d.audit(principal.ID, method, env.Params, started, "")

	out, err := protocol.NewResult(env.ID, result)
	if err != nil {
		d.logger.Error("encoding result", "method", method, "error", err)
		return protocol.NewError(env.ID, protocol.CodeInternalError, "internal error", nil)
	}
	return out
}

// execute runs the handler with panic containment.
func (d *Dispatcher) execute(ctx context.Context, spec methodSpec, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return spec.handler(ctx, call)
}

// audit queues the single per-call record. errMessage empty means success.
func (d *Dispatcher) audit(principalID, method string, params json.RawMessage, started time.Time, errMessage string) {
	outcome := store.OutcomeOK
	if errMessage != "" {
		outcome = store.OutcomeFailed
	}
	d.sink.Record(audit.Entry{
		PrincipalID:  principalID,
		Action:       method,
		ParamsDigest: audit.DigestParams(params),
		Outcome:      outcome,
		Duration:     time.Since(started),
		ErrorMessage: errMessage,
	})
}

// authErrorMessage maps resolver errors to stable client-facing text.
func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "authentication required"
	case errors.Is(err, auth.ErrExpiredToken):
		return "invalid or expired token"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid or expired token"
	default:
		return "authentication failed"
	}
}

// authorize checks the method's role and permission gates against the
// resolved principal.
func authorize(spec methodSpec, principal *auth.Principal) error {
	if !principal.Role.AtLeast(spec.minRole) {
		return fmt.Errorf("%w: requires %s", auth.ErrInsufficientRole, spec.minRole)
	}
	if spec.permission != "" && !principal.Can(spec.permission) {
		return fmt.Errorf("%w: %s", auth.ErrInsufficientPermission, spec.permission)
	}
	return nil
}

// classifyError maps handler errors to protocol codes. Internal failures
// are reported with a generic message so nothing leaks to the caller.
func classifyError(err error) (int, string) {
	var eo *protocol.ErrorObject
	if errors.As(err, &eo) {
		return eo.Code, eo.Message
	}
	switch {
	case errors.Is(err, auth.ErrInsufficientRole):
		return protocol.CodeForbidden, "insufficient role"
	case errors.Is(err, auth.ErrInsufficientPermission):
		return protocol.CodeForbidden, "insufficient permission"
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return protocol.CodeNotFound, "not found"
	case errors.Is(err, ErrInvalidParams):
		return protocol.CodeInvalidParams, err.Error()
	default:
		return protocol.CodeInternalError, "internal error"
	}
}
