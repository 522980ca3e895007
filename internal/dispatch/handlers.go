// ABOUTME: Handlers for every dispatched method, plus the initialize handshake.
// ABOUTME: Handlers assume the gate pipeline already ran; they only do domain work.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opal-labs/opal-gateway/internal/audit"
	"github.com/opal-labs/opal-gateway/internal/protocol"
	"github.com/opal-labs/opal-gateway/internal/ratelimit"
	"github.com/opal-labs/opal-gateway/internal/registry"
	"github.com/opal-labs/opal-gateway/internal/session"
	"github.com/opal-labs/opal-gateway/internal/store"
)

// ProtocolVersion is the wire protocol revision this gateway speaks.
const ProtocolVersion = "2025-06-18"

func decodeParams[T any](raw json.RawMessage, out *T) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// --- initialize -------------------------------------------------------

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools     capabilityFlags `json:"tools"`
	Resources capabilityFlags `json:"resources"`
	Prompts   capabilityFlags `json:"prompts"`
}

type capabilityFlags struct {
	ListChanged bool `json:"listChanged"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
}

// Initialize performs the handshake: it authenticates the credential,
// opens a session, and returns the result envelope with the new session.
// It runs outside the dispatch table because no session exists yet.
func (d *Dispatcher) Initialize(ctx context.Context, credential string, env *protocol.Envelope) (*protocol.Envelope, *session.Session) {
	started := time.Now()

	fail := func(principalID string, code int, message string) *protocol.Envelope {
		d.audit(principalID, "initialize", env.Params, started, fmt.Sprintf("%d: %s", code, message))
		return protocol.NewError(env.ID, code, message, nil)
	}

	principal, err := d.resolver.Resolve(ctx, credential)
	if err != nil {
		return fail(anonymousPrincipal, protocol.CodeUnauthorized, authErrorMessage(err)), nil
	}

	decision := d.limiter.Check(principal.ID, ratelimit.ClassGeneric)
	if !decision.Allowed {
		return fail(principal.ID, protocol.CodeRateLimited, "rate limit exceeded"), nil
	}

	var params initializeParams
	if err := decodeParams(env.Params, &params); err != nil {
		return fail(principal.ID, protocol.CodeInvalidParams, err.Error()), nil
	}

	// Version negotiation: the response always names the revision the
	// server will speak. A client that cannot follow should disconnect.
	sess := d.sessions.Open(principal, ProtocolVersion)
	d.logger.Info("handshake complete",
		"session_id", sess.ID,
		"principal", principal.ID,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
	)

	d.audit(principal.ID, "initialize", env.Params, started, "")

	result := initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: capabilities{
			Tools:     capabilityFlags{ListChanged: true},
			Resources: capabilityFlags{ListChanged: true, Subscribe: true},
			Prompts:   capabilityFlags{ListChanged: true},
		},
		ServerInfo: serverInfo{Name: d.serverName, Version: d.serverVersion},
	}
	out, err := protocol.NewResult(env.ID, result)
	if err != nil {
		d.sessions.Close(sess.ID)
		return fail(principal.ID, protocol.CodeInternalError, "internal error"), nil
	}
	return out, sess
}

// CloseSession tears down a session explicitly. Returns false when the
// session id is unknown.
func (d *Dispatcher) CloseSession(id string) bool {
	return d.sessions.Close(id)
}

// --- ping -------------------------------------------------------------

func (d *Dispatcher) handlePing(context.Context, *Call) (any, error) {
	return map[string]any{}, nil
}

// --- shared params ----------------------------------------------------

type listParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type keyParams struct {
	Key string `json:"key"`
}

func (p keyParams) validate() error {
	if p.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidParams)
	}
	return nil
}

type listResult[T registry.Entry] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

func listPage[T registry.Entry](r *registry.Registry[T], raw json.RawMessage) (any, error) {
	var params listParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	page := r.List(params.Cursor)
	items := page.Items
	if items == nil {
		items = []T{}
	}
	return listResult[T]{Items: items, NextCursor: page.NextCursor}, nil
}

type deleteResult struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

// --- tools ------------------------------------------------------------

type toolUpsertParams struct {
	Key              string          `json:"key,omitempty"`
	Description      string          `json:"description"`
	InputSchema      json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema     json.RawMessage `json:"outputSchema,omitempty"`
	InvocationMethod string          `json:"invocationMethod"`
	InvocationTarget string          `json:"invocationTarget"`
}

func (d *Dispatcher) handleToolsList(_ context.Context, call *Call) (any, error) {
	return listPage(d.registries.Tools, call.Params)
}

func (d *Dispatcher) handleToolsGet(_ context.Context, call *Call) (any, error) {
	var params keyParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return d.registries.Tools.Get(params.Key)
}

func (d *Dispatcher) handleToolsUpsert(ctx context.Context, call *Call) (any, error) {
	var params toolUpsertParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.InvocationTarget == "" {
		return nil, fmt.Errorf("%w: invocationTarget is required", ErrInvalidParams)
	}
	tool := &registry.Tool{
		Description:      params.Description,
		InputSchema:      params.InputSchema,
		OutputSchema:     params.OutputSchema,
		InvocationMethod: params.InvocationMethod,
		InvocationTarget: params.InvocationTarget,
	}
	if tool.InvocationMethod == "" {
		tool.InvocationMethod = "POST"
	}
	return d.registries.Tools.Upsert(ctx, params.Key, tool)
}

func (d *Dispatcher) handleToolsDelete(ctx context.Context, call *Call) (any, error) {
	var params keyParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	deleted, err := d.registries.Tools.Delete(ctx, params.Key)
	if err != nil {
		return nil, err
	}
	return deleteResult{Key: params.Key, Deleted: deleted}, nil
}

type toolExecuteParams struct {
	Key       string          `json:"key"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type toolExecuteResult struct {
	Key        string          `json:"key"`
	Output     json.RawMessage `json:"output"`
	DurationMs int64           `json:"durationMs"`
}

func (d *Dispatcher) handleToolsExecute(ctx context.Context, call *Call) (any, error) {
	var params toolExecuteParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.Key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidParams)
	}
	tool, err := d.registries.Tools.Get(params.Key)
	if err != nil {
		return nil, err
	}
	if d.invoker == nil {
		return nil, protocol.NewErrorObject(protocol.CodeInternalError, "tool execution is not configured")
	}

	started := time.Now()
	output, err := d.invoker.Invoke(ctx, tool, params.Arguments)
	if err != nil {
		d.logger.Warn("tool invocation failed",
			"tool", params.Key,
			"principal", call.Principal.ID,
			"error", err,
		)
		return nil, protocol.NewErrorObject(protocol.CodeInternalError, "tool invocation failed")
	}
	return toolExecuteResult{
		Key:        params.Key,
		Output:     output,
		DurationMs: time.Since(started).Milliseconds(),
	}, nil
}

// --- resources --------------------------------------------------------

type resourceUpsertParams struct {
	Key         string `json:"key,omitempty"`
	MIMEType    string `json:"mimeType"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text,omitempty"`
	Ref         string `json:"ref,omitempty"`
}

func (d *Dispatcher) handleResourcesList(_ context.Context, call *Call) (any, error) {
	return listPage(d.registries.Resources, call.Params)
}

func (d *Dispatcher) handleResourcesGet(_ context.Context, call *Call) (any, error) {
	var params keyParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return d.registries.Resources.Get(params.Key)
}

func (d *Dispatcher) handleResourcesUpsert(ctx context.Context, call *Call) (any, error) {
	var params resourceUpsertParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.Text == "" && params.Ref == "" {
		return nil, fmt.Errorf("%w: one of text or ref is required", ErrInvalidParams)
	}
	res := &registry.Resource{
		MIMEType:    params.MIMEType,
		Title:       params.Title,
		Description: params.Description,
		Text:        params.Text,
		Ref:         params.Ref,
	}
	if res.MIMEType == "" {
		res.MIMEType = "text/plain"
	}
	stored, err := d.registries.Resources.Upsert(ctx, params.Key, res)
	if err != nil {
		return nil, err
	}
	// Targeted change events go only to sessions subscribed to this key;
	// the list_changed broadcast already fired from the registry hook.
	d.broadcast.NotifySubscribers(stored.Key, "notifications/resources/changed",
		map[string]string{"uri": stored.Key})
	return stored, nil
}

func (d *Dispatcher) handleResourcesDelete(ctx context.Context, call *Call) (any, error) {
	var params keyParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	deleted, err := d.registries.Resources.Delete(ctx, params.Key)
	if err != nil {
		return nil, err
	}
	return deleteResult{Key: params.Key, Deleted: deleted}, nil
}

type subscribeParams struct {
	URI string `json:"uri"`
}

func (p subscribeParams) validate() error {
	if p.URI == "" {
		return fmt.Errorf("%w: uri is required", ErrInvalidParams)
	}
	return nil
}

func (d *Dispatcher) handleResourcesSubscribe(_ context.Context, call *Call) (any, error) {
	var params subscribeParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	// Interest in a resource that does not exist is an error, not a
	// standing order for its future creation.
	if _, err := d.registries.Resources.Get(params.URI); err != nil {
		return nil, err
	}
	d.broadcast.Subscribe(call.Session.ID, params.URI)
	return map[string]string{"uri": params.URI}, nil
}

func (d *Dispatcher) handleResourcesUnsubscribe(_ context.Context, call *Call) (any, error) {
	var params subscribeParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	d.broadcast.Unsubscribe(call.Session.ID, params.URI)
	return map[string]string{"uri": params.URI}, nil
}

// --- prompts ----------------------------------------------------------

type promptUpsertParams struct {
	Key            string                   `json:"key,omitempty"`
	Name           string                   `json:"name"`
	Description    string                   `json:"description,omitempty"`
	Messages       []registry.PromptMessage `json:"messages"`
	ArgumentSchema json.RawMessage          `json:"argumentSchema,omitempty"`
}

func (d *Dispatcher) handlePromptsList(_ context.Context, call *Call) (any, error) {
	return listPage(d.registries.Prompts, call.Params)
}

func (d *Dispatcher) handlePromptsGet(_ context.Context, call *Call) (any, error) {
	var params keyParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return d.registries.Prompts.Get(params.Key)
}

func (d *Dispatcher) handlePromptsUpsert(ctx context.Context, call *Call) (any, error) {
	var params promptUpsertParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if len(params.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages are required", ErrInvalidParams)
	}
	prompt := &registry.Prompt{
		Name:           params.Name,
		Description:    params.Description,
		Messages:       params.Messages,
		ArgumentSchema: params.ArgumentSchema,
	}
	return d.registries.Prompts.Upsert(ctx, params.Key, prompt)
}

func (d *Dispatcher) handlePromptsDelete(ctx context.Context, call *Call) (any, error) {
	var params keyParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	deleted, err := d.registries.Prompts.Delete(ctx, params.Key)
	if err != nil {
		return nil, err
	}
	return deleteResult{Key: params.Key, Deleted: deleted}, nil
}

type promptRenderParams struct {
	Key       string            `json:"key"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

type promptRenderResult struct {
	Key      string                   `json:"key"`
	Messages []registry.PromptMessage `json:"messages"`
}

func (d *Dispatcher) handlePromptsRender(_ context.Context, call *Call) (any, error) {
	var params promptRenderParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.Key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidParams)
	}
	prompt, err := d.registries.Prompts.Get(params.Key)
	if err != nil {
		return nil, err
	}
	return promptRenderResult{
		Key:      params.Key,
		Messages: prompt.Render(params.Arguments, d.logger),
	}, nil
}

// --- server/stats and audit/list --------------------------------------

type statsResult struct {
	TotalCalls      uint64             `json:"totalCalls"`
	FailedCalls     uint64             `json:"failedCalls"`
	CallsPerMinute  int                `json:"callsPerMinute"`
	AvgLatencyMs    float64            `json:"avgLatencyMs"`
	LiveSessions    int                `json:"liveSessions"`
	RegistryCounts  map[string]int     `json:"registryCounts"`
	RecentErrors    []audit.ErrorEntry `json:"recentErrors"`
	ProtocolVersion string             `json:"protocolVersion"`
}

func (d *Dispatcher) handleServerStats(_ context.Context, _ *Call) (any, error) {
	stats := d.sink.Snapshot()
	return statsResult{
		TotalCalls:     stats.TotalCalls,
		FailedCalls:    stats.FailedCalls,
		CallsPerMinute: stats.CallsPerMinute,
		AvgLatencyMs:   float64(stats.AvgLatency.Microseconds()) / 1000.0,
		LiveSessions:   stats.LiveSessions,
		RegistryCounts: map[string]int{
			"tools":     d.registries.Tools.Len(),
			"resources": d.registries.Resources.Len(),
			"prompts":   d.registries.Prompts.Len(),
		},
		RecentErrors:    stats.RecentErrors,
		ProtocolVersion: ProtocolVersion,
	}, nil
}

type auditListParams struct {
	Since       string `json:"since,omitempty"`
	Until       string `json:"until,omitempty"`
	PrincipalID string `json:"principalId,omitempty"`
	Action      string `json:"action,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

type auditListEntry struct {
	ID           string `json:"id"`
	PrincipalID  string `json:"principalId"`
	Action       string `json:"action"`
	ParamsDigest string `json:"paramsDigest"`
	Outcome      string `json:"outcome"`
	DurationMs   int64  `json:"durationMs"`
	Timestamp    string `json:"timestamp"`
}

func (d *Dispatcher) handleAuditList(ctx context.Context, call *Call) (any, error) {
	var params auditListParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}

	filter := store.AuditFilter{Limit: params.Limit}
	if params.Since != "" {
		t, err := time.Parse(time.RFC3339, params.Since)
		if err != nil {
			return nil, fmt.Errorf("%w: bad since timestamp", ErrInvalidParams)
		}
		filter.Since = &t
	}
	if params.Until != "" {
		t, err := time.Parse(time.RFC3339, params.Until)
		if err != nil {
			return nil, fmt.Errorf("%w: bad until timestamp", ErrInvalidParams)
		}
		filter.Until = &t
	}
	if params.PrincipalID != "" {
		filter.PrincipalID = &params.PrincipalID
	}
	if params.Action != "" {
		filter.Action = &params.Action
	}
	if params.Outcome != "" {
		if params.Outcome != store.OutcomeOK && params.Outcome != store.OutcomeFailed {
			return nil, fmt.Errorf("%w: outcome must be ok or failed", ErrInvalidParams)
		}
		filter.Outcome = &params.Outcome
	}

	records, err := d.store.ListAuditRecords(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	out := make([]auditListEntry, 0, len(records))
	for _, r := range records {
		out = append(out, auditListEntry{
			ID:           r.ID,
			PrincipalID:  r.PrincipalID,
			Action:       r.Action,
			ParamsDigest: r.ParamsDigest,
			Outcome:      r.Outcome,
			DurationMs:   r.DurationMs,
			Timestamp:    r.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return map[string]any{"records": out}, nil
}
