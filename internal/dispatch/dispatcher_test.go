// ABOUTME: Tests for the dispatcher gate pipeline and method handlers.
// ABOUTME: Uses MockStore and a fake invoker; no network or disk involved.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-labs/opal-gateway/internal/audit"
	"github.com/opal-labs/opal-gateway/internal/auth"
	"github.com/opal-labs/opal-gateway/internal/protocol"
	"github.com/opal-labs/opal-gateway/internal/ratelimit"
	"github.com/opal-labs/opal-gateway/internal/registry"
	"github.com/opal-labs/opal-gateway/internal/session"
	"github.com/opal-labs/opal-gateway/internal/store"
	"github.com/opal-labs/opal-gateway/internal/subscribe"
)

type fakeInvoker struct {
	fn func(ctx context.Context, tool *registry.Tool, args json.RawMessage) (json.RawMessage, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, tool *registry.Tool, args json.RawMessage) (json.RawMessage, error) {
	if f.fn == nil {
		return json.RawMessage(`{"echo":true}`), nil
	}
	return f.fn(ctx, tool, args)
}

type testEnv struct {
	dispatcher *Dispatcher
	store      *store.MockStore
	broadcast  *subscribe.Broadcaster
	sessions   *session.Manager
	limiter    *ratelimit.Limiter
	verifier   *auth.SessionTokenVerifier
	invoker    *fakeInvoker
	sink       *audit.Sink
}

func newTestEnv(t *testing.T, opts ...ratelimit.Option) *testEnv {
	t.Helper()
	logger := slog.Default()
	st := store.NewMockStore()
	verifier := auth.NewSessionTokenVerifier([]byte("test-secret"))
	resolver := auth.NewResolver(verifier, auth.NewAPITokenVerifier(st))
	limiter := ratelimit.New(logger, opts...)
	t.Cleanup(limiter.Close)
	broadcast := subscribe.NewBroadcaster(logger)
	t.Cleanup(broadcast.Close)
	sessions := session.NewManager(logger)
	invoker := &fakeInvoker{}
	sink := audit.NewSink(st, logger)
	t.Cleanup(sink.Close)

	d, err := New(Config{
		Resolver:   resolver,
		Limiter:    limiter,
		Registries: registry.NewRegistries(st, logger),
		Broadcast:  broadcast,
		Sessions:   sessions,
		Sink:       sink,
		Store:      st,
		Invoker:    invoker,
		Logger:     logger,
	})
	require.NoError(t, err)

	return &testEnv{
		dispatcher: d,
		store:      st,
		broadcast:  broadcast,
		sessions:   sessions,
		limiter:    limiter,
		verifier:   verifier,
		invoker:    invoker,
		sink:       sink,
	}
}

func (e *testEnv) token(t *testing.T, id string, role auth.Role) string {
	t.Helper()
	token, err := e.verifier.Generate(&auth.Principal{ID: id, Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) openSession(t *testing.T, role auth.Role) *session.Session {
	t.Helper()
	env, sess := e.dispatcher.Initialize(context.Background(),
		e.token(t, string(role)+"-1", role), request(t, 1, "initialize", nil))
	require.Nil(t, env.Error, "initialize should succeed")
	require.NotNil(t, sess)
	return sess
}

func request(t *testing.T, id int, method string, params any) *protocol.Envelope {
	t.Helper()
	env := &protocol.Envelope{
		JSONRPC: protocol.Version,
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		env.Params = raw
	}
	return env
}

func (e *testEnv) call(t *testing.T, sess *session.Session, method string, params any) *protocol.Envelope {
	t.Helper()
	return e.dispatcher.Dispatch(context.Background(), sess, "", request(t, 7, method, params))
}

func decodeResult[T any](t *testing.T, env *protocol.Envelope) T {
	t.Helper()
	require.Nil(t, env.Error, "expected a result envelope")
	var out T
	require.NoError(t, json.Unmarshal(env.Result, &out))
	return out
}

func TestInitializeOpensSession(t *testing.T) {
	e := newTestEnv(t)

	env, sess := e.dispatcher.Initialize(context.Background(),
		e.token(t, "alice", auth.RoleAdmin), request(t, 1, "initialize", map[string]any{
			"protocolVersion": ProtocolVersion,
			"clientInfo":      map[string]string{"name": "test-client", "version": "0.1"},
		}))
	require.NotNil(t, sess)
	result := decodeResult[initializeResult](t, env)

	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.True(t, result.Capabilities.Resources.Subscribe)
	assert.Equal(t, 1, e.sessions.Count())
	e.sink.Flush()
	assert.Equal(t, 1, e.store.AuditCount())
}

func TestInitializeRejectsBadCredential(t *testing.T) {
	e := newTestEnv(t)

	env, sess := e.dispatcher.Initialize(context.Background(), "garbage", request(t, 1, "initialize", nil))
	assert.Nil(t, sess)
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeUnauthorized, env.Error.Code)

	e.sink.Flush()
	records, err := e.store.ListAuditRecords(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.OutcomeFailed, records[0].Outcome)
	assert.Equal(t, "anonymous", records[0].PrincipalID)
}

func TestDispatchUnknownMethod(t *testing.T) {
	e := newTestEnv(t)
	sess := e.openSession(t, auth.RoleViewer)

	env := e.call(t, sess, "tools/launch", nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, env.Error.Code)
}

func TestToolLifecycle(t *testing.T) {
	e := newTestEnv(t)
	sess := e.openSession(t, auth.RoleAdmin)

	up := e.call(t, sess, "tools/upsert", map[string]any{
		"key":              "echo",
		"description":      "echoes its input",
		"invocationTarget": "http://localhost:9999/echo",
	})
	tool := decodeResult[registry.Tool](t, up)
	assert.Equal(t, "echo", tool.Key)
	assert.Equal(t, "POST", tool.InvocationMethod)
	assert.False(t, tool.CreatedAt.IsZero())

	list := decodeResult[listResult[*registry.Tool]](t, e.call(t, sess, "tools/list", nil))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "echo", list.Items[0].Key)

	e.invoker.fn = func(_ context.Context, tool *registry.Tool, args json.RawMessage) (json.RawMessage, error) {
		assert.Equal(t, "echo", tool.Key)
		return args, nil
	}
	exec := decodeResult[toolExecuteResult](t, e.call(t, sess, "tools/execute", map[string]any{
		"key":       "echo",
		"arguments": map[string]string{"text": "hello"},
	}))
	assert.JSONEq(t, `{"text":"hello"}`, string(exec.Output))

	del := decodeResult[deleteResult](t, e.call(t, sess, "tools/delete", map[string]string{"key": "echo"}))
	assert.True(t, del.Deleted)

	env := e.call(t, sess, "tools/get", map[string]string{"key": "echo"})
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeNotFound, env.Error.Code)
}

func TestExecuteUnknownToolAuditsFailure(t *testing.T) {
	e := newTestEnv(t)
	sess := e.openSession(t, auth.RoleAdmin)

	env := e.call(t, sess, "tools/execute", map[string]string{"key": "missing"})
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeNotFound, env.Error.Code)

	e.sink.Flush()
	outcome := store.OutcomeFailed
	action := "tools/execute"
	records, err := e.store.ListAuditRecords(context.Background(),
		store.AuditFilter{Action: &action, Outcome: &outcome})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestViewerCannotMutate(t *testing.T) {
	e := newTestEnv(t)
	sess := e.openSession(t, auth.RoleViewer)

	env := e.call(t, sess, "tools/upsert", map[string]string{
		"invocationTarget": "http://localhost/x",
	})
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeForbidden, env.Error.Code)
	assert.Equal(t, "insufficient role", env.Error.Message)
	assert.Equal(t, 0, e.dispatcher.registries.Tools.Len())
}

func TestAuthorizeReturnsSentinels(t *testing.T) {
	viewer := &auth.Principal{ID: "v", Role: auth.RoleViewer}
	limited := &auth.Principal{ID: "op", Role: auth.RoleOperator,
		Permissions: auth.PermissionSet{"registry.read": true}}

	err := authorize(methodSpec{minRole: auth.RoleAdmin}, viewer)
	require.ErrorIs(t, err, auth.ErrInsufficientRole)
	code, msg := classifyError(err)
	assert.Equal(t, protocol.CodeForbidden, code)
	assert.Equal(t, "insufficient role", msg)

	err = authorize(methodSpec{minRole: auth.RoleOperator, permission: "tools.execute"}, limited)
	require.ErrorIs(t, err, auth.ErrInsufficientPermission)
	code, msg = classifyError(err)
	assert.Equal(t, protocol.CodeForbidden, code)
	assert.Equal(t, "insufficient permission", msg)

	assert.NoError(t, authorize(methodSpec{minRole: auth.RoleViewer}, viewer))
}

func TestPermissionGateOnExecute(t *testing.T) {
	e := newTestEnv(t)

	// API-token operator whose permission set lacks tools.execute.
	require.NoError(t, e.store.CreateAPIToken(context.Background(), &store.APIToken{
		Token:       "opal_limited",
		PrincipalID: "op-1",
		Role:        string(auth.RoleOperator),
		Permissions: map[string]bool{"registry.read": true},
	}))
	env := e.dispatcher.Dispatch(context.Background(), nil, "opal_limited",
		request(t, 2, "tools/execute", map[string]string{"key": "echo"}))
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeForbidden, env.Error.Code)
	assert.Equal(t, "insufficient permission", env.Error.Message)

	// A session-token operator carries no permission set and is gated by
	// role alone; the call passes the gates and fails on the unknown tool.
	plain := e.token(t, "op-2", auth.RoleOperator)
	env = e.dispatcher.Dispatch(context.Background(), nil, plain,
		request(t, 3, "tools/execute", map[string]string{"key": "echo"}))
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeNotFound, env.Error.Code)
}

func TestRateLimitExceeded(t *testing.T) {
	e := newTestEnv(t, ratelimit.WithClasses(map[string]ratelimit.ClassConfig{
		ratelimit.ClassGeneric:        {Limit: 4, Window: time.Minute},
		ratelimit.ClassToolExecution:  {Limit: 4, Window: time.Minute},
		ratelimit.ClassRegistryMutate: {Limit: 4, Window: time.Minute},
	}))
	sess := e.openSession(t, auth.RoleViewer) // consumes 1 from the generic budget

	for i := 0; i < 3; i++ {
		env := e.call(t, sess, "ping", nil)
		require.Nil(t, env.Error, "ping %d should be within budget", i)
	}

	env := e.call(t, sess, "ping", nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeRateLimited, env.Error.Code)

	data, err := json.Marshal(env.Error.Data)
	require.NoError(t, err)
	var payload struct {
		RetryAfterSeconds int `json:"retryAfterSeconds"`
	}
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.GreaterOrEqual(t, payload.RetryAfterSeconds, 1)

	// Rejected calls still show up in the audit trail as failures.
	e.sink.Flush()
	outcome := store.OutcomeFailed
	records, err := e.store.ListAuditRecords(context.Background(), store.AuditFilter{Outcome: &outcome})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSubscribeDeliversChangeNotification(t *testing.T) {
	e := newTestEnv(t)
	watcher := e.openSession(t, auth.RoleViewer)
	admin := e.openSession(t, auth.RoleAdmin)

	require.Nil(t, e.call(t, admin, "resources/upsert", map[string]any{
		"key":  "doc://guide",
		"text": "v1",
	}).Error)

	ch := e.broadcast.Attach(watcher.ID)
	sub := e.call(t, watcher, "resources/subscribe", map[string]string{"uri": "doc://guide"})
	require.Nil(t, sub.Error)

	up := e.call(t, admin, "resources/upsert", map[string]any{
		"key":  "doc://guide",
		"text": "v2",
	})
	require.Nil(t, up.Error)

	var sawChanged, sawListChanged bool
	for done := false; !done; {
		select {
		case env := <-ch:
			switch env.Method {
			case "notifications/resources/changed":
				var p struct {
					URI string `json:"uri"`
				}
				require.NoError(t, json.Unmarshal(env.Params, &p))
				assert.Equal(t, "doc://guide", p.URI)
				sawChanged = true
			case "notifications/resources/list_changed":
				sawListChanged = true
			}
			if sawChanged && sawListChanged {
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	assert.True(t, sawChanged, "subscriber should receive the targeted change event")
	assert.True(t, sawListChanged, "attached session should receive the broadcast")

	// After unsubscribing, only the broadcast arrives.
	unsub := e.call(t, watcher, "resources/unsubscribe", map[string]string{"uri": "doc://guide"})
	require.Nil(t, unsub.Error)
	assert.False(t, e.broadcast.IsSubscribed(watcher.ID, "doc://guide"))
}

func TestSubscribeUnknownResourceNotFound(t *testing.T) {
	e := newTestEnv(t)
	watcher := e.openSession(t, auth.RoleViewer)

	env := e.call(t, watcher, "resources/subscribe", map[string]string{"uri": "doc://does-not-exist"})
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeNotFound, env.Error.Code)
	assert.False(t, e.broadcast.IsSubscribed(watcher.ID, "doc://does-not-exist"))
}

func TestSubscribeRequiresSession(t *testing.T) {
	e := newTestEnv(t)

	env := e.dispatcher.Dispatch(context.Background(), nil, e.token(t, "v-1", auth.RoleViewer),
		request(t, 4, "resources/subscribe", map[string]string{"uri": "doc://x"}))
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeNotInitialized, env.Error.Code)
}

func TestDeleteDropsSubscriptions(t *testing.T) {
	e := newTestEnv(t)
	watcher := e.openSession(t, auth.RoleViewer)
	admin := e.openSession(t, auth.RoleAdmin)
	e.broadcast.Attach(watcher.ID)

	require.Nil(t, e.call(t, admin, "resources/upsert", map[string]any{
		"key": "doc://tmp", "text": "x",
	}).Error)
	require.Nil(t, e.call(t, watcher, "resources/subscribe", map[string]string{"uri": "doc://tmp"}).Error)
	require.True(t, e.broadcast.IsSubscribed(watcher.ID, "doc://tmp"))

	require.Nil(t, e.call(t, admin, "resources/delete", map[string]string{"key": "doc://tmp"}).Error)
	assert.False(t, e.broadcast.IsSubscribed(watcher.ID, "doc://tmp"))
}

func TestPromptRenderThroughDispatch(t *testing.T) {
	e := newTestEnv(t)
	sess := e.openSession(t, auth.RoleAdmin)

	require.Nil(t, e.call(t, sess, "prompts/upsert", map[string]any{
		"key":  "greeting",
		"name": "greeting",
		"messages": []map[string]any{
			{"role": "user", "content": []map[string]string{{"type": "text", "text": "Hello {{name}}, welcome to {{place}}"}}},
		},
	}).Error)

	rendered := decodeResult[promptRenderResult](t, e.call(t, sess, "prompts/render", map[string]any{
		"key":       "greeting",
		"arguments": map[string]string{"name": "Ada"},
	}))
	require.Len(t, rendered.Messages, 1)
	// Missing arguments stay verbatim.
	assert.Equal(t, "Hello Ada, welcome to {{place}}", rendered.Messages[0].Content[0].Text)
}

func TestInvalidParamsMapping(t *testing.T) {
	e := newTestEnv(t)
	sess := e.openSession(t, auth.RoleAdmin)

	cases := []struct {
		name   string
		method string
		params any
	}{
		{"missing key on get", "tools/get", map[string]string{}},
		{"missing target on upsert", "tools/upsert", map[string]string{"description": "x"}},
		{"resource without body", "resources/upsert", map[string]string{"key": "doc://empty"}},
		{"bad since timestamp", "audit/list", map[string]string{"since": "yesterday"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := e.call(t, sess, tc.method, tc.params)
			require.NotNil(t, env.Error)
			assert.Equal(t, protocol.CodeInvalidParams, env.Error.Code)
		})
	}
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	e := newTestEnv(t)
	sess := e.openSession(t, auth.RoleAdmin)

	require.Nil(t, e.call(t, sess, "tools/upsert", map[string]string{
		"key": "bomb", "invocationTarget": "http://localhost/x",
	}).Error)

	e.invoker.fn = func(context.Context, *registry.Tool, json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	}
	env := e.call(t, sess, "tools/execute", map[string]string{"key": "bomb"})
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeInternalError, env.Error.Code)
	assert.Equal(t, "internal error", env.Error.Message)
}

func TestServerStats(t *testing.T) {
	e := newTestEnv(t)
	sess := e.openSession(t, auth.RoleAdmin)

	require.Nil(t, e.call(t, sess, "ping", nil).Error)
	e.call(t, sess, "tools/get", map[string]string{"key": "nope"}) // one failure

	stats := decodeResult[statsResult](t, e.call(t, sess, "server/stats", nil))
	assert.GreaterOrEqual(t, stats.TotalCalls, uint64(3))
	assert.Equal(t, uint64(1), stats.FailedCalls)
	assert.Equal(t, 1, stats.LiveSessions)
	require.NotEmpty(t, stats.RecentErrors)
	assert.Equal(t, "tools/get", stats.RecentErrors[0].Action)
}

func TestServerStatsRequiresAdmin(t *testing.T) {
	e := newTestEnv(t)
	sess := e.openSession(t, auth.RoleOperator)

	env := e.call(t, sess, "server/stats", nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeForbidden, env.Error.Code)
}

func TestAuditListFilters(t *testing.T) {
	e := newTestEnv(t)
	sess := e.openSession(t, auth.RoleAdmin)

	require.Nil(t, e.call(t, sess, "ping", nil).Error)
	require.Nil(t, e.call(t, sess, "ping", nil).Error)
	e.sink.Flush()

	result := decodeResult[struct {
		Records []auditListEntry `json:"records"`
	}](t, e.call(t, sess, "audit/list", map[string]string{"action": "ping"}))
	assert.Len(t, result.Records, 2)
	for _, r := range result.Records {
		assert.Equal(t, "ping", r.Action)
		assert.Equal(t, store.OutcomeOK, r.Outcome)
	}
}

func TestCloseSessionDetachesBroadcast(t *testing.T) {
	e := newTestEnv(t)
	sess := e.openSession(t, auth.RoleViewer)
	e.broadcast.Attach(sess.ID)
	require.Equal(t, 1, e.broadcast.SessionCount())

	assert.True(t, e.dispatcher.CloseSession(sess.ID))
	assert.Equal(t, 0, e.sessions.Count())
	assert.Equal(t, 0, e.broadcast.SessionCount())
	assert.False(t, e.dispatcher.CloseSession(sess.ID))
}
