package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecli/forge/pkg/config"
	"github.com/forgecli/forge/pkg/execlog"
	"github.com/forgecli/forge/pkg/protocol"
	"github.com/forgecli/forge/pkg/session"
	"github.com/forgecli/forge/pkg/tools"
)

func textSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"text"},
	}
}

func pathSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"path"},
	}
}

func echoHandler(delay time.Duration) tools.Handler {
	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		text, _ := args["text"].(string)
		return text, nil
	}
}

func newTestRegistry(t *testing.T, mode config.OperationMode) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(mode)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:        "echo",
		Description: "Returns its text argument.",
		Parameters:  textSchema(),
		Permission:  tools.PermissionAuto,
		Handler:     echoHandler(0),
	}))
	return r
}

func toolsConfig() *config.ToolsConfig {
	cfg := &config.ToolsConfig{}
	cfg.SetDefaults()
	return cfg
}

func call(id, name, arguments string) protocol.ToolCall {
	return protocol.ToolCall{ID: id, Name: name, Arguments: arguments}
}

func TestExecuteBatch_ResultsInCallOrder(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "slow_echo",
		Parameters: textSchema(),
		Permission: tools.PermissionAuto,
		Handler:    echoHandler(50 * time.Millisecond),
	}))
	e := New(r, toolsConfig())

	// The first call finishes last; results must still come back in
	// call order with matching call ids.
	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "slow_echo", `{"text":"first"}`),
		call("c2", "echo", `{"text":"second"}`),
		call("c3", "echo", `{"text":"third"}`),
	}, tools.ModeParent)

	require.Len(t, results, 3)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "first", results[0].Content)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.Equal(t, "second", results[1].Content)
	assert.Equal(t, "c3", results[2].ToolCallID)
	assert.Equal(t, "third", results[2].Content)
	for _, msg := range results {
		assert.Equal(t, protocol.RoleTool, msg.Role)
	}
}

func TestExecuteBatch_UnknownTool(t *testing.T) {
	e := New(newTestRegistry(t, config.ModeStandard), toolsConfig())
	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "nope", `{}`),
	}, tools.ModeParent)
	assert.Equal(t, "Error: Unknown tool 'nope'", results[0].Content)
}

func TestExecuteBatch_PlanModeHidesWriteTools(t *testing.T) {
	r := newTestRegistry(t, config.ModePlan)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:         "write_file",
		Parameters:   pathSchema(),
		Permission:   tools.PermissionAuto,
		Capabilities: tools.Capabilities{Write: true},
		Handler:      echoHandler(0),
	}))
	e := New(r, toolsConfig())

	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "write_file", `{"path":"/tmp/x"}`),
	}, tools.ModeParent)
	assert.Equal(t, "Error: Unknown tool 'write_file'", results[0].Content)
}

func TestExecuteBatch_InvalidArguments(t *testing.T) {
	e := New(newTestRegistry(t, config.ModeStandard), toolsConfig())

	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "echo", `{not json`),
		call("c2", "echo", `{"text":5}`),
		call("c3", "echo", `{}`),
	}, tools.ModeParent)

	assert.Contains(t, results[0].Content, "Error: invalid arguments:")
	assert.Contains(t, results[1].Content, "Error: invalid arguments:")
	assert.Contains(t, results[2].Content, "Error: invalid arguments:")
}

func TestExecuteBatch_HandlerError(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "boom",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Permission: tools.PermissionAuto,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "", fmt.Errorf("file not found: /etc/shadow")
		},
	}))
	e := New(r, toolsConfig())

	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "boom", `{}`),
	}, tools.ModeParent)
	assert.Equal(t, "Error: file not found: /etc/shadow", results[0].Content)
}

func TestPermission_AskDeniedWithoutApprover(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "guarded",
		Parameters: textSchema(),
		Permission: tools.PermissionAsk,
		Handler:    echoHandler(0),
	}))
	e := New(r, toolsConfig())

	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "guarded", `{"text":"x"}`),
	}, tools.ModeParent)
	assert.Equal(t, "Tool call denied by user", results[0].Content)
}

func TestPermission_ApproveAllSticks(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "guarded",
		Parameters: textSchema(),
		Permission: tools.PermissionAsk,
		Handler:    echoHandler(0),
	}))

	var prompts atomic.Int32
	e := New(r, toolsConfig(), WithApprover(func(ctx context.Context, call protocol.ToolCall, desc *tools.Descriptor) Decision {
		prompts.Add(1)
		return DecisionApproveAll
	}))

	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "guarded", `{"text":"one"}`),
	}, tools.ModeParent)
	assert.Equal(t, "one", results[0].Content)

	results = e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c2", "guarded", `{"text":"two"}`),
	}, tools.ModeParent)
	assert.Equal(t, "two", results[0].Content)
	assert.Equal(t, int32(1), prompts.Load())
}

func TestPermission_PolicyDeny(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "forbidden",
		Parameters: textSchema(),
		Permission: tools.PermissionDeny,
		Handler:    echoHandler(0),
	}))
	e := New(r, toolsConfig())

	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "forbidden", `{"text":"x"}`),
	}, tools.ModeParent)
	assert.Equal(t, "Tool call blocked by policy", results[0].Content)
}

func TestPermission_SecurityLists(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "guarded",
		Parameters: textSchema(),
		Permission: tools.PermissionAsk,
		Handler:    echoHandler(0),
	}))

	cfg := &config.ToolsConfig{
		Security: map[string]config.SecurityConfig{
			"guarded": {
				Allowlist: []string{`"text":"safe`},
				Denylist:  []string{`rm -rf`},
			},
		},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	// No approver installed: only the allowlist can let a call through.
	e := New(r, cfg)

	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "guarded", `{"text":"safe command"}`),
		call("c2", "guarded", `{"text":"rm -rf /"}`),
		call("c3", "guarded", `{"text":"something else"}`),
	}, tools.ModeParent)

	assert.Equal(t, "safe command", results[0].Content)
	assert.Equal(t, "Tool call blocked by policy", results[1].Content)
	assert.Equal(t, "Tool call denied by user", results[2].Content)
}

func TestSafeMode_PromotesWriteToAsk(t *testing.T) {
	r := tools.NewRegistry(config.ModeSafe)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:         "write_file",
		Parameters:   pathSchema(),
		Permission:   tools.PermissionAuto,
		Capabilities: tools.Capabilities{Write: true},
		Handler:      echoHandler(0),
	}))
	e := New(r, toolsConfig())

	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "write_file", `{"path":"/tmp/x"}`),
	}, tools.ModeParent)
	assert.Equal(t, "Tool call denied by user", results[0].Content)
}

func TestInvoke_Timeout(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "hang",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Permission: tools.PermissionAuto,
		Timeout:    100 * time.Millisecond,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}))
	e := New(r, toolsConfig())

	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "hang", `{}`),
	}, tools.ModeParent)
	assert.Equal(t, "Error: tool timed out after 1s", results[0].Content)
}

func TestInvoke_Cancellation(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	release := make(chan struct{})
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "stuck",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Permission: tools.PermissionAuto,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			<-release
			return "late", nil
		},
	}))
	e := New(r, toolsConfig())
	e.grace = 20 * time.Millisecond
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	results := e.ExecuteBatch(ctx, []protocol.ToolCall{
		call("c1", "stuck", `{}`),
	}, tools.ModeParent)
	assert.Equal(t, "Error: cancelled", results[0].Content)
}

func TestMutexKey_Serializes(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "serial",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Permission: tools.PermissionAuto,
		MutexKey:   "shell",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			if inFlight.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return "ok", nil
		},
	}))
	e := New(r, toolsConfig())

	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "serial", `{}`),
		call("c2", "serial", `{}`),
		call("c3", "serial", `{}`),
	}, tools.ModeParent)

	for _, msg := range results {
		assert.Equal(t, "ok", msg.Content)
	}
	assert.False(t, overlapped.Load())
}

func TestExecuteBatch_RecordsLogAndEvents(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "read_file",
		Parameters: pathSchema(),
		Permission: tools.PermissionAuto,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "contents", nil
		},
	}))

	log := execlog.New("sess-1", "")
	bus := session.NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	e := New(r, toolsConfig(), WithLog(log), WithBus(bus))
	e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "read_file", `{"path":"/tmp/notes.txt"}`),
	}, tools.ModeParent)

	total, succeeded, failed := log.Totals()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)
	read, _, _ := log.Files()
	assert.Equal(t, []string{"/tmp/notes.txt"}, read)

	started := <-sub.C
	assert.Equal(t, session.EventToolCallStarted, started.Type)
	assert.Equal(t, "sess-1", started.SessionID)
	assert.Equal(t, "read_file", started.Payload["tool"])

	finished := <-sub.C
	assert.Equal(t, session.EventToolCallFinished, finished.Type)
	assert.Equal(t, true, finished.Payload["ok"])
}

func TestExecuteBatch_RecordsRejectedAttempts(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "forbidden",
		Parameters: textSchema(),
		Permission: tools.PermissionDeny,
		Handler:    echoHandler(0),
	}))

	log := execlog.New("sess-1", "")
	bus := session.NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	// Denied and unknown calls never reach a handler but still count as
	// attempts in the log and on the bus.
	e := New(r, toolsConfig(), WithLog(log), WithBus(bus))
	e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "forbidden", `{"text":"x"}`),
	}, tools.ModeParent)
	e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c2", "nope", `{}`),
	}, tools.ModeParent)

	total, succeeded, failed := log.Totals()
	assert.Equal(t, 2, total)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 2, failed)

	var starts, finishes int
	for _, ev := range drainEvents(sub) {
		switch ev.Type {
		case session.EventToolCallStarted:
			starts++
		case session.EventToolCallFinished:
			finishes++
			assert.Equal(t, false, ev.Payload["ok"])
		}
	}
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, finishes)
}

func drainEvents(sub *session.Subscription) []session.Event {
	var events []session.Event
	for {
		select {
		case e := <-sub.C:
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestExecuteBatch_WorkersBound(t *testing.T) {
	r := newTestRegistry(t, config.ModeStandard)
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	require.NoError(t, r.Register(&tools.Descriptor{
		Name:       "busy",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Permission: tools.PermissionAuto,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			if inFlight.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return "ok", nil
		},
	}))

	cfg := toolsConfig()
	cfg.Workers = 1
	e := New(r, cfg)

	results := e.ExecuteBatch(context.Background(), []protocol.ToolCall{
		call("c1", "busy", `{}`),
		call("c2", "busy", `{}`),
		call("c3", "busy", `{}`),
	}, tools.ModeParent)

	for _, msg := range results {
		assert.Equal(t, "ok", msg.Content)
	}
	assert.False(t, overlapped.Load())
}
