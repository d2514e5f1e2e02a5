// Package executor runs batches of tool calls concurrently: it resolves each
// call against the registry, validates arguments, gates on permissions, and
// enforces per-call timeouts. Failures surface as in-band result text so the
// model can react to them; the executor itself only errors on broken wiring.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgecli/forge/pkg/config"
	"github.com/forgecli/forge/pkg/execlog"
	"github.com/forgecli/forge/pkg/observability"
	"github.com/forgecli/forge/pkg/protocol"
	"github.com/forgecli/forge/pkg/session"
	"github.com/forgecli/forge/pkg/tools"
)

// abandonGrace is how long a cancelled call may keep running before the
// executor stops waiting for its handler.
const abandonGrace = 5 * time.Second

// Decision is the outcome of a permission prompt.
type Decision string

const (
	// DecisionApprove permits this one call.
	DecisionApprove Decision = "approve"
	// DecisionDeny rejects this one call.
	DecisionDeny Decision = "deny"
	// DecisionApproveAll permits this call and every later ask-gated call
	// in the same executor.
	DecisionApproveAll Decision = "approve_all"
)

// Approver resolves an ask-gated tool call to a decision. A nil approver
// denies everything that reaches it.
type Approver func(ctx context.Context, call protocol.ToolCall, desc *tools.Descriptor) Decision

// Option configures an Executor.
type Option func(*Executor)

// WithApprover installs the permission prompt callback.
func WithApprover(fn Approver) Option {
	return func(e *Executor) { e.approver = fn }
}

// WithBus publishes tool call lifecycle events to the given bus.
func WithBus(bus *session.Bus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithLog records executions and file touches to the given log.
func WithLog(log *execlog.Log) Option {
	return func(e *Executor) { e.log = log }
}

// Executor dispatches tool call batches for one agent.
type Executor struct {
	registry *tools.Registry
	cfg      *config.ToolsConfig
	approver Approver
	bus      *session.Bus
	log      *execlog.Log
	tracer   trace.Tracer
	grace    time.Duration

	mu         sync.Mutex
	mutexes    map[string]*sync.Mutex
	schemas    map[string]*jsonschema.Schema
	approveAll bool
}

// New creates an executor over the given registry and tool settings.
func New(registry *tools.Registry, cfg *config.ToolsConfig, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		cfg:      cfg,
		tracer:   observability.GetTracer("forge.executor"),
		grace:    abandonGrace,
		mutexes:  make(map[string]*sync.Mutex),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteBatch runs every call concurrently and returns one tool result
// message per call, in the original call order. Calls sharing a mutex key
// serialize against each other; everything else overlaps.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []protocol.ToolCall, mode tools.AgentMode) []protocol.Message {
	var sem chan struct{}
	if e.cfg != nil && e.cfg.Workers > 0 && e.cfg.Workers < len(calls) {
		sem = make(chan struct{}, e.cfg.Workers)
	}
	results := make([]protocol.Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(slot int, call protocol.ToolCall) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			results[slot] = protocol.ToolResult(call.ID, e.execute(ctx, call, mode))
		}(i, call)
	}
	wg.Wait()
	return results
}

// execute runs one call end to end and returns its in-band result text.
func (e *Executor) execute(ctx context.Context, call protocol.ToolCall, mode tools.AgentMode) string {
	desc, err := e.registry.Resolve(call.Name, mode)
	if err != nil {
		return e.reject(call, fmt.Sprintf("Error: Unknown tool '%s'", call.Name))
	}

	args, err := call.Args()
	if err != nil {
		return e.reject(call, "Error: "+err.Error())
	}
	if msg := e.validate(desc, args); msg != "" {
		return e.reject(call, msg)
	}

	if msg := e.gate(ctx, call, desc); msg != "" {
		return e.reject(call, msg)
	}

	return e.invoke(ctx, call, desc, args)
}

// reject records and publishes an attempt that never reached its handler.
// Unknown, malformed, and denied calls still count in the execution log.
func (e *Executor) reject(call protocol.ToolCall, text string) string {
	e.publish(session.EventToolCallStarted, call, map[string]interface{}{
		"tool":    call.Name,
		"call_id": call.ID,
	})
	if e.log != nil {
		e.log.Record(execlog.ToolExecution{
			Name:        call.Name,
			StartedAt:   time.Now(),
			OK:          false,
			Error:       text,
			ResultBytes: len(text),
		})
	}
	e.publish(session.EventToolCallFinished, call, map[string]interface{}{
		"tool":     call.Name,
		"call_id":  call.ID,
		"ok":       false,
		"duration": time.Duration(0).String(),
	})
	return text
}

// validate checks parsed arguments against the descriptor's JSON schema.
// It returns an in-band error string, or empty on success.
func (e *Executor) validate(desc *tools.Descriptor, args map[string]interface{}) string {
	schema := e.compiledSchema(desc)
	if schema == nil {
		return ""
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Sprintf("Error: invalid arguments: %v", err)
	}
	return ""
}

func (e *Executor) compiledSchema(desc *tools.Descriptor) *jsonschema.Schema {
	e.mu.Lock()
	defer e.mu.Unlock()
	if schema, ok := e.schemas[desc.Name]; ok {
		return schema
	}
	raw, err := json.Marshal(desc.Parameters)
	if err != nil {
		return nil
	}
	schema, err := jsonschema.CompileString(desc.Name+".json", string(raw))
	if err != nil {
		// The registry already vetted the schema shape, so a compile
		// failure means an exotic schema construct. Run unvalidated.
		slog.Warn("Tool schema failed to compile, skipping validation",
			"tool", desc.Name, "error", err)
		e.schemas[desc.Name] = nil
		return nil
	}
	e.schemas[desc.Name] = schema
	return schema
}

// gate applies the permission policy. It returns an in-band refusal string,
// or empty when the call may proceed.
func (e *Executor) gate(ctx context.Context, call protocol.ToolCall, desc *tools.Descriptor) string {
	security, hasSecurity := e.securityFor(desc.Name)
	if hasSecurity && security.Denied(call.Arguments) {
		return "Tool call blocked by policy"
	}

	switch e.registry.EffectivePermission(desc) {
	case tools.PermissionDeny:
		return "Tool call blocked by policy"
	case tools.PermissionAuto:
		return ""
	}

	// Ask permission. An allowlist match stands in for user approval.
	if hasSecurity && security.Allowed(call.Arguments) {
		return ""
	}
	e.mu.Lock()
	sticky := e.approveAll
	e.mu.Unlock()
	if sticky {
		return ""
	}
	if e.approver == nil {
		return "Tool call denied by user"
	}
	switch e.approver(ctx, call, desc) {
	case DecisionApprove:
		return ""
	case DecisionApproveAll:
		e.mu.Lock()
		e.approveAll = true
		e.mu.Unlock()
		return ""
	default:
		return "Tool call denied by user"
	}
}

// invoke runs the handler under its timeout and mutex key, records the
// outcome, and returns the in-band result text.
func (e *Executor) invoke(ctx context.Context, call protocol.ToolCall, desc *tools.Descriptor, args map[string]interface{}) string {
	if desc.MutexKey != "" {
		mu := e.keyMutex(desc.MutexKey)
		mu.Lock()
		defer mu.Unlock()
	}

	timeout := desc.Timeout
	if timeout == 0 {
		timeout = e.cfg.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spanCtx, span := e.tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, desc.Name),
			attribute.String(observability.AttrSessionID, e.sessionID()),
		))
	defer span.End()

	e.publish(session.EventToolCallStarted, call, map[string]interface{}{
		"tool":    desc.Name,
		"call_id": call.ID,
	})

	started := time.Now()
	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := desc.Handler(callCtx, args)
		done <- outcome{text: text, err: err}
	}()

	var content string
	var callErr error
	select {
	case out := <-done:
		if out.err != nil {
			content = "Error: " + out.err.Error()
			callErr = out.err
		} else {
			content = out.text
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Batch cancelled. Give the handler a moment to wind
			// down, then abandon it.
			select {
			case <-done:
			case <-time.After(e.grace):
				slog.Warn("Abandoning cancelled tool call", "tool", desc.Name)
			}
			content = "Error: cancelled"
			callErr = ctx.Err()
		} else {
			seconds := int((timeout + time.Second - 1) / time.Second)
			content = fmt.Sprintf("Error: tool timed out after %ds", seconds)
			callErr = callCtx.Err()
		}
	}

	duration := time.Since(started)
	e.record(desc, args, content, callErr, started, duration)
	observability.GetGlobalMetrics().RecordToolExecution(spanCtx, desc.Name, duration, callErr)
	e.publish(session.EventToolCallFinished, call, map[string]interface{}{
		"tool":     desc.Name,
		"call_id":  call.ID,
		"ok":       callErr == nil,
		"duration": duration.String(),
	})
	return content
}

func (e *Executor) record(desc *tools.Descriptor, args map[string]interface{}, content string, callErr error, started time.Time, duration time.Duration) {
	if e.log == nil {
		return
	}
	exec := execlog.ToolExecution{
		Name:        desc.Name,
		StartedAt:   started,
		Duration:    duration,
		OK:          callErr == nil,
		ResultBytes: len(content),
	}
	if callErr != nil {
		exec.Error = callErr.Error()
	}
	e.log.Record(exec)

	if callErr != nil {
		return
	}
	path, _ := args["path"].(string)
	switch desc.Name {
	case "read_file":
		e.log.AddFileRead(path)
	case "write_file":
		e.log.AddFileWritten(path)
	case "edit_file":
		e.log.AddFileEdited(path)
	}
}

func (e *Executor) publish(eventType session.EventType, call protocol.ToolCall, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(session.Event{
		Type:      eventType,
		SessionID: e.sessionID(),
		Payload:   payload,
	})
}

func (e *Executor) sessionID() string {
	if e.log == nil {
		return ""
	}
	return e.log.SessionID()
}

func (e *Executor) securityFor(name string) (*config.SecurityConfig, bool) {
	if e.cfg == nil || e.cfg.Security == nil {
		return nil, false
	}
	security, ok := e.cfg.Security[name]
	if !ok {
		return nil, false
	}
	return &security, true
}

func (e *Executor) keyMutex(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.mutexes[key]
	if !ok {
		mu = &sync.Mutex{}
		e.mutexes[key] = mu
	}
	return mu
}
