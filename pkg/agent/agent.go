// Package agent drives the reasoning loop: it calls the provider with the
// current window and tool schemas, executes any tool calls, and repeats the
// turn until the assistant answers in plain text or the turn ceiling is hit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgecli/forge/pkg/config"
	"github.com/forgecli/forge/pkg/execlog"
	"github.com/forgecli/forge/pkg/executor"
	"github.com/forgecli/forge/pkg/llms"
	"github.com/forgecli/forge/pkg/logger"
	"github.com/forgecli/forge/pkg/memory"
	"github.com/forgecli/forge/pkg/observability"
	"github.com/forgecli/forge/pkg/protocol"
	"github.com/forgecli/forge/pkg/session"
	"github.com/forgecli/forge/pkg/tools"
)

// maxTurnsMarker is the deterministic return value when the turn ceiling is
// reached. Renderers and tests match it literally.
const maxTurnsMarker = "Max turns exceeded"

const defaultSystemPrompt = "You are a coding assistant working in the user's repository. " +
	"Use the available tools to inspect and modify files, and answer in plain text when the task is done."

// Error is the structured failure surfaced by Run when the loop itself
// breaks, as opposed to tool failures which stay in-band.
type Error struct {
	Kind      string
	Message   string
	SessionID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s error (session %s): %s", e.Kind, e.SessionID, e.Message)
}

// Option configures an Agent at construction.
type Option func(*Agent)

// WithStore mirrors window messages to a persistent store.
func WithStore(store memory.Store) Option {
	return func(a *Agent) { a.store = store }
}

// WithApprover installs the permission prompt used for ask-gated tools.
func WithApprover(fn executor.Approver) Option {
	return func(a *Agent) { a.approver = fn }
}

// WithSessionLogs routes the agent's log lines to a per-session file.
func WithSessionLogs(logs *logger.SessionLogs) Option {
	return func(a *Agent) { a.sessionLogs = logs }
}

// Agent is one reasoning loop bound to a session. Parents may delegate to
// child agents through the sub_agent tool; children get a restricted
// registry view and report back through the execution log.
type Agent struct {
	cfg      *config.Config
	provider llms.Provider
	registry *tools.Registry
	manager  *session.Manager
	executor *executor.Executor
	window   *memory.Window
	log      *execlog.Log
	logger   *slog.Logger

	store       memory.Store
	approver    executor.Approver
	sessionLogs *logger.SessionLogs

	sessionID string
	mode      tools.AgentMode
	maxTurns  int
	turns     int
}

// New creates a parent agent, allocates its session, and registers the
// sub_agent tool into the registry.
func New(cfg *config.Config, provider llms.Provider, registry *tools.Registry, manager *session.Manager, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:      cfg,
		provider: provider,
		registry: registry,
		manager:  manager,
		logger:   slog.Default(),
		mode:     tools.ModeParent,
		maxTurns: cfg.Agent.MaxTurns,
	}
	for _, opt := range opts {
		opt(a)
	}

	sess, err := manager.Create("")
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	a.sessionID = sess.ID
	a.log = execlog.New(sess.ID, "")

	var windowOpts []memory.WindowOption
	if a.store != nil {
		windowOpts = append(windowOpts, memory.WithStore(a.store, sess.ID))
	}
	a.window = memory.NewWindow(&cfg.Memory, windowOpts...)
	prompt := cfg.Agent.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	a.window.SetSystem(prompt)

	if a.sessionLogs != nil {
		if l, err := a.sessionLogs.For(sess.ID, ""); err == nil {
			a.logger = l
		}
	}

	a.executor = executor.New(registry, &cfg.Tools,
		executor.WithLog(a.log),
		executor.WithBus(manager.Bus()),
		executor.WithApprover(a.approver))

	if err := a.registerSubAgent(); err != nil && !errors.Is(err, tools.ErrDuplicateName) {
		return nil, err
	}
	return a, nil
}

// SessionID returns the agent's session id.
func (a *Agent) SessionID() string {
	return a.sessionID
}

// Log returns the agent's execution log.
func (a *Agent) Log() *execlog.Log {
	return a.log
}

// Run drives the loop for one user input. It returns the assistant's final
// text, the turn ceiling marker, or an *Error when the loop itself fails.
func (a *Agent) Run(ctx context.Context, userInput string) (string, error) {
	tracer := observability.GetTracer("forge.agent")
	ctx, span := tracer.Start(ctx, observability.SpanAgentRun,
		trace.WithAttributes(attribute.String(observability.AttrSessionID, a.sessionID)))
	defer span.End()

	// The turn ceiling bounds a single run, not the agent's lifetime.
	a.turns = 0

	a.window.Append(protocol.User(userInput))
	a.publish(session.EventUserInput, map[string]interface{}{"content": userInput})

	for {
		if a.turns >= a.maxTurns {
			a.logger.Info("Turn ceiling reached", "turns", a.turns)
			a.setState(session.StateCompleted)
			return maxTurnsMarker, nil
		}
		a.turns++
		a.setState(session.StateThinking)

		msg, err := a.think(ctx)
		if err != nil {
			a.setState(session.StateFailed)
			kind := "provider"
			if ctx.Err() != nil {
				kind = "cancelled"
			}
			return "", &Error{Kind: kind, Message: err.Error(), SessionID: a.sessionID}
		}
		a.window.Append(msg)
		if msg.Content != "" {
			a.publish(session.EventAssistantText, map[string]interface{}{"content": msg.Content})
		}

		if !msg.HasToolCalls() {
			a.setState(session.StateCompleted)
			return msg.Content, nil
		}

		a.setState(session.StateExecutingTools)
		for _, result := range a.executor.ExecuteBatch(ctx, msg.ToolCalls, a.mode) {
			a.window.Append(result)
		}
		if ctx.Err() != nil {
			a.setState(session.StateFailed)
			return "", &Error{Kind: "cancelled", Message: ctx.Err().Error(), SessionID: a.sessionID}
		}
	}
}

// think performs one provider call and returns the committed assistant
// message. On the streaming path partial output is discarded on error.
func (a *Agent) think(ctx context.Context) (protocol.Message, error) {
	schemas := a.registry.Schemas(a.mode)
	snapshot := a.window.Snapshot()

	if !a.cfg.Provider.Streaming {
		result, err := a.provider.Generate(ctx, snapshot, schemas)
		if err != nil {
			return protocol.Message{}, err
		}
		return protocol.Assistant(result.Text, result.ToolCalls), nil
	}

	ch, err := a.provider.GenerateStreaming(ctx, snapshot, schemas)
	if err != nil {
		return protocol.Message{}, err
	}
	var text strings.Builder
	var calls []protocol.ToolCall
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			text.WriteString(chunk.Text)
		case llms.ChunkToolCall:
			calls = append(calls, *chunk.ToolCall)
		case llms.ChunkError:
			return protocol.Message{}, chunk.Err
		}
	}
	return protocol.Assistant(text.String(), calls), nil
}

func (a *Agent) setState(state session.AgentState) {
	if err := a.manager.UpdateState(a.sessionID, state); err != nil {
		a.logger.Warn("Failed to update session state", "state", state, "error", err)
	}
}

func (a *Agent) publish(eventType session.EventType, payload map[string]interface{}) {
	a.manager.Bus().Publish(session.Event{
		Type:      eventType,
		SessionID: a.sessionID,
		Payload:   payload,
	})
}
