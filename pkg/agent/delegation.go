package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgecli/forge/pkg/execlog"
	"github.com/forgecli/forge/pkg/executor"
	"github.com/forgecli/forge/pkg/memory"
	"github.com/forgecli/forge/pkg/observability"
	"github.com/forgecli/forge/pkg/session"
	"github.com/forgecli/forge/pkg/tools"
)

const childSystemPrompt = "You are a sub-agent executing one delegated task. " +
	"Work autonomously with the available tools, do not ask questions, and finish with a plain text answer " +
	"summarizing what you did and what you found."

func subAgentParameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "The task for the sub-agent, self-contained and specific",
			},
			"timeout": map[string]interface{}{
				"type":        "number",
				"description": "Time budget in seconds (default 300)",
			},
		},
		"required": []interface{}{"prompt"},
	}
}

func (a *Agent) registerSubAgent() error {
	return a.registry.Register(&tools.Descriptor{
		Name:         "sub_agent",
		Description:  "Delegate a self-contained task to an isolated sub-agent and receive a structured work report.",
		Parameters:   subAgentParameters(),
		Permission:   tools.PermissionAuto,
		AllowedModes: []tools.AgentMode{tools.ModeParent},
		// Leave headroom above the delegation budget so a per-call
		// timeout argument can extend it without the executor firing
		// first.
		Timeout: a.cfg.Agent.SubAgentTimeout * 2,
		Handler: a.delegate,
	})
}

// delegate runs one child agent to completion and returns its work report
// as the tool result. The report is the only channel back to the parent.
func (a *Agent) delegate(ctx context.Context, args map[string]interface{}) (string, error) {
	prompt, _ := args["prompt"].(string)
	timeout := a.cfg.Agent.SubAgentTimeout
	if secs, ok := args["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	childSession, err := a.manager.Create(a.sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to create child session: %w", err)
	}
	defer a.manager.Remove(childSession.ID)

	tracer := observability.GetTracer("forge.agent")
	ctx, span := tracer.Start(ctx, observability.SpanDelegation,
		trace.WithAttributes(
			attribute.String(observability.AttrSessionID, a.sessionID),
			attribute.String("child.session_id", childSession.ID),
		))
	defer span.End()

	a.publish(session.EventDelegationStarted, map[string]interface{}{
		"child_session_id": childSession.ID,
		"prompt":           prompt,
	})
	a.setState(session.StateWaitingForChild)
	a.logger.Info("Delegating to sub-agent",
		"child_session_id", childSession.ID, "timeout", timeout)

	child := a.newChild(childSession)
	childCtx, cancel := context.WithTimeout(ctx, timeout)
	finalText, runErr := child.Run(childCtx, prompt)
	cancel()

	status := execlog.StatusCompleted
	var failure *execlog.Failure
	switch {
	case runErr == nil:
	case errors.Is(childCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		status = execlog.StatusTimeout
		failure = execlog.Categorize(child.log, execlog.CauseTimeout, runErr.Error(), timeout)
	case ctx.Err() != nil:
		status = execlog.StatusPartial
		failure = execlog.Categorize(child.log, execlog.CauseCancelled, runErr.Error(), timeout)
	default:
		status = execlog.StatusFailed
		failure = execlog.Categorize(child.log, execlog.CauseError, runErr.Error(), timeout)
	}
	child.log.Finish(status)
	report := child.log.Report(finalText, failure)

	a.setState(session.StateExecutingTools)
	a.publish(session.EventDelegationEnded, map[string]interface{}{
		"child_session_id": childSession.ID,
		"status":           string(status),
	})
	a.logger.Info("Delegation finished",
		"child_session_id", childSession.ID, "status", status)
	return report, nil
}

// newChild builds an isolated agent under the given child session: fresh
// window, fresh execution log linked to this session, same provider and
// registry but viewed through the child mode filter.
func (a *Agent) newChild(childSession session.Session) *Agent {
	log := execlog.New(childSession.ID, a.sessionID)

	childLogger := a.logger
	if a.sessionLogs != nil {
		if l, err := a.sessionLogs.For(childSession.ID, a.sessionID); err == nil {
			childLogger = l
		}
	}

	var windowOpts []memory.WindowOption
	if a.store != nil {
		windowOpts = append(windowOpts, memory.WithStore(a.store, childSession.ID))
	}
	window := memory.NewWindow(&a.cfg.Memory, windowOpts...)
	window.SetSystem(childSystemPrompt)

	child := &Agent{
		cfg:         a.cfg,
		provider:    a.provider,
		registry:    a.registry,
		manager:     a.manager,
		window:      window,
		log:         log,
		logger:      childLogger,
		store:       a.store,
		approver:    a.approver,
		sessionLogs: a.sessionLogs,
		sessionID:   childSession.ID,
		mode:        tools.ModeChild,
		maxTurns:    a.cfg.Agent.MaxTurns,
	}
	child.executor = executor.New(a.registry, &a.cfg.Tools,
		executor.WithLog(log),
		executor.WithBus(a.manager.Bus()),
		executor.WithApprover(a.approver))
	return child
}
