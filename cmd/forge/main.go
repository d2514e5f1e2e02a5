// Command forge is a terminal coding agent. It runs a tool-using reasoning
// loop against an OpenAI-compatible provider, with optional session
// persistence and MCP tool servers.
//
// Usage:
//
//	forge run "summarize cmd/forge/main.go"
//	forge run --config forge.yaml --mode plan "propose a refactor"
//	forge sessions
//	forge validate --config forge.yaml
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/forgecli/forge/pkg/agent"
	"github.com/forgecli/forge/pkg/config"
	"github.com/forgecli/forge/pkg/executor"
	"github.com/forgecli/forge/pkg/llms"
	"github.com/forgecli/forge/pkg/logger"
	"github.com/forgecli/forge/pkg/memory"
	"github.com/forgecli/forge/pkg/protocol"
	"github.com/forgecli/forge/pkg/session"
	"github.com/forgecli/forge/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Run      RunCmd      `cmd:"" help:"Run the agent on a prompt."`
	Sessions SessionsCmd `cmd:"" help:"List persisted sessions."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"warn"`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("forge version %s\n", version)
	return nil
}

// RunCmd runs one agent loop to completion and prints the final answer.
type RunCmd struct {
	Prompt     []string `arg:"" help:"The task for the agent."`
	Model      string   `help:"Model name override."`
	APIKey     string   `name:"api-key" help:"API key (defaults to OPENAI_API_KEY)."`
	BaseURL    string   `name:"base-url" help:"Custom API base URL."`
	Mode       string   `help:"Operation mode (standard, safe, plan)."`
	MaxTurns   int      `name:"max-turns" help:"Turn ceiling override." default:"0"`
	WorkingDir string   `name:"working-dir" help:"Working directory for file tools." type:"path"`
	Yes        bool     `short:"y" help:"Approve all tool permission prompts."`
	Quiet      bool     `short:"q" help:"Suppress tool activity output."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "Interrupted, cancelling...")
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	c.applyOverrides(cfg)

	var sessionLogs *logger.SessionLogs
	if cfg.Logging.SessionDir != "" {
		level, _ := logger.ParseLevel(cfg.Logging.Level)
		sessionLogs, err = logger.NewSessionLogs(cfg.Logging.SessionDir, level)
		if err != nil {
			return err
		}
		defer sessionLogs.Close()
	}

	var store memory.Store
	if cfg.Storage.Enabled {
		sqlStore, err := memory.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		defer sqlStore.Close()
		store = sqlStore
	}

	bus := session.NewBus()
	var managerOpts []session.ManagerOption
	if store != nil {
		managerOpts = append(managerOpts, session.WithManagerStore(store))
	}
	manager := session.NewManager(bus, managerOpts...)

	registry := tools.NewRegistry(cfg.Agent.Mode)
	builtins := tools.NewBuiltins(&cfg.Tools)
	if err := builtins.RegisterAll(registry); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	bridge := tools.NewBridge()
	bridge.RegisterServers(ctx, registry, cfg.MCP)
	defer bridge.Close()

	provider := llms.NewOpenAIProvider(&cfg.Provider)
	defer provider.Close()

	agentOpts := []agent.Option{agent.WithApprover(c.approver())}
	if store != nil {
		agentOpts = append(agentOpts, agent.WithStore(store))
	}
	if sessionLogs != nil {
		agentOpts = append(agentOpts, agent.WithSessionLogs(sessionLogs))
	}

	a, err := agent.New(cfg, provider, registry, manager, agentOpts...)
	if err != nil {
		return err
	}

	if !c.Quiet {
		sub := bus.Subscribe()
		defer bus.Unsubscribe(sub)
		go renderEvents(sub)
	}

	final, err := a.Run(ctx, strings.Join(c.Prompt, " "))
	if err != nil {
		return err
	}
	fmt.Println(final)
	return nil
}

func (c *RunCmd) applyOverrides(cfg *config.Config) {
	if c.Model != "" {
		cfg.Provider.Model = c.Model
	}
	if c.APIKey != "" {
		cfg.Provider.APIKey = c.APIKey
	} else if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.BaseURL != "" {
		cfg.Provider.BaseURL = c.BaseURL
	}
	if c.Mode != "" {
		cfg.Agent.Mode = config.OperationMode(c.Mode)
	}
	if c.MaxTurns > 0 {
		cfg.Agent.MaxTurns = c.MaxTurns
	}
	if c.WorkingDir != "" {
		cfg.Tools.WorkingDir = c.WorkingDir
	}
}

// approver prompts on stderr for ask-gated tools. --yes approves everything.
func (c *RunCmd) approver() executor.Approver {
	if c.Yes {
		return func(ctx context.Context, call protocol.ToolCall, desc *tools.Descriptor) executor.Decision {
			return executor.DecisionApproveAll
		}
	}
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, call protocol.ToolCall, desc *tools.Descriptor) executor.Decision {
		fmt.Fprintf(os.Stderr, "\nTool %s wants to run with arguments:\n  %s\nAllow? [y]es / [n]o / [a]ll: ", call.Name, call.Arguments)
		line, err := reader.ReadString('\n')
		if err != nil {
			return executor.DecisionDeny
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return executor.DecisionApprove
		case "a", "all":
			return executor.DecisionApproveAll
		default:
			return executor.DecisionDeny
		}
	}
}

// renderEvents prints tool and delegation activity as it happens.
func renderEvents(sub *session.Subscription) {
	for event := range sub.C {
		switch event.Type {
		case session.EventToolCallStarted:
			fmt.Fprintf(os.Stderr, "  -> %v\n", event.Payload["tool"])
		case session.EventDelegationStarted:
			fmt.Fprintf(os.Stderr, "  -> sub-agent %v\n", event.Payload["child_session_id"])
		case session.EventDelegationEnded:
			fmt.Fprintf(os.Stderr, "  <- sub-agent %v (%v)\n", event.Payload["child_session_id"], event.Payload["status"])
		}
	}
}

// SessionsCmd lists persisted sessions, most recent first.
type SessionsCmd struct {
	Limit int `help:"Maximum number of sessions to list." default:"20"`
}

func (c *SessionsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	store, err := memory.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	sessions, err := store.ListSessions(c.Limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}
	for _, s := range sessions {
		summary := s.Summary
		if summary == "" {
			summary = "(no summary)"
		}
		marker := ""
		if s.ParentID != "" {
			marker = "  (child of " + s.ParentID + ")"
		}
		fmt.Printf("%s  %s  %s%s\n", s.UpdatedAt.Format("2006-01-02 15:04"), s.ID, summary, marker)
	}
	return nil
}

// ValidateCmd loads and validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	if _, err := config.NewLoader(cli.Config).Load(); err != nil {
		return err
	}
	fmt.Println("Configuration OK")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("forge"),
		kong.Description("forge - a terminal coding agent"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger.Init(level, os.Stderr, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
