// Package mcpserver exposes the test-context engine as MCP tools so that
// agents and editors can resolve modes, check records, probe contexts and
// run scenarios over stdio.
package mcpserver

import (
	"context"
	"fmt"
	"io"
	"sync"

	"testctx/internal/elements"
	"testctx/internal/manager"
	"testctx/internal/mode"
	"testctx/internal/safety"
	scenario "testctx/internal/testing"
	"testctx/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const subsystem = "MCPServer"

// Config wires the server to the engine.
type Config struct {
	Version   string
	Env       mode.Environment
	Validator *safety.Validator
	Manager   *manager.Manager
	Elements  *elements.Registry
	// Hooks acquire contexts for scenario_run. Defaults to hooks over Manager.
	Hooks scenario.Hooks
	// ScenarioPath is the default scenario location for scenario_run.
	ScenarioPath string
}

// Server holds the tool handlers.
type Server struct {
	cfg    Config
	loader scenario.TestScenarioLoader
	runner scenario.TestRunner

	mu         sync.Mutex
	lastResult *scenario.TestSuiteResult
}

// New creates a server.
func New(cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Validator == nil {
		cfg.Validator = safety.NewValidator(safety.Policy{})
	}
	if cfg.Elements == nil {
		cfg.Elements = elements.NewRegistry()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = &scenario.ContextHooks{Env: cfg.Env, Manager: cfg.Manager}
	}
	loader := scenario.NewTestScenarioLoader(false)
	// stdout carries the protocol
	runner := scenario.NewTestRunner(loader, scenario.NewQuietReporter(io.Discard), cfg.Hooks, scenario.RunnerOptions{
		Elements:  cfg.Elements,
		Validator: cfg.Validator,
	})
	return &Server{cfg: cfg, loader: loader, runner: runner}
}

// Tools returns every tool with its handler.
func (s *Server) Tools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("mode_resolve",
				mcp.WithDescription("Resolve the test mode and fallbacks for a set of scenario tags"),
				mcp.WithString("tags",
					mcp.Description("Comma-separated scenario tags, e.g. \"@production,smoke\""),
				),
			),
			Handler: s.handleModeResolve,
		},
		{
			Tool: mcp.NewTool("safety_check",
				mcp.WithDescription("Check whether a record may be touched by a test run"),
				mcp.WithObject("record",
					mcp.Required(),
					mcp.Description("Record with kind, id, name, is_test and fields"),
				),
			),
			Handler: s.handleSafetyCheck,
		},
		{
			Tool: mcp.NewTool("context_probe",
				mcp.WithDescription("Acquire a data context for the given tags, report on it and release it"),
				mcp.WithString("tags",
					mcp.Description("Comma-separated scenario tags"),
				),
			),
			Handler: s.handleContextProbe,
		},
		{
			Tool: mcp.NewTool("element_resolve",
				mcp.WithDescription("Resolve a logical UI element to its selector and wait policy in a mode"),
				mcp.WithString("element",
					mcp.Required(),
					mcp.Description("Logical element name"),
				),
				mcp.WithString("mode",
					mcp.Required(),
					mcp.Description("Test mode"),
					mcp.Enum(string(mode.Isolated), string(mode.Production), string(mode.Dual)),
				),
				mcp.WithString("fallback",
					mcp.Description("Selector used when the element is not registered"),
				),
			),
			Handler: s.handleElementResolve,
		},
		{
			Tool: mcp.NewTool("scenario_run",
				mcp.WithDescription("Run test scenarios and return the suite result as JSON"),
				mcp.WithString("scenario",
					mcp.Description("Scenario name or glob"),
				),
				mcp.WithString("tags",
					mcp.Description("Comma-separated tags; scenarios carrying any of them run"),
				),
				mcp.WithString("config_path",
					mcp.Description("Scenario file or directory"),
				),
				mcp.WithNumber("parallel",
					mcp.Description("Number of parallel workers (1-10)"),
				),
				mcp.WithBoolean("fail_fast",
					mcp.Description("Stop at the first failing scenario"),
				),
			),
			Handler: s.handleScenarioRun,
		},
	}
}

// MCPServer builds an mcp-go server with every tool registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("testctx", s.cfg.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	srv.AddTools(s.Tools()...)
	return srv
}

// ServeStdio serves the tools over in/out until ctx is done or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	logging.Info(subsystem, "Serving %d tools over stdio", len(s.Tools()))
	stdio := server.NewStdioServer(s.MCPServer())
	if err := stdio.Listen(ctx, in, out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stdio server stopped: %w", err)
	}
	return nil
}
