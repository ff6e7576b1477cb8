package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"testctx/internal/dataset"
	"testctx/internal/manager"
	"testctx/internal/mode"
	"testctx/internal/provider"
	"testctx/internal/report"
	scenario "testctx/internal/testing"

	"github.com/mark3labs/mcp-go/mcp"
)

// handleModeResolve handles the mode_resolve MCP tool
func (s *Server) handleModeResolve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tags := splitList(stringArg(request.GetArguments(), "tags"))

	res, err := mode.Resolve(tags, s.cfg.Env)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{
		"requested":   res.Requested,
		"candidates":  res.Candidates(),
		"unavailable": res.Unavailable,
	})
}

// handleSafetyCheck handles the safety_check MCP tool
func (s *Server) handleSafetyCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := request.GetArguments()["record"]
	if !ok || raw == nil {
		return mcp.NewToolResultError("record parameter is required"), nil
	}

	var rec dataset.Record
	data, err := json.Marshal(raw)
	if err == nil {
		err = json.Unmarshal(data, &rec)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("record must be an object with kind, id, name and fields: %v", err)), nil
	}

	res := s.cfg.Validator.IsTestSafe(rec)
	return jsonResult(map[string]interface{}{
		"record": rec.String(),
		"marker": s.cfg.Validator.Marker(),
		"safe":   res.Safe,
		"issues": res.Issues,
	})
}

// probeResult is the context_probe payload.
type probeResult struct {
	RunID     string             `json:"run_id"`
	Requested mode.TestMode      `json:"requested"`
	Mode      mode.TestMode      `json:"mode"`
	Attempts  []attemptJSON      `json:"attempts"`
	Metadata  *provider.Metadata `json:"metadata,omitempty"`
	Report    report.Report      `json:"report"`
	Warnings  []string           `json:"warnings,omitempty"`
}

type attemptJSON struct {
	Mode     mode.TestMode `json:"mode"`
	Error    string        `json:"error,omitempty"`
	Duration string        `json:"duration"`
}

// handleContextProbe handles the context_probe MCP tool
func (s *Server) handleContextProbe(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.cfg.Manager == nil {
		return mcp.NewToolResultError("no context manager configured"), nil
	}
	tags := splitList(stringArg(request.GetArguments(), "tags"))

	res, err := mode.Resolve(tags, s.cfg.Env)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var meta provider.Metadata
	out, err := s.cfg.Manager.Run(ctx, res, func(ctx context.Context, dc *provider.DataContext) error {
		meta = dc.Metadata
		return nil
	})
	if err != nil {
		var exhausted *manager.ExhaustedError
		if errors.As(err, &exhausted) {
			return mcp.NewToolResultError(fmt.Sprintf("No test context available: %v", err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Context probe failed: %v", err)), nil
	}

	result := probeResult{
		RunID:     out.RunID,
		Requested: out.Requested,
		Mode:      out.Mode,
		Metadata:  &meta,
		Report:    out.Report,
		Warnings:  out.Warnings,
	}
	for _, a := range out.Attempts {
		aj := attemptJSON{Mode: a.Mode, Duration: a.Duration.Round(time.Millisecond).String()}
		if a.Err != nil {
			aj.Error = a.Err.Error()
		}
		result.Attempts = append(result.Attempts, aj)
	}
	return jsonResult(result)
}

// handleElementResolve handles the element_resolve MCP tool
func (s *Server) handleElementResolve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	name := stringArg(args, "element")
	if name == "" {
		return mcp.NewToolResultError("element parameter is required"), nil
	}
	m, err := mode.Parse(stringArg(args, "mode"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	strategy := s.cfg.Elements.Strategy(name, m, stringArg(args, "fallback"))
	payload := map[string]interface{}{
		"element":        strategy.Name,
		"mode":           m,
		"selector":       strategy.Selector,
		"registered":     strategy.Registered,
		"timeout":        strategy.Timeout.String(),
		"retries":        strategy.Retries,
		"retry_interval": strategy.RetryInterval.String(),
	}
	if !strategy.Registered {
		if suggestion := s.cfg.Elements.Suggest(name); suggestion != "" {
			payload["did_you_mean"] = suggestion
		}
	}
	return jsonResult(payload)
}

// handleScenarioRun handles the scenario_run MCP tool
func (s *Server) handleScenarioRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	config := scenario.DefaultTestConfiguration()
	config.Timeout = 10 * time.Minute
	config.ScenarioPath = s.cfg.ScenarioPath
	if p := stringArg(args, "config_path"); p != "" {
		config.ScenarioPath = p
	}
	if config.ScenarioPath == "" {
		config.ScenarioPath = scenario.GetDefaultScenarioPath()
	}
	config.Scenario = stringArg(args, "scenario")
	config.Tags = splitList(stringArg(args, "tags"))

	if parallel, ok := args["parallel"].(float64); ok {
		if parallel < 1 || parallel > 10 {
			return mcp.NewToolResultError("parallel workers must be between 1 and 10"), nil
		}
		config.Parallel = int(parallel)
	}
	if failFast, ok := args["fail_fast"].(bool); ok {
		config.FailFast = failFast
	}

	scenarios, err := s.loader.LoadScenarios(config.ScenarioPath)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load test scenarios: %v", err)), nil
	}
	if len(scenarios) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No test scenarios found in %s", config.ScenarioPath)), nil
	}

	result, err := s.runner.Run(ctx, config, scenarios)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Test execution failed: %v", err)), nil
	}

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()

	return jsonResult(result)
}

// LastResult returns the result of the latest scenario_run call.
func (s *Server) LastResult() *scenario.TestSuiteResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
