package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/signalnine/patchgrade/internal/grader"
	"github.com/signalnine/patchgrade/internal/registry"
)

var noArgs = map[string]any{"type": "object", "properties": map[string]any{}}

var evaluateArgs = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"patch": map[string]any{
			"type":        "string",
			"description": "Unified diff applied to the target tree before grading. Omit to grade the tree as it is.",
		},
		"restart": map[string]any{
			"type":        "boolean",
			"description": "Relaunch the target service first and probe it live.",
		},
	},
}

type evaluateParams struct {
	CVE     string `json:"cve"`
	Patch   string `json:"patch"`
	Restart bool   `json:"restart"`
}

func (s *Server) registerTools() {
	s.mcp.AddTool(&mcp.Tool{
		Name:        "list_cves",
		Description: "List the CVE modules this server can grade, with their targets and available tools.",
		InputSchema: noArgs,
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, s.handleList)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "evaluate",
		Description: "Apply a patch and grade it against one CVE module. cve may be omitted when only one module is registered.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"cve":     map[string]any{"type": "string", "description": "Module id, as returned by list_cves."},
				"patch":   evaluateArgs["properties"].(map[string]any)["patch"],
				"restart": evaluateArgs["properties"].(map[string]any)["restart"],
			},
		},
	}, s.handleGenericEvaluate)

	for _, m := range s.reg.List() {
		s.registerModule(m)
	}
}

func (s *Server) registerModule(m *registry.Module) {
	title := m.Title
	if title == "" {
		title = m.ID
	}
	if m.Setup != nil {
		s.mcp.AddTool(&mcp.Tool{
			Name:        ToolName("setup", m.ID),
			Description: fmt.Sprintf("Prepare the %s tree for %s: verify directories and check out the working branch.", m.Target, title),
			InputSchema: noArgs,
		}, func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			defer s.lock(m.Target)()
			return jsonResult(m.Setup(ctx))
		})
	}
	if m.Restart != nil {
		s.mcp.AddTool(&mcp.Tool{
			Name:        ToolName("restart", m.ID),
			Description: fmt.Sprintf("Kill and relaunch the %s service.", m.Target),
			InputSchema: noArgs,
		}, func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			defer s.lock(m.Target)()
			out := m.Restart(ctx)
			if !out.Success {
				res, err := jsonResult(out)
				if err != nil {
					return nil, err
				}
				res.IsError = true
				return res, nil
			}
			return jsonResult(out)
		})
	}
	s.mcp.AddTool(&mcp.Tool{
		Name:        ToolName("evaluate", m.ID),
		Description: fmt.Sprintf("Grade the fix for %s. Returns {reward, done, content, info, isError}.", title),
		InputSchema: evaluateArgs,
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var p evaluateParams
		if err := parseArgs(req, &p); err != nil {
			return errorResult(err.Error()), nil
		}
		return evaluationResult(s.evaluate(ctx, m, grader.Request{Patch: p.Patch, Restart: p.Restart}))
	})
	if m.Test != nil {
		s.mcp.AddTool(&mcp.Tool{
			Name:        ToolName("test", m.ID),
			Description: fmt.Sprintf("Run the unit-test stages configured for %s.", title),
			InputSchema: noArgs,
		}, func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			unlock := s.lock(m.Target)
			rep := m.Test(ctx)
			unlock()
			res, err := jsonResult(rep)
			if err != nil {
				return nil, err
			}
			res.IsError = !rep.OverallSuccess
			return res, nil
		})
	}
}

type moduleInfo struct {
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Target      string   `json:"target"`
	Tools       []string `json:"tools"`
}

func (s *Server) handleList(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var out []moduleInfo
	for _, m := range s.reg.List() {
		info := moduleInfo{ID: m.ID, Title: m.Title, Description: m.Description, Target: m.Target}
		if m.Setup != nil {
			info.Tools = append(info.Tools, ToolName("setup", m.ID))
		}
		if m.Restart != nil {
			info.Tools = append(info.Tools, ToolName("restart", m.ID))
		}
		info.Tools = append(info.Tools, ToolName("evaluate", m.ID))
		if m.Test != nil {
			info.Tools = append(info.Tools, ToolName("test", m.ID))
		}
		out = append(out, info)
	}
	return jsonResult(out)
}

func (s *Server) handleGenericEvaluate(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p evaluateParams
	if err := parseArgs(req, &p); err != nil {
		return errorResult(err.Error()), nil
	}
	id := p.CVE
	if id == "" {
		mods := s.reg.List()
		if len(mods) != 1 {
			return errorResult(fmt.Sprintf("cve is required: %d modules are registered", len(mods))), nil
		}
		id = mods[0].ID
	}
	m, err := s.reg.Get(id)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return evaluationResult(s.evaluate(ctx, m, grader.Request{Patch: p.Patch, Restart: p.Restart}))
}
