// Package mcpserver exposes the registered CVE modules as MCP tools:
// setup_<id>, restart_<id>, evaluate_<id> and test_<id> per module, plus
// list_cves and a generic evaluate.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/signalnine/patchgrade/internal/grader"
	"github.com/signalnine/patchgrade/internal/registry"
	"github.com/signalnine/patchgrade/internal/result"
)

const instructions = `patchgrade grades fixes for known vulnerabilities.
Call setup_<cve> first, edit the target source, then call evaluate_<cve>.
Pass restart=true to relaunch the service and probe it live.
Rewards: 1.0 fixed, 0.5 partially fixed, 0.0 still vulnerable.
isError=true means the harness could not grade, not that the fix is wrong.`

// EvaluationObserver is told about every finished evaluation.
type EvaluationObserver interface {
	ObserveEvaluation(cve string, ev result.Evaluation)
}

type Options struct {
	Version  string
	Observer EvaluationObserver
}

type Server struct {
	mcp  *mcp.Server
	reg  *registry.Registry
	opts Options

	// One evaluation or restart at a time per target: they share a service.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(reg *registry.Registry, opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{reg: reg, opts: *opts, locks: map[string]*sync.Mutex{}}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: "patchgrade", Title: "patchgrade CVE grader", Version: opts.Version},
		&mcp.ServerOptions{Instructions: instructions},
	)
	s.registerTools()
	return s
}

func (s *Server) MCPServer() *mcp.Server { return s.mcp }

func (s *Server) RunStdio(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves the streamable HTTP transport on / and /mcp, and a
// liveness probe on /health.
func (s *Server) HTTPHandler() http.Handler {
	streamable := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.mcp },
		&mcp.StreamableHTTPOptions{},
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","modules":%d}`, s.reg.Len())
	})
	mux.Handle("/mcp", streamable)
	mux.Handle("/", streamable)
	return mux
}

// ToolName maps a module id to the suffix used in tool names.
func ToolName(prefix, id string) string {
	r := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return prefix + "_" + strings.ToLower(r.Replace(id))
}

func (s *Server) lock(target string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[target]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[target] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (s *Server) evaluate(ctx context.Context, m *registry.Module, req grader.Request) result.Evaluation {
	defer s.lock(m.Target)()
	ev := m.Evaluate(ctx, req)
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveEvaluation(m.ID, ev)
	}
	log.Printf("evaluated %s: reward=%.1f isError=%t", m.ID, ev.Reward, ev.IsError)
	return ev
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return textResult(string(data)), nil
}

func errorResult(msg string) *mcp.CallToolResult {
	res := textResult(msg)
	res.IsError = true
	return res
}

func evaluationResult(ev result.Evaluation) (*mcp.CallToolResult, error) {
	res, err := jsonResult(ev)
	if err != nil {
		return nil, err
	}
	res.IsError = ev.IsError
	return res, nil
}

func parseArgs(req *mcp.CallToolRequest, dst any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, dst); err != nil {
		return fmt.Errorf("parsing tool arguments: %w", err)
	}
	return nil
}
