package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/haasonsaas/relay/internal/adapters"
	"github.com/haasonsaas/relay/internal/assembler"
	"github.com/haasonsaas/relay/internal/catalog"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/jobs"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/vectorstore"
	"github.com/haasonsaas/relay/pkg/models"
)

const serverName = "relay"

// Server wires the tools/* method surface over the broker's subsystems.
// All dependencies are constructed by the caller and passed down; the
// server holds no globals.
type Server struct {
	cfg       *config.Config
	version   string
	registry  *catalog.Registry
	assembler *assembler.Assembler
	adapters  *adapters.Registry
	sessions  sessions.Store
	locks     *sessions.LockManager
	vstores   *vectorstore.Manager
	jobs      jobs.Store
	worker    *jobs.Worker
	memory    *memory.Manager
	metrics   *observability.Metrics
	logger    *slog.Logger

	builtins map[string]builtinTool
}

// Options carries the server's constructed dependencies. Optional
// subsystems (vector stores, jobs, memory) may be nil; the matching tools
// then report a configuration error.
type Options struct {
	Config    *config.Config
	Version   string
	Registry  *catalog.Registry
	Assembler *assembler.Assembler
	Adapters  *adapters.Registry
	Sessions  sessions.Store
	Locks     *sessions.LockManager
	Vstores   *vectorstore.Manager
	Jobs      jobs.Store
	Worker    *jobs.Worker
	Memory    *memory.Manager
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       opts.Config,
		version:   opts.Version,
		registry:  opts.Registry,
		assembler: opts.Assembler,
		adapters:  opts.Adapters,
		sessions:  opts.Sessions,
		locks:     opts.Locks,
		vstores:   opts.Vstores,
		jobs:      opts.Jobs,
		worker:    opts.Worker,
		memory:    opts.Memory,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "server"),
	}
	s.builtins = s.builtinTools()
	return s
}

// Attach registers the method surface on the dispatcher.
func (s *Server) Attach(d *Dispatcher) {
	d.Register("initialize", s.handleInitialize)
	d.Register("tools/list", s.handleListTools)
	d.Register("tools/call", s.handleCallTool)
	d.Register("ping", s.handlePing)
}

func (s *Server) handleInitialize(ctx context.Context, params []byte) (any, *JSONRPCError) {
	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities{Tools: &ToolsCapability{ListChanged: false}},
		ServerInfo:      ServerInfo{Name: serverName, Version: s.version},
	}, nil
}

func (s *Server) handlePing(ctx context.Context, params []byte) (any, *JSONRPCError) {
	return map[string]any{}, nil
}

func (s *Server) handleListTools(ctx context.Context, params []byte) (any, *JSONRPCError) {
	var infos []ToolInfo
	for _, desc := range s.registry.List() {
		infos = append(infos, ToolInfo{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema(),
		})
	}
	for name, tool := range s.builtins {
		infos = append(infos, ToolInfo{
			Name:        name,
			Description: tool.description,
			InputSchema: tool.schema,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return &ListToolsResult{Tools: infos}, nil
}

func (s *Server) handleCallTool(ctx context.Context, params []byte) (any, *JSONRPCError) {
	var p CallToolParams
	if err := unmarshalParams(params, &p); err != nil || p.Name == "" {
		return nil, rpcError(ErrCodeInvalidParams, "tools/call requires name and arguments")
	}
	if p.Arguments == nil {
		p.Arguments = map[string]any{}
	}

	result, rpcErr := s.callTool(ctx, p.Name, p.Arguments)
	if rpcErr != nil {
		s.countCall(p.Name, "protocol_error")
		return nil, rpcErr
	}
	if result == nil {
		// Cancelled mid-flight; the dispatcher suppresses the response.
		return nil, rpcError(ErrCodeInternalError, "request cancelled")
	}
	if result.IsError {
		s.countCall(p.Name, "tool_error")
	} else {
		s.countCall(p.Name, "ok")
	}
	return result, nil
}

// RunJob executes one claimed job through the same tool pipeline as a live
// tools/call. It is the worker's Runner.
func (s *Server) RunJob(ctx context.Context, job *jobs.Job) (*models.ToolResult, error) {
	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	if payload.Args == nil {
		payload.Args = map[string]any{}
	}
	result, rpcErr := s.callTool(ctx, payload.Tool, payload.Args)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	if result == nil {
		return nil, context.Canceled
	}
	return &models.ToolResult{Content: joinContent(result), IsError: result.IsError}, nil
}

func joinContent(result *CallToolResult) string {
	if len(result.Content) == 1 {
		return result.Content[0].Text
	}
	var text string
	for _, c := range result.Content {
		text += c.Text
	}
	return text
}

func (s *Server) countCall(tool, outcome string) {
	if s.metrics != nil {
		s.metrics.ToolCalls.WithLabelValues(tool, outcome).Inc()
	}
}

// unmarshalParams decodes params, treating absent params as an empty object.
func unmarshalParams(params []byte, into any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, into)
}
