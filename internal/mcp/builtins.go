package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// builtinTool is a broker-local tool served without an adapter round trip.
type builtinTool struct {
	description string
	schema      map[string]any
	run         func(ctx context.Context, args map[string]any) (*CallToolResult, *JSONRPCError)
}

// jobPayload is the stored form of a queued tool call.
type jobPayload struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

func (s *Server) builtinTools() map[string]builtinTool {
	return map[string]builtinTool{
		"start_job": {
			description: "Queue a tool call for background execution and return its job id.",
			schema: objectSchema(map[string]any{
				"target_tool":   map[string]any{"type": "string", "description": "Name of the tool to run."},
				"args":          map[string]any{"type": "object", "description": "Arguments for the target tool."},
				"max_runtime_s": map[string]any{"type": "integer", "description": "Runtime limit in seconds."},
			}, "target_tool"),
			run: s.startJob,
		},
		"poll_job": {
			description: "Return the status, progress and result of a job.",
			schema: objectSchema(map[string]any{
				"job_id": map[string]any{"type": "string"},
			}, "job_id"),
			run: s.pollJob,
		},
		"cancel_job": {
			description: "Cancel a pending or running job.",
			schema: objectSchema(map[string]any{
				"job_id": map[string]any{"type": "string"},
			}, "job_id"),
			run: s.cancelJob,
		},
		"list_jobs": {
			description: "List jobs, newest first.",
			schema: objectSchema(map[string]any{
				"limit":  map[string]any{"type": "integer"},
				"offset": map[string]any{"type": "integer"},
			}),
			run: s.listJobs,
		},
		"search_project_memory": {
			description: "Search recorded interaction summaries, optionally scoped to one session.",
			schema: objectSchema(map[string]any{
				"query":      map[string]any{"type": "string"},
				"session_id": map[string]any{"type": "string", "description": "Restrict results to this session."},
				"top_k":      map[string]any{"type": "integer"},
			}, "query"),
			run: s.searchMemory,
		},
		"search_session_attachments": {
			description: "Search the files uploaded to a session's vector store.",
			schema: objectSchema(map[string]any{
				"session_id": map[string]any{"type": "string"},
				"query":      map[string]any{"type": "string"},
				"top_k":      map[string]any{"type": "integer"},
			}, "session_id", "query"),
			run: s.searchAttachments,
		},
	}
}

func (s *Server) startJob(ctx context.Context, args map[string]any) (*CallToolResult, *JSONRPCError) {
	if s.jobs == nil {
		return TextResult("job queue is not configured", true), nil
	}
	target, _ := args["target_tool"].(string)
	if target == "" {
		return TextResult("invalid_request: start_job requires target_tool", true), nil
	}
	if target == "start_job" {
		return TextResult("invalid_request: jobs cannot queue further jobs", true), nil
	}
	if _, builtin := s.builtins[target]; !builtin {
		if _, ok := s.registry.Get(target); !ok {
			return TextResult("invalid_request: unknown tool "+target, true), nil
		}
	}
	toolArgs, _ := args["args"].(map[string]any)
	payload, err := json.Marshal(jobPayload{Tool: target, Args: toolArgs})
	if err != nil {
		return nil, rpcError(ErrCodeInternalError, "encode job payload: %v", err)
	}
	var maxRuntime time.Duration
	if secs, ok := numberArg(args, "max_runtime_s"); ok && secs > 0 {
		maxRuntime = time.Duration(secs) * time.Second
	}

	job, err := s.jobs.Enqueue(ctx, target, payload, maxRuntime)
	if err != nil {
		return TextResult("enqueue failed: "+err.Error(), true), nil
	}
	s.logger.Info("job queued", "job_id", job.ID, "tool", target)
	return jsonResult(map[string]any{"job_id": job.ID, "status": job.Status})
}

func (s *Server) pollJob(ctx context.Context, args map[string]any) (*CallToolResult, *JSONRPCError) {
	if s.jobs == nil {
		return TextResult("job queue is not configured", true), nil
	}
	id, _ := args["job_id"].(string)
	if id == "" {
		return TextResult("invalid_request: poll_job requires job_id", true), nil
	}
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return TextResult("job lookup failed: "+err.Error(), true), nil
	}
	if job == nil {
		return TextResult("invalid_request: unknown job "+id, true), nil
	}
	return jsonResult(job)
}

func (s *Server) cancelJob(ctx context.Context, args map[string]any) (*CallToolResult, *JSONRPCError) {
	if s.jobs == nil {
		return TextResult("job queue is not configured", true), nil
	}
	id, _ := args["job_id"].(string)
	if id == "" {
		return TextResult("invalid_request: cancel_job requires job_id", true), nil
	}
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return TextResult("job lookup failed: "+err.Error(), true), nil
	}
	if job == nil {
		return TextResult("invalid_request: unknown job "+id, true), nil
	}
	if job.Status.Terminal() {
		// Cancelling a finished job is a no-op, not an error.
		return jsonResult(map[string]any{"job_id": job.ID, "status": job.Status})
	}

	if s.worker != nil {
		err = s.worker.CancelJob(ctx, id)
	} else {
		err = s.jobs.Cancel(ctx, id)
	}
	if err != nil {
		return TextResult("cancel failed: "+err.Error(), true), nil
	}
	s.logger.Info("job cancelled", "job_id", id)
	return jsonResult(map[string]any{"job_id": id, "status": "cancelled"})
}

func (s *Server) listJobs(ctx context.Context, args map[string]any) (*CallToolResult, *JSONRPCError) {
	if s.jobs == nil {
		return TextResult("job queue is not configured", true), nil
	}
	limit := 20
	if v, ok := numberArg(args, "limit"); ok && v > 0 {
		limit = int(v)
	}
	offset := 0
	if v, ok := numberArg(args, "offset"); ok && v > 0 {
		offset = int(v)
	}
	list, err := s.jobs.List(ctx, limit, offset)
	if err != nil {
		return TextResult("job list failed: "+err.Error(), true), nil
	}
	return jsonResult(map[string]any{"jobs": list})
}

func (s *Server) searchMemory(ctx context.Context, args map[string]any) (*CallToolResult, *JSONRPCError) {
	if s.memory == nil {
		return TextResult("project memory is not configured", true), nil
	}
	query, _ := args["query"].(string)
	if query == "" {
		return TextResult("invalid_request: search_project_memory requires query", true), nil
	}
	topK := 0
	if v, ok := numberArg(args, "top_k"); ok {
		topK = int(v)
	}
	var hits []models.MemoryHit
	var err error
	if sessionID, _ := args["session_id"].(string); sessionID != "" {
		hits, err = s.memory.SearchSession(ctx, sessionID, query, topK)
	} else {
		hits, err = s.memory.Search(ctx, query, topK)
	}
	if err != nil {
		return TextResult("memory search failed: "+err.Error(), true), nil
	}
	return jsonResult(map[string]any{"hits": hits})
}

func (s *Server) searchAttachments(ctx context.Context, args map[string]any) (*CallToolResult, *JSONRPCError) {
	if s.vstores == nil {
		return TextResult("vector store support is not configured", true), nil
	}
	sessionID, _ := args["session_id"].(string)
	query, _ := args["query"].(string)
	if sessionID == "" || query == "" {
		return TextResult("invalid_request: search_session_attachments requires session_id and query", true), nil
	}
	topK := 8
	if v, ok := numberArg(args, "top_k"); ok && v > 0 {
		topK = int(v)
	}
	hits, err := s.vstores.Search(ctx, sessionID, query, topK)
	if err != nil {
		return TextResult("attachment search failed: "+err.Error(), true), nil
	}
	return jsonResult(map[string]any{"hits": hits})
}

// jsonResult marshals a payload into a single text block.
func jsonResult(v any) (*CallToolResult, *JSONRPCError) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, rpcError(ErrCodeInternalError, "encode result: %v", err)
	}
	return TextResult(string(data), false), nil
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
