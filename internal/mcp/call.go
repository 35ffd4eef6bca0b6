package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/adapters"
	"github.com/haasonsaas/relay/internal/assembler"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/pkg/models"
)

// callTool runs the full tool pipeline: parameter split, session lock,
// context assembly, vector-store acquire, adapter call, session upsert and
// memory write. A nil result with a nil error means the call was cancelled
// and no response may be written.
func (s *Server) callTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, *JSONRPCError) {
	if tool, ok := s.builtins[name]; ok {
		return tool.run(ctx, args)
	}

	desc, ok := s.registry.Get(name)
	if !ok {
		return nil, rpcError(ErrCodeInvalidParams, "unknown tool: %s", name)
	}

	split, err := router.Split(desc, args)
	if err != nil {
		return s.invalidRequest(err), nil
	}
	schemaRaw, err := router.ExtractSchema(split.Adapter)
	if err != nil {
		return s.invalidRequest(err), nil
	}
	if len(schemaRaw) > 0 && !desc.HasCapability(models.CapStructuredOutput) {
		return s.invalidRequest(fmt.Errorf("tool %s does not support structured output", name)), nil
	}
	compiled, err := router.CompileSchema(schemaRaw)
	if err != nil {
		return s.invalidRequest(err), nil
	}

	// Session lock spans lookup, adapter call and upsert. It is released by
	// the deferred call on every path, including cancellation, in which
	// case no upsert happens and the prior record stays authoritative.
	sessionID := split.SessionID()
	useSession := sessionID != "" && desc.HasCapability(models.CapSession)
	var sess *models.Session
	if useSession {
		release, err := s.locks.Acquire(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return TextResult("session busy: "+err.Error(), true), nil
		}
		defer release()

		sess, err = s.sessions.Get(ctx, sessionID)
		if err != nil {
			return TextResult("session lookup failed: "+err.Error(), true), nil
		}
		if sess != nil && sess.Expired(time.Now()) {
			if err := s.sessions.Delete(ctx, sessionID); err != nil {
				s.logger.Warn("expired session delete failed", "session_id", sessionID, "error", err)
			}
			sess = nil
		}
	}

	assembled, warn := s.assemble(ctx, desc, split, sess)
	if ctx.Err() != nil {
		return nil, nil
	}
	if warn != nil {
		return warn, nil
	}

	var vsIDs []string
	if len(assembled.Overflow) > 0 && desc.HasCapability(models.CapVectorStore) {
		switch {
		case s.vstores == nil:
			return TextResult("vector store support is not configured", true), nil
		case sessionID == "":
			return s.invalidRequest(fmt.Errorf("overflowing context requires a session_id")), nil
		default:
			vsID, uploaded, err := s.vstores.Acquire(ctx, sessionID, assembled.Overflow)
			if ctx.Err() != nil {
				return nil, nil
			}
			if err != nil {
				return TextResult(fmt.Sprintf("vector store upload failed after %d files: %v", uploaded, err), true), nil
			}
			vsIDs = append(vsIDs, vsID)
			s.logger.Debug("vector store ready",
				"session_id", sessionID, "vs_id", vsID, "uploaded", uploaded)
		}
	}

	// A session that leased a store on an earlier call keeps using it:
	// renew the lease and hand the live id to the adapter for retrieval.
	if len(vsIDs) == 0 && sess != nil && sess.VectorStoreID != "" &&
		s.vstores != nil && desc.HasCapability(models.CapVectorStore) {
		vsID, err := s.vstores.Renew(ctx, sessionID)
		if err != nil {
			s.logger.Warn("vector store renew failed", "session_id", sessionID, "error", err)
		} else if vsID != "" {
			vsIDs = append(vsIDs, vsID)
		}
	}

	rendered, err := router.RenderPrompt(desc, split.Prompt)
	if err != nil {
		return s.invalidRequest(err), nil
	}
	prompt := renderPreamble(assembled) + rendered

	adapter, err := s.adapters.Get(desc.Adapter)
	if err != nil {
		return TextResult("adapter not configured: "+desc.Adapter, true), nil
	}

	callCtx := ctx
	if desc.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, desc.DefaultTimeout)
		defer cancel()
	}
	result, err := adapter.Call(callCtx, &adapters.Request{
		Tool:           desc,
		Prompt:         prompt,
		Kwargs:         split.Adapter,
		VectorStoreIDs: vsIDs,
		Images:         assembled.Images,
		OutputSchema:   schemaRaw,
		Session:        sess,
	})
	if ctx.Err() != nil {
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return TextResult(fmt.Sprintf("upstream timeout after %s", desc.DefaultTimeout), true), nil
		}
		return TextResult(err.Error(), true), nil
	}

	if compiled != nil {
		if err := router.ValidateStructured(compiled, result.Structured); err != nil {
			return s.invalidRequest(fmt.Errorf("structured output rejected: %w", err)), nil
		}
	}

	if useSession {
		s.commitSession(ctx, sess, sessionID, desc, assembled, vsIDs, rendered, result)
	}
	if s.memory != nil && ctx.Err() == nil {
		s.memory.Record(sessionID, desc.Name, desc.Provider, rendered, result.Text)
	}

	text := result.Text
	if len(result.Structured) > 0 {
		text = string(result.Structured)
	}
	return TextResult(text, false), nil
}

// assemble runs context assembly for the call. The second return is a
// non-nil error result only for assembly failures other than per-file
// warnings.
func (s *Server) assemble(ctx context.Context, desc *models.ToolDescriptor, split *router.SplitArgs, sess *models.Session) (*assembler.Result, *CallToolResult) {
	in := assembler.Input{
		ContextPaths:    pathList(split.VectorStore, "context", "items"),
		AttachmentPaths: pathList(split.VectorStore, "attachments"),
		PriorityPaths:   pathList(split.VectorStore, "priority_context"),
		ContextWindow:   desc.ContextWindow,
		BudgetFraction:  s.cfg.Context.InlineBudgetFraction,
		Vision:          desc.HasCapability(models.CapVision),
	}
	if len(in.ContextPaths)+len(in.AttachmentPaths)+len(in.PriorityPaths) == 0 {
		return &assembler.Result{}, nil
	}
	if sess != nil && len(sess.InlineFingerprints) > 0 {
		in.StableInline = make(map[string]bool, len(sess.InlineFingerprints))
		for _, hash := range sess.InlineFingerprints {
			in.StableInline[hash] = true
		}
	}

	res, err := s.assembler.Assemble(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, TextResult("context assembly failed: "+err.Error(), true)
	}
	return res, nil
}

// commitSession applies the post-call session update. Cross-family reuse
// keeps the compacted history but drops the continuation token; a Gemini
// turn cannot resume from an OpenAI response id.
func (s *Server) commitSession(ctx context.Context, sess *models.Session, sessionID string, desc *models.ToolDescriptor, assembled *assembler.Result, vsIDs []string, userText string, result *adapters.Result) {
	if ctx.Err() != nil {
		return
	}
	now := time.Now()
	if sess == nil {
		sess = &models.Session{ID: sessionID}
	}
	if sess.ProviderFamily != "" && sess.ProviderFamily != desc.Provider {
		sess.ContinuationToken = ""
		sess.ContinuationKind = models.ContinuationNone
	}
	sess.ProviderFamily = desc.Provider
	if result.ContinuationToken != "" {
		sess.ContinuationToken = result.ContinuationToken
		sess.ContinuationKind = result.ContinuationKind
	}
	sess.AppendHistory(userText, result.Text, s.cfg.Sessions.MaxHistoryMessages)
	if len(assembled.InlineHashes) > 0 {
		sess.InlineFingerprints = assembled.InlineHashes
	}
	if len(vsIDs) > 0 {
		sess.VectorStoreID = vsIDs[0]
	}
	sess.LastSeen = now
	sess.ExpiresAt = now.Add(s.cfg.Sessions.TTL)

	if err := s.sessions.Upsert(ctx, sess); err != nil {
		s.logger.Warn("session upsert failed", "session_id", sessionID, "error", err)
	}
}

func (s *Server) invalidRequest(err error) *CallToolResult {
	var ire *router.InvalidRequestError
	if errors.As(err, &ire) {
		return TextResult("invalid_request: "+ire.Msg, true)
	}
	return TextResult("invalid_request: "+err.Error(), true)
}

// renderPreamble builds the prompt prefix: the directory tree over both
// context sets followed by the inline file contents.
func renderPreamble(res *assembler.Result) string {
	if res == nil || (res.Tree == "" && len(res.Inline) == 0) {
		return ""
	}
	var sb strings.Builder
	if res.Tree != "" {
		sb.WriteString("Project files:\n")
		sb.WriteString(res.Tree)
		sb.WriteString("\n")
	}
	for _, warning := range res.Warnings {
		sb.WriteString("Note: ")
		sb.WriteString(warning)
		sb.WriteString("\n")
	}
	for _, ref := range res.Inline {
		data, err := os.ReadFile(ref.AbsPath)
		if err != nil {
			sb.WriteString(fmt.Sprintf("Note: %s became unreadable: %v\n", ref.AbsPath, err))
			continue
		}
		sb.WriteString(fmt.Sprintf("\n==== %s ====\n", ref.AbsPath))
		sb.Write(data)
		sb.WriteString("\n")
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	return sb.String()
}

// pathList flattens string-array arguments from the vector_store bucket.
func pathList(bucket map[string]any, keys ...string) []string {
	var out []string
	for _, key := range keys {
		raw, ok := bucket[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		case []string:
			out = append(out, v...)
		case string:
			out = append(out, v)
		}
	}
	return out
}
