package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/relay/pkg/models"
)

// Input describes one context-assembly request.
type Input struct {
	// ContextPaths are files or directories whose text competes for the
	// inline budget; losers overflow to the vector store.
	ContextPaths []string
	// AttachmentPaths are explicitly routed to the overflow set.
	AttachmentPaths []string
	// PriorityPaths are forced into the inline set.
	PriorityPaths []string
	// ContextWindow is the tool's declared window in tokens.
	ContextWindow int
	// BudgetFraction of the window allowed inline (default 0.01).
	BudgetFraction float64
	// StableInline is the session's stable inline set: content hashes that
	// were inlined by earlier calls in the session.
	StableInline map[string]bool
	// Vision keeps image files as attachments instead of dropping them.
	Vision bool
}

// Result is the assembled context split.
type Result struct {
	Inline   []*models.FileRef
	Overflow []*models.FileRef
	Images   []*models.FileRef
	// InlineHashes is the new stable inline set to persist with the session.
	InlineHashes []string
	InlineTokens int
	Budget       int
	Tree         string
	Warnings     []string
}

// Assembler turns referenced paths into an inline/overflow split.
type Assembler struct {
	estimator Estimator
	ignores   *IgnoreSet
	workers   *semaphore.Weighted
	logger    *slog.Logger
}

// New creates an assembler. poolSize bounds concurrent file reads and
// tokenization.
func New(estimator Estimator, ignores *IgnoreSet, poolSize int, logger *slog.Logger) *Assembler {
	if poolSize <= 0 {
		poolSize = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		estimator: estimator,
		ignores:   ignores,
		workers:   semaphore.NewWeighted(int64(poolSize)),
		logger:    logger.With("component", "assembler"),
	}
}

// Assemble gathers, classifies, scores and splits the referenced files.
// Inline tokens never exceed the budget unless priority files alone do, in
// which case the inline set is exactly the priority files.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Result, error) {
	res := &Result{Budget: a.budget(in)}

	ctxFiles := gather(in.ContextPaths, a.ignores)
	attFiles := gather(in.AttachmentPaths, a.ignores)
	priFiles := gather(in.PriorityPaths, a.ignores)
	res.Warnings = append(res.Warnings, ctxFiles.warnings...)
	res.Warnings = append(res.Warnings, attFiles.warnings...)
	res.Warnings = append(res.Warnings, priFiles.warnings...)

	priority := map[string]bool{}
	for _, f := range priFiles.files {
		priority[f.AbsPath] = true
	}

	// Merge, deduplicating by absolute path: priority beats context beats
	// attachment when the same file is referenced twice.
	merged := map[string]*models.FileRef{}
	for _, f := range attFiles.files {
		f.Attachment = true
		merged[f.AbsPath] = f
	}
	for _, f := range ctxFiles.files {
		merged[f.AbsPath] = f
	}
	for _, f := range priFiles.files {
		f.Priority = true
		merged[f.AbsPath] = f
	}

	all := make([]*models.FileRef, 0, len(merged))
	for _, f := range merged {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].AbsPath < all[j].AbsPath })

	all, err := a.classifyAll(ctx, all, res)
	if err != nil {
		return nil, err
	}

	var candidates, overflow []*models.FileRef
	for _, f := range all {
		switch f.Kind {
		case models.FileText:
			if f.Attachment {
				overflow = append(overflow, f)
			} else {
				candidates = append(candidates, f)
			}
		case models.FileImage:
			if in.Vision {
				res.Images = append(res.Images, f)
			} else {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: binary file dropped", f.AbsPath))
			}
		default:
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: binary file dropped", f.AbsPath))
		}
	}

	a.split(in, res, candidates, overflow)

	res.Tree = renderTree(res.Inline, res.Overflow, res.Images)
	return res, nil
}

func (a *Assembler) budget(in Input) int {
	fraction := in.BudgetFraction
	if fraction <= 0 {
		fraction = 0.01
	}
	window := in.ContextWindow
	if window <= 0 {
		window = 100000
	}
	budget := int(float64(window) * fraction)
	if budget < 1 {
		budget = 1
	}
	return budget
}

// classifyAll reads and scores files on the bounded worker pool, yielding to
// cancellation between files. Unreadable files become warnings and are
// dropped from the returned slice.
func (a *Assembler) classifyAll(ctx context.Context, files []*models.FileRef, res *Result) ([]*models.FileRef, error) {
	type outcome struct {
		idx int
		err error
	}
	results := make(chan outcome, len(files))

	for i, f := range files {
		if err := a.workers.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func(idx int, ref *models.FileRef) {
			defer a.workers.Release(1)
			results <- outcome{idx: idx, err: classify(ref, a.estimator.Estimate)}
		}(i, f)
	}

	bad := map[int]bool{}
	for range files {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case out := <-results:
			if out.err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", files[out.idx].AbsPath, out.err))
				bad[out.idx] = true
			}
		}
	}

	kept := make([]*models.FileRef, 0, len(files))
	for i, f := range files {
		if !bad[i] {
			kept = append(kept, f)
		}
	}
	return kept, nil
}

// split performs the greedy inline/overflow split.
func (a *Assembler) split(in Input, res *Result, candidates, overflow []*models.FileRef) {
	var priority, others []*models.FileRef
	for _, f := range candidates {
		if f.Priority {
			priority = append(priority, f)
		} else {
			others = append(others, f)
		}
	}

	priorityTokens := 0
	for _, f := range priority {
		priorityTokens += f.TokenEstimate
	}

	if priorityTokens > res.Budget {
		// Priority alone exceeds the budget: inline is exactly the priority
		// set, everything else overflows.
		res.Inline = priority
		res.InlineTokens = priorityTokens
		res.Overflow = append(others, overflow...)
		a.finish(res)
		return
	}

	res.Inline = append(res.Inline, priority...)
	res.InlineTokens = priorityTokens
	remaining := res.Budget - priorityTokens

	// Prefer files already inlined in this session, then smaller files.
	sort.SliceStable(others, func(i, j int) bool {
		si, sj := in.StableInline[others[i].ContentHash], in.StableInline[others[j].ContentHash]
		if si != sj {
			return si
		}
		return others[i].TokenEstimate < others[j].TokenEstimate
	})

	for _, f := range others {
		if f.TokenEstimate <= remaining {
			res.Inline = append(res.Inline, f)
			res.InlineTokens += f.TokenEstimate
			remaining -= f.TokenEstimate
		} else {
			overflow = append(overflow, f)
		}
	}
	res.Overflow = overflow
	a.finish(res)
}

func (a *Assembler) finish(res *Result) {
	sort.Slice(res.Inline, func(i, j int) bool { return res.Inline[i].AbsPath < res.Inline[j].AbsPath })
	sort.Slice(res.Overflow, func(i, j int) bool { return res.Overflow[i].AbsPath < res.Overflow[j].AbsPath })
	for _, f := range res.Inline {
		res.InlineHashes = append(res.InlineHashes, f.ContentHash)
	}
}
