package pipeline

import (
	"context"

	"intakeline/internal/domain"
	"intakeline/internal/stage"
)

// dedupe drops repeated IDs, keeping the first occurrence in order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type BulkTransitionOptions struct {
	IDs     []string
	To      stage.Stage
	Reason  string
	ActorID string
}

// BulkTransition applies the same transition to each request
// independently. A failure on one request never aborts the rest; the
// result carries a per-request breakdown. Re-opening estimation on a
// ready request clears its estimate, so that edge is refused here and
// stays a deliberate single-request transition.
func (e *Engine) BulkTransition(ctx context.Context, opts BulkTransitionOptions) domain.BulkResult {
	var res domain.BulkResult
	for _, id := range dedupe(opts.IDs) {
		if opts.To == stage.Estimation {
			if r, err := e.getActive(ctx, id); err == nil && r.Stage == stage.Ready {
				failure := &InvalidTransitionError{From: stage.Ready, To: stage.Estimation}
				res.Failed = append(res.Failed, domain.BulkFailure{ID: id, Reason: failure.Error()})
				continue
			}
		}
		_, err := e.Transition(ctx, TransitionOptions{
			ID:      id,
			To:      opts.To,
			Reason:  opts.Reason,
			ActorID: opts.ActorID,
		})
		if err != nil {
			res.Failed = append(res.Failed, domain.BulkFailure{ID: id, Reason: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res
}

type BulkAssignOptions struct {
	IDs          []string
	AssignedPMID *string
	ActorID      string
}

// BulkAssign sets the same project manager on each request, with the
// same independent per-request semantics as BulkTransition.
func (e *Engine) BulkAssign(ctx context.Context, opts BulkAssignOptions) domain.BulkResult {
	var res domain.BulkResult
	for _, id := range dedupe(opts.IDs) {
		_, err := e.AssignPM(ctx, id, opts.AssignedPMID, opts.ActorID)
		if err != nil {
			res.Failed = append(res.Failed, domain.BulkFailure{ID: id, Reason: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res
}
