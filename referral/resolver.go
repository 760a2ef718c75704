/*
Inviter-chain resolution.

PURPOSE:
  Walks the referral graph upward from a source user, producing the ordered
  list of ancestors eligible for commissions. The graph is user-generated
  data and must be treated as potentially cyclic and potentially broken;
  the resolver never loops forever and never invents ancestors.

TRAVERSAL RULES:
  - Level 1 is the direct inviter, level 2 their inviter, and so on
  - Hard stop at MaxDepth levels
  - A user listed as their own inviter is a broken edge: the walk stops
    quietly, as if the chain ended there
  - Any other revisited user is a cycle: the walk stops before adding the
    repeat and flags TruncatedByCycle
  - A lookup failure keeps the already-resolved prefix and flags
    TruncatedByError with the underlying error

SEE ALSO:
  - distributor.go: decides what each truncation flag means for a batch
*/
package referral

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// AncestorLookup answers single referral-edge queries. Implementations are
// backed by the user store. The boolean is false when the user exists but
// has no inviter; a missing user is an error.
type AncestorLookup interface {
	Referrer(ctx context.Context, id UserID) (UserID, bool, error)
}

// Resolver walks inviter chains. Zero value is not usable; construct with
// NewResolver.
type Resolver struct {
	lookup      AncestorLookup
	maxDepth    int
	stepTimeout time.Duration
	log         zerolog.Logger
}

// NewResolver builds a resolver capped at MaxDepth levels. stepTimeout
// bounds each individual lookup; zero disables the per-step deadline.
func NewResolver(lookup AncestorLookup, stepTimeout time.Duration, log zerolog.Logger) *Resolver {
	return &Resolver{
		lookup:      lookup,
		maxDepth:    MaxDepth,
		stepTimeout: stepTimeout,
		log:         log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the ancestor chain of source, closest first. The chain
// never contains source itself and never contains duplicates.
func (r *Resolver) Resolve(ctx context.Context, source UserID) Chain {
	var chain Chain
	visited := map[UserID]struct{}{source: {}}
	current := source

	for level := 1; level <= r.maxDepth; level++ {
		parent, ok, err := r.step(ctx, current)
		if err != nil {
			r.log.Warn().
				Str("source", string(source)).
				Int("level", level).
				Err(err).
				Msg("chain lookup failed, keeping resolved prefix")
			chain.TruncatedByError = true
			chain.StepErr = err
			return chain
		}
		if !ok {
			return chain // natural end of chain
		}
		if parent == current {
			// Broken self-edge. Treat as end of chain, not as a cycle.
			r.log.Debug().
				Str("user", string(current)).
				Msg("self-referential edge, stopping walk")
			return chain
		}
		if _, seen := visited[parent]; seen {
			r.log.Warn().
				Str("source", string(source)).
				Str("repeat", string(parent)).
				Int("level", level).
				Msg("cycle detected in referral graph")
			chain.TruncatedByCycle = true
			return chain
		}
		visited[parent] = struct{}{}
		chain.Entries = append(chain.Entries, ChainEntry{Level: level, UserID: parent})
		current = parent
	}
	return chain
}

func (r *Resolver) step(ctx context.Context, id UserID) (UserID, bool, error) {
	if r.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.stepTimeout)
		defer cancel()
	}
	return r.lookup.Referrer(ctx, id)
}
