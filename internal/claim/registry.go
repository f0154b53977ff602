// Package claim applies TTL policy on top of the store's claim table.
// Claims are advisory leases: an agent that holds one is the only agent
// that should work on the unit, and a lapsed claim silently frees the unit
// for others.
package claim

import (
	"context"
	"time"

	"github.com/claimtree/claimtree/internal/config"
	"github.com/claimtree/claimtree/internal/logging"
	"github.com/claimtree/claimtree/internal/store"
)

// Registry hands out time-bounded claims on units of work.
type Registry struct {
	store  *store.Store
	cfg    config.ClaimConfig
	logger *logging.Logger
}

// NewRegistry creates a Registry backed by the shared store.
func NewRegistry(s *store.Store, cfg config.ClaimConfig, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{store: s, cfg: cfg, logger: logger}
}

// Options tunes a single Add call.
type Options struct {
	// TTL overrides the configured policy when positive.
	TTL time.Duration
	// SubdirKey selects the contended-key policy. When empty, the unit's
	// stored subdirectory key is consulted instead.
	SubdirKey string
}

// Add acquires (or refreshes) a claim for an agent. The TTL comes from the
// options, or from the contended-key policy for the unit's subdirectory,
// or from the default. Another agent's live claim yields ErrClaimConflict.
func (r *Registry) Add(ctx context.Context, unitID, agentID string, opts Options) (store.Claim, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		key := opts.SubdirKey
		if key == "" {
			if u, err := r.store.GetUnit(ctx, unitID); err == nil {
				key = u.SubdirKey
			}
		}
		ttl = r.cfg.ClaimTTL(key)
	}
	c, err := r.store.AddClaim(ctx, unitID, agentID, ttl)
	if err != nil {
		return store.Claim{}, err
	}
	r.logger.WithAgent(agentID).Info("claim acquired",
		"unit", unitID, "expires_at", c.ExpiresAt)
	return c, nil
}

// Release drops an agent's claim. Absent or already-expired claims are a
// no-op; another agent's live claim is an error.
func (r *Registry) Release(ctx context.Context, unitID, agentID string) error {
	if err := r.store.ReleaseClaim(ctx, unitID, agentID); err != nil {
		return err
	}
	r.logger.WithAgent(agentID).Info("claim released", "unit", unitID)
	return nil
}

// Get returns the live claim on a unit, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, unitID string) (store.Claim, error) {
	return r.store.GetClaim(ctx, unitID)
}

// List returns all live claims, for every agent when agentID is empty.
// Expired rows are purged as a side effect.
func (r *Registry) List(ctx context.Context, agentID string) ([]store.Claim, error) {
	return r.store.ListClaims(ctx, agentID)
}
