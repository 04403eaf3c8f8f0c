// Package admin implements capability-token authorization. Privileged
// operations are gated by possession of an unforgeable handle issued by the
// registry, never by re-checked identity. Market capabilities follow a
// two-phase flow: an admin registers a candidate, the candidate claims.
package admin

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
)

// RootCap is the process-wide administrative capability. Bootstrap hands it
// out exactly once per registry; whoever holds the pointer is the admin.
type RootCap struct {
	id uuid.UUID
}

// MarketCap authorizes administrative mutation of a single market. The
// fields are unexported so a capability cannot be forged outside this
// package; the only constructor path is Registry.Claim.
type MarketCap struct {
	id     uuid.UUID
	market model.MarketKey
}

// Market returns the market this capability is scoped to.
func (c *MarketCap) Market() model.MarketKey { return c.market }

// SettleCap authorizes the vault's privileged transfer functions. Only the
// settlement engine receives one, at construction.
type SettleCap struct {
	id uuid.UUID
}

type pendingGrant struct {
	market model.MarketKey
}

// Registry tracks issued capabilities and pending candidate grants.
type Registry struct {
	mu      sync.Mutex
	root    uuid.UUID
	pending map[uuid.UUID]pendingGrant
	issued  map[uuid.UUID]model.MarketKey
	settle  map[uuid.UUID]struct{}
}

// Bootstrap creates a registry together with its root capability.
func Bootstrap() (*Registry, *RootCap) {
	root := &RootCap{id: uuid.New()}
	reg := &Registry{
		root:    root.id,
		pending: make(map[uuid.UUID]pendingGrant),
		issued:  make(map[uuid.UUID]model.MarketKey),
		settle:  make(map[uuid.UUID]struct{}),
	}
	return reg, root
}

func (r *Registry) checkRoot(root *RootCap) error {
	if root == nil || root.id != r.root {
		return perrors.ErrCapabilityUnknown
	}
	return nil
}

// IssueSettle mints the settlement capability. Root-gated.
func (r *Registry) IssueSettle(root *RootCap) (*SettleCap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRoot(root); err != nil {
		return nil, err
	}
	c := &SettleCap{id: uuid.New()}
	r.settle[c.id] = struct{}{}
	return c, nil
}

// HoldsSettle reports whether the capability was issued here and not burned.
func (r *Registry) HoldsSettle(c *SettleCap) bool {
	if c == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.settle[c.id]
	return ok
}

// Register records a pending market capability for a candidate. Phase one of
// the two-phase issue flow; nothing is usable until the candidate claims.
func (r *Registry) Register(root *RootCap, candidate uuid.UUID, market model.MarketKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRoot(root); err != nil {
		return err
	}
	r.pending[candidate] = pendingGrant{market: market}
	return nil
}

// Claim converts a pending grant into a live capability. Phase two; the
// returned handle is the sole proof of authority.
func (r *Registry) Claim(candidate uuid.UUID) (*MarketCap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	grant, ok := r.pending[candidate]
	if !ok {
		return nil, fmt.Errorf("%w: %s", perrors.ErrCapabilityPending, candidate)
	}
	delete(r.pending, candidate)
	c := &MarketCap{id: uuid.New(), market: grant.market}
	r.issued[c.id] = grant.market
	return c, nil
}

// Burn revokes a market capability.
func (r *Registry) Burn(c *MarketCap) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.issued, c.id)
}

// Holds answers the engine's single authorization question: does the caller
// hold a live capability for this market.
func (r *Registry) Holds(c *MarketCap, market model.MarketKey) bool {
	if c == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	scoped, ok := r.issued[c.id]
	return ok && scoped == market
}

// HoldsRoot reports whether the handle is this registry's root capability.
func (r *Registry) HoldsRoot(root *RootCap) bool {
	return root != nil && root.id == r.root
}
