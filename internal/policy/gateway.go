// Package policy is the capability gateway: pure decisions over
// (principal, operation, subject) backed by roles and trust-tier
// benefits. It holds no state of its own and never mutates anything.
package policy

import (
	"context"
	"time"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/consensus"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/trust"
)

// TrustSource is the slice of the trust engine the gateway consults.
type TrustSource interface {
	TierOf(ctx context.Context, participantID string) (core.Tier, error)
	Benefits(ctx context.Context, participantID string) ([]string, error)
}

// Gateway evaluates capability checks.
type Gateway struct {
	trust  TrustSource
	policy consensus.Policy
}

// NewGateway wires the gateway to its trust source and engine policy.
func NewGateway(trust TrustSource, policy consensus.Policy) *Gateway {
	return &Gateway{trust: trust, policy: policy}
}

func (g *Gateway) hasBenefit(ctx context.Context, participantID, benefit string) (bool, error) {
	benefits, err := g.trust.Benefits(ctx, participantID)
	if err != nil {
		return false, err
	}
	for _, b := range benefits {
		if b == benefit {
			return true, nil
		}
	}
	return false, nil
}

// CheckBatchCreate gates batch submission behind the GOLD-tier benefit.
func (g *Gateway) CheckBatchCreate(ctx context.Context, principal core.Principal) error {
	ok, err := g.hasBenefit(ctx, principal.ID, trust.BenefitBatchOperations)
	if err != nil {
		return err
	}
	if !ok {
		return core.Forbiddenf("participant %s has no batch operations benefit", principal.ID)
	}
	return nil
}

// CheckStopTrigger allows admin and security principals.
func (g *Gateway) CheckStopTrigger(principal core.Principal) error {
	if principal.Role != core.RoleAdmin && principal.Role != core.RoleSecurity {
		return core.Forbiddenf("role %s may not trigger an emergency stop", principal.Role)
	}
	return nil
}

// CheckStopResume allows only admins.
func (g *Gateway) CheckStopResume(principal core.Principal) error {
	if principal.Role != core.RoleAdmin {
		return core.Forbiddenf("role %s may not resume an emergency stop", principal.Role)
	}
	return nil
}

// CheckResolve requires arbitrator capability (admin) and independence
// from both parties.
func (g *Gateway) CheckResolve(principal core.Principal, tx *core.Transaction) error {
	if principal.Role != core.RoleAdmin {
		return core.Forbiddenf("role %s may not arbitrate", principal.Role)
	}
	if tx.IsParty(principal.ID) {
		return core.Forbiddenf("arbitrator %s is a party to %s", principal.ID, tx.ID)
	}
	return nil
}

// CheckCompensationApproval requires manager or admin capability and
// independence from both parties.
func (g *Gateway) CheckCompensationApproval(principal core.Principal, tx *core.Transaction) error {
	if principal.Role != core.RoleManager && principal.Role != core.RoleAdmin {
		return core.Forbiddenf("role %s may not approve compensations", principal.Role)
	}
	if tx.IsParty(principal.ID) {
		return core.Forbiddenf("approver %s is a party to %s", principal.ID, tx.ID)
	}
	return nil
}

// AutoApprovalEligible reports whether a transfer may skip the two
// attestations: both parties at GOLD or above and the value at or
// under the configured ceiling.
func (g *Gateway) AutoApprovalEligible(ctx context.Context, sender, receiver string, value float64) (bool, error) {
	if value > g.policy.VAuto {
		return false, nil
	}
	for _, id := range []string{sender, receiver} {
		tier, err := g.trust.TierOf(ctx, id)
		if err != nil {
			return false, err
		}
		if tier != core.TierGold && tier != core.TierPlatinum {
			return false, nil
		}
	}
	return true, nil
}

// HoldTimeFor returns the sender-confirmation window: holders of the
// reduced-hold-times benefit get half the standard window. Zero means
// the standard window applies.
func (g *Gateway) HoldTimeFor(ctx context.Context, sender string) (time.Duration, error) {
	ok, err := g.hasBenefit(ctx, sender, trust.BenefitReducedHoldTimes)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return g.policy.TInitial / 2, nil
}
