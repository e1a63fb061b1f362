// Package stop implements the emergency stop: an operator-triggered
// freeze of in-flight transactions that suspends their deadlines
// without losing logical state, and a resume that pushes every deadline
// out by the freeze duration plus a grace period.
package stop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/clock"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/consensus"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage"
)

// Controller owns emergency stop records and drives freeze/unfreeze
// through the consensus machine.
type Controller struct {
	machine *consensus.Machine
	store   storage.Store
	bus     consensus.EventSink
	clk     clock.Clock
	logger  *log.Logger
}

// NewController wires the stop controller.
func NewController(machine *consensus.Machine, store storage.Store, bus consensus.EventSink, clk clock.Clock) *Controller {
	return &Controller{
		machine: machine,
		store:   store,
		bus:     bus,
		clk:     clk,
		logger:  log.New(log.Writer(), "[STOP] ", log.LstdFlags),
	}
}

// TriggerParams is the input of an emergency stop.
type TriggerParams struct {
	Reason string
	// ScopeAll freezes every non-terminal transaction; otherwise only
	// the listed ids.
	ScopeAll     bool
	Transactions []string
}

// Trigger creates an ACTIVE stop and freezes every in-scope live
// transaction. Only admin or security principals may trigger.
func (c *Controller) Trigger(ctx context.Context, principal core.Principal, p TriggerParams) (*core.EmergencyStop, error) {
	if principal.Role != core.RoleAdmin && principal.Role != core.RoleSecurity {
		return nil, core.Forbiddenf("principal %s may not trigger an emergency stop", principal.ID)
	}
	if p.Reason == "" {
		return nil, core.Validationf("reason is required")
	}
	if !p.ScopeAll && len(p.Transactions) == 0 {
		return nil, core.Validationf("scope must name transactions or be all")
	}

	targets := p.Transactions
	if p.ScopeAll {
		live, err := c.store.NonTerminalTransactions(ctx)
		if err != nil {
			return nil, err
		}
		targets = targets[:0]
		for _, tx := range live {
			targets = append(targets, tx.ID)
		}
	}

	stop := &core.EmergencyStop{
		ID:           uuid.NewString(),
		TriggeredBy:  principal.ID,
		Reason:       p.Reason,
		ScopeAll:     p.ScopeAll,
		StartedAt:    c.clk.Now(),
		Status:       core.StopActive,
		Transactions: targets,
	}

	// Persist the ACTIVE record before touching any transaction: a crash
	// mid-freeze must leave the stop discoverable, not orphaned freezes.
	if err := c.saveStop(ctx, stop, 0); err != nil {
		return nil, err
	}

	frozen := make([]string, 0, len(targets))
	for _, txID := range targets {
		if err := c.machine.Freeze(ctx, txID, stop.ID); err != nil {
			if errors.Is(err, core.ErrInvalidState) || errors.Is(err, core.ErrNotFound) {
				c.logger.Printf("⚠️ skipping %s in stop scope: %v", txID, err)
				continue
			}
			return nil, err
		}
		frozen = append(frozen, txID)
	}
	stop.Transactions = frozen
	if err := c.saveStop(ctx, stop, 1); err != nil {
		return nil, err
	}

	c.bus.Publish(events.NewEvent(events.TopicStopTriggered, stop.ID, map[string]interface{}{
		"triggered_by": principal.ID,
		"reason":       p.Reason,
		"scope_all":    p.ScopeAll,
		"frozen":       len(frozen),
	}))
	c.logger.Printf("🛑 Emergency stop %s by %s: %q (%d transactions frozen)",
		stop.ID, principal.ID, p.Reason, len(frozen))
	return stop, nil
}

// Resume lifts an active stop. Every frozen transaction gets its
// deadline extended by its own freeze duration plus grace; a zero grace
// uses the configured default.
func (c *Controller) Resume(ctx context.Context, stopID string, principal core.Principal, grace time.Duration) error {
	if principal.Role != core.RoleAdmin {
		return core.Forbiddenf("principal %s may not resume an emergency stop", principal.ID)
	}
	if grace <= 0 {
		grace = c.machine.Policy().FreezeGrace
	}

	stop, err := c.store.GetStop(ctx, stopID)
	if err != nil {
		return err
	}
	if stop.Status != core.StopActive {
		return core.InvalidStatef("stop %s is already %s", stopID, stop.Status)
	}

	for _, txID := range stop.Transactions {
		if err := c.machine.Unfreeze(ctx, txID, grace); err != nil && !errors.Is(err, core.ErrNotFound) {
			return err
		}
	}

	base := stop.Version
	now := c.clk.Now()
	stop.Status = core.StopResumed
	stop.ResumedAt = &now
	if err := c.saveStop(ctx, stop, base); err != nil {
		return err
	}

	c.bus.Publish(events.NewEvent(events.TopicStopResumed, stop.ID, map[string]interface{}{
		"resumed_by": principal.ID,
		"grace":      grace.String(),
	}))
	c.logger.Printf("✅ Emergency stop %s resumed by %s (grace=%s)", stopID, principal.ID, grace)
	return nil
}

func (c *Controller) saveStop(ctx context.Context, stop *core.EmergencyStop, expected int64) error {
	uow, err := c.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInternal, err)
	}
	defer uow.Rollback()
	if err := uow.SaveStop(ctx, stop, expected); err != nil {
		return err
	}
	return uow.Commit(ctx)
}

// Get returns a stop record by id.
func (c *Controller) Get(ctx context.Context, stopID string) (*core.EmergencyStop, error) {
	return c.store.GetStop(ctx, stopID)
}

// Active returns every stop still in ACTIVE status.
func (c *Controller) Active(ctx context.Context) ([]*core.EmergencyStop, error) {
	return c.store.ActiveStops(ctx)
}

// GlobalHalt reports whether an all-scope stop is active, in which case
// the coordinator refuses to admit new transactions.
func (c *Controller) GlobalHalt(ctx context.Context) (bool, error) {
	active, err := c.store.ActiveStops(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range active {
		if s.ScopeAll {
			return true, nil
		}
	}
	return false, nil
}
