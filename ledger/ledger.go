// Package ledger implements SolarOverheadLedger: a per-tick transactional
// multi-source power allocator. One Ledger is constructed fresh by the
// EMSController at the start of every control tick and discarded at the
// end of it.
package ledger

import (
	"errors"
	"fmt"

	"github.com/devskill-org/s2-ems/phasevalue"
	"github.com/devskill-org/s2-ems/topology"
)

// ACDCEfficiency is the one-way AC<->DC conversion efficiency used to
// price cross-phase routing through the battery's DC bus. Cross-phase
// ACDCAC routing in a non-saldating topology therefore incurs the
// round-trip penalty ACDCEfficiency^2.
const ACDCEfficiency = 0.925

// primaryHysteresisWatts is the minimum post-claim surplus a Primary
// consumer must leave behind to avoid on/off flapping at the reservation
// boundary.
const primaryHysteresisWatts = 50.0

// ErrInvariantViolation is returned when begin/claim/commit/rollback are
// called out of the required order.
var ErrInvariantViolation = errors.New("ledger: invariant violation")

// Ledger is SolarOverheadLedger. Not safe for concurrent use; the spec's
// single-threaded event loop is the only caller.
type Ledger struct {
	remaining   phasevalue.Value // surplus still available to be claimed
	reserved    phasevalue.Value // diagnostic-only breakdown of the reservation (see SPEC_FULL.md Part B, OQ5)
	claim       phasevalue.Value // accumulated claim of the open transaction
	snapshot    phasevalue.Value // remaining as of begin(), restored on rollback
	open        bool
	reservation float64 // battery reservation, watts
	batteryRate float64 // current battery charge(+)/discharge(-) rate, watts
	inverterCap phasevalue.Value // per-phase continuous inverter capacity; l1/l2/l3 meaningful, dc unused
	topo        topology.Type
}

// New constructs a Ledger for one control tick.
//
// l1, l2, l3 are the per-phase AC surplus in watts; dcpv is the DC-PV
// surplus. reservation is the battery reservation in watts (>=0).
// batteryRate is the current battery charge(+)/discharge(-) rate.
// inverterCapL1..L3 are the per-phase continuous inverter capacities; they
// are stored on the Ledger, and neither Claim nor the diagnostic
// reservation breakdown reads them.
func New(l1, l2, l3, dcpv, reservation, batteryRate float64, inverterCapL1, inverterCapL2, inverterCapL3 float64, topo topology.Type) *Ledger {
	l := &Ledger{
		remaining:   phasevalue.Value{L1: l1, L2: l2, L3: l3, DC: dcpv},
		reservation: reservation,
		batteryRate: batteryRate,
		inverterCap: phasevalue.Value{L1: inverterCapL1, L2: inverterCapL2, L3: inverterCapL3},
		topo:        topo,
	}
	l.reserved = computeReservedBreakdown(l.remaining, reservation)
	return l
}

// computeReservedBreakdown mirrors SolarOverhead.__init__'s reservation
// pre-allocation: DC first, then L3, L2, L1, each phase's contribution
// discounted by ACDCEfficiency since it must round-trip through DC. This
// is diagnostic bookkeeping only (see SPEC_FULL.md Part B, OQ5) — it is never
// subtracted from the claimable surplus.
func computeReservedBreakdown(power phasevalue.Value, reservation float64) phasevalue.Value {
	var reserved phasevalue.Value
	if reservation <= 0 {
		return reserved
	}

	if reservation <= power.DC {
		reserved.DC = reservation
		return reserved
	}

	reserved.DC = power.DC
	remaining := reservation - power.DC

	for _, p := range phasevalue.ACPhases {
		if remaining <= 0 {
			break
		}
		avail := power.ByPhase(p) * ACDCEfficiency
		if remaining <= avail {
			reserved = reserved.SetByPhase(p, remaining/ACDCEfficiency)
			remaining = 0
		} else {
			remaining -= avail
			reserved = reserved.SetByPhase(p, power.ByPhase(p))
		}
	}
	return reserved
}

// Reserved returns the diagnostic per-phase breakdown of the battery
// reservation computed at construction time. It is not subtracted from the
// claimable surplus, and /Ems/BatteryReservation telemetry publishes the
// evaluator's reservation figure rather than this breakdown.
func (l *Ledger) Reserved() phasevalue.Value { return l.reserved }

// Remaining returns the current remaining surplus.
func (l *Ledger) Remaining() phasevalue.Value { return l.remaining }

// Begin opens a transaction.
func (l *Ledger) Begin() error {
	if l.open {
		return fmt.Errorf("%w: begin() called while a transaction is already open", ErrInvariantViolation)
	}
	l.snapshot = l.remaining
	l.claim = phasevalue.Value{}
	l.open = true
	return nil
}

// Claim attempts to satisfy a demand of maxWatts against commodity,
// returning whether it succeeded; minWatts is accepted but not used, so a
// claim never settles for less than maxWatts. See SPEC_FULL.md §4.1 for the
// full cascade description.
func (l *Ledger) Claim(commodity phasevalue.Commodity, minWatts, maxWatts float64, isPrimary, force bool) (bool, error) {
	if !l.open {
		return false, fmt.Errorf("%w: claim() called without an open transaction", ErrInvariantViolation)
	}

	target := phasevalue.Value{}
	target.L1, target.L2, target.L3 = phasevalue.ByCommodity(commodity, maxWatts)

	target = l.claimAC(target)

	if target.Total() > 0 {
		if l.topo.Saldating() {
			target = l.claimACDCAC(target, 1.0)
			if target.Total() > 0 {
				target = l.claimDC(target)
			}
		} else {
			target = l.claimDC(target)
			if target.Total() > 0 {
				target = l.claimACDCAC(target, ACDCEfficiency*ACDCEfficiency)
			}
		}
	}

	if target.Total() > 0 {
		if !force {
			return false, nil
		}
		// Force-claim the shortfall from DC, possibly driving it negative
		// (i.e. discharging the battery).
		l.remaining.DC -= target.Total()
		l.claim.DC += target.Total()
	}

	if l.remaining.Total() < l.reservation && !isPrimary && !force {
		return false, nil
	}

	if !force && isPrimary && !(l.remaining.Total() > primaryHysteresisWatts) {
		return false, nil
	}

	return true, nil
}

// claimAC drains the matching phase's direct AC surplus first.
func (l *Ledger) claimAC(target phasevalue.Value) phasevalue.Value {
	for _, p := range [3]phasevalue.Phase{phasevalue.L1, phasevalue.L2, phasevalue.L3} {
		need := target.ByPhase(p)
		if need <= 0 {
			continue
		}
		avail := l.remaining.ByPhase(p)
		claimed := need
		if need > avail {
			claimed = avail
			if claimed < 0 {
				claimed = 0
			}
		}
		l.claim = l.claim.SetByPhase(p, l.claim.ByPhase(p)+claimed)
		l.remaining = l.remaining.SetByPhase(p, avail-claimed)
		target = target.SetByPhase(p, need-claimed)
	}
	return target
}

// claimDC drains the DC bus to cover remaining per-phase demand.
func (l *Ledger) claimDC(target phasevalue.Value) phasevalue.Value {
	for _, p := range [3]phasevalue.Phase{phasevalue.L1, phasevalue.L2, phasevalue.L3} {
		need := target.ByPhase(p)
		if need <= 0 {
			continue
		}
		if need <= l.remaining.DC {
			l.claim.DC += need
			l.remaining.DC -= need
			target = target.SetByPhase(p, 0)
		} else {
			claimed := l.remaining.DC
			if claimed < 0 {
				claimed = 0
			}
			l.claim.DC += claimed
			l.remaining.DC -= claimed
			target = target.SetByPhase(p, need-claimed)
		}
	}
	return target
}

// claimACDCAC routes demand on phase P from a different phase Q, charging
// 1/penalty W drawn from Q per W delivered to P.
func (l *Ledger) claimACDCAC(target phasevalue.Value, penalty float64) phasevalue.Value {
	phases := [3]phasevalue.Phase{phasevalue.L1, phasevalue.L2, phasevalue.L3}
	for _, p := range phases {
		need := target.ByPhase(p)
		if need <= 0 {
			continue
		}
		for _, q := range phases {
			if q == p {
				continue
			}
			need = target.ByPhase(p)
			if need <= 0 {
				break
			}
			avail := l.remaining.ByPhase(q)
			if avail >= need/penalty {
				drawn := need / penalty
				l.claim = l.claim.SetByPhase(q, l.claim.ByPhase(q)+drawn)
				l.remaining = l.remaining.SetByPhase(q, avail-drawn)
				target = target.SetByPhase(p, 0)
			} else {
				delivered := avail * penalty
				drawn := avail
				if drawn < 0 {
					drawn = 0
					delivered = 0
				}
				l.claim = l.claim.SetByPhase(q, l.claim.ByPhase(q)+drawn)
				l.remaining = l.remaining.SetByPhase(q, avail-drawn)
				target = target.SetByPhase(p, need-delivered)
			}
		}
	}
	return target
}

// Commit closes the transaction, returning the accumulated claim.
func (l *Ledger) Commit() (phasevalue.Value, error) {
	if !l.open {
		return phasevalue.Value{}, fmt.Errorf("%w: commit() called without an open transaction", ErrInvariantViolation)
	}
	claim := l.claim
	l.open = false
	l.claim = phasevalue.Value{}
	l.snapshot = phasevalue.Value{}
	return claim, nil
}

// Rollback closes the transaction, restoring the surplus to its value at
// begin() and discarding the claim.
func (l *Ledger) Rollback() error {
	if !l.open {
		return fmt.Errorf("%w: rollback() called without an open transaction", ErrInvariantViolation)
	}
	l.remaining = l.snapshot
	l.claim = phasevalue.Value{}
	l.open = false
	return nil
}

// AddBack adds watts (which may be negative) to a phase's remaining surplus
// outside a transaction. The timer guard (§4.3 step 4) calls it with a
// negative amount to withhold the difference between a smaller new claim
// and a larger prior claim, which must stay reserved until a blocked
// transition actually completes.
func (l *Ledger) AddBack(p phasevalue.Phase, watts float64) {
	l.remaining = l.remaining.SetByPhase(p, l.remaining.ByPhase(p)+watts)
}
