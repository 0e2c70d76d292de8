package ems

import (
	"github.com/devskill-org/s2-ems/ledger"
	"github.com/devskill-org/s2-ems/phasevalue"
	"github.com/devskill-org/s2-ems/topology"
)

// maxBalancingOffsetWatts caps the synthetic DC surplus §4.5 adds in
// off-grid/zero-feed-in regimes to steer controllable loads into would-be-
// curtailed PV.
const maxBalancingOffsetWatts = 90000.0

// balancingOffsetStepWatts is added per control tick while the conditions
// hold.
const balancingOffsetStepWatts = 100.0

// surplusInputs is the per-tick raw power picture the control loop works
// from — the plant.Reading fields reinterpreted as the per-phase
// production-minus-consumption figure §4.5 calls "PV-on-grid + PV-on-output
// - consumption", since the Sigenergy Modbus plant already nets production
// against local consumption per phase (the Victron D-Bus paths named in §6
// split these out; the Modbus plant block does not).
type surplusInputs struct {
	PlantPhase       phasevalue.Value // per-phase net AC surplus before session add-back
	PhotovoltaicDC   float64          // DC-coupled PV surplus
	BatteryRateWatts float64          // >0 charging, <0 discharging
}

// updateBalancingOffset advances the balancing offset per §4.5 step 2: in
// off-grid/zero-feed-in topologies, when SoC is comfortably above the
// threshold and the battery is charging, curtailed PV is worth steering
// into controllable loads instead; below the threshold (or with unknown
// SoC) the offset resets.
func updateBalancingOffset(prev float64, topo topology.Type, socPercent float64, socKnown bool, batteryRateWatts, thresholdPercent float64) float64 {
	if !topo.BalancingEligible() {
		return 0
	}
	if !socKnown || socPercent <= thresholdPercent-1 {
		return 0
	}
	if socPercent >= thresholdPercent+1 && batteryRateWatts > 0 {
		next := prev + balancingOffsetStepWatts
		if next > maxBalancingOffsetWatts {
			next = maxBalancingOffsetWatts
		}
		return next
	}
	return prev
}

// computeSurplus implements §4.5 step 2: discount the raw DC-coupled PV
// reading by ACDCEfficiency before it absorbs any per-phase AC deficit or
// becomes the ledger's DC surplus input (dcpv must round-trip through the
// inverter to reach an AC phase, same as the ledger's own ACDCAC cascade,
// but this is a separate application of the constant to the raw reading
// itself), clamp negative per-phase results into that discounted DC
// deficit, add back sessions' currently-controlled AC draw (about to be
// reassigned so it must not be double-counted as consumption), then apply
// the balancing offset to DC.
func computeSurplus(in surplusInputs, sessionACPower phasevalue.Value, balancingOffset float64) phasevalue.Value {
	var out phasevalue.Value
	dcpv := in.PhotovoltaicDC * ledger.ACDCEfficiency
	dcDeficit := 0.0

	for _, p := range [3]phasevalue.Phase{phasevalue.L1, phasevalue.L2, phasevalue.L3} {
		v := in.PlantPhase.ByPhase(p)
		if v < 0 {
			dcDeficit -= v
			v = 0
		}
		v += sessionACPower.ByPhase(p)
		out = out.SetByPhase(p, v)
	}

	out.DC = dcpv - dcDeficit + balancingOffset
	return out
}
