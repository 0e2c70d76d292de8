package session

import (
	"sort"

	"github.com/devskill-org/s2-ems/phasevalue"
)

// sortSystemDescription orders operation modes by descending
// sum(power_ranges.end_of_range), per §4.2, so that the eligible list
// built from it is already in "most expensive first" preference order.
func sortSystemDescription(desc *OMBCSystemDescription) {
	sort.SliceStable(desc.OperationModes, func(i, j int) bool {
		return desc.OperationModes[i].sumEndOfRange() > desc.OperationModes[j].sumEndOfRange()
	})
}

func findOperationMode(desc *OMBCSystemDescription, id string) (OperationMode, bool) {
	for _, m := range desc.OperationModes {
		if m.ID == id {
			return m, true
		}
	}
	return OperationMode{}, false
}

// findTransition returns the single transition edge from -> to, if any.
func findTransition(desc *OMBCSystemDescription, from, to string) (Transition, bool) {
	for _, tr := range desc.Transitions {
		if tr.From == from && tr.To == to {
			return tr, true
		}
	}
	return Transition{}, false
}

// findTimer resolves a timer id to its catalog entry.
func findTimer(desc *OMBCSystemDescription, id string) (Timer, bool) {
	for _, tm := range desc.Timers {
		if tm.ID == id {
			return tm, true
		}
	}
	return Timer{}, false
}

// eligibleModes enumerates every mode reachable from active via a single
// transition edge, plus active itself (self-transitions always allowed),
// in the system description's stored (descending-power) order. The last
// element is the forced fallback mode.
func eligibleModes(desc *OMBCSystemDescription, active string) []OperationMode {
	reachable := map[string]bool{active: true}
	for _, tr := range desc.Transitions {
		if tr.From == active {
			reachable[tr.To] = true
		}
	}

	eligible := make([]OperationMode, 0, len(reachable))
	for _, m := range desc.OperationModes {
		if reachable[m.ID] {
			eligible = append(eligible, m)
		}
	}
	return eligible
}

// commodityOf maps an S2 commodity_quantity string onto the ledger's
// Commodity tag.
func commodityOf(quantity string) phasevalue.Commodity {
	switch quantity {
	case "L1":
		return phasevalue.CommodityL1
	case "L2":
		return phasevalue.CommodityL2
	case "L3":
		return phasevalue.CommodityL3
	default:
		return phasevalue.CommoditySymmetric
	}
}
