// Package phasevalue carries power and energy quantities over the fixed
// coordinate set {L1, L2, L3, DC} and provides the three lookup views
// (by-name, by-phase-index, by-commodity-tag) used throughout the ledger
// and the session allocator.
package phasevalue

import "fmt"

// Phase identifies one of the four fixed coordinates a Value carries.
type Phase int

const (
	L1 Phase = iota
	L2
	L3
	DC
)

func (p Phase) String() string {
	switch p {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	case DC:
		return "DC"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Commodity tags a power value the way an S2 power range does: either a
// single AC phase, or a symmetric demand to be split equally across the
// three AC phases.
type Commodity string

const (
	CommodityL1        Commodity = "L1"
	CommodityL2        Commodity = "L2"
	CommodityL3        Commodity = "L3"
	CommoditySymmetric Commodity = "3-phase-symmetric"
)

// Value is the L1/L2/L3/DC carrier. Zero value is all-zero and is a valid,
// usable Value.
type Value struct {
	L1, L2, L3, DC float64
}

// Total returns l1+l2+l3+dc.
func (v Value) Total() float64 {
	return v.L1 + v.L2 + v.L3 + v.DC
}

// Add returns the component-wise sum of v and o.
func (v Value) Add(o Value) Value {
	return Value{v.L1 + o.L1, v.L2 + o.L2, v.L3 + o.L3, v.DC + o.DC}
}

// Sub returns the component-wise difference v - o.
func (v Value) Sub(o Value) Value {
	return Value{v.L1 - o.L1, v.L2 - o.L2, v.L3 - o.L3, v.DC - o.DC}
}

// ByPhase returns the component named by p.
func (v Value) ByPhase(p Phase) float64 {
	switch p {
	case L1:
		return v.L1
	case L2:
		return v.L2
	case L3:
		return v.L3
	case DC:
		return v.DC
	default:
		return 0
	}
}

// SetByPhase returns a copy of v with the component named by p replaced.
func (v Value) SetByPhase(p Phase, val float64) Value {
	switch p {
	case L1:
		v.L1 = val
	case L2:
		v.L2 = val
	case L3:
		v.L3 = val
	case DC:
		v.DC = val
	}
	return v
}

// ByName looks up a component by its string name ("L1", "L2", "L3", "DC").
// The second return is false for any other name.
func (v Value) ByName(name string) (float64, bool) {
	switch name {
	case "L1":
		return v.L1, true
	case "L2":
		return v.L2, true
	case "L3":
		return v.L3, true
	case "DC":
		return v.DC, true
	default:
		return 0, false
	}
}

// ByCommodity splits a demand expressed against a Commodity into per-phase
// AC targets. CommoditySymmetric splits equally across L1/L2/L3; a
// single-phase commodity yields the whole amount on that phase and zero on
// the others. DC is never addressed via commodity (S2 power ranges only
// name AC phases or the symmetric tag).
func ByCommodity(c Commodity, amount float64) (l1, l2, l3 float64) {
	switch c {
	case CommodityL1:
		return amount, 0, 0
	case CommodityL2:
		return 0, amount, 0
	case CommodityL3:
		return 0, 0, amount
	case CommoditySymmetric:
		third := amount / 3
		return third, third, third
	default:
		return 0, 0, 0
	}
}

// ACPhases lists the AC phases in the order used by the reservation
// pre-consumption cascade (L3, L2, L1).
var ACPhases = [3]Phase{L3, L2, L1}
