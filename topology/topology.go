// Package topology classifies the grid connection into a topology tag from
// a handful of instantaneous grid metrics, as a pure function with no
// internal state.
package topology

// Type tags the electrical topology the EMS is operating under. The
// grid-connected cases distinguish saldating (cross-phase netting, making
// ACDCAC routing lossless for metering purposes) from individual-phase
// metering.
type Type int

const (
	Unknown Type = iota
	GridConnected1Phase
	GridConnected2PhaseSaldating
	GridConnected3PhaseSaldating
	GridConnected2PhaseIndividual
	GridConnected3PhaseIndividual
	ZeroFeedin1Phase
	ZeroFeedin2Phase
	ZeroFeedin3Phase
	OffGrid1Phase
	OffGrid2Phase
	OffGrid3Phase
)

func (t Type) String() string {
	switch t {
	case GridConnected1Phase:
		return "GridConnected1Phase"
	case GridConnected2PhaseSaldating:
		return "GridConnected2PhaseSaldating"
	case GridConnected3PhaseSaldating:
		return "GridConnected3PhaseSaldating"
	case GridConnected2PhaseIndividual:
		return "GridConnected2PhaseIndividual"
	case GridConnected3PhaseIndividual:
		return "GridConnected3PhaseIndividual"
	case ZeroFeedin1Phase:
		return "ZeroFeedin1Phase"
	case ZeroFeedin2Phase:
		return "ZeroFeedin2Phase"
	case ZeroFeedin3Phase:
		return "ZeroFeedin3Phase"
	case OffGrid1Phase:
		return "OffGrid1Phase"
	case OffGrid2Phase:
		return "OffGrid2Phase"
	case OffGrid3Phase:
		return "OffGrid3Phase"
	default:
		return "Unknown"
	}
}

// Saldating reports whether cross-phase (ACDCAC) routing is lossless for
// metering purposes under this topology.
func (t Type) Saldating() bool {
	return t == GridConnected2PhaseSaldating || t == GridConnected3PhaseSaldating
}

// OffGrid reports whether the topology is disconnected from the utility grid.
func (t Type) OffGrid() bool {
	return t == OffGrid1Phase || t == OffGrid2Phase || t == OffGrid3Phase
}

// ZeroFeedin reports whether the topology is grid-connected but feed-in is
// disabled (Hub4Mode == 0).
func (t Type) ZeroFeedin() bool {
	return t == ZeroFeedin1Phase || t == ZeroFeedin2Phase || t == ZeroFeedin3Phase
}

// BalancingEligible reports whether this topology is one of the off-grid or
// zero-feed-in regimes in which the EMSController's balancing offset (§4.5)
// applies.
func (t Type) BalancingEligible() bool {
	return t.OffGrid() || t.ZeroFeedin()
}

// Metrics carries the instantaneous grid metrics the classifier reads from
// peer services (§6): /Ac/Grid/NumberOfPhases, /Ac/ActiveIn/GridParallel,
// /Settings/CGwacs/Hub4Mode.
type Metrics struct {
	NumberOfPhases int  // 1, 2, or 3; 0 means unknown
	GridParallel   bool // true once on-grid inverter sync has been established
	Hub4Mode       int  // 0: feed-in disabled, 1: saldating/auto, else: individual
}

// Classify is a pure function from grid metrics to a topology tag. See
// DESIGN.md / SPEC_FULL.md Part B (OQ4) for the off-grid and zero-feed-in
// decision, which the original leaves unimplemented.
func Classify(m Metrics) Type {
	if m.NumberOfPhases <= 0 {
		return Unknown
	}

	if !m.GridParallel {
		switch m.NumberOfPhases {
		case 1:
			return OffGrid1Phase
		case 2:
			return OffGrid2Phase
		default:
			return OffGrid3Phase
		}
	}

	if m.Hub4Mode == 0 {
		switch m.NumberOfPhases {
		case 1:
			return ZeroFeedin1Phase
		case 2:
			return ZeroFeedin2Phase
		default:
			return ZeroFeedin3Phase
		}
	}

	saldating := m.Hub4Mode == 1
	switch m.NumberOfPhases {
	case 1:
		return GridConnected1Phase
	case 2:
		if saldating {
			return GridConnected2PhaseSaldating
		}
		return GridConnected2PhaseIndividual
	default:
		if saldating {
			return GridConnected3PhaseSaldating
		}
		return GridConnected3PhaseIndividual
	}
}
