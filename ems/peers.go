package ems

import (
	"github.com/devskill-org/s2-ems/reservation"
	"github.com/devskill-org/s2-ems/topology"
)

// PeerReader supplies the grid-topology and battery-management readings §6
// names as inputs from peer services (/Ac/Grid/NumberOfPhases,
// /Ac/ActiveIn/GridParallel, /Settings/CGwacs/Hub4Mode, /ActiveBmsService,
// /DynamicEss/{ChargeRate,ReactiveStrategy}). The reference Victron D-Bus
// peer bus those paths name is out of scope for this repository (no
// SPEC_FULL component models D-Bus); PeerReader is the seam a real
// deployment wires a concrete peer-bus client into.
type PeerReader interface {
	GridMetrics() topology.Metrics
	ReservationInputs() reservation.Inputs
}

// StaticPeerReader is a PeerReader returning fixed values, suitable for
// single-topology deployments or tests where the peer bus is not modeled.
type StaticPeerReader struct {
	Metrics topology.Metrics
	Inputs  reservation.Inputs
}

func (s StaticPeerReader) GridMetrics() topology.Metrics            { return s.Metrics }
func (s StaticPeerReader) ReservationInputs() reservation.Inputs { return s.Inputs }
