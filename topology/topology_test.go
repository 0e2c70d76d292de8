package topology

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		m    Metrics
		want Type
	}{
		{"unknown phases", Metrics{NumberOfPhases: 0, GridParallel: true}, Unknown},
		{"1 phase grid", Metrics{NumberOfPhases: 1, GridParallel: true, Hub4Mode: 1}, GridConnected1Phase},
		{"3 phase saldating", Metrics{NumberOfPhases: 3, GridParallel: true, Hub4Mode: 1}, GridConnected3PhaseSaldating},
		{"2 phase individual", Metrics{NumberOfPhases: 2, GridParallel: true, Hub4Mode: 2}, GridConnected2PhaseIndividual},
		{"zero feed-in 3 phase", Metrics{NumberOfPhases: 3, GridParallel: true, Hub4Mode: 0}, ZeroFeedin3Phase},
		{"off-grid 2 phase", Metrics{NumberOfPhases: 2, GridParallel: false}, OffGrid2Phase},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.m); got != c.want {
				t.Fatalf("Classify(%+v) = %v, want %v", c.m, got, c.want)
			}
		})
	}
}

func TestSaldatingAndBalancingEligible(t *testing.T) {
	if !GridConnected2PhaseSaldating.Saldating() {
		t.Fatal("GridConnected2PhaseSaldating should be Saldating")
	}
	if GridConnected2PhaseIndividual.Saldating() {
		t.Fatal("GridConnected2PhaseIndividual should not be Saldating")
	}
	if !OffGrid1Phase.BalancingEligible() || !ZeroFeedin1Phase.BalancingEligible() {
		t.Fatal("off-grid and zero-feed-in should be balancing eligible")
	}
	if GridConnected1Phase.BalancingEligible() {
		t.Fatal("grid-connected should not be balancing eligible")
	}
}
