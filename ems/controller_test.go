package ems

import (
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/devskill-org/s2-ems/bus"
	"github.com/devskill-org/s2-ems/ledger"
	"github.com/devskill-org/s2-ems/phasevalue"
	"github.com/devskill-org/s2-ems/plant"
	"github.com/devskill-org/s2-ems/reservation"
	"github.com/devskill-org/s2-ems/session"
	"github.com/devskill-org/s2-ems/topology"
)

// ombcReadySession drives one consumer through handshake, OMBC control-type
// selection and system description, and an initial "off" status report —
// the same sequence session_test.go's ombcReadySession exercises directly
// against the session, reproduced here since it's unexported there.
func ombcReadySession(t *testing.T, b *bus.MemoryBus, serviceID string, priority int, class session.Class) *session.Session {
	t.Helper()
	s := session.New(b, nil, serviceID, 1, priority, class)

	send := func(v interface{}) {
		payload, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		s.HandleSignal(context.Background(), bus.Signal{Kind: bus.SignalMessage, Payload: string(payload)})
	}

	send(session.Handshake{
		MessageType:               session.TypeHandshake,
		MessageID:                 "m0",
		SupportedProtocolVersions: []string{session.S2ProtocolVersion},
	})

	send(session.ResourceManagerDetails{
		MessageType:           session.TypeResourceManagerDetails,
		MessageID:             "m1",
		ResourceID:            "r1",
		AvailableControlTypes: []string{session.ControlTypeOMBC},
	})

	if len(b.MessagesSent) < 2 {
		t.Fatalf("expected SelectControlType to have been sent, got %d messages", len(b.MessagesSent))
	}
	var sel session.SelectControlType
	if err := json.Unmarshal([]byte(b.MessagesSent[len(b.MessagesSent)-2].Payload), &sel); err != nil {
		t.Fatal(err)
	}
	send(session.NewReceptionStatus(sel.MessageID, session.StatusOK, ""))

	send(session.OMBCSystemDescription{
		MessageType: session.TypeOMBCSystemDescription,
		MessageID:   "sd1",
		ResourceID:  "r1",
		OperationModes: []session.OperationMode{
			{ID: "off", PowerRanges: []session.PowerRange{{CommodityQuantity: "L1", StartOfRange: 0, EndOfRange: 0}}},
			{ID: "on", PowerRanges: []session.PowerRange{{CommodityQuantity: "L1", StartOfRange: 1400, EndOfRange: 1400}}},
		},
		Transitions: []session.Transition{
			{ID: "t1", From: "off", To: "on"},
			{ID: "t2", From: "on", To: "off"},
		},
	})

	send(session.OMBCStatus{
		MessageType:           session.TypeOMBCStatus,
		MessageID:             "m2",
		ActiveOperationModeID: "off",
		OperationModeFactor:   1,
	})

	return s
}

// fakePlant reports a fixed reading, standing in for plant.Reader.
type fakePlant struct {
	reading plant.Reading
	err     error
}

func (f fakePlant) Read() (plant.Reading, error) { return f.reading, f.err }

// TestRunControlTickScenarioS1 drives a single OMBC consumer through the
// controller's full control tick — topology classification, reservation
// evaluation, surplus computation, and priority-ordered self_assign/commit —
// mirroring spec scenario S1, but through Controller rather than calling
// Session.SelfAssign/Commit directly.
func TestRunControlTickScenarioS1(t *testing.T) {
	b := bus.NewMemoryBus()
	s := ombcReadySession(t, b, "com.victron.evcharger", 10, session.Secondary)

	cfg := DefaultConfig()
	cfg.Mode = 1
	cfg.BatteryReservationEquation = "0"

	fp := fakePlant{reading: plant.Reading{
		PlantPhase: phasevalue.Value{L1: 1500},
	}}

	peers := StaticPeerReader{
		Metrics: topology.Metrics{NumberOfPhases: 1, GridParallel: true, Hub4Mode: 1},
		Inputs:  reservation.Inputs{},
	}

	c, err := New(cfg, log.New(discard{}, "", 0), b, fp, nil, peers)
	if err != nil {
		t.Fatal(err)
	}
	c.AddSession(s)

	c.runControlTick(context.Background())

	if len(b.MessagesSent) == 0 {
		t.Fatal("expected an instruction to have been sent")
	}
	var instr session.OMBCInstruction
	if err := json.Unmarshal([]byte(b.MessagesSent[len(b.MessagesSent)-1].Payload), &instr); err != nil {
		t.Fatal(err)
	}
	if instr.OperationModeID != "on" {
		t.Fatalf("instruction operation_mode_id = %q, want on", instr.OperationModeID)
	}

	snap := c.Snapshot()
	if snap.SystemType != topology.GridConnected1Phase.String() {
		t.Fatalf("snapshot SystemType = %q, want %q", snap.SystemType, topology.GridConnected1Phase.String())
	}
	if !snap.Active {
		t.Fatal("snapshot Active = false, want true under Mode 1")
	}
}

// TestComputeSurplusDiscountsDCPhotovoltaicByACDCEfficiency pins §4.5's
// dcpv discount: a negative AC phase (an export deficit a DC-coupled PV
// surplus must absorb) is covered from the *discounted* DC-PV reading, not
// the raw Modbus figure, matching original_source/delegates/ems.py's
// `dcpv = (.../Dc/Pv/Power or 0) * AC_DC_EFFICIENCY`.
func TestComputeSurplusDiscountsDCPhotovoltaicByACDCEfficiency(t *testing.T) {
	in := surplusInputs{
		PlantPhase:     phasevalue.Value{L1: -200, L2: 500, L3: 500},
		PhotovoltaicDC: 1000,
	}
	out := computeSurplus(in, phasevalue.Value{}, 0)

	wantDC := 1000*ledger.ACDCEfficiency - 200
	if out.DC != wantDC {
		t.Fatalf("out.DC = %v, want %v (raw dcpv discounted before deficit absorption)", out.DC, wantDC)
	}
	if out.L1 != 0 {
		t.Fatalf("out.L1 = %v, want 0 (deficit phase clamped)", out.L1)
	}
}

// TestOrderedSessionsBreaksTiesByInsertionOrder verifies §5's ordering
// guarantee: equal priority sorts by registration order.
func TestOrderedSessionsBreaksTiesByInsertionOrder(t *testing.T) {
	b := bus.NewMemoryBus()
	s1 := ombcReadySession(t, b, "svc-a", 5, session.Secondary)
	s2 := ombcReadySession(t, b, "svc-b", 5, session.Secondary)
	s3 := ombcReadySession(t, b, "svc-c", 1, session.Primary)

	cfg := DefaultConfig()
	c, err := New(cfg, nil, b, nil, nil, StaticPeerReader{})
	if err != nil {
		t.Fatal(err)
	}
	c.AddSession(s1)
	c.AddSession(s2)
	c.AddSession(s3)

	ordered := c.orderedSessions()
	if len(ordered) != 3 {
		t.Fatalf("got %d sessions, want 3", len(ordered))
	}
	if ordered[0] != s3 {
		t.Fatal("expected lowest-priority session first")
	}
	if ordered[1] != s1 || ordered[2] != s2 {
		t.Fatal("expected tie broken by insertion order (s1 before s2)")
	}
}

// discard is an io.Writer sink for the test logger.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
