package store

import (
	"context"
	"os"
	"testing"

	"github.com/devskill-org/s2-ems/phasevalue"
)

// TestStore_SettingsRoundTrip exercises the real Postgres path, the way
// scheduler/mpc_persistence_test.go gates its save/load cycle on
// TEST_POSTGRES_CONN.
func TestStore_SettingsRoundTrip(t *testing.T) {
	connString := os.Getenv("TEST_POSTGRES_CONN")
	if connString == "" {
		t.Skip("Skipping test: TEST_POSTGRES_CONN not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, connString)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.SetSetting(ctx, "/ControlLoopInterval", "2s"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, ok, err := s.GetSetting(ctx, "/ControlLoopInterval")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if !ok || got != "2s" {
		t.Fatalf("GetSetting = %q, %v; want 2s, true", got, ok)
	}

	if _, ok, err := s.GetSetting(ctx, "/NoSuchSetting"); err != nil || ok {
		t.Fatalf("GetSetting(missing) = ok=%v err=%v; want ok=false, err=nil", ok, err)
	}

	counters := EnergyCounters{
		Primary:   phasevalue.Value{L1: 1.5, L2: 1.2, L3: 1.1},
		Secondary: phasevalue.Value{DC: 0.4},
	}
	if err := s.SaveEnergyCounters(ctx, counters); err != nil {
		t.Fatalf("SaveEnergyCounters: %v", err)
	}
	loaded, err := s.LoadEnergyCounters(ctx)
	if err != nil {
		t.Fatalf("LoadEnergyCounters: %v", err)
	}
	if loaded.Primary != counters.Primary || loaded.Secondary != counters.Secondary {
		t.Fatalf("LoadEnergyCounters = %+v, want %+v", loaded, counters)
	}

	// Overwrite exercises the upsert path, not just the insert path.
	counters.Primary.L1 = 9.9
	if err := s.SaveEnergyCounters(ctx, counters); err != nil {
		t.Fatalf("SaveEnergyCounters (update): %v", err)
	}
	loaded, err = s.LoadEnergyCounters(ctx)
	if err != nil {
		t.Fatalf("LoadEnergyCounters (after update): %v", err)
	}
	if loaded.Primary.L1 != 9.9 {
		t.Fatalf("Primary.L1 = %v, want 9.9 after upsert", loaded.Primary.L1)
	}
}
