package reservation

import "testing"

func TestEvaluateConstant(t *testing.T) {
	e, err := Compile("500")
	if err != nil {
		t.Fatal(err)
	}
	got, state := e.Evaluate(Inputs{SOC: 40})
	if got != 500 || state != StateOK {
		t.Fatalf("got %v/%v, want 500/OK", got, state)
	}
}

func TestEvaluateSOCExpression(t *testing.T) {
	e, err := Compile("SOC * 10 + 100")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := e.Evaluate(Inputs{SOC: 20})
	if got != 300 {
		t.Fatalf("got %v, want 300", got)
	}
}

func TestEvaluateMinMaxAndParens(t *testing.T) {
	e, err := Compile("max(0, min(1000, (100 - SOC) * 20))")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := e.Evaluate(Inputs{SOC: 95})
	if got != 100 {
		t.Fatalf("got %v, want 100", got)
	}
	got, _ = e.Evaluate(Inputs{SOC: 0})
	if got != 1000 {
		t.Fatalf("got %v, want 1000 (clamped)", got)
	}
}

func TestEvaluateNegativeClampedToZero(t *testing.T) {
	e, err := Compile("SOC - 100")
	if err != nil {
		t.Fatal(err)
	}
	got, state := e.Evaluate(Inputs{SOC: 50})
	if got != 0 || state != StateOK {
		t.Fatalf("got %v/%v, want 0/OK", got, state)
	}
}

func TestEvaluateDESSClamp(t *testing.T) {
	e, err := Compile("2000")
	if err != nil {
		t.Fatal(err)
	}
	got, state := e.Evaluate(Inputs{SOC: 50, DESSChargeRateWatts: 800})
	if got != 800 || state != StateDESS {
		t.Fatalf("got %v/%v, want 800/DESS", got, state)
	}
}

// TestEvaluateDESSClampsAgainstBMSClampedValue pins the order in
// current_battery_reservation: BMS clamps first, then DESS clamps against
// the already-BMS-clamped value, so DESS can still bind (and win the
// published state) even when BMS also binds.
func TestEvaluateDESSClampsAgainstBMSClampedValue(t *testing.T) {
	e, err := Compile("2000")
	if err != nil {
		t.Fatal(err)
	}
	got, state := e.Evaluate(Inputs{
		SOC:                    50,
		BMSAvailable:           true,
		BMSMaxChargePowerWatts: 1000,
		DESSChargeRateWatts:    300,
	})
	if got != 300 || state != StateDESS {
		t.Fatalf("got %v/%v, want 300/DESS", got, state)
	}
}

// TestEvaluateBMSClampWinsWhenDESSLimitIsLooser covers the other half of
// the double-clamp: DESS's limit is above the BMS-clamped value, so it
// never binds and BMS's state is published.
func TestEvaluateBMSClampWinsWhenDESSLimitIsLooser(t *testing.T) {
	e, err := Compile("2000")
	if err != nil {
		t.Fatal(err)
	}
	got, state := e.Evaluate(Inputs{
		SOC:                    50,
		BMSAvailable:           true,
		BMSMaxChargePowerWatts: 300,
		DESSChargeRateWatts:    800,
	})
	if got != 300 || state != StateBMS {
		t.Fatalf("got %v/%v, want 300/BMS", got, state)
	}
}

// TestEvaluateDESSIdleOverrideZeroesReservation covers the distinct idle
// override: a DESS reactive-strategy state code in the idle set forces the
// reservation to zero regardless of what the BMS/DESS clamps computed.
func TestEvaluateDESSIdleOverrideZeroesReservation(t *testing.T) {
	e, err := Compile("2000")
	if err != nil {
		t.Fatal(err)
	}
	got, state := e.Evaluate(Inputs{
		SOC:                       50,
		BMSAvailable:              true,
		BMSMaxChargePowerWatts:    300,
		DESSChargeRateWatts:       800,
		DESSReactiveStrategyState: 9,
	})
	if got != 0 || state != StateDESS {
		t.Fatalf("got %v/%v, want 0/DESS", got, state)
	}
}

func TestEvaluateDESSIdleOverrideIgnoresNonIdleStates(t *testing.T) {
	e, err := Compile("2000")
	if err != nil {
		t.Fatal(err)
	}
	got, state := e.Evaluate(Inputs{
		SOC:                       50,
		DESSChargeRateWatts:       800,
		DESSReactiveStrategyState: 2,
	})
	if got != 800 || state != StateDESS {
		t.Fatalf("got %v/%v, want 800/DESS", got, state)
	}
}

func TestCompileRejectsUnknownIdentifier(t *testing.T) {
	if _, err := Compile("FOO + 1"); err == nil {
		t.Fatal("expected compile error for unknown identifier")
	}
}

func TestCompileRejectsTrailingGarbage(t *testing.T) {
	if _, err := Compile("100 200"); err == nil {
		t.Fatal("expected compile error for trailing garbage")
	}
}

func TestEvaluateDivisionByZeroIsConfigError(t *testing.T) {
	e, err := Compile("SOC / (SOC - SOC)")
	if err != nil {
		t.Fatal(err)
	}
	got, state := e.Evaluate(Inputs{SOC: 50})
	if got != 0 || state != StateError {
		t.Fatalf("got %v/%v, want 0/Error", got, state)
	}
}
