package plant

import (
	"errors"
	"testing"
)

type fakeRegisterReader struct {
	data []byte
	err  error
}

func (f fakeRegisterReader) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func TestReadDecodesMainBlock(t *testing.T) {
	data := make([]byte, 78)
	putS32(data[10:14], -1500) // grid: exporting 1500W
	putU16(data[28:30], 612)   // 61.2%
	putS32(data[30:34], 100)
	putS32(data[34:38], 200)
	putS32(data[38:42], 300)
	putS32(data[70:74], 4000) // PV
	putS32(data[74:78], -800) // ESS discharging

	r := &Reader{client: fakeRegisterReader{data: data}}
	got, err := r.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.GridSensorActivePower != -1500 {
		t.Errorf("GridSensorActivePower = %v, want -1500", got.GridSensorActivePower)
	}
	if got.ESSSOC != 0.612 {
		t.Errorf("ESSSOC = %v, want 0.612", got.ESSSOC)
	}
	if got.PlantPhase.L1 != 100 || got.PlantPhase.L2 != 200 || got.PlantPhase.L3 != 300 {
		t.Errorf("PlantPhase = %+v, want {100 200 300 0}", got.PlantPhase)
	}
	if got.PhotovoltaicPower != 4000 {
		t.Errorf("PhotovoltaicPower = %v, want 4000", got.PhotovoltaicPower)
	}
	if got.ESSPower != -800 {
		t.Errorf("ESSPower = %v, want -800", got.ESSPower)
	}
}

func TestReadPropagatesError(t *testing.T) {
	r := &Reader{client: fakeRegisterReader{err: errors.New("modbus: no response")}}
	if _, err := r.Read(); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func putS32(b []byte, v int32) {
	u := uint32(v)
	b[0] = byte(u >> 24)
	b[1] = byte(u >> 16)
	b[2] = byte(u >> 8)
	b[3] = byte(u)
}
