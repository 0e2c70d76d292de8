package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusConnectDefaultsToAccept(t *testing.T) {
	b := NewMemoryBus()
	ok, err := b.Connect(context.Background(), "svc_RM1", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v, want true/nil", ok, err)
	}
}

func TestMemoryBusConnectRejection(t *testing.T) {
	b := NewMemoryBus()
	b.SetAccept("svc_RM1", false)
	ok, err := b.Connect(context.Background(), "svc_RM1", 30*time.Second)
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v, want false/nil", ok, err)
	}
}

func TestMemoryBusMessageRecorded(t *testing.T) {
	b := NewMemoryBus()
	if err := b.Message(context.Background(), "svc_RM1", `{"message_type":"Handshake"}`); err != nil {
		t.Fatal(err)
	}
	if len(b.MessagesSent) != 1 || b.MessagesSent[0].ClientID != "svc_RM1" {
		t.Fatalf("unexpected MessagesSent: %+v", b.MessagesSent)
	}
}

func TestMemoryBusEmitDeliversSignal(t *testing.T) {
	b := NewMemoryBus()
	b.Emit(Signal{Kind: SignalMessage, ClientID: "svc_RM1", Payload: `{"message_type":"Handshake"}`})
	select {
	case sig := <-b.Signals():
		if sig.ClientID != "svc_RM1" {
			t.Fatalf("unexpected signal: %+v", sig)
		}
	default:
		t.Fatal("expected signal to be immediately available")
	}
}
