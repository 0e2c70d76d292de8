package bus

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

// fakeRuntime accepts one connection and answers every call with
// Result=true, echoing the method back for inspection.
func fakeRuntime(t *testing.T, ln net.Listener, got chan<- frame) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			return
		}
		got <- f
		if err := enc.Encode(frame{Kind: "reply", ID: f.ID, Result: true}); err != nil {
			return
		}
	}
}

func TestTCPBusConnectRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	got := make(chan frame, 4)
	go fakeRuntime(t, ln, got)

	b, err := DialTCP(context.Background(), ln.Addr().String(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ok, err := b.Connect(context.Background(), "svc_RM1", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected Connect to return true")
	}

	select {
	case f := <-got:
		if f.Method != "Connect" || f.ClientID != "svc_RM1" {
			t.Fatalf("unexpected call observed by runtime: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for call to reach the fake runtime")
	}
}

func TestTCPBusSignalDelivery(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			connCh <- conn
		}
	}()

	b, err := DialTCP(context.Background(), ln.Addr().String(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	conn := <-connCh
	enc := json.NewEncoder(conn)
	if err := enc.Encode(frame{Kind: "signal", SignalKind: "Message", ClientID: "svc_RM1", Payload: `{"message_type":"Handshake"}`}); err != nil {
		t.Fatal(err)
	}

	select {
	case sig := <-b.Signals():
		if sig.ClientID != "svc_RM1" || sig.Kind != SignalMessage {
			t.Fatalf("unexpected signal: %+v", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
}
