package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

// frame is the one wire shape used for everything exchanged over the TCP
// transport: outbound calls, their replies, and broadcast signals. Framing
// is newline-delimited JSON, following the same encoder/decoder-over-
// net.Conn idiom miners/avalon.go uses for its one-shot Avalon RPCs; here
// the connection is long-lived and multiplexes calls against signals.
type frame struct {
	Kind              string  `json:"kind"` // "call", "reply", "signal"
	ID                string  `json:"id,omitempty"`
	Method            string  `json:"method,omitempty"`
	ClientID          string  `json:"client_id,omitempty"`
	Payload           string  `json:"payload,omitempty"`
	KeepAliveInterval float64 `json:"keep_alive_interval,omitempty"`
	Result            bool    `json:"result,omitempty"`
	Err               string  `json:"error,omitempty"`
	SignalKind        string  `json:"signal_kind,omitempty"`
	Reason            string  `json:"reason,omitempty"`
}

// TCPBus is the concrete Bus implementation: one persistent TCP connection
// to the S2 protocol runtime, carrying newline-delimited JSON frames in
// both directions.
type TCPBus struct {
	conn   net.Conn
	enc    *json.Encoder
	logger *log.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame
	nextID    uint64

	signals chan Signal
	closed  chan struct{}
}

// DialTCP connects to the S2 protocol runtime at addr and starts the
// background reader. Grounded on miners/avalon.go's send[T]'s
// DialContext-with-timeout pattern, generalized to a persistent connection.
func DialTCP(ctx context.Context, addr string, logger *log.Logger) (*TCPBus, error) {
	if logger == nil {
		logger = log.Default()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", addr, err)
	}

	b := &TCPBus{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		logger:  logger,
		pending: make(map[string]chan frame),
		signals: make(chan Signal, 256),
		closed:  make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *TCPBus) readLoop() {
	dec := json.NewDecoder(b.conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			select {
			case <-b.closed:
			default:
				b.logger.Printf("connection closed: %v", err)
			}
			close(b.signals)
			return
		}

		switch f.Kind {
		case "reply":
			b.pendingMu.Lock()
			ch, ok := b.pending[f.ID]
			if ok {
				delete(b.pending, f.ID)
			}
			b.pendingMu.Unlock()
			if ok {
				ch <- f
			}
		case "signal":
			sig := Signal{
				Kind:     SignalKind(f.SignalKind),
				ClientID: f.ClientID,
				Payload:  f.Payload,
				Reason:   f.Reason,
			}
			select {
			case b.signals <- sig:
			default:
				b.logger.Printf("signal channel full, dropping %s signal for %s", sig.Kind, sig.ClientID)
			}
		default:
			b.logger.Printf("unknown frame kind %q", f.Kind)
		}
	}
}

func (b *TCPBus) call(ctx context.Context, f frame) (frame, error) {
	b.pendingMu.Lock()
	b.nextID++
	id := strconv.FormatUint(b.nextID, 10)
	f.ID = id
	f.Kind = "call"
	replyCh := make(chan frame, 1)
	b.pending[id] = replyCh
	b.pendingMu.Unlock()

	b.writeMu.Lock()
	err := b.enc.Encode(f)
	b.writeMu.Unlock()
	if err != nil {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
		return frame{}, fmt.Errorf("bus: write %s: %w", f.Method, err)
	}

	select {
	case reply := <-replyCh:
		if reply.Err != "" {
			return frame{}, fmt.Errorf("bus: %s: %s", f.Method, reply.Err)
		}
		return reply, nil
	case <-ctx.Done():
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
		return frame{}, ctx.Err()
	case <-b.closed:
		return frame{}, fmt.Errorf("bus: closed while awaiting reply to %s", f.Method)
	}
}

func (b *TCPBus) Connect(ctx context.Context, clientID string, keepAliveInterval time.Duration) (bool, error) {
	reply, err := b.call(ctx, frame{
		Method:            "Connect",
		ClientID:          clientID,
		KeepAliveInterval: keepAliveInterval.Seconds(),
	})
	if err != nil {
		return false, err
	}
	return reply.Result, nil
}

func (b *TCPBus) KeepAlive(ctx context.Context, clientID string) (bool, error) {
	reply, err := b.call(ctx, frame{Method: "KeepAlive", ClientID: clientID})
	if err != nil {
		return false, err
	}
	return reply.Result, nil
}

func (b *TCPBus) Message(ctx context.Context, clientID string, payload string) error {
	_, err := b.call(ctx, frame{Method: "Message", ClientID: clientID, Payload: payload})
	return err
}

func (b *TCPBus) Signals() <-chan Signal { return b.signals }

func (b *TCPBus) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
		close(b.closed)
	}
	return b.conn.Close()
}
