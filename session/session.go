package session

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/devskill-org/s2-ems/bus"
	"github.com/devskill-org/s2-ems/ledger"
	"github.com/devskill-org/s2-ems/phasevalue"
)

// ConnectionState is the protocol-level lifecycle state of a ConsumerSession.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	HandshakeReceived
	DetailsReceived
	ControlSelected
	Operating
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case HandshakeReceived:
		return "HandshakeReceived"
	case DetailsReceived:
		return "DetailsReceived"
	case ControlSelected:
		return "ControlSelected"
	case Operating:
		return "Operating"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Class distinguishes Primary consumers (driven on a small positive
// surplus even when the reservation is not fully met) from Secondary ones
// (driven only from genuine surplus above the reservation).
type Class int

const (
	Secondary Class = iota
	Primary
)

const (
	NotControllable = "NotControllable"
	ControlTypeOMBC = "OMBC"

	keepAliveInterval    = 30 * time.Second
	replyCallbackHorizon = 60 * time.Second
	// staleMeasurementWindow bounds how long a session may go without a
	// PowerMeasurement before the power-tracking tick falls back to
	// estimating consumption from the granted claim (§4.5).
	staleMeasurementWindow = 5 * time.Second
)

type pendingReply struct {
	createdAt time.Time
	callback  func(status, diagnostic string)
}

type sampleState struct {
	value float64
	at    time.Time
}

// Session is ConsumerSession: the protocol state machine owned and driven
// exclusively by the EMSController's single event-loop goroutine.
type Session struct {
	bus    bus.Bus
	logger *log.Logger

	serviceID  string
	rmIndex    int
	uniqueID   string
	priority   int
	class      Class

	state               ConnectionState
	selectedControlType string
	keepAliveStrikes    int

	details *ResourceManagerDetails
	desc    *OMBCSystemDescription

	activeModeID   string
	proposedNextID string

	powerRequest phasevalue.Value
	powerClaim   phasevalue.Value
	isActiveEMSControl bool

	lastSample        map[phasevalue.Phase]sampleState
	lastMeasurementAt time.Time
	currentPower      phasevalue.Value
	accumulated       phasevalue.Value // energy accrued since last PowerTick pop
	lastPowerTickAt   time.Time

	energyCounter phasevalue.Value // lifetime, persisted by the caller

	running  runningTimers
	pending  map[string]pendingReply
}

// New constructs a Session for one "/Devices/{rmIndex}/S2" resource
// manager advertised by serviceID.
func New(b bus.Bus, logger *log.Logger, serviceID string, rmIndex int, priority int, class Class) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		bus:      b,
		logger:   log.New(logger.Writer(), fmt.Sprintf("%s[session %s_RM%d] ", logger.Prefix(), serviceID, rmIndex), logger.Flags()),
		serviceID: serviceID,
		rmIndex:   rmIndex,
		uniqueID:  fmt.Sprintf("%s_RM%d", serviceID, rmIndex),
		priority:  priority,
		class:     class,
		state:     Disconnected,
		lastSample: make(map[phasevalue.Phase]sampleState),
		running:    make(runningTimers),
		pending:    make(map[string]pendingReply),
	}
}

func (s *Session) UniqueID() string       { return s.uniqueID }
func (s *Session) Priority() int          { return s.priority }
func (s *Session) Class() Class           { return s.class }
func (s *Session) State() ConnectionState { return s.state }
func (s *Session) IsInitialized() bool    { return s.state != Disconnected && s.state != Failed }
func (s *Session) IsControllable() bool {
	return s.selectedControlType != "" && s.selectedControlType != NotControllable
}
func (s *Session) PowerClaim() phasevalue.Value { return s.powerClaim }

// IsActiveEMSControl reports whether the resource manager has confirmed an
// active operation mode with a non-zero power range, i.e. the EMS is
// actually driving this consumer's draw (§4.5 surplus add-back).
func (s *Session) IsActiveEMSControl() bool { return s.isActiveEMSControl }

// CurrentPower returns the consumer's last-known per-phase AC power, as
// reported by PowerMeasurement (or estimated from the claim once stale).
// The control loop adds this back into surplus before re-allocating it
// (§4.5 step 2), since this load is about to be reassigned.
func (s *Session) CurrentPower() phasevalue.Value { return s.currentPower }

// BeginConnection calls Connect; on failure the session stays Disconnected
// and the caller (EMSController) retries on its 35 s timer.
func (s *Session) BeginConnection(ctx timeoutContext) error {
	s.state = Connecting
	ok, err := s.bus.Connect(ctx, s.uniqueID, keepAliveInterval)
	if err != nil {
		s.logger.Printf("connect failed: %v", err)
		s.state = Disconnected
		return err
	}
	if !ok {
		s.logger.Printf("connect rejected by remote")
		s.state = Disconnected
		return nil
	}
	return nil
}

// timeoutContext is the minimal context.Context surface Session needs;
// declared locally so call sites can pass context.Context directly.
type timeoutContext = interface {
	Deadline() (time.Time, bool)
	Done() <-chan struct{}
	Err() error
	Value(key any) any
}

// KeepAliveTick pings the connection; two consecutive failures end the
// session (§4.2 step 2, §5 cancellation policy).
func (s *Session) KeepAliveTick(ctx timeoutContext) {
	if s.state == Disconnected || s.state == Failed {
		return
	}
	ok, err := s.bus.KeepAlive(ctx, s.uniqueID)
	if err != nil || !ok {
		s.keepAliveStrikes++
		s.logger.Printf("keep-alive miss (%d/2): %v", s.keepAliveStrikes, err)
		if s.keepAliveStrikes >= 2 {
			s.End("keep-alive timeout")
		}
		return
	}
	s.keepAliveStrikes = 0
}

// End tears down the session (§4.2 step 3).
func (s *Session) End(reason string) {
	s.logger.Printf("session ending: %s", reason)
	s.state = Disconnected
	s.selectedControlType = ""
	s.isActiveEMSControl = false
	s.activeModeID = ""
	s.proposedNextID = ""
	s.pending = make(map[string]pendingReply)
	s.running = make(runningTimers)
}

// HandleSignal dispatches one broadcast event addressed to this session.
func (s *Session) HandleSignal(ctx timeoutContext, sig bus.Signal) {
	switch sig.Kind {
	case bus.SignalDisconnect:
		s.End(sig.Reason)
	case bus.SignalMessage:
		if err := s.handleMessage(ctx, []byte(sig.Payload)); err != nil {
			s.logger.Printf("error handling message: %v", err)
		}
	}
}

func (s *Session) handleMessage(ctx timeoutContext, payload []byte) error {
	hdr, err := DecodeEnvelope(payload)
	if err != nil {
		return err
	}

	if s.state == Disconnected || s.state == Connecting {
		if hdr.MessageType != TypeHandshake {
			return s.reply(ctx, hdr.MessageID, StatusTemporaryError, "handshake required")
		}
	}

	switch hdr.MessageType {
	case TypeHandshake:
		return s.handleHandshake(ctx, payload, hdr.MessageID)
	case TypeResourceManagerDetails:
		return s.handleResourceManagerDetails(ctx, payload, hdr.MessageID)
	case TypeOMBCSystemDescription:
		return s.handleSystemDescription(ctx, payload, hdr.MessageID)
	case TypeOMBCStatus:
		return s.handleStatus(ctx, payload, hdr.MessageID)
	case TypePowerMeasurement:
		return s.handlePowerMeasurement(ctx, payload, hdr.MessageID)
	case TypeReceptionStatus:
		return s.handleReceptionStatus(payload)
	default:
		return s.reply(ctx, hdr.MessageID, StatusPermanentError, fmt.Sprintf("unsupported message type %q", hdr.MessageType))
	}
}

func (s *Session) handleHandshake(ctx timeoutContext, payload []byte, messageID string) error {
	var msg Handshake
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}

	matched := false
	for _, v := range msg.SupportedProtocolVersions {
		if v == S2ProtocolVersion {
			matched = true
			break
		}
	}
	if !matched {
		return s.reply(ctx, messageID, StatusInvalidContent, "no matching protocol version")
	}

	s.state = HandshakeReceived
	resp := NewHandshakeResponse(S2ProtocolVersion)
	return s.send(ctx, resp.MessageID, resp)
}

func (s *Session) handleResourceManagerDetails(ctx timeoutContext, payload []byte, messageID string) error {
	var msg ResourceManagerDetails
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	if len(msg.AvailableControlTypes) == 0 {
		return s.reply(ctx, messageID, StatusTemporaryError, "no available control types")
	}

	s.details = &msg
	s.state = DetailsReceived

	chosen := ""
	only := len(msg.AvailableControlTypes) == 1
	for _, ct := range msg.AvailableControlTypes {
		if only && ct == NotControllable {
			chosen = NotControllable
			break
		}
		if ct == ControlTypeOMBC {
			chosen = ControlTypeOMBC
			break
		}
	}
	if chosen == "" {
		return s.reply(ctx, messageID, StatusPermanentError, "no supported control type offered")
	}

	sel := NewSelectControlType(chosen)
	if err := s.send(ctx, sel.MessageID, sel); err != nil {
		return err
	}
	s.registerCallback(sel.MessageID, func(status, diagnostic string) {
		if status == StatusOK {
			s.selectedControlType = chosen
			s.state = ControlSelected
		} else {
			s.logger.Printf("SelectControlType(%s) rejected: %s %s", chosen, status, diagnostic)
		}
	})
	return s.reply(ctx, messageID, StatusOK, "")
}

func (s *Session) handleSystemDescription(ctx timeoutContext, payload []byte, messageID string) error {
	var msg OMBCSystemDescription
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	sortSystemDescription(&msg)
	s.desc = &msg
	return s.reply(ctx, messageID, StatusOK, "")
}

func (s *Session) handleStatus(ctx timeoutContext, payload []byte, messageID string) error {
	var msg OMBCStatus
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	if s.desc == nil {
		return s.reply(ctx, messageID, StatusTemporaryError, "no system description yet")
	}
	mode, ok := findOperationMode(s.desc, msg.ActiveOperationModeID)
	if !ok {
		return s.reply(ctx, messageID, StatusTemporaryError, "unknown operation mode id")
	}

	s.activeModeID = mode.ID
	if len(mode.PowerRanges) > 0 && mode.PowerRanges[0].EndOfRange > 0 {
		s.isActiveEMSControl = true
	}
	return s.reply(ctx, messageID, StatusOK, "")
}

func (s *Session) handlePowerMeasurement(ctx timeoutContext, payload []byte, messageID string) error {
	var msg PowerMeasurement
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}

	for _, v := range msg.Values {
		for _, comp := range componentsOf(v.CommodityQuantity, v.Value) {
			s.integrateSample(comp.phase, comp.value, msg.MeasurementTimestamp)
		}
	}
	s.lastMeasurementAt = msg.MeasurementTimestamp

	return s.reply(ctx, messageID, StatusOK, "")
}

// integrateSample implements the left-edge integration decided in OQ1:
// on the first sample for a phase, just remember it; on every later
// sample, credit value_prev * dt_hours / 1000 kWh before overwriting.
func (s *Session) integrateSample(p phasevalue.Phase, value float64, at time.Time) {
	s.currentPower = s.currentPower.SetByPhase(p, value)

	prev, seen := s.lastSample[p]
	s.lastSample[p] = sampleState{value: value, at: at}
	if !seen {
		return
	}

	dtHours := at.Sub(prev.at).Hours()
	delta := 0.0
	if s.isActiveEMSControl {
		delta = prev.value * dtHours / 1000
	}
	s.accumulated = s.accumulated.SetByPhase(p, s.accumulated.ByPhase(p)+delta)
}

type component struct {
	phase phasevalue.Phase
	value float64
}

func componentsOf(commodityQuantity string, value float64) []component {
	switch commodityQuantity {
	case "L1":
		return []component{{phasevalue.L1, value}}
	case "L2":
		return []component{{phasevalue.L2, value}}
	case "L3":
		return []component{{phasevalue.L3, value}}
	default: // 3-phase-symmetric
		third := value / 3
		return []component{{phasevalue.L1, third}, {phasevalue.L2, third}, {phasevalue.L3, third}}
	}
}

func (s *Session) handleReceptionStatus(payload []byte) error {
	var msg ReceptionStatus
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	entry, ok := s.pending[msg.SubjectMessageID]
	if !ok {
		return nil // missing id silently ignored, per §4.2
	}
	delete(s.pending, msg.SubjectMessageID)
	entry.callback(msg.Status, msg.DiagnosticLabel)
	return nil
}

func (s *Session) registerCallback(messageID string, cb func(status, diagnostic string)) {
	s.pending[messageID] = pendingReply{createdAt: time.Now(), callback: cb}
}

// ExpireReplyCallbacks drops pending-reply entries older than the bounded
// horizon decided in OQ3, without invoking their callback.
func (s *Session) ExpireReplyCallbacks(now time.Time) {
	for id, entry := range s.pending {
		if now.Sub(entry.createdAt) > replyCallbackHorizon {
			delete(s.pending, id)
		}
	}
}

func (s *Session) send(ctx timeoutContext, messageID string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.bus.Message(ctx, s.uniqueID, string(data))
}

func (s *Session) reply(ctx timeoutContext, subjectMessageID, status, diagnostic string) error {
	rs := NewReceptionStatus(subjectMessageID, status, diagnostic)
	return s.send(ctx, rs.MessageID, rs)
}

// SelfAssign is §4.3's self_assign: no-op for non-OMBC sessions.
func (s *Session) SelfAssign(l *ledger.Ledger, now time.Time) error {
	if s.selectedControlType != ControlTypeOMBC {
		return nil
	}
	if s.desc == nil || s.activeModeID == "" {
		s.logger.Printf("self_assign: system description or active mode missing")
		return nil
	}

	eligible := eligibleModes(s.desc, s.activeModeID)
	if len(eligible) == 0 {
		s.logger.Printf("self_assign: no eligible operation modes from %q", s.activeModeID)
		return nil
	}
	forcedID := eligible[len(eligible)-1].ID

	for i, mode := range eligible {
		forced := i == len(eligible)-1 && mode.ID == forcedID

		if err := l.Begin(); err != nil {
			return err
		}

		ok := true
		for _, pr := range mode.PowerRanges {
			claimed, err := l.Claim(commodityOf(pr.CommodityQuantity), pr.StartOfRange, pr.EndOfRange, s.class == Primary, forced)
			if err != nil {
				_ = l.Rollback()
				return err
			}
			if !claimed {
				ok = false
				break
			}
		}

		if !ok {
			if err := l.Rollback(); err != nil {
				return err
			}
			continue
		}

		newClaim, err := l.Commit()
		if err != nil {
			return err
		}

		s.proposedNextID = mode.ID
		if blocked := checkTimerBlock(s.desc, s.running, s.activeModeID, mode.ID, now); blocked > 0 && newClaim.Total() < s.powerClaim.Total() {
			// Keep the smaller proposal pending, but the consumer has not
			// actually reduced its draw yet — reserve the difference so
			// it is not handed to another consumer this tick (§4.3 step 4).
			for _, p := range [4]phasevalue.Phase{phasevalue.L1, phasevalue.L2, phasevalue.L3, phasevalue.DC} {
				diff := s.powerClaim.ByPhase(p) - newClaim.ByPhase(p)
				if diff > 0 {
					l.AddBack(p, -diff)
				}
			}
		} else {
			s.powerClaim = newClaim
		}
		return nil
	}
	return nil
}

// Commit is §4.3's commit(): issues an OMBCInstruction if the proposed
// mode differs from active and no blocking timer remains.
func (s *Session) Commit(ctx timeoutContext, now time.Time) error {
	if s.selectedControlType != ControlTypeOMBC {
		return nil
	}
	if s.proposedNextID == "" || s.proposedNextID == s.activeModeID || s.desc == nil {
		return nil
	}

	if blocked := checkTimerBlock(s.desc, s.running, s.activeModeID, s.proposedNextID, now); blocked > 0 {
		return nil
	}

	instr := NewOMBCInstruction(s.proposedNextID, now)
	if err := s.send(ctx, instr.MessageID, instr); err != nil {
		return err
	}
	startTransitionTimers(s.desc, s.running, s.activeModeID, s.proposedNextID, now)
	s.activeModeID = s.proposedNextID
	return nil
}

// PowerTick is the 1 Hz power-tracking sample (§4.5): pops accumulated
// energy since the last call, estimating from the granted claim if no
// fresh PowerMeasurement has arrived recently.
func (s *Session) PowerTick(now time.Time) (currentPower, counterDelta phasevalue.Value) {
	if s.lastPowerTickAt.IsZero() {
		s.lastPowerTickAt = now
	}
	dtHours := now.Sub(s.lastPowerTickAt).Hours()

	if s.lastMeasurementAt.IsZero() || now.Sub(s.lastMeasurementAt) > staleMeasurementWindow {
		for _, p := range [3]phasevalue.Phase{phasevalue.L1, phasevalue.L2, phasevalue.L3} {
			watts := s.powerClaim.ByPhase(p)
			s.currentPower = s.currentPower.SetByPhase(p, watts)
			s.accumulated = s.accumulated.SetByPhase(p, s.accumulated.ByPhase(p)+watts*dtHours/1000)
		}
	}

	delta := s.accumulated
	s.energyCounter = s.energyCounter.Add(delta)
	s.accumulated = phasevalue.Value{}
	s.lastPowerTickAt = now
	return s.currentPower, delta
}

// EnergyCounter returns the lifetime forward-energy counter for
// persistence (§4.5/§5: "Energy counters ... written atomically to the
// settings store every 60 s").
func (s *Session) EnergyCounter() phasevalue.Value { return s.energyCounter }

// SetEnergyCounter restores a persisted counter at startup.
func (s *Session) SetEnergyCounter(v phasevalue.Value) { s.energyCounter = v }
