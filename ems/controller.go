// Package ems implements EMSController: the single-threaded scheduler that
// owns the session map and the per-tick SolarOverheadLedger, driving the
// priority-ordered OMBC allocation described in SPEC_FULL.md §4.5-§5.
// Concurrency model and periodic-task shape are grounded on
// scheduler/scheduler.go's PeriodicTask, collapsed into one event-loop
// goroutine per §5's single-threaded cooperative model.
package ems

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/devskill-org/s2-ems/bus"
	"github.com/devskill-org/s2-ems/ledger"
	"github.com/devskill-org/s2-ems/phasevalue"
	"github.com/devskill-org/s2-ems/plant"
	"github.com/devskill-org/s2-ems/reservation"
	"github.com/devskill-org/s2-ems/session"
	"github.com/devskill-org/s2-ems/store"
	"github.com/devskill-org/s2-ems/telemetry"
	"github.com/devskill-org/s2-ems/topology"
)

const (
	powerTrackInterval   = time.Second
	persistInterval      = 60 * time.Second
	connectionRetryDelay = 35 * time.Second
)

// PlantReader is the one method Controller needs out of *plant.Reader,
// narrowed so tests can fake it (mirrors plant.registerReader's pattern).
// Exported so callers can pass a genuinely nil interface value instead of a
// non-nil interface wrapping a nil *plant.Reader.
type PlantReader interface {
	Read() (plant.Reading, error)
}

// SettingsStore is the subset of *store.Store the controller persists
// through, narrowed for testability and exported for the same nil-interface
// reason as PlantReader.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	SaveEnergyCounters(ctx context.Context, counters store.EnergyCounters) error
	LoadEnergyCounters(ctx context.Context) (store.EnergyCounters, error)
}

// sessionEntry pairs a session with its insertion order, so priority sort
// ties break deterministically (§9: "insertion-ordered mapping").
type sessionEntry struct {
	id      string
	session *session.Session
	seq     int
}

// Controller is EMSController. The session map and ledger are touched only
// from Run's event-loop goroutine (§5's shared-resource policy); published
// telemetry fields are guarded by mu since the dashboard's broadcast
// goroutine reads them concurrently.
type Controller struct {
	config *Config
	logger *log.Logger

	busConn bus.Bus
	plant   PlantReader
	store   SettingsStore
	peers   PeerReader
	eval    *reservation.Evaluator

	sessions    map[string]*sessionEntry
	sessionSeq  int

	balancingOffset float64

	mu       sync.RWMutex
	snapshot telemetry.Snapshot
}

// New constructs a Controller. store and plantR may be nil (persistence
// and telemetry degrade gracefully, matching scheduler.go's nil-webServer
// convention).
func New(cfg *Config, logger *log.Logger, busConn bus.Bus, plantR PlantReader, st SettingsStore, peers PeerReader) (*Controller, error) {
	if logger == nil {
		logger = log.Default()
	}
	eval, err := reservation.Compile(cfg.BatteryReservationEquation)
	if err != nil {
		return nil, err
	}
	return &Controller{
		config:   cfg,
		logger:   logger,
		busConn:  busConn,
		plant:    plantR,
		store:    st,
		peers:    peers,
		eval:     eval,
		sessions: make(map[string]*sessionEntry),
	}, nil
}

// AddSession registers a session the control loop will drive.
func (c *Controller) AddSession(s *session.Session) {
	c.sessions[s.UniqueID()] = &sessionEntry{id: s.UniqueID(), session: s, seq: c.sessionSeq}
	c.sessionSeq++
}

// orderedSessions returns sessions sorted ascending by priority, ties
// broken by insertion order (§5's ordering guarantee).
func (c *Controller) orderedSessions() []*session.Session {
	entries := make([]*sessionEntry, 0, len(c.sessions))
	for _, e := range c.sessions {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].session.Priority() != entries[j].session.Priority() {
			return entries[i].session.Priority() < entries[j].session.Priority()
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]*session.Session, len(entries))
	for i, e := range entries {
		out[i] = e.session
	}
	return out
}

// Run is the process-wide event loop (§5): periodic timers, incoming
// protocol signals, and replies all funnel through this one goroutine.
func (c *Controller) Run(ctx context.Context) error {
	controlTicker := time.NewTicker(c.config.ControlLoopInterval)
	defer controlTicker.Stop()
	powerTicker := time.NewTicker(powerTrackInterval)
	defer powerTicker.Stop()
	persistTicker := time.NewTicker(persistInterval)
	defer persistTicker.Stop()
	retryTicker := time.NewTicker(connectionRetryDelay)
	defer retryTicker.Stop()

	var signals <-chan bus.Signal
	if c.busConn != nil {
		signals = c.busConn.Signals()
	}

	c.logger.Printf("control loop started: interval=%s", c.config.ControlLoopInterval)

	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("control loop stopping: %v", ctx.Err())
			return ctx.Err()

		case <-controlTicker.C:
			c.runControlTick(ctx)

		case <-powerTicker.C:
			c.runPowerTick(time.Now())

		case <-persistTicker.C:
			if err := c.persistCounters(ctx); err != nil {
				c.logger.Printf("persist counters: %v", err)
			}

		case <-retryTicker.C:
			c.retryConnections(ctx)

		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			c.dispatchSignal(ctx, sig)
		}
	}
}

func (c *Controller) dispatchSignal(ctx context.Context, sig bus.Signal) {
	entry, ok := c.sessions[sig.ClientID]
	if !ok {
		c.logger.Printf("signal for unknown client %q ignored", sig.ClientID)
		return
	}
	entry.session.HandleSignal(ctx, sig)
}

// retryConnections calls BeginConnection on every uninitialized session
// (§4.5's 35 s retry timer).
func (c *Controller) retryConnections(ctx context.Context) {
	for _, e := range c.sessions {
		if e.session.IsInitialized() {
			continue
		}
		if err := e.session.BeginConnection(ctx); err != nil {
			c.logger.Printf("retry connect %s: %v", e.id, err)
		}
	}
	for _, e := range c.sessions {
		e.session.ExpireReplyCallbacks(time.Now())
	}
}

// runControlTick is §4.5's control-loop body: topology + reservation,
// surplus, ledger construction, then priority-ordered self_assign/commit.
func (c *Controller) runControlTick(ctx context.Context) {
	start := time.Now()
	defer func() {
		c.mu.Lock()
		c.snapshot.LoopTimeMillis = float64(time.Since(start).Microseconds()) / 1000.0
		c.mu.Unlock()
	}()

	reading, socKnown := c.readPlant()
	metrics := c.peers.GridMetrics()
	topo := topology.Classify(metrics)

	reservationInputs := c.peers.ReservationInputs()
	if socKnown {
		reservationInputs.SOC = reading.ESSSOC * 100
	}
	reservationWatts, state := c.eval.Evaluate(reservationInputs)

	c.balancingOffset = updateBalancingOffset(c.balancingOffset, topo, reservationInputs.SOC, socKnown, reading.ESSPower, c.config.BalancingThreshold)

	sessionACPower, primaryPower, secondaryPower := c.aggregateControlledPower()

	surplus := computeSurplus(surplusInputs{
		PlantPhase:       reading.PlantPhase,
		PhotovoltaicDC:   reading.PhotovoltaicPower,
		BatteryRateWatts: reading.ESSPower,
	}, sessionACPower, c.balancingOffset)

	l := ledger.New(surplus.L1, surplus.L2, surplus.L3, surplus.DC, reservationWatts, reading.ESSPower,
		c.config.ContinuousInverterPowerL1, c.config.ContinuousInverterPowerL2, c.config.ContinuousInverterPowerL3, topo)

	c.mu.Lock()
	c.snapshot.SystemType = topo.String()
	c.snapshot.BatteryReservationWatts = reservationWatts
	c.snapshot.BatteryReservationState = state.String()
	c.snapshot.Active = c.config.Mode == 1
	c.mu.Unlock()

	if c.config.Mode != 1 {
		return
	}

	if surplus.Total() > 0 || primaryPower.Total() > 0 || secondaryPower.Total() > 0 {
		for _, s := range c.orderedSessions() {
			if !s.IsInitialized() || !s.IsControllable() {
				continue
			}
			if err := s.SelfAssign(l, start); err != nil {
				c.logger.Printf("self_assign %s: %v", s.UniqueID(), err)
			}
		}
		for _, s := range c.orderedSessions() {
			if err := s.Commit(ctx, start); err != nil {
				c.logger.Printf("commit %s: %v", s.UniqueID(), err)
			}
		}
	}
}

// readPlant reads the latest plant telemetry; socKnown is false (and the
// reading zeroed) when no plant reader is configured or the read fails,
// matching §7's "default to 0 at the read site" policy for unreachable
// peer telemetry.
func (c *Controller) readPlant() (plant.Reading, bool) {
	if c.plant == nil {
		return plant.Reading{}, false
	}
	reading, err := c.plant.Read()
	if err != nil {
		c.logger.Printf("plant read: %v", err)
		return plant.Reading{}, false
	}
	return reading, true
}

// aggregateControlledPower sums the currently-reported AC power of every
// session under active EMS control (§4.5 step 2's add-back), split into
// Primary/Secondary totals for the "some load may need to be switched off"
// gate.
func (c *Controller) aggregateControlledPower() (sessionACPower, primary, secondary phasevalue.Value) {
	for _, e := range c.sessions {
		if !e.session.IsActiveEMSControl() {
			continue
		}
		cur := e.session.CurrentPower()
		sessionACPower = sessionACPower.Add(cur)
		if e.session.Class() == session.Primary {
			primary = primary.Add(cur)
		} else {
			secondary = secondary.Add(cur)
		}
	}
	return sessionACPower, primary, secondary
}

// runPowerTick is the 1 Hz power-tracking sample (§4.5): pop each
// session's accumulated power/energy and aggregate by class for
// publishing.
func (c *Controller) runPowerTick(now time.Time) {
	var primaryPower, secondaryPower, primaryEnergy, secondaryEnergy phasevalue.Value
	for _, e := range c.sessions {
		power, delta := e.session.PowerTick(now)
		if e.session.Class() == session.Primary {
			primaryPower = primaryPower.Add(power)
			primaryEnergy = primaryEnergy.Add(delta)
		} else {
			secondaryPower = secondaryPower.Add(power)
			secondaryEnergy = secondaryEnergy.Add(delta)
		}
	}

	c.mu.Lock()
	c.snapshot.PrimaryPower = primaryPower
	c.snapshot.SecondaryPower = secondaryPower
	c.snapshot.PrimaryEnergyKWh = c.snapshot.PrimaryEnergyKWh.Add(primaryEnergy)
	c.snapshot.SecondaryEnergyKWh = c.snapshot.SecondaryEnergyKWh.Add(secondaryEnergy)
	c.mu.Unlock()
}

// persistCounters writes the Primary/Secondary forward-energy counters to
// the settings store every 60 s (§4.5/§5).
func (c *Controller) persistCounters(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	var primary, secondary phasevalue.Value
	for _, e := range c.sessions {
		if e.session.Class() == session.Primary {
			primary = primary.Add(e.session.EnergyCounter())
		} else {
			secondary = secondary.Add(e.session.EnergyCounter())
		}
	}
	return c.store.SaveEnergyCounters(ctx, store.EnergyCounters{Primary: primary, Secondary: secondary})
}

// Snapshot implements telemetry.Source.
func (c *Controller) Snapshot() telemetry.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}
