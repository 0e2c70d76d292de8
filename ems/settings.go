package ems

import (
	"context"
	"strconv"
	"time"

	"github.com/devskill-org/s2-ems/reservation"
	"github.com/devskill-org/s2-ems/session"
)

// Settings-store keys named in §6.
const (
	settingModeKey                       = "/Settings/Ems/Mode"
	settingWriteDebugLogsKey             = "/Debug/WriteDebugLogs"
	settingControlLoopIntervalKey        = "/ControlLoopInterval"
	settingBalancingThresholdKey         = "/BalancingThreshold"
	settingBatteryReservationEquationKey = "/BatteryReservationEquation"
)

// LoadSettingsFromStore overlays any settings present in the store onto
// the controller's config, falling back to the config's existing value
// when a key is absent (first run). A malformed reservation equation is
// logged and the previous compiled evaluator is kept.
func (c *Controller) LoadSettingsFromStore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	if v, ok, err := c.store.GetSetting(ctx, settingModeKey); err != nil {
		return err
	} else if ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.config.Mode = n
		}
	}

	if v, ok, err := c.store.GetSetting(ctx, settingWriteDebugLogsKey); err != nil {
		return err
	} else if ok {
		c.config.WriteDebugLogs = v == "1"
	}

	if v, ok, err := c.store.GetSetting(ctx, settingControlLoopIntervalKey); err != nil {
		return err
	} else if ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.config.ControlLoopInterval = time.Duration(n) * time.Second
		}
	}

	if v, ok, err := c.store.GetSetting(ctx, settingBalancingThresholdKey); err != nil {
		return err
	} else if ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.config.BalancingThreshold = n
		}
	}

	if v, ok, err := c.store.GetSetting(ctx, settingBatteryReservationEquationKey); err != nil {
		return err
	} else if ok && v != "" {
		if eval, err := reservation.Compile(v); err != nil {
			c.logger.Printf("battery reservation equation %q invalid, keeping previous: %v", v, err)
		} else {
			c.config.BatteryReservationEquation = v
			c.eval = eval
		}
	}

	return c.config.Validate()
}

// RestoreEnergyCounters loads the persisted Primary/Secondary aggregate
// counters at startup and seeds the first session of each class with them,
// so a restart does not reset lifetime forward-energy totals. The store
// keeps one row per class, not per session (§4.5/§5), so finer-grained
// restoration is not possible; this matches that persistence boundary.
func (c *Controller) RestoreEnergyCounters(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	counters, err := c.store.LoadEnergyCounters(ctx)
	if err != nil {
		return err
	}

	seeded := map[session.Class]bool{}
	for _, e := range c.sessions {
		class := e.session.Class()
		if seeded[class] {
			continue
		}
		if class == session.Primary {
			e.session.SetEnergyCounter(counters.Primary)
		} else {
			e.session.SetEnergyCounter(counters.Secondary)
		}
		seeded[class] = true
	}
	return nil
}
