package session

import (
	"math"
	"time"
)

// runningTimers is the authoritative map of timer-id -> start-instant
// (§9: "the map of timer-id -> start-instant is authoritative; durations
// are looked up in the system-description on demand").
type runningTimers map[string]time.Time

// checkTimerBlock implements §4.4's _check_timer_block: returns the
// remaining seconds the active->next transition is blocked by (0 if
// clear), and mutates running to drop any timer found expired along the
// way.
func checkTimerBlock(desc *OMBCSystemDescription, running runningTimers, active, next string, now time.Time) float64 {
	if active == next {
		return 0
	}

	tr, ok := findTransition(desc, active, next)
	if !ok {
		return 0
	}

	var expired []string
	for _, timerID := range tr.BlockingTimers {
		start, isRunning := running[timerID]
		if !isRunning {
			continue // missing timers are treated as non-blocking, per §9
		}
		timer, ok := findTimer(desc, timerID)
		if !ok {
			continue
		}
		deadline := start.Add(time.Duration(timer.DurationSeconds * float64(time.Second)))
		if !deadline.After(now) {
			expired = append(expired, timerID)
			continue
		}
		// first unexpired blocking timer wins; ordering between
		// multiple blocking timers is not significant (§4.4).
		for _, id := range expired {
			delete(running, id)
		}
		return math.Round(deadline.Sub(now).Seconds())
	}

	for _, id := range expired {
		delete(running, id)
	}
	return 0
}

// startTransitionTimers records start=now for every start-timer on the
// active->next transition edge, called from commit() once an instruction
// has been issued (§4.3 commit()).
func startTransitionTimers(desc *OMBCSystemDescription, running runningTimers, active, next string, now time.Time) {
	tr, ok := findTransition(desc, active, next)
	if !ok {
		return
	}
	for _, timerID := range tr.StartTimers {
		running[timerID] = now
	}
}
