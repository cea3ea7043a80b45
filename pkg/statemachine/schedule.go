package statemachine

import (
	"time"

	"github.com/otelfleet/otaagent/pkg/settings"
)

// NextPoll computes when the next probe is due. It expects FirstPoll to
// have been initialised when no probe was ever made.
func NextPoll(p settings.Polling, r settings.RuntimePolling, now time.Time) time.Time {
	if r.Now {
		return now
	}
	if r.LastPoll == nil {
		if r.FirstPoll == nil || r.FirstPoll.Before(now) {
			return now
		}
		return *r.FirstPoll
	}
	last := *r.LastPoll
	if last.After(now) {
		// the clock went backwards
		return now
	}
	if r.Retries > 0 && r.Retries <= p.RetryCeiling {
		return last.Add(p.ExtraInterval)
	}
	if r.ExtraInterval != nil {
		return last.Add(*r.ExtraInterval)
	}
	return last.Add(p.Interval)
}

// needsFirstPoll reports whether the random first poll must be chosen.
func needsFirstPoll(r settings.RuntimePolling) bool {
	return r.LastPoll == nil && r.FirstPoll == nil && !r.Now
}
