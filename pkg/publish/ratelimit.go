package publish

import (
	"errors"
	"strings"
	"time"
)

// Window bounds for the two independent event-rate limits.
const (
	NonSystemLimit  = 4
	NonSystemWindow = 1 * time.Second

	SystemLimit  = 255
	SystemWindow = 65 * time.Second

	// SystemEventPrefix marks an event name as a system event for the
	// purpose of the 255-per-65s bucket (the broker's own convention for
	// distinguishing application vs platform events).
	SystemEventPrefix = "trackle/"
)

// ErrBandwidthExceeded is returned when a publish would exceed either
// sliding-window limit.
var ErrBandwidthExceeded = errors.New("publish: bandwidth exceeded")

// RateLimiter enforces the event-admission rate using sliding windows of recent timestamps rather than a literal token
// bucket, since the check only needs "how many fired in the last N
// seconds" and never needs to borrow against future capacity.
type RateLimiter struct {
	nonSystem []time.Time
	system    []time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{}
}

func isSystemEvent(name string) bool {
	return strings.HasPrefix(name, SystemEventPrefix)
}

// Allow checks whether a block-0 publish of eventName at now is within the
// admissible rate, recording it if so. Only block 0 of a transaction should
// ever call Allow ("Check applies only to block 0").
func (r *RateLimiter) Allow(eventName string, now time.Time) error {
	if isSystemEvent(eventName) {
		r.system = prune(r.system, now, SystemWindow)
		if len(r.system) >= SystemLimit {
			return ErrBandwidthExceeded
		}
		r.system = append(r.system, now)
		return nil
	}
	r.nonSystem = prune(r.nonSystem, now, NonSystemWindow)
	if len(r.nonSystem) >= NonSystemLimit {
		return ErrBandwidthExceeded
	}
	r.nonSystem = append(r.nonSystem, now)
	return nil
}

// prune drops timestamps older than window relative to now.
func prune(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(timestamps) && timestamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return timestamps
	}
	return append([]time.Time(nil), timestamps[i:]...)
}
