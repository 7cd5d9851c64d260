package keepalive

import "time"

// TimeSync drives the single outstanding time-request: one GET /t
// emitted on handshake completion, with duplicate
// requests suppressed while one is outstanding.
type TimeSync struct {
	outstanding bool
	syncedAt    time.Time
	lastSynced  bool
}

// NewTimeSync creates an unsynchronized time-sync tracker.
func NewTimeSync() *TimeSync {
	return &TimeSync{}
}

// ShouldRequest reports whether a new time-request should be sent now,
// marking one outstanding if so. Returns false if a request is already in
// flight.
func (t *TimeSync) ShouldRequest() bool {
	if t.outstanding {
		return false
	}
	t.outstanding = true
	return true
}

// HandleResponse consumes the broker's 2.05 Content time response,
// invoking setTime with the decoded UNIX timestamp and remembering the sync
// moment (as measured by now).
func (t *TimeSync) HandleResponse(unixSeconds uint32, now time.Time, setTime func(unixSeconds uint32)) {
	t.outstanding = false
	t.syncedAt = now
	t.lastSynced = true
	if setTime != nil {
		setTime(unixSeconds)
	}
}

// Synced reports whether a time-sync has ever completed, and when.
func (t *TimeSync) Synced() (time.Time, bool) {
	return t.syncedAt, t.lastSynced
}
