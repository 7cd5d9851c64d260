package retransmit

import (
	"time"
)

// CoAP retransmission defaults. Cellular links get longer
// timeouts; the facade selects which of these to use from the configured
// connection type.
const (
	DefaultAckTimeout     = 2 * time.Second
	CellularAckTimeout    = 5 * time.Second
	MaxRetransmit         = 4
	// MaxTransmitWaitFactor is MAX_TRANSMIT_WAIT expressed as a multiple of
	// AckTimeout, per the standard CoAP formula ACK_TIMEOUT *
	// (2^(MAX_RETRANSMIT+1) - 1) * ACK_RANDOM_FACTOR, simplified here to the
	// doubling sum without the randomization factor (this core does not
	// jitter CoAP retransmit timing, only supervisor backoff).
	MaxTransmitWaitFactor = (1 << (MaxRetransmit + 1)) - 1
)

// OutboundEntry tracks one confirmable message sent and awaiting ACK/RESET.
type OutboundEntry struct {
	ID                 uint16
	Message            []byte
	SendTime           time.Time
	NextRetransmitTime time.Time
	RetryCount         int
	Timeout            time.Duration
	Expiration         time.Time
}

// InboundEntry tracks one confirmable message received, for dedup. Response
// is nil until the application has produced one; a re-delivery of ID before
// Response is set is simply dropped (the application is still working on it).
type InboundEntry struct {
	ID         uint16
	Response   []byte
	Expiration time.Time
}

// Store holds both the outbound-awaiting-ack table and the inbound dedup
// table. A doubly-linked list is sufficient at device scale;
// a slice scanned linearly on each Tick serves the same purpose without the
// bookkeeping, since devices hold at most a handful of in-flight messages.
type Store struct {
	ackTimeout time.Duration
	outbound   []*OutboundEntry
	inbound    []*InboundEntry
}

// NewStore creates an empty store using ackTimeout as the initial
// retransmission interval (2s default, 5s on cellular).
func NewStore(ackTimeout time.Duration) *Store {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Store{ackTimeout: ackTimeout}
}

// TrackOutbound registers a freshly sent confirmable message for
// retransmission tracking.
func (s *Store) TrackOutbound(id uint16, raw []byte, now time.Time) *OutboundEntry {
	e := &OutboundEntry{
		ID:                 id,
		Message:            append([]byte(nil), raw...),
		SendTime:           now,
		NextRetransmitTime: now.Add(s.ackTimeout),
		Timeout:            s.ackTimeout,
		Expiration:         now.Add(s.ackTimeout * MaxTransmitWaitFactor),
	}
	s.outbound = append(s.outbound, e)
	return e
}

// findOutbound returns the entry for id, or nil.
func (s *Store) findOutbound(id uint16) *OutboundEntry {
	for _, e := range s.outbound {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (s *Store) removeOutbound(id uint16) {
	for i, e := range s.outbound {
		if e.ID == id {
			s.outbound = append(s.outbound[:i], s.outbound[i+1:]...)
			return
		}
	}
}

// AckResult reports what happened to an acknowledged outbound entry.
type AckResult struct {
	Found        bool
	RoundTrip    time.Duration
	PrecedesLastAck bool
}

// HandleAck matches an inbound ACK against the outbound table, clearing the
// entry and reporting the measured round-trip time.
func (s *Store) HandleAck(id uint16, now time.Time) AckResult {
	e := s.findOutbound(id)
	if e == nil {
		return AckResult{}
	}
	rtt := now.Sub(e.SendTime)
	s.removeOutbound(id)
	return AckResult{Found: true, RoundTrip: rtt}
}

// HandleReset is identical bookkeeping to HandleAck; the caller is
// responsible for additionally commanding DISCARD_SESSION.
func (s *Store) HandleReset(id uint16, now time.Time) AckResult {
	return s.HandleAck(id, now)
}

// TimedOutEntry is one outbound entry that has exhausted its retries.
type TimedOutEntry struct {
	Entry             *OutboundEntry
	PrecedesLastAck   bool
}

// Tick checks the outbound table against the current time now. For every
// entry whose NextRetransmitTime is not after now: if under the retry budget it
// is returned in toResend with its timeout doubled and deadline pushed out;
// otherwise it is removed and returned in timedOut. lastAckTime is the
// SendTime watermark of the most recently ACKed message, used to decide
// whether a timeout should also request a channel close (// "if the entry's send time preceded the most recent ACK, command channel
// close").
func (s *Store) Tick(now time.Time, lastAckTime time.Time) (toResend []*OutboundEntry, timedOut []TimedOutEntry) {
	var remaining []*OutboundEntry
	for _, e := range s.outbound {
		if now.Before(e.NextRetransmitTime) {
			remaining = append(remaining, e)
			continue
		}
		if e.RetryCount < MaxRetransmit {
			e.RetryCount++
			e.Timeout *= 2
			e.NextRetransmitTime = now.Add(e.Timeout)
			toResend = append(toResend, e)
			remaining = append(remaining, e)
			continue
		}
		timedOut = append(timedOut, TimedOutEntry{
			Entry:           e,
			PrecedesLastAck: e.SendTime.Before(lastAckTime),
		})
	}
	s.outbound = remaining
	return toResend, timedOut
}

// Cancel removes every outstanding outbound entry without firing any
// callback, used by disconnect and sleep-terminate. Firing each pending
// handler with Cancelled is pkg/ack's job; this just drops the
// retransmission state.
func (s *Store) Cancel() {
	s.outbound = nil
}

// DedupResult reports how an inbound confirmable should be handled.
type DedupResult struct {
	// Duplicate is true if this id was already seen; CachedResponse is the
	// response to resend verbatim (nil if the application hasn't answered
	// the first delivery yet, in which case the new delivery is simply
	// dropped rather than re-dispatched).
	Duplicate      bool
	CachedResponse []byte
}

// CheckInbound looks up id in the dedup table. If not present, it adds a new
// entry with an empty response pending, expiring after MAX_TRANSMIT_WAIT.
// Ties between concurrent requests sharing an id are latest-wins.
func (s *Store) CheckInbound(id uint16, now time.Time) DedupResult {
	for _, e := range s.inbound {
		if e.ID == id {
			return DedupResult{Duplicate: true, CachedResponse: e.Response}
		}
	}
	s.inbound = append(s.inbound, &InboundEntry{
		ID:         id,
		Expiration: now.Add(s.ackTimeout * MaxTransmitWaitFactor),
	})
	return DedupResult{}
}

// RecordResponse caches the application's response to an inbound
// confirmable so a later duplicate can be answered without re-invoking the
// handler.
func (s *Store) RecordResponse(id uint16, response []byte) {
	for _, e := range s.inbound {
		if e.ID == id {
			e.Response = append([]byte(nil), response...)
			return
		}
	}
}

// ExpireInbound drops dedup entries whose expiration has passed.
func (s *Store) ExpireInbound(now time.Time) {
	var remaining []*InboundEntry
	for _, e := range s.inbound {
		if now.Before(e.Expiration) {
			remaining = append(remaining, e)
		}
	}
	s.inbound = remaining
}

// OutboundLen reports the number of outstanding (unacknowledged) outbound
// confirmables.
func (s *Store) OutboundLen() int {
	return len(s.outbound)
}
