// Package retransmit implements the CoAP message store: a
// per-message retransmission timer for outbound confirmables awaiting an
// ACK, and a short-lived dedup cache for inbound confirmables awaiting the
// application's response.
//
// Everything here is polled, not scheduled: Store.Tick is called once per
// event-loop pass with the current time, and returns the set of entries
// that need resending or have timed out. There are no timers, goroutines,
// or channels, matching the single-threaded cooperative model of the
// whole core.
package retransmit
