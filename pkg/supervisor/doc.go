// Package supervisor implements the connection supervisor:
// the Disconnected → Connecting → Established → Ready state machine, the
// exponential reconnect backoff with jitter, and the post-Hello broadcast
// (update flags, claim code, subscriptions, time request). Everything runs
// from the host's periodic Tick; nothing blocks and no goroutines are
// spawned.
package supervisor
