// Package ack implements the completion registry: a
// timestamp-ordered list mapping outstanding CoAP message-ids to caller
// callbacks, ticked once per event-loop pass with the current time, which
// is compared against each registration's deadline.
package ack
