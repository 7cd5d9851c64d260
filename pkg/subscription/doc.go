// Package subscription implements the subscription table:
// event-name filter matching and delivery dispatch for inbound publish
// messages. Each registration has a scope (MyDevices or Firehose) and an
// optional device-id filter; every subscription whose filter prefix matches
// an incoming event name fires, so overlapping filters can all deliver the
// same event.
package subscription
