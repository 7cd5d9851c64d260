// Package keepalive implements the pinger and time-sync client: scheduling an empty confirmable ping when the link has been quiet
// too long, and requesting/consuming the broker's UNIX time on handshake
// completion.
package keepalive
