package subscription

import (
	"errors"
	"strings"
)

// MaxFilterPrefixLen bounds a subscription's filter_prefix.
const MaxFilterPrefixLen = 63

// Scope selects which devices' events a subscription receives.
type Scope uint8

const (
	// ScopeMyDevices restricts delivery to the requesting account's devices.
	ScopeMyDevices Scope = iota
	// ScopeFirehose receives events from all devices; forbidden for an
	// empty filter prefix.
	ScopeFirehose
)

func (s Scope) String() string {
	if s == ScopeFirehose {
		return "FIREHOSE"
	}
	return "MY_DEVICES"
}

// Errors returned by Table.Subscribe.
var (
	ErrFilterTooLong         = errors.New("subscription: filter prefix exceeds 63 bytes")
	ErrFirehoseRequiresFilter = errors.New("subscription: firehose scope forbids an empty filter prefix")
)

// Handler is invoked once per delivered event. publisherDeviceID is the
// publisher's device id as passed to Deliver (the facade takes it from a
// 12-byte Uri-Query option of the event message; empty if the broker did
// not attach one); userData is returned unchanged from Subscribe.
type Handler func(eventName string, payload []byte, publisherDeviceID []byte, userData any)

// Entry is one registered subscription.
type Entry struct {
	FilterPrefix    string
	Scope           Scope
	DeviceIDFilter  []byte // empty matches any publisher
	Handler         Handler
	UserData        any
}

// Table holds every active subscription. Multiple entries may share an
// overlapping filter; Deliver fires all matches.
type Table struct {
	entries []*Entry
}

// NewTable creates an empty subscription table.
func NewTable() *Table {
	return &Table{}
}

// Subscribe registers a new filter. deviceIDFilter may be nil/empty to match
// any publisher.
func (t *Table) Subscribe(filterPrefix string, scope Scope, deviceIDFilter []byte, handler Handler, userData any) (*Entry, error) {
	if len(filterPrefix) > MaxFilterPrefixLen {
		return nil, ErrFilterTooLong
	}
	if scope == ScopeFirehose && filterPrefix == "" {
		return nil, ErrFirehoseRequiresFilter
	}
	e := &Entry{
		FilterPrefix:   filterPrefix,
		Scope:          scope,
		DeviceIDFilter: append([]byte(nil), deviceIDFilter...),
		Handler:        handler,
		UserData:       userData,
	}
	t.entries = append(t.entries, e)
	return e, nil
}

// Unsubscribe removes a previously returned Entry. It is a no-op if e is
// not currently registered.
func (t *Table) Unsubscribe(e *Entry) {
	for i, existing := range t.entries {
		if existing == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Entries returns every active subscription, for re-announcement to the
// broker on handshake.
func (t *Table) Entries() []*Entry {
	return append([]*Entry(nil), t.entries...)
}

// matchesDeviceFilter reports whether a subscription's device-id filter
// either matches publisherDeviceID or is empty (matches any publisher).
func matchesDeviceFilter(filter, publisherDeviceID []byte) bool {
	if len(filter) == 0 {
		return true
	}
	if len(publisherDeviceID) != len(filter) {
		return false
	}
	for i := range filter {
		if filter[i] != publisherDeviceID[i] {
			return false
		}
	}
	return true
}

// Deliver dispatches an inbound event to every matching subscription: the
// entry's FilterPrefix must be a prefix of eventName, and its
// DeviceIDFilter must match publisherDeviceID (or be empty). Returns the
// number of subscriptions that fired.
func (t *Table) Deliver(eventName string, payload []byte, publisherDeviceID []byte) int {
	fired := 0
	for _, e := range t.entries {
		if !strings.HasPrefix(eventName, e.FilterPrefix) {
			continue
		}
		if !matchesDeviceFilter(e.DeviceIDFilter, publisherDeviceID) {
			continue
		}
		if e.Handler != nil {
			e.Handler(eventName, payload, publisherDeviceID, e.UserData)
		}
		fired++
	}
	return fired
}
