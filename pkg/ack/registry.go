package ack

import "time"

// Outcome is the terminal result delivered to a registered handler.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeTimeout
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeError:
		return "ERROR"
	case OutcomeTimeout:
		return "TIMEOUT"
	case OutcomeCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Handler is invoked exactly once with the outcome of the message it was
// registered for. err is non-nil only for OutcomeError.
type Handler func(outcome Outcome, err error)

// entry is one outstanding registration.
type entry struct {
	messageID uint16
	handler   Handler
	deadline  time.Time
}

// Registry tracks pending handlers. It holds no goroutines or timers: the
// owning facade calls Tick once per event-loop pass.
type Registry struct {
	entries []*entry
}

// NewRegistry creates an empty completion registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register associates handler with messageID, firing after timeout if
// nothing else resolves it first.
func (r *Registry) Register(messageID uint16, timeout time.Duration, now time.Time, handler Handler) {
	r.entries = append(r.entries, &entry{
		messageID: messageID,
		handler:   handler,
		deadline:  now.Add(timeout),
	})
}

func (r *Registry) remove(messageID uint16) *entry {
	for i, e := range r.entries {
		if e.messageID == messageID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return e
		}
	}
	return nil
}

// Complete resolves messageID with success, firing its handler if one is
// registered. Reports whether a handler was found.
func (r *Registry) Complete(messageID uint16) bool {
	e := r.remove(messageID)
	if e == nil {
		return false
	}
	if e.handler != nil {
		e.handler(OutcomeSuccess, nil)
	}
	return true
}

// Fail resolves messageID with an error, e.g. a CoAP 4.xx/5.xx response or
// an inbound RESET.
func (r *Registry) Fail(messageID uint16, err error) bool {
	e := r.remove(messageID)
	if e == nil {
		return false
	}
	if e.handler != nil {
		e.handler(OutcomeError, err)
	}
	return true
}

// Tick ages every entry by elapsed wall-clock time, firing OutcomeTimeout
// for any entry whose deadline has passed.
func (r *Registry) Tick(now time.Time) {
	var remaining []*entry
	for _, e := range r.entries {
		if now.Before(e.deadline) {
			remaining = append(remaining, e)
			continue
		}
		if e.handler != nil {
			e.handler(OutcomeTimeout, nil)
		}
	}
	r.entries = remaining
}

// CancelAll fires OutcomeCancelled for every pending handler and empties the
// registry, used by disconnect.
func (r *Registry) CancelAll() {
	pending := r.entries
	r.entries = nil
	for _, e := range pending {
		if e.handler != nil {
			e.handler(OutcomeCancelled, nil)
		}
	}
}

// Len reports the number of outstanding registrations.
func (r *Registry) Len() int {
	return len(r.entries)
}
