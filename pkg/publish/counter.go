package publish

import "errors"

// PrefixMax is the inclusive upper bound of the randomly drawn publish-id
// prefix (prefix ∈ [1, 199]).
const PrefixMax = 199

// CounterCycle is the exclusive upper bound of the per-prefix counter
// (counter cycles [0, 9_999_999)).
const CounterCycle = 9_999_999

const idScale = 10_000_000

// ErrRNGFailed is a sentinel the Rand function can return to signal a
// failed draw; Counter falls back to prefix 0 after enough consecutive
// failures.
var ErrRNGFailed = errors.New("publish: rng failure")

// maxRNGAttempts bounds how many times Counter retries the RNG before
// giving up and using prefix 0, logging a warning ("If RNG
// fails repeatedly the device uses prefix 0 and logs a warning").
const maxRNGAttempts = 8

// Counter produces collision-avoiding publish ids across reboots, without
// any persisted state: a random prefix drawn once at first use, and a
// counter that cycles independently of it.
type Counter struct {
	rng      func() (uint32, error)
	warn     func(msg string)
	prefix   uint32
	drawn    bool
	counter  uint32
}

// NewCounter creates a publish-id counter. rng must return a uniformly
// random 32-bit value; warn (may be nil) is called if the RNG has to be
// abandoned in favor of prefix 0.
func NewCounter(rng func() (uint32, error), warn func(string)) *Counter {
	return &Counter{rng: rng, warn: warn}
}

// drawPrefix lazily picks the prefix on first use, retrying the RNG a
// bounded number of times before falling back to 0.
func (c *Counter) drawPrefix() {
	if c.drawn {
		return
	}
	c.drawn = true
	for attempt := 0; attempt < maxRNGAttempts; attempt++ {
		v, err := c.rng()
		if err != nil {
			continue
		}
		c.prefix = 1 + v%PrefixMax
		return
	}
	if c.warn != nil {
		c.warn("publish: rng failed repeatedly, using publish-id prefix 0")
	}
	c.prefix = 0
}

// Next returns the next publish id and advances the counter.
func (c *Counter) Next() uint32 {
	c.drawPrefix()
	id := c.prefix*idScale + c.counter
	c.counter = (c.counter + 1) % CounterCycle
	return id
}
