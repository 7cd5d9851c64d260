package log

import (
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter narrows which capture records a Reader yields. The zero value
// accepts everything; each set field adds one condition, and a record
// must satisfy all of them.
type Filter struct {
	// ConnectionID selects a single session's records.
	ConnectionID string

	// DeviceID selects records stamped with one device.
	DeviceID string

	// Direction keeps only inbound or only outbound records.
	Direction *Direction

	// Layer keeps records captured at one protocol layer.
	Layer *Layer

	// Category keeps one event category.
	Category *Category

	// TimeStart keeps records at or after this instant.
	TimeStart *time.Time

	// TimeEnd keeps records strictly before this instant.
	TimeEnd *time.Time
}

// accept reports whether event passes every set condition.
func (f *Filter) accept(event Event) bool {
	switch {
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID:
		return false
	case f.DeviceID != "" && event.DeviceID != f.DeviceID:
		return false
	case f.Direction != nil && event.Direction != *f.Direction:
		return false
	case f.Layer != nil && event.Layer != *f.Layer:
		return false
	case f.Category != nil && event.Category != *f.Category:
		return false
	case f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart):
		return false
	case f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	}
	return true
}

// Reader streams records out of a capture file one event at a time, so
// trackle-log can walk arbitrarily large captures without loading them.
type Reader struct {
	src    *os.File
	dec    *cbor.Decoder
	filter Filter
}

// NewReader opens the capture at path with no filtering.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens the capture at path, yielding only records the
// filter accepts.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{src: src, dec: NewDecoder(src), filter: filter}, nil
}

// Next returns the next accepted record, or io.EOF once the capture is
// exhausted.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.dec.Decode(&event); err != nil {
			if err == io.EOF {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.filter.accept(event) {
			return event, nil
		}
	}
}

// Close releases the capture file.
func (r *Reader) Close() error {
	return r.src.Close()
}
