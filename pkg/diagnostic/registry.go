package diagnostic

import "encoding/binary"

// Category groups diagnostic keys into their three enumerations.
type Category uint8

const (
	CategorySystem Category = iota
	CategoryNetwork
	CategoryCloud
)

// Key identifies one diagnostic value. The high byte encodes the category,
// the low byte an index within it, keeping keys stable and visually
// grouped without needing a separate lookup table.
type Key uint16

func newKey(cat Category, index uint8) Key {
	return Key(uint16(cat)<<8 | uint16(index))
}

// Keys this core maintains out of the box. Hosts may register additional
// keys of their own via Registry.Set/Add.
var (
	KeySystemUptime           = newKey(CategorySystem, 1)
	KeySystemFreeMemory       = newKey(CategorySystem, 2)

	KeyNetworkDisconnects     = newKey(CategoryNetwork, 1)
	KeyNetworkConnectAttempts = newKey(CategoryNetwork, 2)
	KeyNetworkRSSI            = newKey(CategoryNetwork, 3) // 8.8 fixed point
	KeyNetworkSignalStrength  = newKey(CategoryNetwork, 4) // 16.16 fixed point
	KeyNetworkSignalQuality   = newKey(CategoryNetwork, 5) // 16.16 fixed point
	KeyNetworkCountryCode     = newKey(CategoryNetwork, 6) // negated if < 100

	KeyCloudDisconnects            = newKey(CategoryCloud, 1)
	KeyCloudDisconnectionReason    = newKey(CategoryCloud, 2)
	KeyCloudUnacknowledgedMessages = newKey(CategoryCloud, 3)
	KeyCloudConnects               = newKey(CategoryCloud, 4)
	KeyCloudPublishCount           = newKey(CategoryCloud, 5)
)

// kind classifies each key by how its value is meant to be supplied
// (counter, 8.8 or 16.16 fixed point, country code, raw). Only the
// country-code class changes what Set stores; fixed-point values are
// packed by SetFixed88/SetFixed1616, and Add accumulates for any key.
type kind uint8

const (
	kindRaw kind = iota
	kindCounter
	kindFixed88
	kindFixed1616
	kindCountryCode
)

func kindOf(key Key) kind {
	switch key {
	case KeyNetworkDisconnects, KeyNetworkConnectAttempts, KeyCloudDisconnects,
		KeyCloudUnacknowledgedMessages, KeyCloudConnects, KeyCloudPublishCount:
		return kindCounter
	case KeyNetworkRSSI:
		return kindFixed88
	case KeyNetworkSignalStrength, KeyNetworkSignalQuality:
		return kindFixed1616
	case KeyNetworkCountryCode:
		return kindCountryCode
	default:
		return kindRaw
	}
}

// Registry holds the current value of every diagnostic key the device has
// touched. There is no background sampling here: the host calls Set/Add
// whenever the underlying condition changes.
type Registry struct {
	values map[Key]int32
	order  []Key
}

// NewRegistry creates an empty diagnostic registry.
func NewRegistry() *Registry {
	return &Registry{values: make(map[Key]int32)}
}

func (r *Registry) remember(key Key) {
	if _, ok := r.values[key]; !ok {
		r.order = append(r.order, key)
	}
}

// Set stores value for key, overwriting any previous value. For
// kindCountryCode keys, value is negated when under 100 to mark the
// 2-digit case.
func (r *Registry) Set(key Key, value int32) {
	r.remember(key)
	if kindOf(key) == kindCountryCode && value < 100 {
		value = -value
	}
	r.values[key] = value
}

// SetFixed88 stores a value already split into integer and fractional
// 8-bit parts as an 8.8 fixed-point int32 (e.g. RSSI).
func (r *Registry) SetFixed88(key Key, whole int8, frac uint8) {
	r.remember(key)
	r.values[key] = int32(whole)<<8 | int32(frac)
}

// SetFixed1616 stores a value already split into integer and fractional
// 16-bit parts as a 16.16 fixed-point int32.
func (r *Registry) SetFixed1616(key Key, whole int16, frac uint16) {
	r.remember(key)
	r.values[key] = int32(whole)<<16 | int32(frac)
}

// Add accumulates delta into key's current value, for counter-kind keys
// (disconnects, connect attempts, unacknowledged messages).
func (r *Registry) Add(key Key, delta int32) {
	r.remember(key)
	r.values[key] += delta
}

// Get returns the current value of key and whether it has been set.
func (r *Registry) Get(key Key) (int32, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Record is one serialized diagnostic entry: key(2) | value(4), both
// little-endian.
type Record struct {
	Key   Key
	Value int32
}

// Records returns every stored diagnostic in first-set order, so repeated
// calls with identical state produce byte-identical output.
func (r *Registry) Records() []Record {
	out := make([]Record, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, Record{Key: k, Value: r.values[k]})
	}
	return out
}

// Encode serializes the registry as the little-endian 6-byte-record
// payload a DESCRIBE_METRICS binary describe message carries.
func (r *Registry) Encode() []byte {
	records := r.Records()
	buf := make([]byte, 0, len(records)*6)
	for _, rec := range records {
		var entry [6]byte
		binary.LittleEndian.PutUint16(entry[0:2], uint16(rec.Key))
		binary.LittleEndian.PutUint32(entry[2:6], uint32(rec.Value))
		buf = append(buf, entry[:]...)
	}
	return buf
}

// Decode parses a DESCRIBE_METRICS payload back into a list of records,
// used by controller-side tooling and round-trip tests.
func Decode(payload []byte) []Record {
	var out []Record
	for i := 0; i+6 <= len(payload); i += 6 {
		key := Key(binary.LittleEndian.Uint16(payload[i : i+2]))
		value := int32(binary.LittleEndian.Uint32(payload[i+2 : i+6]))
		out = append(out, Record{Key: key, Value: value})
	}
	return out
}
