package protocol

import (
	"time"

	"github.com/trackle-iot/trackle-go/pkg/keepalive"
	"github.com/trackle-iot/trackle-go/pkg/retransmit"
)

// ConnectionType selects the default timeout profile for the underlying
// link. Cellular profiles (LTE, NB-IoT, Cat-M) get longer
// handshake, retransmission, and keepalive windows.
type ConnectionType uint8

const (
	ConnectionWiFi ConnectionType = iota
	ConnectionEthernet
	ConnectionLTE
	ConnectionNBIoT
	ConnectionCatM
)

func (t ConnectionType) String() string {
	switch t {
	case ConnectionWiFi:
		return "WIFI"
	case ConnectionEthernet:
		return "ETHERNET"
	case ConnectionLTE:
		return "LTE"
	case ConnectionNBIoT:
		return "NBIOT"
	case ConnectionCatM:
		return "CATM"
	default:
		return "UNKNOWN"
	}
}

// cellular reports whether the link type uses the cellular timeout profile.
func (t ConnectionType) cellular() bool {
	switch t {
	case ConnectionLTE, ConnectionNBIoT, ConnectionCatM:
		return true
	default:
		return false
	}
}

// Default timing bounds.
const (
	DefaultHandshakeTimeout         = 10 * time.Second
	CellularHandshakeTimeout        = 20 * time.Second
	DefaultHelloTimeout             = 4 * time.Second
	// MaxPingInterval caps user overrides of the keepalive interval so a
	// misconfigured host cannot idle past the broker's NAT-binding window.
	MaxPingInterval = 30 * time.Minute
)

// Config carries the facade's construction-time parameters. Zero-value
// durations are filled in from the connection type's profile.
type Config struct {
	ConnectionType ConnectionType

	// Hello payload identity.
	ProductID       uint16
	FirmwareVersion uint16
	PlatformID      uint16

	HandshakeTimeout time.Duration
	HelloTimeout     time.Duration
	AckTimeout       time.Duration
	PingInterval     time.Duration

	// HealthCheckInterval re-posts a DESCRIBE_METRICS describe while
	// connected. Zero disables it (the default).
	HealthCheckInterval time.Duration
}

// withDefaults returns cfg with every zero duration replaced by the
// connection-type profile's default.
func (c Config) withDefaults() Config {
	cellular := c.ConnectionType.cellular()
	if c.HandshakeTimeout == 0 {
		if cellular {
			c.HandshakeTimeout = CellularHandshakeTimeout
		} else {
			c.HandshakeTimeout = DefaultHandshakeTimeout
		}
	}
	if c.HelloTimeout == 0 {
		c.HelloTimeout = DefaultHelloTimeout
	}
	if c.AckTimeout == 0 {
		if cellular {
			c.AckTimeout = retransmit.CellularAckTimeout
		} else {
			c.AckTimeout = retransmit.DefaultAckTimeout
		}
	}
	if c.PingInterval == 0 {
		if cellular {
			c.PingInterval = keepalive.DefaultCellularInterval
		} else {
			c.PingInterval = keepalive.DefaultWiFiInterval
		}
	}
	if c.PingInterval > MaxPingInterval {
		c.PingInterval = MaxPingInterval
	}
	return c
}
