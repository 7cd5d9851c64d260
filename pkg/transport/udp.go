package transport

import (
	"errors"
	"net"
	"time"
)

// ReadDeadline bounds how long one Receive call may block, keeping reads
// effectively non-blocking so the event loop always returns promptly.
const ReadDeadline = 2 * time.Millisecond

// UDPConn adapts a *net.UDPConn to the IO contract. It dials once at
// construction (UDP "connect" just fixes the peer address for Write/Read;
// no packets are exchanged) and keeps the deadline fresh on every Receive.
type UDPConn struct {
	conn *net.UDPConn
}

// Dial resolves addr (host:port), such as the pinned broker endpoint
// (`<device-id-hex>.udp.device.trackle.io`, port 5684), and opens a UDP
// socket to it.
func Dial(addr string) (*UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &UDPConn{conn: conn}, nil
}

// Send writes data as one UDP datagram. A transient write error (one the
// standard library reports as a timeout) is reported as 0 bytes written,
// the would-block convention; any other error is
// fatal and reported as -1.
func (u *UDPConn) Send(data []byte) int {
	n, err := u.conn.Write(data)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0
		}
		return -1
	}
	return n
}

// Receive reads at most one datagram into buf, waiting no longer than
// ReadDeadline. A timeout (no datagram arrived) reports 0, never an error;
// any other failure is fatal and reported as -1.
func (u *UDPConn) Receive(buf []byte) int {
	if err := u.conn.SetReadDeadline(time.Now().Add(ReadDeadline)); err != nil {
		return -1
	}
	n, err := u.conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0
		}
		return -1
	}
	return n
}

// Close releases the underlying socket.
func (u *UDPConn) Close() error {
	return u.conn.Close()
}

// Compile-time interface satisfaction check.
var _ IO = (*UDPConn)(nil)
