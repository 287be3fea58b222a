//go:build tinygo

package sink

import (
	"errors"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// ErrHostNotLiteral is returned by NewPullDialer when host isn't a
// parseable IP literal. The device has no DNS resolver wired into its
// network stack (telemetry and MQTT are likewise always dialed by
// pre-configured address, never by name), so URL-pull only supports
// "http://<ip>[:port]/path" targets on real hardware; the host-side
// NewHostDialer (host.go) resolves names through the net package.
var ErrHostNotLiteral = errors.New("sink: host is not an IP literal (no on-device resolver)")

// connAdapter satisfies Conn over a *tcp.Conn from the lneto stack, the
// same connection type the rest of the device's TCP traffic uses.
type connAdapter struct {
	c *tcp.Conn
}

func (a connAdapter) Read(p []byte) (int, error)  { return a.c.Read(p) }
func (a connAdapter) Write(p []byte) (int, error) { return a.c.Write(p) }
func (a connAdapter) SetDeadline(t time.Time) error {
	a.c.SetDeadline(t)
	return nil
}

// NewAcceptedConn wraps an already-established inbound tcp.Conn (one
// this device listened for) as a sink.Conn for HandleUpload.
func NewAcceptedConn(c *tcp.Conn) Conn {
	return connAdapter{c: c}
}

// NewPullDialer returns a Dialer that opens outbound TCP connections
// through stack using rxBuf/txBuf as the connection's buffers, for the
// URL-pull adapter.
func NewPullDialer(stack *xnet.StackAsync, rxBuf, txBuf []byte) Dialer {
	return func(host string, port uint16) (Conn, error) {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return nil, ErrHostNotLiteral
		}

		var conn tcp.Conn
		if err := conn.Configure(tcp.ConnConfig{RxBuf: rxBuf, TxBuf: txBuf, TxPacketQueueSize: 3}); err != nil {
			return nil, err
		}
		rstack := stack.StackRetrying(5 * time.Millisecond)
		lport := uint16(stack.Prand32()>>17) + 1024
		if err := rstack.DoDialTCP(&conn, lport, netip.AddrPortFrom(addr, port), 10*time.Second, 2); err != nil {
			conn.Abort()
			return nil, err
		}
		return connAdapter{c: &conn}, nil
	}
}
