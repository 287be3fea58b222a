//go:build !tinygo

package sink

import (
	"net"
	"strconv"
	"time"
)

// NewHostDialer returns a Dialer backed by the regular net package, for
// the host-side CLI and for tests that don't need the on-device stack.
func NewHostDialer() Dialer {
	return func(host string, port uint16) (Conn, error) {
		c, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))), 10*time.Second)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
