package rudp

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Conn is the datagram primitive both engines talk to. *net.UDPConn
// satisfies it.
type Conn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

// readFrom waits until deadline for one datagram. ok is false on timeout.
func readFrom(conn Conn, buf []byte, deadline time.Time) (data []byte, addr net.Addr, ok bool, err error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, false, errors.Wrap(err, "set read deadline")
	}
	n, addr, err := conn.ReadFrom(buf)
	if err != nil {
		if isTimeout(err) {
			return nil, nil, false, nil
		}
		return nil, nil, false, errors.Wrap(err, "read")
	}
	// Copy, buf is reused by the next read.
	data = make([]byte, n)
	copy(data, buf[:n])
	return data, addr, true, nil
}
