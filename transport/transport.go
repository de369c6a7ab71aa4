package transport

/*
 * Datagram adapter between a replica and the simulator relay. One UDP socket,
 * one record per datagram, no retries and no acknowledgements at this layer.
 */

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/ReshiAdavan/Bastion/wire"
)

// maxDatagram is the largest payload a single UDP datagram can carry.
const maxDatagram = 65535

// Conn is a datagram endpoint connected to the relay at localhost:<port>.
// It is not safe for concurrent use; the event loop owns it.
type Conn struct {
	sock *net.UDPConn
	buf  []byte
}

// Dial opens a UDP socket connected to the simulator relay on the local host.
func Dial(port int) (*Conn, error) {
	raddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	sock, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: dial relay on port %d", port)
	}
	return &Conn{sock: sock, buf: make([]byte, maxDatagram)}, nil
}

// Send encodes m and writes it as a single datagram. Sends are fire-and-forget;
// delivery is the relay's problem.
func (c *Conn) Send(m *wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if _, err := c.sock.Write(b); err != nil {
		return errors.Wrap(err, "transport: send")
	}
	return nil
}

// Recv blocks up to timeout for one datagram and decodes it. It returns
// (nil, nil) when the timeout expires with nothing to read, which is the
// event loop's cue to fire timers. Decode failures are returned as errors so
// the caller can log and discard.
func (c *Conn) Recv(timeout time.Duration) (*wire.Message, error) {
	if err := c.sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.Wrap(err, "transport: set deadline")
	}
	n, err := c.sock.Read(c.buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, errors.Wrap(err, "transport: recv")
	}
	return wire.Decode(c.buf[:n])
}

// Close releases the socket.
func (c *Conn) Close() error {
	return c.sock.Close()
}
