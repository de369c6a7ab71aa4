package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ReshiAdavan/Bastion/wire"
)

// fakeRelay is a bare UDP socket standing in for the simulator.
func fakeRelay(t *testing.T) *net.UDPConn {
	t.Helper()
	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return sock
}

func TestSendReachesRelay(t *testing.T) {
	relay := fakeRelay(t)
	conn, err := Dial(relay.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(&wire.Message{
		Src: "0001", Dst: wire.Broadcast, Leader: wire.Broadcast, Type: wire.TypeHello,
	}))

	buf := make([]byte, 65535)
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := relay.ReadFromUDP(buf)
	require.NoError(t, err)

	m, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.TypeHello, m.Type)
	require.Equal(t, "0001", m.Src)
}

func TestRecvTimesOutQuietly(t *testing.T) {
	relay := fakeRelay(t)
	conn, err := Dial(relay.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	m, err := conn.Recv(50 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, m)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRecvRoundTrip(t *testing.T) {
	relay := fakeRelay(t)
	conn, err := Dial(relay.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)
	defer conn.Close()

	// Learn the replica's ephemeral address from an outbound datagram.
	require.NoError(t, conn.Send(&wire.Message{
		Src: "0001", Dst: wire.Broadcast, Leader: wire.Broadcast, Type: wire.TypeHello,
	}))
	buf := make([]byte, 65535)
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raddr, err := relay.ReadFromUDP(buf)
	require.NoError(t, err)

	payload, err := wire.Encode(&wire.Message{
		Src: "0002", Dst: "0001", Leader: "0002", Type: wire.TypeAppend,
		Term: 1, LeaderCommit: wire.Int(-1),
	})
	require.NoError(t, err)
	_, err = relay.WriteToUDP(payload, raddr)
	require.NoError(t, err)

	m, err := conn.Recv(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, wire.TypeAppend, m.Type)
	require.Equal(t, "0002", m.Src)
}

func TestRecvSurfacesMalformedDatagram(t *testing.T) {
	relay := fakeRelay(t)
	conn, err := Dial(relay.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(&wire.Message{
		Src: "0001", Dst: wire.Broadcast, Leader: wire.Broadcast, Type: wire.TypeHello,
	}))
	buf := make([]byte, 65535)
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raddr, err := relay.ReadFromUDP(buf)
	require.NoError(t, err)

	_, err = relay.WriteToUDP([]byte("{{{"), raddr)
	require.NoError(t, err)

	m, err := conn.Recv(2 * time.Second)
	require.Error(t, err)
	require.Nil(t, m)
}
