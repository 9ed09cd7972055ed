package tunnel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSocket_String(t *testing.T) {
	require.Equal(t, "localhost:9000", LocalTCPSocket(9000).String())
	require.Equal(t, "/var/run/supervisor.sock", UnixSocket("/var/run/supervisor.sock").String())
}

func TestPortForward_String(t *testing.T) {
	fwd := PortForward{Local: LocalTCPSocket(9000), Remote: TCPSocket("beacon", 5052)}
	require.Equal(t, "localhost:9000->beacon:5052", fwd.String())

	reverse := PortForward{Local: LocalTCPSocket(9000), Remote: TCPSocket("beacon", 5052), Reverse: true}
	require.Equal(t, "localhost:9000<-beacon:5052", reverse.String())
}
