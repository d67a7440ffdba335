package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
)

func TestSendReceiveLocalRoundTrips(t *testing.T) {
	serverConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientConn.Close()

	obj := dataobject.New()
	obj.AddAttribute(attribute.New("Topic", "weather"))

	require.NoError(t, SendLocal(clientConn, serverConn.LocalAddr(), obj))

	got, _, err := ReceiveLocal(serverConn)
	require.NoError(t, err)
	require.True(t, obj.Attrs.Equal(got.Attrs))
}
