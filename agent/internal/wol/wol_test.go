package wol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMagicPacketLayout(t *testing.T) {
	packet, err := MagicPacket("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Len(t, packet, 102)

	for i := 0; i < 6; i++ {
		assert.Equal(t, byte(0xFF), packet[i])
	}
	mac := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	for rep := 0; rep < 16; rep++ {
		assert.Equal(t, mac, packet[6+rep*6:6+(rep+1)*6])
	}
}

func TestMagicPacketAcceptsDashes(t *testing.T) {
	a, err := MagicPacket("aa-bb-cc-dd-ee-ff")
	require.NoError(t, err)
	b, err := MagicPacket("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestMagicPacketRejectsBadMAC(t *testing.T) {
	_, err := MagicPacket("not-a-mac")
	assert.Error(t, err)
	_, err = MagicPacket("")
	assert.Error(t, err)
}

func TestSendDeliversPacket(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, Send("AA:BB:CC:DD:EE:FF", "127.0.0.1", port))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, 102, n)

	want, _ := MagicPacket("AA:BB:CC:DD:EE:FF")
	assert.Equal(t, want, buf[:n])
}
