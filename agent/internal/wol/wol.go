// Package wol builds and sends Wake-on-LAN magic packets.
package wol

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// MagicPacket returns the 102-byte magic packet for the given MAC address:
// six 0xFF bytes followed by the MAC repeated sixteen times.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(strings.ReplaceAll(mac, "-", ":"))
	if err != nil {
		return nil, fmt.Errorf("wol: parse mac %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("wol: mac %q is not 48-bit", mac)
	}

	packet := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, hw...)
	}
	return packet, nil
}

// Send broadcasts a magic packet for mac to broadcast:port over UDP.
// A zero port falls back to the conventional discard port 9.
func Send(mac, broadcast string, port int) error {
	if port == 0 {
		port = 9
	}
	packet, err := MagicPacket(mac)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(broadcast, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("udp", addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("wol: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("wol: send to %s: %w", addr, err)
	}
	return nil
}
