package discovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
)

// arpEntry is one row of the system ARP table.
type arpEntry struct {
	IP   string
	MAC  string
	Name string // best-effort, only populated by `arp -a` style output
}

const procNetARP = "/proc/net/arp"

// incompleteMAC marks unresolved ARP entries on Linux.
const incompleteMAC = "00:00:00:00:00:00"

// arpTable reads the system ARP table. On Linux it parses /proc/net/arp
// directly; elsewhere it shells out to `arp -a`.
func arpTable(ctx context.Context) ([]arpEntry, error) {
	if runtime.GOOS == "linux" {
		if entries, err := arpTableProc(); err == nil {
			return entries, nil
		}
	}
	return arpTableExec(ctx)
}

// arpTableProc parses /proc/net/arp:
//
//	IP address    HW type  Flags  HW address         Mask  Device
//	192.168.1.10  0x1      0x2    aa:bb:cc:dd:ee:ff  *     eth0
func arpTableProc() ([]arpEntry, error) {
	f, err := os.Open(procNetARP)
	if err != nil {
		return nil, fmt.Errorf("discovery: open %s: %w", procNetARP, err)
	}
	defer f.Close()
	return parseProcARP(f)
}

func parseProcARP(r io.Reader) ([]arpEntry, error) {
	var entries []arpEntry
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first {
			first = false // header row
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		ip, mac := fields[0], strings.ToUpper(fields[3])
		if mac == incompleteMAC || net.ParseIP(ip) == nil {
			continue
		}
		entries = append(entries, arpEntry{IP: ip, MAC: mac})
	}
	return entries, scanner.Err()
}

// arpExecRe matches `arp -a` output lines across platforms, e.g.
//
//	router.lan (192.168.1.1) at aa:bb:cc:dd:ee:ff [ether] on eth0
//	? (192.168.1.23) at aa-bb-cc-dd-ee-01 ...
var arpExecRe = regexp.MustCompile(`^(\S+)? ?\((\d+\.\d+\.\d+\.\d+)\) at ([0-9a-fA-F:\-]{17})`)

func arpTableExec(ctx context.Context) ([]arpEntry, error) {
	out, err := exec.CommandContext(ctx, "arp", "-a").Output()
	if err != nil {
		return nil, fmt.Errorf("discovery: arp -a: %w", err)
	}
	var entries []arpEntry
	for _, line := range strings.Split(string(out), "\n") {
		m := arpExecRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		mac := strings.ToUpper(strings.ReplaceAll(m[3], "-", ":"))
		if mac == incompleteMAC {
			continue
		}
		entries = append(entries, arpEntry{IP: m[2], MAC: mac, Name: m[1]})
	}
	return entries, nil
}
