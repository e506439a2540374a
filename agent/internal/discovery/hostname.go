package discovery

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// netbiosTimeout bounds each NetBIOS lookup subprocess.
const netbiosTimeout = 2 * time.Second

// validARPName reports whether a name from the ARP table is worth keeping:
// non-empty, not the "?" placeholder and not an IP literal.
func validARPName(name string) bool {
	return name != "" && name != "?" && net.ParseIP(name) == nil
}

// resolveHostname finds the best display name for a device, in order:
// the ARP-provided name, reverse DNS (first label), NetBIOS, and finally a
// synthesized device-<ip-dashed> fallback.
func resolveHostname(ctx context.Context, ip, arpName string) string {
	if validARPName(arpName) {
		return strings.Split(arpName, ".")[0]
	}
	if name := reverseDNS(ctx, ip); name != "" {
		return name
	}
	if name := netbiosName(ctx, ip); name != "" {
		return name
	}
	return fallbackName(ip)
}

func reverseDNS(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	// "office.lan." → "office"
	name := strings.TrimSuffix(names[0], ".")
	return strings.Split(name, ".")[0]
}

// nbtstatNameRe extracts the first unique (<00> UNIQUE) name from nbtstat
// output on Windows.
var nbtstatNameRe = regexp.MustCompile(`(?m)^\s*(\S+)\s+<00>\s+UNIQUE`)

// nmblookupNameRe extracts the first active name from nmblookup -A output.
var nmblookupNameRe = regexp.MustCompile(`(?m)^\s+(\S+)\s+<00>`)

// netbiosName queries the device's NetBIOS name table. Best effort: any
// failure, including the tool being absent, returns "".
func netbiosName(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, netbiosTimeout)
	defer cancel()

	var out []byte
	var err error
	var re *regexp.Regexp
	if runtime.GOOS == "windows" {
		out, err = exec.CommandContext(ctx, "nbtstat", "-A", ip).Output()
		re = nbtstatNameRe
	} else {
		out, err = exec.CommandContext(ctx, "nmblookup", "-A", ip).Output()
		re = nmblookupNameRe
	}
	if err != nil {
		return ""
	}
	m := re.FindStringSubmatch(string(out))
	if m == nil {
		return ""
	}
	name := strings.TrimSpace(m[1])
	if !validARPName(name) {
		return ""
	}
	return name
}

// fallbackName synthesizes a stable placeholder name from the IP, e.g.
// "192.168.1.23" → "device-192-168-1-23".
func fallbackName(ip string) string {
	return fmt.Sprintf("device-%s", strings.ReplaceAll(ip, ".", "-"))
}
