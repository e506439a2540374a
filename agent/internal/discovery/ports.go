package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// commonPorts are the TCP services worth reporting for a LAN host.
var commonPorts = []int{21, 22, 23, 25, 53, 80, 110, 139, 143, 443, 445, 515, 631, 3306, 3389, 5432, 5900, 8080, 8443, 9100}

const portDialTimeout = 1500 * time.Millisecond

// ScanPorts probes the common TCP ports of ip concurrently and returns the
// open ones sorted ascending.
func ScanPorts(ctx context.Context, ip string) []int {
	var (
		mu   sync.Mutex
		open []int
		wg   sync.WaitGroup
	)
	d := net.Dialer{Timeout: portDialTimeout}
	for _, port := range commonPorts {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
			if err != nil {
				return
			}
			conn.Close()
			mu.Lock()
			open = append(open, port)
			mu.Unlock()
		}(port)
	}
	wg.Wait()
	sort.Ints(open)
	return open
}
