package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	vendorEndpoint = "https://api.macvendors.com"
	vendorTTL      = 24 * time.Hour
	vendorTimeout  = 5 * time.Second
	unknownVendor  = "Unknown"
)

type vendorEntry struct {
	vendor  string
	expires time.Time
}

// vendorCache resolves MAC OUIs to vendor names through an external lookup
// service, memoizing results. Lookups are best-effort: any failure yields
// "Unknown" rather than an error, so callers never fail on it.
type vendorCache struct {
	client  *http.Client
	baseURL string

	mu      sync.Mutex
	entries map[string]vendorEntry
}

func newVendorCache(baseURL string) *vendorCache {
	if baseURL == "" {
		baseURL = vendorEndpoint
	}
	return &vendorCache{
		client:  &http.Client{Timeout: vendorTimeout},
		baseURL: baseURL,
		entries: make(map[string]vendorEntry),
	}
}

// Lookup returns the vendor for a MAC address. The OUI (first three octets)
// is the cache key since the remaining octets never change the vendor.
func (c *vendorCache) Lookup(ctx context.Context, mac string) string {
	oui := ouiOf(mac)
	if oui == "" {
		return unknownVendor
	}

	c.mu.Lock()
	if e, ok := c.entries[oui]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.vendor
	}
	c.mu.Unlock()

	vendor := c.fetch(ctx, oui)

	c.mu.Lock()
	c.entries[oui] = vendorEntry{vendor: vendor, expires: time.Now().Add(vendorTTL)}
	c.mu.Unlock()
	return vendor
}

func (c *vendorCache) fetch(ctx context.Context, oui string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", c.baseURL, oui), nil)
	if err != nil {
		return unknownVendor
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return unknownVendor
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unknownVendor
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil || len(body) == 0 {
		return unknownVendor
	}
	return strings.TrimSpace(string(body))
}

func ouiOf(mac string) string {
	norm := strings.ToUpper(strings.ReplaceAll(mac, "-", ":"))
	parts := strings.Split(norm, ":")
	if len(parts) < 3 {
		return ""
	}
	for _, p := range parts[:3] {
		if len(p) != 2 {
			return ""
		}
	}
	return strings.Join(parts[:3], ":")
}
