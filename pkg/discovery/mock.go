package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockMDNSResolver answers Browse and Lookup from registered entries without
// network I/O.
type MockMDNSResolver struct {
	mu      sync.RWMutex
	entries []*zeroconf.ServiceEntry
}

// NewMockMDNSResolver creates an empty mock resolver.
func NewMockMDNSResolver() *MockMDNSResolver {
	return &MockMDNSResolver{}
}

// Add registers an entry returned by Browse and Lookup.
func (m *MockMDNSResolver) Add(entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

func (m *MockMDNSResolver) snapshot(service string) []*zeroconf.ServiceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*zeroconf.ServiceEntry
	for _, e := range m.entries {
		if e.Service == service {
			out = append(out, e)
		}
	}
	return out
}

// Browse implements MDNSResolver.
func (m *MockMDNSResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	for _, entry := range m.snapshot(service) {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Lookup implements MDNSResolver.
func (m *MockMDNSResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	for _, entry := range m.snapshot(service) {
		if entry.Instance != instance {
			continue
		}
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	return nil
}

// MockDevice builds a service entry as an advertiser with txt would publish it.
func MockDevice(instance string, port int, ip net.IP, txt TXT) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, ServiceType, DefaultDomain)
	entry.HostName = instance + "." + DefaultDomain
	entry.Port = port
	entry.Text = txt.Encode()
	if ip.To4() != nil {
		entry.AddrIPv4 = []net.IP{ip}
	} else {
		entry.AddrIPv6 = []net.IP{ip}
	}
	return entry
}
