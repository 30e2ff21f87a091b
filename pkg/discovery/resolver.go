package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 5 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 3 * time.Second

// Device is a discovered protocomm endpoint.
type Device struct {
	Instance string
	HostName string
	Port     int

	// IPs is sorted by preference, see SortIPsByPreference.
	IPs []net.IP

	TXT TXT
}

// Addr returns host:port for the preferred address, falling back to the
// host name when no address was resolved.
func (d *Device) Addr() string {
	host := d.HostName
	if len(d.IPs) > 0 {
		host = d.IPs[0].String()
	}
	return net.JoinHostPort(host, strconv.Itoa(d.Port))
}

// URL returns the base URL of an HTTP transport device.
func (d *Device) URL() string {
	return "http://" + d.Addr()
}

// MDNSResolver is the interface for mDNS service resolution.
//
// Both methods block until ctx is done or no more entries will arrive. They
// must not close entries.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver adapts grandcat/zeroconf, whose calls return immediately
// and deliver on a channel the library owns.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	found := make(chan *zeroconf.ServiceEntry, 16)
	if err := z.resolver.Browse(ctx, service, domain, found); err != nil {
		return err
	}
	return forward(ctx, found, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	found := make(chan *zeroconf.ServiceEntry, 16)
	if err := z.resolver.Lookup(ctx, instance, service, domain, found); err != nil {
		return err
	}
	return forward(ctx, found, entries)
}

func forward(ctx context.Context, in <-chan *zeroconf.ServiceEntry, out chan<- *zeroconf.ServiceEntry) error {
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying resolver.
	// If nil, grandcat/zeroconf is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout applies when the browse context has no deadline.
	BrowseTimeout time.Duration

	// LookupTimeout applies when the lookup context has no deadline.
	LookupTimeout time.Duration
}

// Resolver discovers protocomm devices.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
}

// NewResolver creates a Resolver.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}
	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}
	return &Resolver{config: config, resolver: resolver}, nil
}

// Browse streams discovered devices until ctx is done or the browse timeout
// expires. Entries with an unparsable TXT record are skipped.
func (r *Resolver) Browse(ctx context.Context) <-chan Device {
	results := make(chan Device)
	entries := make(chan *zeroconf.ServiceEntry)

	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
	}

	go func() {
		defer close(entries)
		_ = r.resolver.Browse(ctx, ServiceType, DefaultDomain, entries)
	}()

	go func() {
		defer cancel()
		defer close(results)
		for entry := range entries {
			dev, err := entryToDevice(entry)
			if err != nil {
				continue
			}
			select {
			case results <- dev:
			case <-ctx.Done():
				// Drain so the browse goroutine can exit.
				for range entries {
				}
				return
			}
		}
	}()

	return results
}

// Lookup resolves a single instance by name.
func (r *Resolver) Lookup(ctx context.Context, instance string) (*Device, error) {
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); ok {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
	}
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 1)
	go func() {
		defer close(entries)
		_ = r.resolver.Lookup(ctx, instance, ServiceType, DefaultDomain, entries)
	}()

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return nil, ErrServiceNotFound
		}
		dev, err := entryToDevice(entry)
		if err != nil {
			return nil, err
		}
		return &dev, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func entryToDevice(entry *zeroconf.ServiceEntry) (Device, error) {
	txt, err := DecodeTXT(entry.Text)
	if err != nil {
		return Device{}, err
	}

	ips := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)

	return Device{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		IPs:      SortIPsByPreference(ips),
		TXT:      txt,
	}, nil
}
