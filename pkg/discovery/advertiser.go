// Package discovery advertises and browses protocomm devices over
// mDNS/DNS-SD.
//
// A device registers one _protocomm._tcp instance per transport it serves.
// The TXT record tells a client which security scheme is active and whether
// a proof of possession is needed, so it can configure its session before
// connecting.
package discovery

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// MDNSServer is the interface for mDNS service registration.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
// Tests inject a fake to avoid touching the network.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

type registration struct {
	server   MDNSServer
	instance string
	port     int
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// Instance is the base DNS-SD instance name. The transport is appended,
	// e.g. "kitchen-http". If empty, "protocomm-<random hex>" is used.
	Instance string

	// Interfaces restricts advertisement to these interfaces.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory creates mDNS servers.
	// If nil, grandcat/zeroconf is used.
	ServerFactory MDNSServerFactory

	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes a device's transports to the network.
type Advertiser struct {
	config  AdvertiserConfig
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu            sync.RWMutex
	registrations map[Transport]*registration
	closed        bool
}

// NewAdvertiser creates an Advertiser.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if config.Instance == "" {
		name, err := randomInstanceName()
		if err != nil {
			return nil, fmt.Errorf("discovery: instance name: %w", err)
		}
		config.Instance = name
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}

	a := &Advertiser{
		config:        config,
		factory:       factory,
		registrations: make(map[Transport]*registration),
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}
	return a, nil
}

// Start advertises the transport named in txt on port.
func (a *Advertiser) Start(port int, txt TXT) error {
	if port <= 0 || port > 65535 {
		return ErrInvalidPort
	}
	if err := txt.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if _, exists := a.registrations[txt.Transport]; exists {
		return ErrAlreadyStarted
	}

	instance := a.config.Instance + "-" + string(txt.Transport)
	records := txt.Encode()
	if a.log != nil {
		a.log.Debugf("registering %s.%s%s port=%d", instance, ServiceType, DefaultDomain, port)
		a.log.Tracef("TXT records: %v", records)
	}

	server, err := a.factory.Register(instance, ServiceType, DefaultDomain, port, records, a.config.Interfaces)
	if err != nil {
		return fmt.Errorf("discovery: mDNS registration failed for %s: %w", instance, err)
	}

	a.registrations[txt.Transport] = &registration{
		server:   server,
		instance: instance,
		port:     port,
	}
	if a.log != nil {
		a.log.Infof("advertising %s on port %d", instance, port)
	}
	return nil
}

// Stop withdraws the advertisement for a transport.
func (a *Advertiser) Stop(transport Transport) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	reg, exists := a.registrations[transport]
	if !exists {
		return ErrNotStarted
	}
	reg.server.Shutdown()
	delete(a.registrations, transport)
	return nil
}

// Close withdraws every advertisement. Further calls return ErrClosed.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	for _, reg := range a.registrations {
		reg.server.Shutdown()
	}
	a.registrations = nil
	a.closed = true
	return nil
}

// IsAdvertising reports whether transport is currently advertised.
func (a *Advertiser) IsAdvertising(transport Transport) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, exists := a.registrations[transport]
	return exists
}

// InstanceName returns the registered instance name for transport, or ""
// if it is not advertised.
func (a *Advertiser) InstanceName(transport Transport) string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if reg, exists := a.registrations[transport]; exists {
		return reg.instance
	}
	return ""
}

func randomInstanceName() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "protocomm-" + hex.EncodeToString(buf[:]), nil
}
