// protocomm-device serves protocomm sessions over HTTP and a length-prefixed
// stream transport, with an "echo" endpoint for testing clients.
//
// Usage:
//
//	protocomm-device [options]
//
// Options:
//
//	-config          TOML config file; flags override its values
//	-sec_ver         security scheme version (default: 2)
//	-pop             proof of possession (required for sec_ver 2)
//	-http            HTTP listen address (default: :8080)
//	-stream          stream listen address (default: :8081)
//	-metrics         Prometheus /metrics listen address
//	-mdns            advertise _protocomm._tcp over mDNS
//	-log             log level (default: info)
//
// Example:
//
//	protocomm-device -sec_ver 2 -pop abcd1234 -mdns
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/backkem/protocomm/pkg/discovery"
	"github.com/backkem/protocomm/pkg/protocomm"
	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/transport"
	"github.com/backkem/protocomm/pkg/transport/httpd"
	"github.com/backkem/protocomm/pkg/transport/stream"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// EchoEndpoint is the application endpoint that returns its request.
const EchoEndpoint = "echo"

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "protocomm-device: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDevice(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "protocomm-device: %v\n", err)
		os.Exit(1)
	}
	if err := d.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "protocomm-device: %v\n", err)
		os.Exit(1)
	}
}

type device struct {
	cfg deviceConfig
	log logging.LeveledLogger

	pc       *protocomm.Protocomm
	registry *prometheus.Registry

	httpSrv   *httpd.Server
	httpLn    net.Listener
	streamSrv *stream.Server
	metrics   *http.Server
	metricsLn net.Listener

	advFactory discovery.MDNSServerFactory
	adv        *discovery.Advertiser
}

// newDevice binds every listener so that addresses are known before run.
// A nil advFactory advertises with zeroconf.
func newDevice(cfg deviceConfig, advFactory discovery.MDNSServerFactory) (*device, error) {
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = level

	d := &device{
		cfg:        cfg,
		log:        lf.NewLogger("device"),
		registry:   prometheus.NewRegistry(),
		advFactory: advFactory,
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d.pc = protocomm.New(protocomm.Config{
		MaxSessions:     cfg.MaxSessions,
		PBKDFIterations: cfg.PBKDFIterations,
		LoggerFactory:   lf,
		Registerer:      d.registry,
	})
	if err := d.pc.SetSecurity(protocomm.DefaultSecurityEndpoint, security.Version(cfg.SecVersion), security.PoP(cfg.PoP)); err != nil {
		return nil, fmt.Errorf("set security: %w", err)
	}
	if err := d.pc.SetVersion(protocomm.DefaultVersionEndpoint, cfg.Version, EchoEndpoint); err != nil {
		return nil, err
	}
	if err := d.pc.AddEndpoint(EchoEndpoint, echo); err != nil {
		return nil, err
	}

	if err := d.bind(lf); err != nil {
		d.closeListeners()
		d.pc.Close()
		return nil, err
	}
	return d, nil
}

func (d *device) bind(lf logging.LoggerFactory) error {
	if d.cfg.HTTPListen != "" {
		srv, err := httpd.NewServer(httpd.ServerConfig{
			Handler:        d.pc,
			SessionTimeout: d.cfg.SessionTimeout,
			LoggerFactory:  lf,
		})
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", d.cfg.HTTPListen)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		d.httpSrv, d.httpLn = srv, ln
	}

	if d.cfg.StreamListen != "" {
		srv, err := stream.NewServer(stream.ServerConfig{
			ListenAddr:    d.cfg.StreamListen,
			Handler:       d.pc,
			IdleTimeout:   d.cfg.IdleTimeout,
			LoggerFactory: lf,
		})
		if err != nil {
			return fmt.Errorf("stream listen: %w", err)
		}
		d.streamSrv = srv
	}

	if d.cfg.MetricsListen != "" {
		ln, err := net.Listen("tcp", d.cfg.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
		d.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		d.metricsLn = ln
	}

	if d.cfg.MDNS {
		adv, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{
			Instance:      d.cfg.Instance,
			ServerFactory: d.advFactory,
			LoggerFactory: lf,
		})
		if err != nil {
			return err
		}
		d.adv = adv
	}
	return nil
}

func (d *device) closeListeners() {
	if d.httpLn != nil {
		d.httpLn.Close()
	}
	if d.streamSrv != nil {
		d.streamSrv.Stop()
	}
	if d.metricsLn != nil {
		d.metricsLn.Close()
	}
}

// run serves until ctx is done or a server fails, then shuts everything down.
func (d *device) run(ctx context.Context) error {
	if d.streamSrv != nil {
		if err := d.streamSrv.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.httpSrv != nil {
		g.Go(func() error {
			// ErrClosed means shutdown won the race with Serve.
			if err := d.httpSrv.Serve(d.httpLn); !errors.Is(err, transport.ErrClosed) {
				return err
			}
			return nil
		})
	}
	if d.metrics != nil {
		g.Go(func() error {
			if err := d.metrics.Serve(d.metricsLn); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if d.adv != nil {
		if err := d.advertise(); err != nil {
			d.log.Warnf("mDNS advertisement failed: %v", err)
		}
	}

	d.log.Infof("device ready: sec_ver=%d http=%v stream=%v", d.cfg.SecVersion, d.httpAddr(), d.streamAddr())

	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})
	return g.Wait()
}

func (d *device) advertise() error {
	txt := discovery.TXT{
		Version:     d.cfg.Version,
		SecVersion:  security.Version(d.cfg.SecVersion),
		PoPRequired: d.cfg.PoP != "",
	}
	if addr := d.httpAddr(); addr != nil {
		txt.Transport = discovery.TransportHTTP
		if err := d.adv.Start(addr.(*net.TCPAddr).Port, txt); err != nil {
			return err
		}
	}
	if addr := d.streamAddr(); addr != nil {
		txt.Transport = discovery.TransportStream
		if err := d.adv.Start(addr.(*net.TCPAddr).Port, txt); err != nil {
			return err
		}
	}
	return nil
}

func (d *device) shutdown() error {
	d.log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if d.adv != nil {
		d.adv.Close()
	}
	if d.httpSrv != nil {
		errs = append(errs, d.httpSrv.Shutdown(ctx))
	}
	if d.streamSrv != nil {
		errs = append(errs, d.streamSrv.Stop())
	}
	if d.metrics != nil {
		errs = append(errs, d.metrics.Shutdown(ctx))
	}
	errs = append(errs, d.pc.Close())
	return errors.Join(errs...)
}

func (d *device) httpAddr() net.Addr {
	if d.httpLn == nil {
		return nil
	}
	return d.httpLn.Addr()
}

func (d *device) streamAddr() net.Addr {
	if d.streamSrv == nil {
		return nil
	}
	return d.streamSrv.Addr()
}

func echo(_ uint32, req []byte) ([]byte, error) {
	return req, nil
}
