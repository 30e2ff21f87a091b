// protocomm-ctl establishes a secure session with a protocomm device and
// calls one of its endpoints.
//
// Usage:
//
//	protocomm-ctl [options] [payload]
//
// The device is reached with -url (HTTP transport), -stream (stream
// transport) or -discover (mDNS browse for _protocomm._tcp). The security
// version is detected from the device unless -sec_ver is set.
//
// Example:
//
//	protocomm-ctl -url http://192.168.4.1:8080 -pop abcd1234 -endpoint echo hello
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/backkem/protocomm/pkg/discovery"
	"github.com/backkem/protocomm/pkg/protocomm"
	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/transport/httpd"
	"github.com/backkem/protocomm/pkg/transport/stream"
	"github.com/pion/logging"
)

type options struct {
	URL      string
	Stream   string
	Discover bool
	Instance string

	SecVersion int
	PoP        string
	Endpoint   string
	Payload    string
	Info       bool

	Timeout time.Duration
	Verbose bool
}

func parseArgs(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("protocomm-ctl", flag.ContinueOnError)
	fs.StringVar(&o.URL, "url", "", "device HTTP base URL")
	fs.StringVar(&o.Stream, "stream", "", "device stream transport address (host:port)")
	fs.BoolVar(&o.Discover, "discover", false, "find the device over mDNS")
	fs.StringVar(&o.Instance, "instance", "", "mDNS instance to use with -discover (default: first found)")
	fs.IntVar(&o.SecVersion, "sec_ver", -1, "security version (-1 = ask the device)")
	fs.StringVar(&o.PoP, "pop", "", "proof of possession")
	fs.StringVar(&o.Endpoint, "endpoint", "echo", "endpoint to call")
	fs.BoolVar(&o.Info, "info", false, "print the device version info and exit")
	fs.DurationVar(&o.Timeout, "timeout", 30*time.Second, "overall timeout")
	fs.BoolVar(&o.Verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	o.Payload = strings.Join(fs.Args(), " ")

	n := 0
	for _, set := range []bool{o.URL != "", o.Stream != "", o.Discover} {
		if set {
			n++
		}
	}
	if n != 1 {
		return options{}, errors.New("exactly one of -url, -stream or -discover is required")
	}
	return o, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "protocomm-ctl: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if err := run(ctx, opts, nil, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "protocomm-ctl: %v\n", err)
		os.Exit(1)
	}
}

// run connects, handshakes and performs the call. A nil resolver browses
// with zeroconf.
func run(ctx context.Context, opts options, resolver discovery.MDNSResolver, out io.Writer) error {
	lf := logging.NewDefaultLoggerFactory()
	if opts.Verbose {
		lf.DefaultLogLevel = logging.LogLevelDebug
	}
	log := lf.NewLogger("ctl")

	if opts.Discover {
		dev, err := discover(ctx, opts.Instance, resolver)
		if err != nil {
			return err
		}
		log.Infof("using %s at %s (sec_ver=%d pop=%t)", dev.Instance, dev.Addr(), dev.TXT.SecVersion, dev.TXT.PoPRequired)
		switch dev.TXT.Transport {
		case discovery.TransportStream:
			opts.Stream = dev.Addr()
		default:
			opts.URL = dev.URL()
		}
	}

	rt, closeFn, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer closeFn()

	client, err := protocomm.NewClient(protocomm.ClientConfig{
		Transport:     rt,
		Version:       security.Version(opts.SecVersion),
		DetectVersion: opts.SecVersion < 0,
		PoP:           security.PoP(opts.PoP),
		LoggerFactory: lf,
	})
	if err != nil {
		return err
	}

	if opts.Info {
		info, err := client.VersionInfo(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "ver=%s sec_ver=%d pop_required=%t cap=%s\n",
			info.Version, info.SecurityVersion, info.PoPRequired, strings.Join(info.Capabilities, ","))
		return nil
	}

	if err := client.Handshake(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	resp, err := client.Call(ctx, opts.Endpoint, []byte(opts.Payload))
	if err != nil {
		return fmt.Errorf("call %s: %w", opts.Endpoint, err)
	}
	fmt.Fprintf(out, "%s\n", resp)
	return nil
}

func dial(ctx context.Context, opts options) (protocomm.RoundTripper, func(), error) {
	if opts.Stream != "" {
		c, err := stream.Dial(ctx, "tcp", opts.Stream)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	}
	c, err := httpd.NewClient(opts.URL, nil)
	if err != nil {
		return nil, nil, err
	}
	return c, func() {}, nil
}

func discover(ctx context.Context, instance string, mdns discovery.MDNSResolver) (*discovery.Device, error) {
	r, err := discovery.NewResolver(discovery.ResolverConfig{MDNSResolver: mdns})
	if err != nil {
		return nil, err
	}
	if instance != "" {
		return r.Lookup(ctx, instance)
	}

	ctx, cancel := context.WithTimeout(ctx, discovery.DefaultBrowseTimeout)
	defer cancel()
	for dev := range r.Browse(ctx) {
		return &dev, nil
	}
	return nil, discovery.ErrServiceNotFound
}
