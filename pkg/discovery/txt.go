package discovery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/backkem/protocomm/pkg/security"
)

// DNS-SD naming.
const (
	// ServiceType is the DNS-SD service advertised by devices.
	ServiceType = "_protocomm._tcp"

	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
)

// TXT record keys.
const (
	TXTKeyVersion    = "ver"
	TXTKeySecVersion = "sec_ver"
	TXTKeyPoP        = "pop"
	TXTKeyTransport  = "transport"
)

// Transport names the wire transport an advertised port speaks.
type Transport string

const (
	// TransportHTTP is the cookie-session HTTP transport (pkg/transport/httpd).
	TransportHTTP Transport = "http"

	// TransportStream is the length-prefixed stream transport (pkg/transport/stream).
	TransportStream Transport = "stream"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	return t == TransportHTTP || t == TransportStream
}

// TXT is the content of a device's TXT record.
type TXT struct {
	// Version is the application version string (optional).
	Version string

	// SecVersion is the active security scheme.
	SecVersion security.Version

	// PoPRequired is set when the device was configured with a proof of possession.
	PoPRequired bool

	// Transport is the transport served on the advertised port.
	Transport Transport
}

// Encode returns the TXT record as key=value strings.
func (t TXT) Encode() []string {
	records := []string{
		TXTKeySecVersion + "=" + strconv.Itoa(int(t.SecVersion)),
		TXTKeyPoP + "=" + boolFlag(t.PoPRequired),
		TXTKeyTransport + "=" + string(t.Transport),
	}
	if t.Version != "" {
		records = append(records, TXTKeyVersion+"="+t.Version)
	}
	return records
}

// Validate checks that the record can be advertised.
func (t TXT) Validate() error {
	if !t.Transport.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidTransport, t.Transport)
	}
	if t.SecVersion < 0 {
		return fmt.Errorf("%w: negative sec_ver", ErrInvalidTXTRecord)
	}
	return nil
}

// ParseTXT parses raw TXT record strings into a map.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		if idx := strings.IndexByte(record, '='); idx > 0 {
			result[record[:idx]] = record[idx+1:]
		}
	}
	return result
}

// DecodeTXT parses raw TXT records. sec_ver is required; pop defaults to
// false and transport to http.
func DecodeTXT(records []string) (TXT, error) {
	m := ParseTXT(records)

	var txt TXT
	raw, ok := m[TXTKeySecVersion]
	if !ok {
		return TXT{}, fmt.Errorf("%w: missing %s", ErrInvalidTXTRecord, TXTKeySecVersion)
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return TXT{}, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeySecVersion, raw)
	}
	txt.SecVersion = security.Version(v)

	switch m[TXTKeyPoP] {
	case "", "0":
	case "1":
		txt.PoPRequired = true
	default:
		return TXT{}, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyPoP, m[TXTKeyPoP])
	}

	txt.Transport = TransportHTTP
	if tr, ok := m[TXTKeyTransport]; ok {
		txt.Transport = Transport(tr)
		if !txt.Transport.IsValid() {
			return TXT{}, fmt.Errorf("%w: %q", ErrInvalidTransport, tr)
		}
	}

	txt.Version = m[TXTKeyVersion]
	return txt, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
