// Package registry maps security scheme versions to their descriptors.
package registry

import (
	"fmt"

	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/security/sec0"
	"github.com/backkem/protocomm/pkg/security/sec1"
	"github.com/backkem/protocomm/pkg/security/sec2"
)

var schemes = [...]security.Scheme{
	security.Version0: sec0.Scheme{},
	security.Version1: sec1.Scheme{},
	security.Version2: sec2.Scheme{},
}

// Lookup returns the scheme for version, or ErrUnsupportedVersion.
func Lookup(version security.Version) (security.Scheme, error) {
	if version < 0 || int(version) >= len(schemes) {
		return nil, fmt.Errorf("version %d: %w", version, security.ErrUnsupportedVersion)
	}
	return schemes[version], nil
}

// Versions lists the known versions in ascending order.
func Versions() []security.Version {
	out := make([]security.Version, len(schemes))
	for i, s := range schemes {
		out[i] = s.Version()
	}
	return out
}
