package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// EndpointOptions loosens ValidateEndpoint.
type EndpointOptions struct {
	// AllowHTTP permits plain http URLs. https is always accepted.
	AllowHTTP bool
	// AllowLocal permits localhost names and loopback, private and
	// link-local addresses.
	AllowLocal bool
}

// ValidateEndpoint checks a URL the process will connect to, such as a
// provider base URL. IP literals are checked without resolving names.
func ValidateEndpoint(raw string, opts EndpointOptions) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "invalid url")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !opts.AllowHTTP {
			return errors.New("http is not allowed, use https")
		}
	default:
		return errors.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.New("host is required")
	}
	if isLocalName(host) && !opts.AllowLocal {
		return errors.Errorf("local host %q is not allowed", host)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		// a name, nothing more to check offline
		return nil
	}
	if addr.Zone() != "" && !opts.AllowLocal {
		return errors.Errorf("zoned address %q is not allowed", host)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return errors.Errorf("address %q cannot be dialed", host)
	}
	if isLocalAddr(addr) && !opts.AllowLocal {
		return errors.Errorf("local address %q is not allowed", host)
	}
	return nil
}

func isLocalName(host string) bool {
	return host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local")
}

func isLocalAddr(addr netip.Addr) bool {
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}
