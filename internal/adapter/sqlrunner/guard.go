package sqlrunner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrResolve marks guard failures caused by DNS rather than by policy, so
// callers can report them as network errors instead of validation errors.
var ErrResolve = errors.New("hostname lookup failed")

// CheckURL enforces the scheme allow-list and, for http/https, resolves the
// host and rejects loopback, link-local and private addresses unless
// allowPrivate is set. file URLs bypass resolution; they are reachable only
// when an operator mounted the data on purpose.
func CheckURL(ctx context.Context, rawURL string, allowPrivate bool) error {
	if strings.ContainsAny(rawURL, " \t\n\r") {
		return fmt.Errorf("url contains whitespace")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed url: %v", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "file":
		return nil
	default:
		return fmt.Errorf("scheme %q not allowed (http, https or file)", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if allowPrivate {
		return nil
	}

	ips, err := resolveHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: host %q: %v", ErrResolve, host, err)
	}
	for _, ip := range ips {
		if reason := disallowedIP(ip); reason != "" {
			return fmt.Errorf("host %q resolves to %s address %s", host, reason, ip)
		}
	}
	return nil
}

func resolveHost(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// disallowedIP names the class that makes ip unsafe to fetch, or "" when the
// address is publicly routable.
func disallowedIP(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsPrivate():
		return "private"
	case ip.IsUnspecified():
		return "unspecified"
	}
	return ""
}
