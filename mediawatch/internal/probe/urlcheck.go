package probe

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("probe: only http and https schemes are allowed")

// ErrPrivateTarget is returned when a webhook URL resolves to a private or
// loopback address (SSRF prevention for operator-configured sinks).
var ErrPrivateTarget = errors.New("probe: URL targets a private or loopback address")

// ValidateURL checks scheme and host for a navigation target. Private and
// loopback addresses are allowed — watching a LAN media server is a normal
// use of the daemon.
func ValidateURL(rawURL string) error {
	_, err := parseHTTP(rawURL)
	return err
}

// ValidateWebhookURL additionally rejects private and loopback targets.
// Webhook URLs come from config that may be operator-templated; a batch
// payload must not be POSTable at the metadata service of whatever cloud
// this runs in. DNS is resolved to catch internal hostnames.
func ValidateWebhookURL(rawURL string) error {
	host, err := parseHTTP(rawURL)
	if err != nil {
		return err
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateTarget
		}
		return nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		// DNS failure: allow through, the POST will fail at connect time.
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrPrivateTarget
		}
	}
	return nil
}

func parseHTTP(rawURL string) (host string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("probe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("probe: URL has no host")
	}
	return u.Hostname(), nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
