// Package netguard classifies hostnames and addresses as private or
// cloud-metadata so plugin HTTP egress and the plugin installer can reject
// them regardless of configured permissions.
package netguard

import (
	"net"
	"net/url"
	"strings"
)

// cloudMetadataHosts lists well-known cloud provider metadata endpoints that
// must never be reachable from plugin code or installer git clones, even
// when a wildcard http_hosts permission is configured.
var cloudMetadataHosts = map[string]bool{
	"169.254.169.254":        true, // AWS, GCP, Azure IMDS
	"metadata.google.internal": true,
	"metadata.azure.com":     true,
}

// IsBlockedHost reports whether host (a hostname or literal IP, no port)
// resolves to a private, loopback, link-local, or cloud-metadata address.
// DNS names are resolved; resolution failure is treated as not blocked (the
// caller will fail later at connect time).
func IsBlockedHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if cloudMetadataHosts[host] {
		return true
	}

	if ip := net.ParseIP(host); ip != nil {
		return isBlockedIP(ip)
	}

	if host == "localhost" {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return false
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	if ip.Equal(net.IPv4(169, 254, 169, 254)) {
		return true
	}
	return false
}

// IsBlockedURL extracts the host from a URL string and runs IsBlockedHost
// against it. A malformed URL is treated as blocked.
func IsBlockedURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return IsBlockedHost(u.Hostname())
}

// MatchesHostPattern reports whether host matches one of the given glob
// patterns. Supported patterns: "*" (matches anything), "*.domain.tld"
// (matches domain.tld and any subdomain), or an exact hostname.
func MatchesHostPattern(host string, patterns []string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		switch {
		case p == "*":
			return true
		case strings.HasPrefix(p, "*."):
			suffix := p[1:] // ".domain.tld"
			if host == p[2:] || strings.HasSuffix(host, suffix) {
				return true
			}
		case p == host:
			return true
		}
	}
	return false
}

// IsValidHostPattern reports whether a configured http_hosts entry is
// itself well formed: "*", "*.domain.tld", or a bare hostname with no
// scheme, path, or whitespace.
func IsValidHostPattern(pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if strings.ContainsAny(pattern, "/ \t\n") {
		return false
	}
	name := pattern
	if strings.HasPrefix(pattern, "*.") {
		name = pattern[2:]
	}
	if name == "" {
		return false
	}
	return !strings.Contains(name, "*")
}

// IsSafeGitURL reports whether a plugin installer repository URL uses HTTPS
// and does not target a private or cloud-metadata host.
func IsSafeGitURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "https" {
		return false
	}
	if u.Hostname() == "" {
		return false
	}
	return !IsBlockedHost(u.Hostname())
}
