// Package privacy anonymizes endpoints that end up in error telemetry. Broker,
// database, stream and notification URLs are replaced by a stable hash that
// keeps the scheme, the kind of host and the port, so reports from the same
// misconfiguration still group together.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

// urlPattern finds URLs of the schemes the device talks to.
var urlPattern = regexp.MustCompile(`\b(?:https?|rtsp|rtmp|tcp|ssl|mqtts?|wss?|nats|tls|mysql|telegram|discord|slack|smtp|ntfy|gotify|pushover)://\S+`)

// ScrubMessage replaces every URL in message with its anonymized form.
// Punctuation that ends a sentence is kept outside the URL.
func ScrubMessage(message string) string {
	return urlPattern.ReplaceAllStringFunc(message, func(match string) string {
		trimmed := strings.TrimRight(match, ".,;:)]}'\"")
		return AnonymizeURL(trimmed) + match[len(trimmed):]
	})
}

// AnonymizeURL converts a URL into "url-<hash>". The hash covers the scheme,
// the host category, the port and the shape of the path, never credentials,
// host names or query values.
func AnonymizeURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		scheme, _, _ := strings.Cut(rawURL, "://")
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("%s-url-hash-%x", schemeLabel(scheme), hash[:8])
	}

	var normalizedParts []string
	if parsedURL.Scheme != "" {
		normalizedParts = append(normalizedParts, parsedURL.Scheme)
	}
	if host := parsedURL.Hostname(); host != "" {
		normalizedParts = append(normalizedParts, categorizeHost(host))
	}
	if port := parsedURL.Port(); port != "" {
		normalizedParts = append(normalizedParts, "port-"+port)
	}
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		normalizedParts = append(normalizedParts, anonymizePath(parsedURL.Path))
	}

	hash := sha256.Sum256([]byte(strings.Join(normalizedParts, ":")))
	return fmt.Sprintf("%s-url-%x", schemeLabel(parsedURL.Scheme), hash[:8])
}

// schemeLabel keeps the scheme readable in reports.
func schemeLabel(scheme string) string {
	if scheme == "" {
		return "unknown"
	}
	return strings.ToLower(scheme)
}

// categorizeHost anonymizes a host while preserving its category.
func categorizeHost(host string) string {
	if strings.EqualFold(host, "localhost") {
		return "localhost"
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		switch {
		case addr.IsLoopback():
			return "localhost"
		case addr.IsPrivate(), addr.IsLinkLocalUnicast():
			return "private-ip"
		default:
			return "public-ip"
		}
	}
	if strings.HasSuffix(strings.ToLower(host), ".local") {
		return "mdns-host"
	}
	if i := strings.LastIndexByte(host, '.'); i >= 0 && i < len(host)-1 {
		return "domain-" + strings.ToLower(host[i+1:])
	}
	return "unknown-host"
}

// anonymizePath keeps the depth of a path and hashes each segment. Purely
// numeric segments, such as camera channel numbers, are kept as "numeric".
func anonymizePath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "root"
	}

	segments := strings.Split(path, "/")
	anonymized := make([]string, 0, len(segments))
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		if isNumeric(segment) {
			anonymized = append(anonymized, "numeric")
			continue
		}
		hash := sha256.Sum256([]byte(segment))
		anonymized = append(anonymized, fmt.Sprintf("seg-%x", hash[:4]))
	}
	return strings.Join(anonymized, "/")
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
