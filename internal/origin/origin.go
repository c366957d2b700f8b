// Package origin validates browser Origin headers for the relay's CORS
// policy.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns it as
// scheme://host[:port] together with the host[:port] part used for same-host
// comparisons. Default ports are dropped.
//
// The opaque origin "null" is accepted and returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may call the relay.
//
// With a non-empty allow-list, entries are "*" or normalized origins. With an
// empty list only same-host requests are allowed. Schemes are not compared
// for same-host checks because the relay commonly sits behind a TLS
// terminating proxy.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found {
		return false
	}
	reqHost, ok := normalizeHost(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// normalizeHost lower-cases an authority, validates its port and strips the
// scheme's default port. IPv6 literals are returned bracketed.
func normalizeHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}

	hostname, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		hostname, port = h, p
		if port == "" {
			return "", false
		}
	} else if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
		hostname = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		// Unbracketed IPv6 or a dangling colon.
		return "", false
	}
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}
