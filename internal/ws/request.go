package ws

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the address a request came from. When trustProxy is set
// the first X-Forwarded-For entry wins, then X-Real-IP; otherwise only the
// socket peer is used. IPv4-mapped IPv6 addresses are reduced to IPv4.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := normalizeIP(first); ip != "" {
				return ip
			}
		}
		if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := normalizeIP(host); ip != "" {
		return ip
	}
	return host
}

func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// OriginAllowed reports whether origin may open a WebSocket. allowed is "*"
// or a comma-separated list of exact origins. Requests without an Origin
// header come from non-browser clients and are allowed.
func OriginAllowed(origin, allowed string) bool {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" || allowed == "*" || origin == "" {
		return true
	}
	for _, candidate := range strings.Split(allowed, ",") {
		if strings.EqualFold(strings.TrimSpace(candidate), origin) {
			return true
		}
	}
	return false
}
