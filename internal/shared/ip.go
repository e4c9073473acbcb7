package shared

import (
	"net"
	"net/http"
	"strings"
)

const ipv4MappedPrefix = "::ffff:"

// ClientIP returns the first X-Forwarded-For entry when present, otherwise
// the host part of the connection address. IPv4-mapped IPv6 addresses are
// reduced to their IPv4 form.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return NormalizeIP(ip)
		}
	}
	return NormalizeIP(r.RemoteAddr)
}

// NormalizeIP strips a port and the IPv4-mapped prefix from addr.
func NormalizeIP(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if len(host) > len(ipv4MappedPrefix) && strings.EqualFold(host[:len(ipv4MappedPrefix)], ipv4MappedPrefix) {
		host = host[len(ipv4MappedPrefix):]
	}
	return host
}
