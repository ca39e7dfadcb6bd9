package api

import (
	"net"
	"net/http"
	"strings"

	"incident-desk/config"
)

// clientIP is the peer address unless the peer is a configured proxy, in
// which case the forwarding headers are trusted.
func (s *Server) clientIP(r *http.Request) string {
	peer := peerAddr(r)
	var proxies []string
	if s != nil && s.cfg != nil {
		proxies = s.cfg.Security.TrustedProxies
	}
	if !fromProxy(peer, proxies) {
		return peer
	}
	if ip := nearestUntrustedHop(r.Header.Get("X-Forwarded-For"), proxies); ip != "" {
		return ip
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return peer
}

func isHTTPSRequest(r *http.Request, cfg *config.AppConfig) bool {
	switch {
	case r == nil:
		return false
	case r.TLS != nil:
		return true
	case cfg == nil || !fromProxy(peerAddr(r), cfg.Security.TrustedProxies):
		return false
	}
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return strings.TrimSpace(host)
}

// nearestUntrustedHop walks X-Forwarded-For from the closest hop outwards.
func nearestUntrustedHop(xff string, proxies []string) string {
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip != nil && !fromProxy(ip.String(), proxies) {
			return ip.String()
		}
	}
	return ""
}

// fromProxy matches addr against proxy IPs and CIDR blocks.
func fromProxy(addr string, proxies []string) bool {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if _, block, err := net.ParseCIDR(p); err == nil {
			if block.Contains(ip) {
				return true
			}
			continue
		}
		if known := net.ParseIP(p); known != nil && known.Equal(ip) {
			return true
		}
	}
	return false
}
