package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// UnknownIP is recorded when no address can be determined.
const UnknownIP = "unknown"

type clientIPKey struct{}

// IPResolver picks the caller address from proxy headers, trusting them
// only when the immediate peer sits inside TrustedProxyCIDRs. With no CIDRs
// configured every peer is trusted, which matches running behind a CDN that
// always overwrites these headers.
type IPResolver struct {
	headers []string
	trusted []*net.IPNet
}

func NewIPResolver(headers, trustedCIDRs []string) *IPResolver {
	return &IPResolver{
		headers: headers,
		trusted: mustParseCIDRs(trustedCIDRs),
	}
}

// Resolve returns the client IP or UnknownIP.
func (res *IPResolver) Resolve(r *http.Request) string {
	ip := clientIP(r, res.headers, res.trusted)
	if ip == nil || ip.IsUnspecified() {
		return UnknownIP
	}
	return ip.String()
}

// Handler stores the resolved address on the request context.
func (res *IPResolver) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, res.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromContext returns the address stored by IPResolver.Handler.
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return UnknownIP
}

func clientIP(r *http.Request, hdrs []string, trusted []*net.IPNet) net.IP {
	remoteIP := remoteAddrIP(r.RemoteAddr)

	if len(hdrs) == 0 {
		return remoteIP
	}
	if len(trusted) > 0 && !ipInCIDRs(remoteIP, trusted) {
		return remoteIP
	}

	for _, h := range hdrs {
		v := strings.TrimSpace(r.Header.Get(h))
		if v == "" {
			continue
		}
		if strings.EqualFold(h, "X-Forwarded-For") {
			// left-most entry is the original client
			first := strings.TrimSpace(strings.Split(v, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip
			}
			continue
		}
		if ip := net.ParseIP(v); ip != nil {
			return ip
		}
	}
	return remoteIP
}

func remoteAddrIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}

func ipInCIDRs(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil || len(nets) == 0 {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	if len(cidrs) == 0 {
		return nil
	}
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(c))
		if err == nil && n != nil {
			out = append(out, n)
		}
	}
	return out
}
