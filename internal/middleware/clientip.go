package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
)

var namedRanges = map[string][]string{
	"loopback":    {"127.0.0.1/8", "::1/128"},
	"linklocal":   {"169.254.0.0/16", "fe80::/10"},
	"uniquelocal": {"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7"},
}

// TrustPolicy decides which hops in X-Forwarded-For are trusted proxies.
type TrustPolicy struct {
	all      bool
	hops     int
	prefixes []netip.Prefix
}

// ParseTrustProxy parses a TRUST_PROXY value: a boolean, a hop count, or a
// comma separated list of addresses, CIDRs and the names loopback, linklocal
// and uniquelocal.
func ParseTrustProxy(value string) (TrustPolicy, error) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "", "false", "0", "f":
		return TrustPolicy{}, nil
	case "true", "t":
		return TrustPolicy{all: true}, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 {
			return TrustPolicy{}, fmt.Errorf("trust proxy: negative hop count %d", n)
		}
		return TrustPolicy{hops: n}, nil
	}

	var policy TrustPolicy
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		cidrs, named := namedRanges[strings.ToLower(entry)]
		if !named {
			cidrs = []string{entry}
		}
		for _, c := range cidrs {
			prefix, err := parsePrefix(c)
			if err != nil {
				return TrustPolicy{}, fmt.Errorf("trust proxy: %q: %w", entry, err)
			}
			policy.prefixes = append(policy.prefixes, prefix)
		}
	}
	return policy, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (p TrustPolicy) trusts(addr string, hop int) bool {
	if p.all {
		return true
	}
	if hop < p.hops {
		return true
	}
	if len(p.prefixes) == 0 {
		return false
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve walks from the socket peer back through X-Forwarded-For and returns
// the first address that is not a trusted proxy.
func (p TrustPolicy) Resolve(r *http.Request) string {
	addrs := []string{ExtractIP(r.RemoteAddr)}
	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			if h := strings.TrimSpace(hops[i]); h != "" {
				addrs = append(addrs, h)
			}
		}
	}
	for i := 0; i < len(addrs)-1; i++ {
		if !p.trusts(addrs[i], i) {
			return addrs[i]
		}
	}
	return addrs[len(addrs)-1]
}

const clientIPKey contextKey = "client_ip"

// ResolveClientIP stores the client address derived by policy in the request
// context, where [ClientIP] finds it.
func ResolveClientIP(policy TrustPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIPKey, policy.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP returns the resolved client address, falling back to the socket
// peer when [ResolveClientIP] did not run.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok && ip != "" {
		return ip
	}
	return ExtractIP(r.RemoteAddr)
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
