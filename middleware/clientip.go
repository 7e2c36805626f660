package middleware

import (
	"net/http"
	"net/netip"
	"strings"
)

// Option configures Authenticate.
type Option func(*Options)

// Options is the resolved configuration of Authenticate. Transport
// adapters build one with Apply.
type Options struct {
	// TrustedProxies are the networks whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
}

// TrustProxies makes X-Forwarded-For count for requests arriving from one
// of prefixes. Without it the header is ignored and the client IP is the
// connection's remote address.
func TrustProxies(prefixes ...netip.Prefix) Option {
	return func(o *Options) {
		o.TrustedProxies = append(o.TrustedProxies, prefixes...)
	}
}

// Apply resolves opts.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o Options) trusts(addr netip.Addr) bool {
	for _, p := range o.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address r is attributed to. X-Forwarded-For is read
// right to left and only while each hop is a trusted proxy, so a client
// cannot choose its own address by sending the header.
func (o Options) ClientIP(r *http.Request) string {
	remote, ok := remoteAddr(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !o.trusts(remote) {
		return remote.String()
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	client := remote
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = addr.Unmap()
		if !o.trusts(client) {
			break
		}
	}
	return client.String()
}

func remoteAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
