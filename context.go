package authflow

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. It is recorded on
// audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx for audit events.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// ClientIPFromContext returns the address set by WithClientIP, or "".
func ClientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

// requestMetadata merges the request attributes of ctx into md.
func requestMetadata(ctx context.Context, md map[string]string) map[string]string {
	ip, ua := ClientIPFromContext(ctx), userAgentFromContext(ctx)
	if ip == "" && ua == "" {
		return md
	}
	if md == nil {
		md = make(map[string]string, 2)
	}
	if ip != "" {
		md["client_ip"] = ip
	}
	if ua != "" {
		md["user_agent"] = ua
	}
	return md
}
