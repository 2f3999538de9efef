package web

import (
	"context"
	"net"
	"net/http"

	"github.com/JonMunkholm/trexsync/internal/core"
)

// WithRequestMetadata attaches the client address and User-Agent of r to
// ctx as the run's requester.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	return core.WithRequester(ctx, core.Requester{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
}

// clientIP returns the request's client address without the port.
// TrustedRealIP has already replaced RemoteAddr for proxied requests.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
