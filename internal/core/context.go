package core

import "context"

type requesterKey struct{}

// Requester identifies the client that started a run. It is logged when the
// run starts and kept in the run's history record.
type Requester struct {
	IP        string
	UserAgent string
}

// WithRequester attaches the requesting client to ctx.
func WithRequester(ctx context.Context, r Requester) context.Context {
	return context.WithValue(ctx, requesterKey{}, r)
}

// RequesterFrom returns the client attached by WithRequester, or the zero
// Requester.
func RequesterFrom(ctx context.Context) Requester {
	r, _ := ctx.Value(requesterKey{}).(Requester)
	return r
}
