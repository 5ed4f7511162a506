package clients

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// NetResolver implements Resolver on top of net.Resolver.
type NetResolver struct {
	resolver *net.Resolver
	breaker  *gobreaker.CircuitBreaker[any]
}

// NewResolver creates the default DNS collaborator.
func NewResolver() *NetResolver {
	return &NetResolver{
		resolver: &net.Resolver{PreferGo: true},
		breaker:  newBreaker("dns"),
	}
}

// Resolve implements Resolver. The callback fires exactly once from a
// dedicated goroutine.
func (r *NetResolver) Resolve(qtype, name string, timeout time.Duration, cb DNSCallback) {
	go func() {
		start := time.Now()
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		out, err := r.breaker.Execute(func() (any, error) {
			return r.lookup(ctx, qtype, name)
		})
		observe("dns", start, err)
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				err = ErrCircuitOpen
			}
			cb(nil, err)
			return
		}
		cb(out.([]string), nil)
	}()
}

func (r *NetResolver) lookup(ctx context.Context, qtype, name string) ([]string, error) {
	switch strings.ToLower(qtype) {
	case "a", "aaaa":
		addrs, err := r.resolver.LookupHost(ctx, name)
		return addrs, err
	case "txt":
		return r.resolver.LookupTXT(ctx, name)
	case "mx":
		mxs, err := r.resolver.LookupMX(ctx, name)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(mxs))
		for i, mx := range mxs {
			out[i] = mx.Host
		}
		return out, nil
	case "ptr":
		return r.resolver.LookupAddr(ctx, name)
	case "ns":
		nss, err := r.resolver.LookupNS(ctx, name)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(nss))
		for i, ns := range nss {
			out[i] = ns.Host
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported query type %q", qtype)
}
