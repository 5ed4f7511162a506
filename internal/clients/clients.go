// Package clients provides the asynchronous I/O collaborators symbol
// callbacks reach out through: DNS, HTTP and Redis. Every call is wrapped
// in a circuit breaker and reported to metrics; callbacks are invoked from
// a client goroutine and must hop back to the task's worker through a
// scheduler continuation.
package clients

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/sievemail/scan_engine/pkg/metrics"
)

// Client errors.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrTooLarge    = errors.New("response exceeds size limit")
)

// DNSCallback receives resolved records or an error.
type DNSCallback func(records []string, err error)

// HTTPCallback receives the response status and body or an error.
type HTTPCallback func(status int, body []byte, err error)

// RedisCallback receives the command reply or an error.
type RedisCallback func(reply interface{}, err error)

// Resolver is the DNS collaborator.
type Resolver interface {
	// Resolve looks up records of qtype ("a", "aaaa", "txt", "mx", "ptr",
	// "ns") for name and invokes cb exactly once from a client goroutine.
	// "a" and "aaaa" both report every address of name, of either family.
	Resolve(qtype, name string, timeout time.Duration, cb DNSCallback)
}

// HTTPClient is the HTTP collaborator.
type HTTPClient interface {
	Request(method, url string, headers map[string]string, body []byte, maxSize int64, timeout time.Duration, cb HTTPCallback)
}

// Redis is the Redis collaborator.
type Redis interface {
	// Command runs a Redis command; write distinguishes mutating calls
	// for metrics and routing.
	Command(key string, write bool, args []interface{}, cb RedisCallback)
	Close() error
}

// newBreaker builds the shared breaker shape used by all collaborators:
// five consecutive failures open the circuit for thirty seconds, three
// probes are allowed half-open.
func newBreaker(name string) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// observe reports one collaborator call outcome.
func observe(kind string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ObserveCollaborator(kind, status, time.Since(start))
}
