package clients

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

// StdHTTPClient implements HTTPClient on net/http with bounded response
// reads.
type StdHTTPClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[any]
}

// NewHTTPClient creates the HTTP collaborator.
func NewHTTPClient() *StdHTTPClient {
	return &StdHTTPClient{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		breaker: newBreaker("http"),
	}
}

type httpReply struct {
	status int
	body   []byte
}

// Request implements HTTPClient. The callback fires exactly once from a
// dedicated goroutine.
func (c *StdHTTPClient) Request(method, url string, headers map[string]string, body []byte, maxSize int64, timeout time.Duration, cb HTTPCallback) {
	go func() {
		start := time.Now()
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		out, err := c.breaker.Execute(func() (any, error) {
			return c.do(ctx, method, url, headers, body, maxSize)
		})
		observe("http", start, err)
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				err = ErrCircuitOpen
			}
			cb(0, nil, err)
			return
		}
		reply := out.(httpReply)
		cb(reply.status, reply.body, nil)
	}()
}

func (c *StdHTTPClient) do(ctx context.Context, method, url string, headers map[string]string, body []byte, maxSize int64) (httpReply, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return httpReply{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return httpReply{}, err
	}
	defer resp.Body.Close()

	limit := maxSize
	if limit <= 0 {
		limit = 1 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return httpReply{}, err
	}
	if int64(len(data)) > limit {
		return httpReply{}, ErrTooLarge
	}
	return httpReply{status: resp.StatusCode, body: data}, nil
}
