package clients

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Probe"); got != "yes" {
			t.Errorf("header = %q, want yes", got)
		}
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer ts.Close()

	c := NewHTTPClient()
	done := make(chan struct{})
	c.Request(http.MethodGet, ts.URL, map[string]string{"X-Probe": "yes"}, nil, 1024, time.Second,
		func(status int, body []byte, err error) {
			defer close(done)
			if err != nil {
				t.Errorf("Request() error = %v", err)
				return
			}
			if status != http.StatusTeapot {
				t.Errorf("status = %d, want 418", status)
			}
			if string(body) != "short and stout" {
				t.Errorf("body = %q", body)
			}
		})
	<-done
}

func TestHTTPClientSizeLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer ts.Close()

	c := NewHTTPClient()
	done := make(chan struct{})
	c.Request(http.MethodGet, ts.URL, nil, nil, 1024, time.Second,
		func(status int, body []byte, err error) {
			defer close(done)
			if err != ErrTooLarge {
				t.Errorf("error = %v, want ErrTooLarge", err)
			}
		})
	<-done
}

func TestResolverRejectsUnknownType(t *testing.T) {
	r := NewResolver()
	done := make(chan struct{})
	r.Resolve("srv6", "example.com", 100*time.Millisecond, func(records []string, err error) {
		defer close(done)
		if err == nil {
			t.Error("unsupported query type should error")
		}
	})
	<-done
}

func TestRedisConfigDefaults(t *testing.T) {
	p := NewRedis(RedisConfig{Addr: "127.0.0.1:0"})
	defer p.Close()
	if p.timeout != time.Second {
		t.Errorf("timeout = %v, want 1s default", p.timeout)
	}
}
