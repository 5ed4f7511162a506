package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sievemail/scan_engine/internal/config"
	"github.com/sievemail/scan_engine/internal/engine"
	"github.com/sievemail/scan_engine/internal/scan"
	"github.com/sievemail/scan_engine/pkg/logger"
)

func testServer(t *testing.T, password string) (*Server, func()) {
	t.Helper()
	rules, err := config.ParseRules([]byte(`
symbols:
  SUBJECT_HIT:
    score: 6.0
    script: |
      function check(task) {
        return task.subject.indexOf("SPAM") >= 0;
      }
actions:
  add_header: 5.0
  reject: 15.0
`))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	eng, err := engine.Build(engine.Options{
		Rules:         rules,
		Workers:       1,
		TaskDeadline:  time.Second,
		SymbolTimeout: 500 * time.Millisecond,
		Log:           logger.Nop(),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)

	srv := New(Config{Engine: eng, Password: password, Log: logger.Nop()})
	return srv, func() {
		cancel()
		eng.Stop()
	}
}

func postCheck(t *testing.T, srv *Server, password, subject string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"message":  map[string]any{"subject": subject, "body": "content"},
		"envelope": map[string]any{"ip": "203.0.113.9"},
	})
	req := httptest.NewRequest(http.MethodPost, "/checkv2", bytes.NewReader(body))
	if password != "" {
		req.Header.Set("Password", password)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	srv, stop := testServer(t, "")
	defer stop()

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "pong\n" {
		t.Errorf("body = %q, want pong", rec.Body.String())
	}
}

func TestCheckRoundTrip(t *testing.T) {
	srv, stop := testServer(t, "")
	defer stop()

	rec := postCheck(t, srv, "", "SPAM offer inside")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var reply engine.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Score != 6.0 {
		t.Errorf("Score = %v, want 6.0", reply.Score)
	}
	if reply.Action != scan.ActionAddHeader {
		t.Errorf("Action = %v, want add_header", reply.Action)
	}
	if _, ok := reply.Symbols["SUBJECT_HIT"]; !ok {
		t.Error("SUBJECT_HIT missing from reply")
	}
}

func TestCheckCleanMessage(t *testing.T) {
	srv, stop := testServer(t, "")
	defer stop()

	rec := postCheck(t, srv, "", "meeting notes")
	var reply engine.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Action != scan.ActionNoAction {
		t.Errorf("Action = %v, want no_action", reply.Action)
	}
	if len(reply.Symbols) != 0 {
		t.Errorf("Symbols = %v, want none", reply.Symbols)
	}
}

func TestCheckAuth(t *testing.T) {
	srv, stop := testServer(t, "hunter2")
	defer stop()

	if rec := postCheck(t, srv, "", "x"); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing password: status = %d, want 401", rec.Code)
	}
	if rec := postCheck(t, srv, "wrong", "x"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d, want 401", rec.Code)
	}
	if rec := postCheck(t, srv, "hunter2", "x"); rec.Code != http.StatusOK {
		t.Errorf("correct password: status = %d, want 200", rec.Code)
	}
}

func TestCheckMalformedBody(t *testing.T) {
	srv, stop := testServer(t, "")
	defer stop()

	req := httptest.NewRequest(http.MethodPost, "/checkv2", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv, stop := testServer(t, "")
	defer stop()
	srv.cfg.RateLimitEnabled = true
	srv.cfg.RateLimitRequests = 2
	srv.cfg.RateLimitWindow = time.Minute

	h := srv.Handler()
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "203.0.113.50:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first requests should pass: %v", codes)
	}
	if codes[3] != http.StatusTooManyRequests {
		t.Errorf("burst overflow should be limited: %v", codes)
	}
}
