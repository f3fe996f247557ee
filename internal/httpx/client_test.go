package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
)

func TestDoJSONRetriesServerError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"x"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 1)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	var out map[string]any
	if _, err := client.DoJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected response: %#v", out)
	}
}

func TestDoBodyJSONPostIsNeverRetried(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("missing json content type")
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := New(2*time.Second, 3)
	_, err := DoBodyJSON(context.Background(), client, http.MethodPost, srv.URL, []byte(`{"a":1}`), nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !clierr.HasCode(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable code, got %v", err)
	}
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("expected a single POST attempt, got %d", got)
	}
}

func TestDoJSONMapsStatusCodes(t *testing.T) {
	cases := map[int]clierr.Code{
		http.StatusUnauthorized:    clierr.CodeAuth,
		http.StatusTooManyRequests: clierr.CodeRateLimited,
		http.StatusBadRequest:      clierr.CodeUnsupported,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		client := New(2*time.Second, 0)
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
		_, err := client.DoJSON(context.Background(), req, nil)
		srv.Close()
		if !clierr.HasCode(err, want) {
			t.Fatalf("status %d: expected code %d, got %v", status, want, err)
		}
		if status == http.StatusBadRequest && !strings.Contains(err.Error(), "nope") {
			t.Fatalf("expected body snippet in error, got %v", err)
		}
	}
}

func TestRateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 0).WithRateLimit(0.01)
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if _, err := client.DoJSON(context.Background(), req, nil); err != nil {
		t.Fatalf("first request should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ = http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if _, err := client.DoJSON(ctx, req, nil); !clierr.HasCode(err, clierr.CodeUnavailable) {
		t.Fatalf("expected rate-limited request to fail on deadline, got %v", err)
	}
}
