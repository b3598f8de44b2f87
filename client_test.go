package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestClientServesFromCache(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Cache-Control", "max-age=300")
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	client := New()

	resp, err := client.Get(context.Background(), server.URL+"/data")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "payload" {
		t.Fatalf("body = %q", body)
	}

	resp, err = client.Get(context.Background(), server.URL+"/data")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()

	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
	if string(body) != "payload" {
		t.Errorf("cached body = %q", body)
	}
	if got := resp.Header.Get(CacheStatusHeader); got != "fresh" {
		t.Errorf("%s = %q, want fresh", CacheStatusHeader, got)
	}

	stats := client.CacheStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClientDoesNotCachePOST(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New()
	for i := 0; i < 2; i++ {
		resp, err := client.Post(context.Background(), server.URL, "text/plain", nil)
		if err != nil {
			t.Fatalf("Post: %v", err)
		}
		resp.Body.Close()
	}

	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("server hits = %d, POST must bypass the cache", hits)
	}
}

func TestClientRetriesUntilSuccess(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	client := New(
		WithMaxRetries(3),
		WithBaseDelay(time.Millisecond),
		WithMaxDelay(5*time.Millisecond),
		WithJitter(0),
		WithCacheMode(CacheModeOff),
	)

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "recovered" || atomic.LoadInt32(&hits) != 3 {
		t.Errorf("body = %q, hits = %d", body, hits)
	}
}

func TestClientRetryExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(
		WithMaxRetries(2),
		WithBaseDelay(time.Millisecond),
		WithJitter(0),
		WithCacheMode(CacheModeOff),
	)

	_, err := client.Get(context.Background(), server.URL)

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want RetryExhaustedError", err)
	}
	if len(exhausted.Attempts) != 3 {
		t.Errorf("Attempts = %d, want 3", len(exhausted.Attempts))
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Error("should match ErrRetriesExhausted")
	}
}

func TestClientNonRetryableStatusReturnedAsIs(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New(WithCacheMode(CacheModeOff), WithJitter(0))

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound || atomic.LoadInt32(&hits) != 1 {
		t.Errorf("status = %d, hits = %d", resp.StatusCode, hits)
	}
}

func TestClientDeduplicatesConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		w.Write([]byte("shared"))
	}))
	defer server.Close()

	client := New(WithDeduplication(), WithCacheMode(CacheModeOff))

	const concurrent = 8
	var wg sync.WaitGroup
	bodies := make([]string, concurrent)
	errs := make([]error, concurrent)

	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Get(context.Background(), server.URL)
			if err != nil {
				errs[i] = err
				return
			}
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			bodies[i] = string(b)
		}(i)
	}

	// Let every goroutine join before the owner's request completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < concurrent; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if bodies[i] != "shared" {
			t.Errorf("request %d body = %q", i, bodies[i])
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestClientConditionalRevalidation(t *testing.T) {
	var conditional int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			atomic.AddInt32(&conditional, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Cache-Control", "max-age=0")
		w.Write([]byte("versioned"))
	}))
	defer server.Close()

	client := New(
		WithTTL(time.Minute),
		WithStaleWhileRevalidate(time.Hour),
	)

	// First request stores the entry as immediately stale (max-age=0).
	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	// Second request serves stale and revalidates in the background with
	// the stored ETag.
	resp, err = client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "versioned" {
		t.Errorf("stale body = %q", body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&conditional) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no conditional revalidation was sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientRateLimiter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New(
		WithRateLimiter(1, time.Hour),
		WithCacheMode(CacheModeOff),
	)

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	resp.Body.Close()

	_, err = client.Get(context.Background(), server.URL)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestClientCircuitBreakerOpens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(
		WithMaxRetries(0),
		WithCacheMode(CacheModeOff),
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}),
	)

	for i := 0; i < 2; i++ {
		client.Get(context.Background(), server.URL)
	}

	_, err := client.Get(context.Background(), server.URL)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want a circuit rejection", err)
	}
}

func TestClientMiddlewareChain(t *testing.T) {
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Trace")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	var order []string
	client := New(
		WithCacheMode(CacheModeOff),
		WithMiddleware(
			func(req *http.Request, next RoundTripper) (*http.Response, error) {
				order = append(order, "outer")
				req.Header.Set("X-Trace", "abc")
				return next.RoundTrip(req)
			},
			func(req *http.Request, next RoundTripper) (*http.Response, error) {
				order = append(order, "inner")
				return next.RoundTrip(req)
			},
		),
	)

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if gotHeader != "abc" {
		t.Errorf("X-Trace = %q", gotHeader)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("order = %v", order)
	}
}

func TestClientTagInvalidation(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Cache-Control", "max-age=300")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New()
	ctx := WithRequestCache(context.Background(), RequestCache{Enabled: true, Tags: []string{"users"}})

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/users", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if removed := client.InvalidateCacheByTag("users"); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	resp, err = client.Do(req.Clone(ctx))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("hits = %d, invalidated entry should refetch", hits)
	}
}

func TestClientMetricsRecorded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	registry := prometheus.NewRegistry()
	client := New(
		WithMetricsCollector(NewMetricsCollectorWithRegistry(registry)),
		WithCacheMode(CacheModeOff),
	)

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "httpclient_requests_total" {
			found = true
		}
	}
	if !found {
		t.Error("httpclient_requests_total was not recorded")
	}
}

func TestClientValidation(t *testing.T) {
	client := New(WithMaxRetries(-1), WithBaseDelay(-time.Second))
	if client.IsValid() {
		t.Fatal("negative retry settings should fail validation")
	}

	var clientErr *ClientError
	if !errors.As(client.ValidationError(), &clientErr) || clientErr.Type != ErrorTypeValidation {
		t.Errorf("ValidationError = %v", client.ValidationError())
	}

	if !New().IsValid() {
		t.Error("default configuration should be valid")
	}
}

func TestClientForceModeIgnoresNoCache(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Cache-Control", "no-cache")
		w.Write([]byte("forced"))
	}))
	defer server.Close()

	client := New(WithCacheMode(CacheModeForce))

	for i := 0; i < 2; i++ {
		resp, err := client.Get(context.Background(), server.URL)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("hits = %d, force mode should cache despite no-cache", hits)
	}
}
