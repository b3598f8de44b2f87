package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCacheSystem(staleWindow time.Duration) (*CacheSystem, *testClock) {
	clock := newTestClock()
	s := NewCacheSystem(CacheSystemConfig{
		MaxEntries:  100,
		DefaultTTL:  time.Minute,
		StaleWindow: staleWindow,
		Mode:        CacheModeStandard,
	})
	s.cache.now = clock.now
	s.now = clock.now
	return s, clock
}

func fetchReturning(status int, body string, headers map[string]string, calls *int32) FetchFunc {
	return func(ctx context.Context, prior *CacheEntry) (*http.Response, error) {
		atomic.AddInt32(calls, 1)
		h := make(http.Header)
		for k, v := range headers {
			h.Set(k, v)
		}
		return &http.Response{
			StatusCode: status,
			Header:     h,
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func TestCacheSystemMissThenFresh(t *testing.T) {
	s, _ := newTestCacheSystem(0)
	req := newTestRequest(t, "GET", "https://api.example.com/data")

	var calls int32
	fetch := fetchReturning(200, "hello", nil, &calls)

	resp, err := s.GetWithRevalidation(context.Background(), req, fetch)
	if err != nil {
		t.Fatalf("GetWithRevalidation: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hello" || calls != 1 {
		t.Fatalf("body = %q, calls = %d", body, calls)
	}

	resp, err = s.GetWithRevalidation(context.Background(), req, fetch)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Errorf("fresh hit must not fetch, calls = %d", calls)
	}
	if got := resp.Header.Get(CacheStatusHeader); got != "fresh" {
		t.Errorf("%s = %q, want fresh", CacheStatusHeader, got)
	}

	stats := s.Stats()
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCacheSystemStaleServedAndRefreshed(t *testing.T) {
	s, clock := newTestCacheSystem(5 * time.Minute)
	req := newTestRequest(t, "GET", "https://api.example.com/data")

	var calls int32
	_, err := s.GetWithRevalidation(context.Background(), req, fetchReturning(200, "v1", nil, &calls))
	if err != nil {
		t.Fatal(err)
	}

	clock.advance(2 * time.Minute) // past TTL, within window

	refreshed := make(chan struct{})
	fetch := func(ctx context.Context, prior *CacheEntry) (*http.Response, error) {
		defer close(refreshed)
		atomic.AddInt32(&calls, 1)
		return &http.Response{
			StatusCode: 200,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("v2")),
		}, nil
	}

	resp, err := s.GetWithRevalidation(context.Background(), req, fetch)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "v1" {
		t.Errorf("stale response body = %q, want the cached v1", body)
	}
	if got := resp.Header.Get(CacheStatusHeader); got != "stale" {
		t.Errorf("%s = %q, want stale", CacheStatusHeader, got)
	}

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("background revalidation never ran")
	}

	// Wait for absorb to land, then the new body is served fresh.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = s.GetWithRevalidation(context.Background(), req, fetchReturning(200, "v2", nil, &calls))
		if err != nil {
			t.Fatal(err)
		}
		body, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) == "v2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refreshed entry never became visible, last body %q", body)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCacheSystemRevalidationFailureKeepsStale(t *testing.T) {
	s, clock := newTestCacheSystem(5 * time.Minute)
	req := newTestRequest(t, "GET", "https://api.example.com/data")

	var calls int32
	if _, err := s.GetWithRevalidation(context.Background(), req, fetchReturning(200, "v1", nil, &calls)); err != nil {
		t.Fatal(err)
	}

	clock.advance(2 * time.Minute)

	var failures int32
	failing := func(ctx context.Context, prior *CacheEntry) (*http.Response, error) {
		atomic.AddInt32(&failures, 1)
		return nil, errors.New("origin down")
	}

	resp, err := s.GetWithRevalidation(context.Background(), req, failing)
	if err != nil {
		t.Fatalf("stale serve must not surface the refresh failure: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "v1" {
		t.Errorf("body = %q, want stale v1", body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&failures) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background refresh never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Stale data stays authoritative after the failed refresh.
	resp, err = s.GetWithRevalidation(context.Background(), req, failing)
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "v1" {
		t.Errorf("body after failed refresh = %q, want v1", body)
	}
}

func TestCacheSystem304RefreshesMetadataOnly(t *testing.T) {
	s, clock := newTestCacheSystem(5 * time.Minute)
	req := newTestRequest(t, "GET", "https://api.example.com/data")

	var calls int32
	first := fetchReturning(200, "cached body", map[string]string{"ETag": `"v1"`}, &calls)
	if _, err := s.GetWithRevalidation(context.Background(), req, first); err != nil {
		t.Fatal(err)
	}

	clock.advance(2 * time.Minute)

	notModified := make(chan *CacheEntry, 1)
	fetch := func(ctx context.Context, prior *CacheEntry) (*http.Response, error) {
		notModified <- prior
		h := make(http.Header)
		h.Set("ETag", `"v2"`)
		return &http.Response{StatusCode: 304, Header: h, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	if _, err := s.GetWithRevalidation(context.Background(), req, fetch); err != nil {
		t.Fatal(err)
	}

	select {
	case prior := <-notModified:
		if prior == nil || prior.ETag != `"v1"` {
			t.Errorf("revalidation should receive the stale entry, got %+v", prior)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("revalidation never ran")
	}

	// Entry becomes fresh again with the original body and new ETag.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entry, hit := s.cache.Get(s.Key(req))
		if hit == CacheHitFresh {
			if string(entry.Body) != "cached body" {
				t.Errorf("body = %q, a 304 must not replace the body", entry.Body)
			}
			if entry.ETag != `"v2"` {
				t.Errorf("ETag = %q, want the refreshed validator", entry.ETag)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry never became fresh after the 304")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCacheSystemSingleRevalidationPerKey(t *testing.T) {
	s, clock := newTestCacheSystem(5 * time.Minute)
	req := newTestRequest(t, "GET", "https://api.example.com/data")

	var calls int32
	if _, err := s.GetWithRevalidation(context.Background(), req, fetchReturning(200, "v1", nil, &calls)); err != nil {
		t.Fatal(err)
	}

	clock.advance(2 * time.Minute)

	release := make(chan struct{})
	var refreshes int32
	slow := func(ctx context.Context, prior *CacheEntry) (*http.Response, error) {
		atomic.AddInt32(&refreshes, 1)
		<-release
		return &http.Response{StatusCode: 200, Header: make(http.Header), Body: io.NopCloser(strings.NewReader("v2"))}, nil
	}

	for i := 0; i < 5; i++ {
		if _, err := s.GetWithRevalidation(context.Background(), req, slow); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&refreshes); got > 1 {
		t.Errorf("refreshes = %d, want at most one in flight", got)
	}
	close(release)
}

func TestCacheSystemDoesNotCacheErrors(t *testing.T) {
	s, _ := newTestCacheSystem(0)
	req := newTestRequest(t, "GET", "https://api.example.com/data")

	var calls int32
	fetch := fetchReturning(500, "boom", nil, &calls)

	for i := 0; i < 2; i++ {
		resp, err := s.GetWithRevalidation(context.Background(), req, fetch)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if calls != 2 {
		t.Errorf("calls = %d, error responses must not be cached", calls)
	}
}

func TestCacheSystemRespectsNoStore(t *testing.T) {
	s, _ := newTestCacheSystem(0)
	req := newTestRequest(t, "GET", "https://api.example.com/data")

	var calls int32
	fetch := fetchReturning(200, "x", map[string]string{"Cache-Control": "no-store"}, &calls)

	for i := 0; i < 2; i++ {
		resp, err := s.GetWithRevalidation(context.Background(), req, fetch)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if calls != 2 {
		t.Errorf("calls = %d, no-store must bypass the cache", calls)
	}
}

func TestCacheSystemRequestOverrideTagsAndTTL(t *testing.T) {
	s, _ := newTestCacheSystem(0)

	ctx := WithRequestCache(context.Background(), RequestCache{
		Enabled: true,
		TTL:     10 * time.Minute,
		Tags:    []string{"users", "profile"},
	})
	req := newTestRequest(t, "GET", "https://api.example.com/users/1").WithContext(ctx)

	var calls int32
	if _, err := s.GetWithRevalidation(ctx, req, fetchReturning(200, "u1", nil, &calls)); err != nil {
		t.Fatal(err)
	}

	key := s.Key(req)
	entry, hit := s.cache.Get(key)
	if hit == CacheMiss {
		t.Fatal("entry should be cached")
	}
	if entry.TTL != 10*time.Minute {
		t.Errorf("TTL = %v, want the override", entry.TTL)
	}
	if got := sorted(s.Tags().Tags(key)); len(got) != 2 || got[0] != "profile" || got[1] != "users" {
		t.Errorf("tags = %v", got)
	}

	if removed := s.InvalidateByTag("users"); removed != 1 {
		t.Errorf("InvalidateByTag = %d, want 1", removed)
	}
	if _, hit := s.cache.Get(key); hit != CacheMiss {
		t.Error("entry should be gone after tag invalidation")
	}
	if len(s.Tags().Tags(key)) != 0 {
		t.Error("tag memberships should be cleaned up")
	}
}

func TestCacheSystemInvalidateByPattern(t *testing.T) {
	s, _ := newTestCacheSystem(0)

	var calls int32
	for _, path := range []string{"/users/1", "/users/2", "/orders/1"} {
		req := newTestRequest(t, "GET", "https://api.example.com"+path)
		if _, err := s.GetWithRevalidation(context.Background(), req, fetchReturning(200, "x", nil, &calls)); err != nil {
			t.Fatal(err)
		}
	}

	removed := s.InvalidateByPattern("GET:https://api.example.com/users/*")
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if len(s.Keys()) != 1 {
		t.Errorf("keys = %v, want only the orders entry", s.Keys())
	}
}

func TestCacheSystemEvictionUnregistersTags(t *testing.T) {
	clock := newTestClock()
	s := NewCacheSystem(CacheSystemConfig{
		MaxEntries: 1,
		DefaultTTL: time.Minute,
		Mode:       CacheModeStandard,
	})
	s.cache.now = clock.now

	ctx := WithRequestCache(context.Background(), RequestCache{Enabled: true, Tags: []string{"t"}})
	req1 := newTestRequest(t, "GET", "https://api.example.com/a").WithContext(ctx)
	req2 := newTestRequest(t, "GET", "https://api.example.com/b").WithContext(ctx)

	var calls int32
	if _, err := s.GetWithRevalidation(ctx, req1, fetchReturning(200, "a", nil, &calls)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetWithRevalidation(ctx, req2, fetchReturning(200, "b", nil, &calls)); err != nil {
		t.Fatal(err)
	}

	// req1's entry was evicted by capacity; only req2 stays tagged.
	keys := s.Tags().KeysByTag("t")
	if len(keys) != 1 || keys[0] != s.Key(req2) {
		t.Errorf("KeysByTag = %v, want only %q", keys, s.Key(req2))
	}
}

func TestCacheSystemManualModeRequiresOptIn(t *testing.T) {
	clock := newTestClock()
	s := NewCacheSystem(CacheSystemConfig{
		DefaultTTL: time.Minute,
		Mode:       CacheModeManual,
	})
	s.cache.now = clock.now

	var calls int32
	req := newTestRequest(t, "GET", "https://api.example.com/data")
	fetch := fetchReturning(200, "x", map[string]string{"Cache-Control": "max-age=300"}, &calls)

	for i := 0; i < 2; i++ {
		resp, err := s.GetWithRevalidation(context.Background(), req, fetch)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if calls != 2 {
		t.Errorf("manual mode without opt-in must not cache, calls = %d", calls)
	}

	ctx := WithRequestCache(context.Background(), RequestCache{Enabled: true})
	optIn := newTestRequest(t, "GET", "https://api.example.com/data").WithContext(ctx)
	for i := 0; i < 2; i++ {
		resp, err := s.GetWithRevalidation(ctx, optIn, fetch)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if calls != 3 {
		t.Errorf("opted-in request should be cached, calls = %d", calls)
	}
}

func TestCacheSystemManualModeBackgroundRefreshStores(t *testing.T) {
	clock := newTestClock()
	s := NewCacheSystem(CacheSystemConfig{
		DefaultTTL:  time.Minute,
		StaleWindow: 5 * time.Minute,
		Mode:        CacheModeManual,
	})
	s.cache.now = clock.now
	s.now = clock.now

	ctx := WithRequestCache(context.Background(), RequestCache{
		Enabled: true,
		Tags:    []string{"users"},
	})
	req := newTestRequest(t, "GET", "https://api.example.com/users/1").WithContext(ctx)

	var calls int32
	if _, err := s.GetWithRevalidation(ctx, req, fetchReturning(200, "v1", nil, &calls)); err != nil {
		t.Fatal(err)
	}

	clock.advance(2 * time.Minute) // past TTL, within window

	resp, err := s.GetWithRevalidation(ctx, req, fetchReturning(200, "v2", nil, &calls))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "v1" {
		t.Fatalf("stale serve body = %q, want v1", body)
	}

	// The opt-in travels with the request, so the background refresh must
	// store its result even though manual mode defaults to not caching.
	key := s.Key(req)
	deadline := time.Now().Add(2 * time.Second)
	for {
		entry, hit := s.cache.Get(key)
		if hit == CacheHitFresh {
			if string(entry.Body) != "v2" {
				t.Errorf("refreshed body = %q, want v2", entry.Body)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("refreshed entry was fetched but never stored")
		}
		time.Sleep(5 * time.Millisecond)
	}

	keys := s.Tags().KeysByTag("users")
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("KeysByTag = %v, want the refreshed entry to keep its tag", keys)
	}
}

func TestCacheSystem304RefreshDoesNotMutateServedEntry(t *testing.T) {
	s, clock := newTestCacheSystem(5 * time.Minute)
	req := newTestRequest(t, "GET", "https://api.example.com/data")

	var calls int32
	first := fetchReturning(200, "cached body", map[string]string{"ETag": `"v1"`}, &calls)
	if _, err := s.GetWithRevalidation(context.Background(), req, first); err != nil {
		t.Fatal(err)
	}

	clock.advance(2 * time.Minute)

	key := s.Key(req)
	stale, hit := s.cache.Get(key)
	if hit != CacheHitStale {
		t.Fatalf("hit = %v, want stale", hit)
	}
	staleTimestamp := stale.Timestamp

	// Readers keep touching the entry while the refresh lands.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 8; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					s.cache.Get(key)
				}
			}
		}()
	}

	fetch := func(ctx context.Context, prior *CacheEntry) (*http.Response, error) {
		h := make(http.Header)
		h.Set("ETag", `"v2"`)
		return &http.Response{StatusCode: 304, Header: h, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	if _, err := s.GetWithRevalidation(context.Background(), req, fetch); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entry, hit := s.cache.Get(key)
		if hit == CacheHitFresh {
			if entry == stale {
				t.Error("refresh must store a new entry, not rewrite the served one")
			}
			if entry.ETag != `"v2"` {
				t.Errorf("ETag = %q, want the refreshed validator", entry.ETag)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry never became fresh after the 304")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	readers.Wait()

	// The entry handed to stale readers is untouched by the refresh.
	if stale.ETag != `"v1"` || !stale.Timestamp.Equal(staleTimestamp) {
		t.Errorf("served entry changed: ETag %q, Timestamp %v", stale.ETag, stale.Timestamp)
	}
}

func TestCacheSystemClear(t *testing.T) {
	s, _ := newTestCacheSystem(0)
	req := newTestRequest(t, "GET", "https://api.example.com/data")

	var calls int32
	if _, err := s.GetWithRevalidation(context.Background(), req, fetchReturning(200, "x", nil, &calls)); err != nil {
		t.Fatal(err)
	}
	s.Clear()

	if len(s.Keys()) != 0 {
		t.Error("Clear should drop all keys")
	}
	if s.Stats().Misses != 1 {
		t.Error("Clear should preserve counters")
	}
}
