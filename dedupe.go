package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
)

// Deduplicator collapses concurrent identical requests into one shared
// execution. The first caller for a key becomes the owner and performs
// the request; later callers wait for the owner's result. The ledger
// entry is removed the moment the owner settles, success or failure, so a
// subsequent call always executes afresh.
type Deduplicator struct {
	mu      sync.Mutex
	entries map[string]*InFlightRequest
}

// InFlightRequest is one shared request execution: the owner settles it
// through Deduplicator.Complete, waiters block on Wait.
type InFlightRequest struct {
	done chan struct{}

	// Result snapshot, written once before done is closed. The body is
	// captured as bytes so every waiter gets an independently readable
	// response.
	status  int
	header  http.Header
	body    []byte
	hasResp bool
	err     error
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{entries: make(map[string]*InFlightRequest)}
}

// Join registers interest in key. The boolean is true when the caller is
// the owner and must perform the request, then call Complete. When false,
// the returned entry is an already-outstanding request to Wait on.
func (d *Deduplicator) Join(key string) (*InFlightRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.entries[key]; ok {
		return entry, false
	}

	entry := &InFlightRequest{done: make(chan struct{})}
	d.entries[key] = entry
	return entry, true
}

// Complete settles entry, obtained from Join as owner, and releases all
// waiters. The response body is captured and restored so the owner can
// still read it. The ledger entry for key is removed immediately.
func (d *Deduplicator) Complete(key string, entry *InFlightRequest, resp *http.Response, err error) {
	d.mu.Lock()
	if d.entries[key] == entry {
		delete(d.entries, key)
	}
	d.mu.Unlock()

	if resp != nil {
		body, readErr := captureBody(resp)
		if readErr == nil {
			entry.status = resp.StatusCode
			entry.header = resp.Header.Clone()
			entry.body = body
			entry.hasResp = true
		} else if err == nil {
			err = readErr
		}
	}
	entry.err = err

	close(entry.done)
}

// Wait blocks until the owner settles or ctx is cancelled. Each waiter
// receives a response with its own body reader.
func (r *InFlightRequest) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-r.done:
		if !r.hasResp {
			return nil, r.err
		}
		return &http.Response{
			StatusCode: r.status,
			Header:     r.header.Clone(),
			Body:       io.NopCloser(bytes.NewReader(r.body)),
		}, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlightCount returns the number of outstanding requests.
func (d *Deduplicator) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Clear drops the ledger. Outstanding owners still settle and release
// their waiters through the entry they hold; they just lose the shared
// registration.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = make(map[string]*InFlightRequest)
}

// captureBody reads resp.Body (bounded) and replaces it with a fresh
// reader over the captured bytes.
func captureBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyCaptureBytes))
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
