// Package singleflight coalesces concurrent calls that share a key so the
// underlying work runs at most once at a time per key. It backs the cache
// layer's background revalidation gate.
package singleflight

import (
	"errors"
	"sync"
)

// ErrInProgress is returned by TryDo when another call with the same key
// is already running.
var ErrInProgress = errors.New("singleflight: call already in progress")

// Group manages the set of in-flight calls.
type Group struct {
	mu sync.Mutex
	m  map[string]*call
}

type call struct {
	wg  sync.WaitGroup
	val interface{}
	err error
}

// New creates an empty Group.
func New() *Group {
	return &Group{m: make(map[string]*call)}
}

// Do executes fn, ensuring only one execution is in flight for key at a
// time. Duplicate callers block until the original completes and receive
// the same result. The key is released as soon as fn settles.
func (g *Group) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err
	}

	c := &call{}
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()

	c.wg.Done()

	return c.val, c.err
}

// TryDo executes fn only if no call with the same key is in progress.
// When another call holds the key it returns (nil, ErrInProgress, false)
// immediately without blocking.
func (g *Group) TryDo(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	g.mu.Lock()
	if _, ok := g.m[key]; ok {
		g.mu.Unlock()
		return nil, ErrInProgress, false
	}

	c := &call{}
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()

	c.wg.Done()

	return c.val, c.err, true
}

// InFlight reports the number of keys with a call currently running.
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}

// Forget releases key, allowing the next call with the same key to run
// even if a previous call has not finished.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}
