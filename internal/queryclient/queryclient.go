// Package queryclient is an in-process query cache with optimistic
// mutations, modeled on the cache/query libraries frontends pair with
// this API. Views fetch through it and mutations invalidate through it.
package queryclient

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FetchFunc loads fresh data for a cache key.
type FetchFunc func(ctx context.Context) (any, error)

// StatusCoder lets errors carry an HTTP-like status code so the retry
// policy can refuse to retry auth failures.
type StatusCoder interface {
	StatusCode() int
}

const maxRetries = 2

type entry struct {
	value  any
	stale  bool
	cancel context.CancelFunc
}

// Client caches query results by key.
type Client struct {
	mu         sync.Mutex
	entries    map[string]*entry
	retryDelay time.Duration
}

func New() *Client {
	return &Client{
		entries:    make(map[string]*entry),
		retryDelay: 100 * time.Millisecond,
	}
}

// Fetch returns the cached value for key, or runs fn and caches its
// result. A concurrent Invalidate cancels the in-flight fn context.
func (c *Client) Fetch(ctx context.Context, key string, fn FetchFunc) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !e.stale {
		value := e.value
		c.mu.Unlock()
		return value, nil
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	e := &entry{stale: true, cancel: cancel}
	c.entries[key] = e
	c.mu.Unlock()

	value, err := fn(fetchCtx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if current, ok := c.entries[key]; ok && current == e {
			delete(c.entries, key)
		}
		return nil, err
	}
	// A concurrent Invalidate replaced or dropped the entry; its refetch
	// wins over this response.
	if current, ok := c.entries[key]; !ok || current != e {
		return value, nil
	}
	e.value = value
	e.stale = false
	e.cancel = nil
	return value, nil
}

// Invalidate cancels any in-flight fetch for key and marks it stale so
// the next Fetch reloads.
func (c *Client) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(key)
}

func (c *Client) invalidateLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.stale = true
}

// Peek returns the cached value without triggering a fetch.
func (c *Client) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.stale && e.value == nil {
		return nil, false
	}
	return e.value, true
}

// MutationSpec describes one optimistic mutation.
type MutationSpec struct {
	// AffectedKeys are invalidated when the mutation completes, success
	// or failure.
	AffectedKeys []string
	// Optimistic, if set, rewrites the cached value for a key before the
	// mutation runs. Returning ok=false leaves the entry untouched.
	Optimistic func(key string, value any) (newValue any, ok bool)
	// Do performs the server call.
	Do func(ctx context.Context) error
}

type snapshot struct {
	value   any
	stale   bool
	present bool
}

// Mutate applies the optimistic update, runs the mutation with bounded
// retries, rolls the cache back on failure, and invalidates affected
// keys either way.
func (c *Client) Mutate(ctx context.Context, spec MutationSpec) error {
	c.mu.Lock()
	snapshots := make(map[string]snapshot, len(spec.AffectedKeys))
	for _, key := range spec.AffectedKeys {
		e, ok := c.entries[key]
		if ok {
			// Cancel outgoing refetches so a stale response cannot
			// clobber the optimistic value.
			if e.cancel != nil {
				e.cancel()
				e.cancel = nil
			}
			snapshots[key] = snapshot{value: e.value, stale: e.stale, present: true}
		} else {
			snapshots[key] = snapshot{present: false}
		}
		if spec.Optimistic != nil && ok {
			if newValue, applied := spec.Optimistic(key, e.value); applied {
				e.value = newValue
				e.stale = false
			}
		}
	}
	c.mu.Unlock()

	err := c.runWithRetries(ctx, spec.Do)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		for key, snap := range snapshots {
			if !snap.present {
				delete(c.entries, key)
				continue
			}
			c.entries[key] = &entry{value: snap.value, stale: snap.stale}
		}
	}
	for _, key := range spec.AffectedKeys {
		c.invalidateLocked(key)
	}
	return err
}

func (c *Client) runWithRetries(ctx context.Context, do func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
		err = do(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		if code == 401 || code == 403 {
			return false
		}
	}
	return true
}
