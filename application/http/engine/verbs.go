package engine

import (
	"context"

	"async-http/lib/task"
)

const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
	MethodHead   = "HEAD"
	MethodUpdate = "UPDATE"
)

// Get requests opts.URL.
// Without opts.OnComplete, t is suspended until the response is there and the response is returned.
// With it, Get returns nil at once, OnComplete receives the response in a new task later, and t may be nil.
// Transfer failures are reported in [Response.Error]; the returned error is a [*ConfigError].
func (e *Engine) Get(t *task.Task, opts Options) (*Response, error) {
	return e.request(t, MethodGet, opts)
}

// Post works like [Engine.Get].
// A body is sent as application/x-www-form-urlencoded unless a Content-Type header is given.
func (e *Engine) Post(t *task.Task, opts Options) (*Response, error) {
	return e.request(t, MethodPost, opts)
}

// Put works like [Engine.Post].
func (e *Engine) Put(t *task.Task, opts Options) (*Response, error) {
	return e.request(t, MethodPut, opts)
}

func (e *Engine) Delete(t *task.Task, opts Options) (*Response, error) {
	return e.request(t, MethodDelete, opts)
}

// Head works like [Engine.Get]. The response has no body.
func (e *Engine) Head(t *task.Task, opts Options) (*Response, error) {
	return e.request(t, MethodHead, opts)
}

func (e *Engine) Update(t *task.Task, opts Options) (*Response, error) {
	return e.request(t, MethodUpdate, opts)
}

type result struct {
	resp *Response
	err  error
}

// Do issues a request from outside the loop and waits for its response.
// The engine must be running. Returning early on ctx does not cancel the transfer.
func (e *Engine) Do(ctx context.Context, method string, opts Options) (*Response, error) {
	if opts.OnComplete != nil {
		return nil, configErrorf("oncomplete", "not supported by Do")
	}

	resc := make(chan result, 1)
	err := e.Go(func(t *task.Task) {
		delivered := false
		defer func() {
			// Unwound by Shutdown.
			if !delivered {
				resc <- result{err: ErrShutdown}
			}
		}()

		resp, err := e.request(t, method, opts)
		delivered = true
		resc <- result{resp: resp, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-resc:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
