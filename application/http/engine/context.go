package engine

import (
	"bytes"
	"log/slog"

	"async-http/application/http/cookie"
	"async-http/application/http/multi"
	"async-http/lib/task"
)

// transferContext is the state of one request, from submission until its result is delivered.
// It's only touched on the loop.
type transferContext struct {
	handle *multi.Handle
	method string
	url    string

	// caller waits suspended for the response when onComplete is nil.
	caller *task.Task

	onProgress ProgressFunc
	onHeader   HeaderFunc
	onSend     SendFunc
	onReceive  ReceiveFunc
	onComplete CompleteFunc

	body    *bytes.Buffer
	headers Headers
	charset string
	status  int

	// headerTask is the latest OnHeader invocation.
	headerTask *task.Task

	jar     *cookie.Jar
	tasks   *taskSet
	verbose *verboseLog

	logger *slog.Logger
}

// caller is only kept when there is no OnComplete to deliver the response to.
func newTransferContext(method string, opts *Options, caller *task.Task, tasks *taskSet, logger *slog.Logger) *transferContext {
	if opts.OnComplete != nil {
		caller = nil
	}

	return &transferContext{
		method:     method,
		url:        opts.URL,
		caller:     caller,
		onProgress: opts.OnProgress,
		onHeader:   opts.OnHeader,
		onSend:     opts.OnSend,
		onReceive:  opts.OnReceive,
		onComplete: opts.OnComplete,
		body:       new(bytes.Buffer),
		headers:    make(Headers),
		tasks:      tasks,
		logger:     logger.With(slog.String("method", method), slog.String("url", opts.URL)),
	}
}

// bind points the callbacks of cfg at tc.
func (tc *transferContext) bind(cfg *multi.Config) {
	cfg.Private = tc
	cfg.HeaderFunc = tc.onHeaderLine
	cfg.WriteFunc = tc.onWrite

	if tc.onSend != nil {
		cfg.ReadFunc = tc.onRead
	}
	if tc.onProgress != nil {
		cfg.ProgressFunc = tc.onProgressUpdate
	}
	if tc.verbose != nil {
		cfg.DebugFunc = tc.onDebug
	}
	if tc.jar != nil {
		cfg.CookieJar = tc.jar
	}
}

// finalize builds the response of the finished transfer.
func (tc *transferContext) finalize(err error) *Response {
	resp := &Response{
		ResponseCode: tc.handle.ResponseCode(),
		Headers:      tc.headers,
		Cookies:      tc.handle.Cookies(),
		Charset:      tc.charset,
	}
	if tc.body.Len() > 0 {
		resp.Body = bytes.Clone(tc.body.Bytes())
	}
	if err != nil {
		resp.Error = err.Error()
		tc.logger.Debug("transfer failed", slog.String("error", resp.Error))
	}

	if tc.jar != nil {
		if err := tc.jar.Save(); err != nil {
			tc.logger.Error("failed to save cookie jar",
				slog.String("path", tc.jar.Path()),
				slog.String("error", err.Error()),
			)
		}
	}

	return resp
}

// failed builds the response of a request the multi refused.
func (tc *transferContext) failed(err error) *Response {
	return &Response{
		Headers: make(Headers),
		Error:   err.Error(),
	}
}

// release drops every reference the context holds.
func (tc *transferContext) release() {
	tc.caller = nil
	tc.onProgress = nil
	tc.onHeader = nil
	tc.onSend = nil
	tc.onReceive = nil
	tc.onComplete = nil
	tc.headerTask = nil

	tc.body = nil
	tc.headers = nil
	tc.handle = nil
	tc.jar = nil
}
