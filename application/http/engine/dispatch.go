package engine

import (
	"bytes"
	"log/slog"
	"strconv"
	"strings"

	"async-http/application/http/multi"
	"async-http/lib/task"

	"github.com/pkg/errors"
)

// The methods below are the multi callbacks of a transfer.
// Each user callback runs in a new task until it returns or first suspends;
// a suspended callback counts as having returned its default.

const charsetParam = "charset="

func (tc *transferContext) onHeaderLine(line []byte) {
	if len(line) <= 2 {
		tc.endHeaderBlock()
		return
	}

	text := string(line)
	colon := strings.IndexByte(text, ':')
	if colon < 0 || strings.IndexByte(text[:colon], ' ') >= 0 {
		tc.onStatusLine(text)
		return
	}
	if len(text) <= colon+3 {
		return
	}

	key := text[:colon]
	value := strings.TrimSpace(text[colon+1:])
	tc.headers.add(key, value)

	if strings.HasPrefix(text, "Content-Type") {
		if idx := strings.Index(value, charsetParam); idx >= 0 {
			tc.charset = value[idx+len(charsetParam):]
		}
	}
}

func (tc *transferContext) onStatusLine(text string) {
	if !strings.HasPrefix(text, "HTTP/") {
		return
	}

	fields := strings.Fields(text)
	if len(fields) < 2 {
		return
	}
	if code, err := strconv.Atoi(fields[1]); err == nil {
		tc.status = code
	}
}

func (tc *transferContext) endHeaderBlock() {
	if tc.onHeader == nil {
		return
	}

	onHeader, headers, code := tc.onHeader, tc.headers.clone(), tc.status
	tc.headerTask = task.Go(func(t *task.Task) {
		onHeader(t, headers, code)
	})
	tc.tasks.track(tc.headerTask)
}

func (tc *transferContext) onWrite(p []byte) int {
	if tc.onReceive == nil {
		tc.body.Write(p)
		return len(p)
	}

	// The multi reuses p once this returns, while the callback may still hold the chunk.
	onReceive, chunk := tc.onReceive, bytes.Clone(p)
	n, t, ok := task.Call(func(t *task.Task) int {
		return onReceive(t, chunk)
	})
	tc.tasks.track(t)

	if !ok || n == AcceptAll {
		return len(p)
	}
	return n
}

type sendResult struct {
	data []byte
	err  error
}

func (tc *transferContext) onRead(p []byte) (int, error) {
	onSend, size := tc.onSend, len(p)
	res, t, ok := task.Call(func(t *task.Task) sendResult {
		data, err := onSend(t, size)
		return sendResult{data: data, err: err}
	})
	tc.tasks.track(t)

	switch {
	case !ok:
		return 0, nil
	case errors.Is(res.err, ErrAbort):
		return 0, multi.ErrAbort
	case res.err != nil:
		return 0, res.err
	}

	return copy(p, res.data), nil
}

func (tc *transferContext) onProgressUpdate(dlTotal, dlNow, ulTotal, ulNow int64) bool {
	onProgress := tc.onProgress
	p := Progress{
		DownloadTotal: dlTotal,
		DownloadNow:   dlNow,
		UploadTotal:   ulTotal,
		UploadNow:     ulNow,
	}

	abort, t, ok := task.Call(func(t *task.Task) bool {
		return onProgress(t, p)
	})
	tc.tasks.track(t)

	return ok && abort
}

func (tc *transferContext) onDebug(kind multi.DebugKind, data []byte) {
	tc.verbose.write(kind, data)
	tc.logger.Debug("verbose", slog.String("kind", verboseKindName(kind)), slog.String("data", strings.TrimRight(string(data), "\r\n")))
}
