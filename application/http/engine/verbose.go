package engine

import (
	"bytes"
	"log/slog"
	"os"

	"async-http/application/http/multi"

	"github.com/pkg/errors"
)

// verboseLog appends protocol traces of verbose requests to a file shared by the engine.
// The file is opened on first use.
type verboseLog struct {
	path string
	f    *os.File
	// failed stops retrying to open a file that could not be opened.
	failed bool

	logger *slog.Logger
}

func newVerboseLog(path string, logger *slog.Logger) *verboseLog {
	return &verboseLog{path: path, logger: logger}
}

func verbosePrefix(kind multi.DebugKind) string {
	switch kind {
	case multi.DebugHeaderIn:
		return "< "
	case multi.DebugHeaderOut:
		return "> "
	}
	return "* "
}

func verboseKindName(kind multi.DebugKind) string {
	switch kind {
	case multi.DebugHeaderIn:
		return "header_in"
	case multi.DebugHeaderOut:
		return "header_out"
	}
	return "text"
}

func (v *verboseLog) write(kind multi.DebugKind, data []byte) {
	if v.f == nil {
		if v.failed {
			return
		}

		f, err := os.OpenFile(v.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			v.failed = true
			v.logger.Error("failed to open verbose log", slog.String("path", v.path), slog.String("error", err.Error()))
			return
		}
		v.f = f
	}

	var line bytes.Buffer
	line.WriteString(verbosePrefix(kind))
	line.Write(bytes.TrimRight(data, "\r\n"))
	line.WriteByte('\n')

	if _, err := v.f.Write(line.Bytes()); err != nil {
		v.logger.Error("failed to write verbose log", slog.String("path", v.path), slog.String("error", err.Error()))
	}
}

func (v *verboseLog) close() error {
	if v.f == nil {
		return nil
	}

	err := v.f.Close()
	v.f = nil
	return errors.Wrap(err, "closing verbose log")
}
