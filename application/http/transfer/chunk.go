package transfer

import (
	"bytes"
	"io"
	"math/big"
	"strconv"

	"async-http/application/util/rule"

	"github.com/pkg/errors"
)

type Chunk struct {
	Size       uint
	Extensions [][2]string
}

type chunkState uint8

const (
	stateSize chunkState = iota
	stateData
	stateDataEnd
	stateTrailer
	stateDone
)

var (
	ErrMalformedChunk = errors.New("chunk is malformed")
	ErrLineTooLong    = errors.New("chunk line length exceeds limit")
)

// maxLineLength limits chunk-size and trailer lines.
const maxLineLength = 8 << 10

// ChunkedDecoder decodes chunked message body incrementally.
// Input can be split at any byte boundary.
type ChunkedDecoder struct {
	state chunkState
	chunk Chunk
	read  uint // reset for each chunk

	line []byte

	// onTrailer receives each trailer line including its terminator.
	// The empty line ending trailer section is delivered as well.
	onTrailer func(line []byte) error
}

func NewChunkedDecoder(onTrailer func(line []byte) error) *ChunkedDecoder {
	return &ChunkedDecoder{onTrailer: onTrailer}
}

func (cd *ChunkedDecoder) LastChunk() Chunk { return cd.chunk }

// Done reports whether last chunk and trailer section were decoded.
func (cd *ChunkedDecoder) Done() bool { return cd.state == stateDone }

// Decode consumes in and calls onData with decoded body data.
// It stops consuming once the message is complete, returning the number of bytes used.
func (cd *ChunkedDecoder) Decode(in []byte, onData func(p []byte) error) (consumed int, err error) {
	for consumed < len(in) && cd.state != stateDone {
		rest := in[consumed:]

		switch cd.state {
		case stateData:
			n := min(uint(len(rest)), cd.chunk.Size-cd.read)
			consumed += int(n)
			cd.read += n
			if cd.read == cd.chunk.Size {
				cd.state = stateDataEnd
			}
			if err := onData(rest[:n]); err != nil {
				return consumed, err
			}
			continue
		}

		line, n, complete := cd.takeLine(rest)
		consumed += n
		if !complete {
			if len(cd.line) > maxLineLength {
				return consumed, ErrLineTooLong
			}
			continue
		}

		switch cd.state {
		case stateSize:
			if err := cd.decodeChunk(trimLine(line)); err != nil {
				return consumed, errors.Wrap(err, "decoding chunk")
			}
			cd.read = 0
			if cd.chunk.Size == 0 {
				cd.state = stateTrailer
			} else {
				cd.state = stateData
			}

		case stateDataEnd:
			if len(trimLine(line)) != 0 {
				return consumed, errors.Wrap(ErrMalformedChunk, "CRLF delimiter not found")
			}
			cd.state = stateSize

		case stateTrailer:
			if cd.onTrailer != nil {
				if err := cd.onTrailer(line); err != nil {
					return consumed, err
				}
			}
			if len(trimLine(line)) == 0 {
				cd.state = stateDone
			}
		}
	}

	return consumed, nil
}

// takeLine accumulates a line across calls. The returned line includes its terminator.
func (cd *ChunkedDecoder) takeLine(b []byte) (line []byte, consumed int, complete bool) {
	idx := bytes.IndexByte(b, rule.LF)
	if idx < 0 {
		cd.line = append(cd.line, b...)
		return nil, len(b), false
	}

	line = append(cd.line, b[:idx+1]...)
	cd.line = nil
	return line, idx + 1, true
}

func trimLine(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{rule.LF})
	return bytes.TrimSuffix(line, []byte{rule.CR})
}

func (cd *ChunkedDecoder) decodeChunk(line []byte) error {
	parts := bytes.Split(line, []byte{';'})

	sizeRaw := bytes.TrimFunc(parts[0], rule.IsWhitespace)
	chunkSize, err := decodeChunkSize(sizeRaw)
	if err != nil {
		return errors.Wrap(err, "decoding chunk size")
	}

	// Decode chunk extensions
	parts = parts[1:]
	extensions := make([][2]string, 0, len(parts))
	for _, part := range parts {
		k, v, _ := bytes.Cut(part, []byte{'='})
		// Trim BWS.
		k = bytes.TrimFunc(k, rule.IsWhitespace)
		v = bytes.TrimFunc(v, rule.IsWhitespace)

		extensions = append(extensions, [2]string{
			string(k),
			string(rule.Unquote(v)),
		})
	}

	cd.chunk = Chunk{Size: chunkSize, Extensions: extensions}

	return nil
}

func decodeChunkSize(b []byte) (uint, error) {
	if len(b) == 0 {
		return 0, errors.Wrap(ErrMalformedChunk, "chunk size is empty")
	}

	n, ok := big.NewInt(0).SetString(string(b), 16)
	if !ok || n.Sign() < 0 {
		return 0, errors.Errorf("failed to decode hex: %q", string(b))
	}

	if n.BitLen() > 63 {
		return 0, errors.Errorf("chunk size too large: %dbits", n.BitLen())
	}

	return uint(n.Uint64()), nil
}

// ChunkedWriter encodes written data as chunks.
// Close writes the last chunk and an empty trailer section.
type ChunkedWriter struct {
	w         io.Writer
	headerBuf *bytes.Buffer

	extensions [][2]string
}

var _ io.WriteCloser = (*ChunkedWriter)(nil)

func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{
		w:         w,
		headerBuf: bytes.NewBuffer(nil),
	}
}

// SetExtensions sets extension to the chunk.
// extension lives until [ChunkedWriter.Write].
func (cw *ChunkedWriter) SetExtensions(extensions [][2]string) {
	cw.extensions = extensions
}

func (cw *ChunkedWriter) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		// We should ignore 0 length chunks since it means EOF.
		return 0, nil
	}

	chunk := Chunk{Size: uint(len(p)), Extensions: cw.extensions}
	cw.extensions = nil

	if err := cw.encodeChunkHeader(chunk); err != nil {
		return 0, errors.Wrap(err, "encoding chunk")
	}

	if n, err = cw.w.Write(p); err != nil {
		return n, errors.Wrap(err, "writing data")
	}

	if err := writeLine(cw.w, nil); err != nil {
		return n, errors.Wrap(err, "writing chunk delimiter")
	}

	return n, nil
}

func (cw *ChunkedWriter) Close() error {
	chunk := Chunk{Size: 0, Extensions: cw.extensions}

	if err := cw.encodeChunkHeader(chunk); err != nil {
		return errors.Wrap(err, "encoding last chunk")
	}

	if err := writeLine(cw.w, nil); err != nil {
		return errors.Wrap(err, "writing last trailer line")
	}

	return nil
}

func (cw *ChunkedWriter) encodeChunkHeader(chunk Chunk) error {
	buf := cw.headerBuf
	buf.Reset()
	buf.WriteString(strconv.FormatUint(uint64(chunk.Size), 16))
	for _, ext := range chunk.Extensions {
		buf.WriteByte(';')
		buf.WriteString(ext[0])
		buf.WriteByte('=')
		buf.WriteString(ext[1])
	}

	return writeLine(cw.w, buf.Bytes())
}

func writeLine(w io.Writer, line []byte) error {
	if _, err := w.Write(append(line, rule.CRLF...)); err != nil {
		return errors.Wrap(err, "writing line")
	}

	return nil
}
