// Package stratum implements the client side of the Stratum V1 mining protocol:
// line codec, request correlation, connection management, the subscribe and
// authorize handshake, share submission, and the Client that ties them together.
package stratum

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/bardlex/gompminer/pkg/errors"
)

// MaxLineSize bounds one newline-delimited message. A longer line is
// skipped up to its newline.
const MaxLineSize = 64 * 1024

// bufferPool reuses encode buffers on the write path
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxLineSize {
		bufferPool.Put(buf)
	}
}

// ErrLineTooLong is returned by Decoder.Next for a line longer than
// MaxLineSize. The line is dropped; the following call resumes at the next line.
var ErrLineTooLong = errors.New(errors.ErrorTypeProtocol, "read", "line exceeds the maximum message size")

// Decoder splits a byte stream into Stratum lines.
type Decoder struct {
	reader     *bufio.Reader
	discarding bool
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReaderSize(r, MaxLineSize)}
}

// Next returns the next non-empty line with the trailing \r\n removed.
// The slice is only valid until the following call. It returns io.EOF at end
// of stream and ErrLineTooLong, which is not fatal, for an oversized line.
func (d *Decoder) Next() ([]byte, error) {
	for {
		if d.discarding {
			if err := d.skipLine(); err != nil {
				return nil, err
			}
		}

		line, err := d.reader.ReadSlice('\n')
		switch {
		case err == bufio.ErrBufferFull:
			d.discarding = true
			return nil, ErrLineTooLong
		case err != nil && (err != io.EOF || len(line) == 0):
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		return line, nil
	}
}

// skipLine consumes input up to and including the next newline.
func (d *Decoder) skipLine() error {
	for {
		_, err := d.reader.ReadSlice('\n')
		switch err {
		case nil:
			d.discarding = false
			return nil
		case bufio.ErrBufferFull:
			continue
		default:
			return err
		}
	}
}

// EncodeLine marshals msg and writes it to w followed by '\n' in a single Write.
func EncodeLine(w io.Writer, msg *Message) error {
	buf := getBuffer()
	defer putBuffer(buf)

	// json.Encoder terminates each value with a newline.
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	_, err := w.Write(buf.Bytes())
	return err
}
