// Package rpcconn implements the LSP base protocol: Content-Length framed
// JSON-RPC 2.0 messages over a duplex byte stream, request/response
// correlation, notification dispatch, and server-initiated requests.
package rpcconn

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const headerSeparator = "\r\n\r\n"

// Codec decodes a stream of Content-Length framed messages incrementally.
// Fragments may arrive at arbitrary byte boundaries; Codec buffers until a
// full header block and payload are available. A header block with no
// Content-Length field is discarded and decoding continues with whatever
// follows it — the codec never gets stuck on a malformed frame.
type Codec struct {
	buf bytes.Buffer
}

// NewCodec returns an empty, ready-to-use Codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Feed appends a fragment of the wire stream to the internal buffer.
func (c *Codec) Feed(fragment []byte) {
	c.buf.Write(fragment)
}

// Next attempts to decode one complete message from the buffered bytes.
// It returns (payload, true) if a message was decoded, or (nil, false) if
// more bytes are needed. It may consume and discard one or more malformed
// header blocks before returning false, so callers should call Next in a
// loop until it returns false.
func (c *Codec) Next() ([]byte, bool) {
	for {
		data := c.buf.Bytes()
		idx := bytes.Index(data, []byte(headerSeparator))
		if idx < 0 {
			return nil, false
		}

		header := string(data[:idx])
		bodyStart := idx + len(headerSeparator)

		length, ok := contentLength(header)
		if !ok {
			// Malformed header block: discard it and keep scanning for the
			// next one. There is no way to know how long a bad header block
			// "should" have been, so we only drop the header we just parsed.
			c.buf.Next(bodyStart)
			continue
		}

		if len(data) < bodyStart+length {
			return nil, false // payload not fully buffered yet
		}

		payload := make([]byte, length)
		copy(payload, data[bodyStart:bodyStart+length])
		c.buf.Next(bodyStart + length)
		return payload, true
	}
}

// contentLength extracts the Content-Length value from a raw header block.
// Other header fields (e.g. Content-Type) are ignored.
func contentLength(header string) (int, bool) {
	for _, line := range strings.Split(header, "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Encode frames a payload with an LSP Content-Length header.
func Encode(payload []byte) []byte {
	header := fmt.Sprintf("Content-Length: %d%s", len(payload), headerSeparator)
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out
}
