// Package framing implements the length-prefixed JSON-RPC message codec
// shared by stdio sessions and upstream process pipes (spec §4.1).
//
// Encode is pure. Decode is a pure state machine over an io.Reader: header
// lines are read until a blank line, the only required header is
// Content-Length (case-insensitive), unknown headers are ignored, and a body
// that fails to parse as JSON is dropped without aborting the stream — the
// decoder simply resumes at the next header.
package framing

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// ErrStreamClosed is returned when EOF is encountered before any header
// bytes of a new frame have been read — a clean end of stream.
var ErrStreamClosed = errors.New("framing: stream closed")

// ErrTruncatedFrame is returned when EOF is encountered mid-frame (after
// headers, before the body is fully read). This is fatal for the stream.
var ErrTruncatedFrame = errors.New("framing: truncated frame")

// Encode serializes v as compact UTF-8 JSON and prepends the Content-Length
// header.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("framing: marshal body: %w", err)
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	out = append(out, body...)
	return out, nil
}

// Decoder reads framed messages from a byte stream.
type Decoder struct {
	r *bufio.Reader
	// OnDropped is invoked (if non-nil) whenever a frame is dropped because
	// its body failed to parse as JSON — "frame malformed" in spec §7.
	OnDropped func(err error)
}

// NewDecoder wraps r for frame-at-a-time decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next reads and JSON-decodes the next frame into v. It loops internally
// past malformed bodies (reporting them via OnDropped) so that callers only
// ever see a valid frame, ErrStreamClosed, or ErrTruncatedFrame.
func (d *Decoder) Next(v any) error {
	for {
		body, err := d.readFrame()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, v); err != nil {
			if d.OnDropped != nil {
				d.OnDropped(fmt.Errorf("framing: malformed frame body: %w", err))
			}
			continue
		}
		return nil
	}
}

// readFrame reads one Content-Length-delimited body, tolerating and
// discarding unknown headers.
func (d *Decoder) readFrame() ([]byte, error) {
	tp := textproto.NewReader(d.r)

	length := -1
	sawAnyHeaderByte := false
	for {
		line, err := tp.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !sawAnyHeaderByte {
					return nil, ErrStreamClosed
				}
				return nil, ErrTruncatedFrame
			}
			return nil, fmt.Errorf("framing: read header: %w", err)
		}
		if line == "" {
			// Blank line: end of headers.
			break
		}
		sawAnyHeaderByte = true
		if name, value, ok := strings.Cut(line, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(name), "content-length") {
				n, err := strconv.Atoi(strings.TrimSpace(value))
				if err != nil {
					return nil, fmt.Errorf("framing: invalid Content-Length: %w", err)
				}
				length = n
			}
			// Any other header is ignored.
		}
	}

	if length < 0 {
		return nil, fmt.Errorf("framing: missing Content-Length header")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, fmt.Errorf("framing: read body: %w", err)
	}
	return body, nil
}
