// Package netstring implements the netstring framing format used by the
// Postfix socketmap protocol: <len>:<payload>, where <len> is the ASCII
// decimal byte length of the payload.
package netstring

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrProtocol is returned for any malformed netstring input. The connection
// that produced it must be terminated, no recovery is possible mid-stream.
var ErrProtocol = errors.New("netstring: protocol error")

// DefaultMaxSize is the default maximum payload length a decoder accepts.
const DefaultMaxSize = 4096

// Encode wraps payload as a netstring.
func Encode(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+8)
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, ':')
	buf = append(buf, payload...)
	buf = append(buf, ',')
	return buf
}

// EncodeString wraps a string payload as a netstring.
func EncodeString(payload string) []byte {
	return Encode([]byte(payload))
}

// Decoder is an incremental netstring parser. Feed it arbitrary byte chunks,
// it yields complete frames and buffers partials across calls. Each
// connection needs its own decoder, the internal buffer is stateful.
type Decoder struct {
	maxSize   int
	maxDigits int
	buf       []byte
	failed    bool
}

// NewDecoder returns a decoder rejecting payloads longer than maxSize.
// A maxSize below 1 falls back to DefaultMaxSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize < 1 {
		maxSize = DefaultMaxSize
	}

	return &Decoder{
		maxSize:   maxSize,
		maxDigits: len(strconv.Itoa(maxSize)),
	}
}

// Feed consumes the next chunk of the stream and returns all frames that
// completed with it. After an error the decoder is poisoned and every
// further call fails.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	if d.failed {
		return nil, fmt.Errorf("%w: decoder already failed", ErrProtocol)
	}

	d.buf = append(d.buf, chunk...)

	var frames [][]byte

	for {
		frame, ok, err := d.next()
		if err != nil {
			d.failed = true
			return frames, err
		}
		if !ok {
			return frames, nil
		}
		frames = append(frames, frame)
	}
}

// next extracts one complete frame from the front of the buffer.
func (d *Decoder) next() ([]byte, bool, error) {
	colon := bytes.IndexByte(d.buf, ':')
	if colon < 0 {
		if len(d.buf) > d.maxDigits {
			return nil, false, fmt.Errorf("%w: length field too long", ErrProtocol)
		}
		for _, c := range d.buf {
			if c < '0' || c > '9' {
				return nil, false, fmt.Errorf("%w: invalid length character %q", ErrProtocol, c)
			}
		}
		return nil, false, nil
	}

	if colon == 0 {
		return nil, false, fmt.Errorf("%w: empty length field", ErrProtocol)
	}
	if colon > d.maxDigits {
		return nil, false, fmt.Errorf("%w: length field too long", ErrProtocol)
	}

	for _, c := range d.buf[:colon] {
		if c < '0' || c > '9' {
			return nil, false, fmt.Errorf("%w: invalid length character %q", ErrProtocol, c)
		}
	}

	length, err := strconv.Atoi(string(d.buf[:colon]))
	if err != nil {
		return nil, false, fmt.Errorf("%w: unparsable length", ErrProtocol)
	}
	if length > d.maxSize {
		return nil, false, fmt.Errorf("%w: frame length %d exceeds limit %d", ErrProtocol, length, d.maxSize)
	}

	total := colon + 1 + length + 1
	if len(d.buf) < total {
		return nil, false, nil
	}

	if d.buf[total-1] != ',' {
		return nil, false, fmt.Errorf("%w: missing trailing comma", ErrProtocol)
	}

	frame := make([]byte, length)
	copy(frame, d.buf[colon+1:colon+1+length])

	rest := len(d.buf) - total
	copy(d.buf, d.buf[total:])
	d.buf = d.buf[:rest]

	return frame, true, nil
}
