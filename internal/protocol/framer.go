package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Framing errors. Either one means the peer is misbehaving; the connection
// owner moves the connection to its error state.
var (
	ErrBufferOverflow  = errors.New("frame buffer overflow")
	ErrMessageTooLarge = errors.New("message exceeds maximum frame size")
)

// DefaultMaxFrameSize caps the per-connection frame buffer.
const DefaultMaxFrameSize = 1 << 20

// Framer assembles JSON message frames from a byte stream. The preferred
// delimiter is a newline; senders that omit it are tolerated by scanning
// for balanced JSON objects instead. Every appended byte either comes back
// inside an extracted frame or stays buffered for the next append.
type Framer struct {
	max int
	buf []byte
}

// NewFramer creates a framer with the given buffer cap in bytes.
func NewFramer(max int) *Framer {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &Framer{max: max}
}

// Append adds a chunk to the buffer and returns every complete frame it
// unlocked, in stream order. On ErrMessageTooLarge or ErrBufferOverflow the
// chunk is discarded and the buffer left as it was.
func (f *Framer) Append(chunk []byte) ([][]byte, error) {
	if len(chunk) > f.max {
		return nil, ErrMessageTooLarge
	}
	if len(f.buf)+len(chunk) > f.max {
		return nil, ErrBufferOverflow
	}
	f.buf = append(f.buf, chunk...)

	var frames [][]byte

	// Newline-delimited first. JSON strings cannot contain a raw newline,
	// so splitting here never cuts a frame in half.
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := append([]byte(nil), bytes.TrimSpace(f.buf[:i])...)
		f.consume(i + 1)
		if len(line) == 0 {
			continue
		}
		switch {
		case json.Valid(line):
			frames = append(frames, line)
		case bytes.IndexByte(line, '{') >= 0:
			// A sender squeezed several objects onto one line.
			sub, _ := scanObjects(line)
			frames = append(frames, sub...)
		default:
			// Not JSON at all. Hand it up so the connection can count
			// and log the rejection.
			frames = append(frames, line)
		}
	}

	// The remainder holds no newline; fall back to balanced-brace
	// scanning for senders that omit the delimiter.
	sub, consumed := scanObjects(f.buf)
	if consumed > 0 {
		frames = append(frames, sub...)
		f.consume(consumed)
	}

	return frames, nil
}

// Buffered returns the number of bytes awaiting a complete frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset discards all buffered bytes.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// consume drops n leading bytes, compacting the rest to the buffer start.
func (f *Framer) consume(n int) {
	rest := copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
}

// scanObjects extracts balanced JSON objects from data, returning the
// frames and how many bytes were consumed. Bytes after the last complete
// object (including a trailing partial object) are not consumed.
func scanObjects(data []byte) (frames [][]byte, consumed int) {
	i := 0
	for {
		start := bytes.IndexByte(data[i:], '{')
		if start < 0 {
			return frames, consumed
		}
		start += i
		end, ok := scanBalanced(data, start)
		if !ok {
			// Partial object; wait for more bytes.
			return frames, consumed
		}
		if candidate := data[start:end]; json.Valid(candidate) {
			frames = append(frames, append([]byte(nil), candidate...))
		}
		i = end
		consumed = end
	}
}

// scanBalanced returns the index just past the object opening at start,
// tracking brace depth outside string literals and honoring escapes.
func scanBalanced(data []byte, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
