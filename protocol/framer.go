package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	// MaxBulkLen is the largest bulk string length that will be framed.
	// Anything larger is treated as a protocol error rather than buffered.
	MaxBulkLen = 512 * 1024 * 1024

	// MaxDepth is how deeply arrays may nest inside one reply.
	MaxDepth = 512
)

var (
	ErrProtocol   = errors.New("protocol error")
	ErrIncomplete = errors.New("reply is incomplete")
)

// TryFrame reports whether buf starts with one complete RESP reply.
//
// When the reply is complete, end is the offset one past its final byte and
// complete is true. When more bytes are needed complete is false and err is
// nil. Malformed input returns an error wrapping ErrProtocol.
//
// TryFrame never modifies buf, so it can be called again on the same bytes, or
// on the same bytes with more appended, as data arrives from the stream. Use a
// Framer to avoid re-reading the bytes already framed.
func TryFrame(buf []byte) (end int, complete bool, err error) {
	var f Framer
	return f.TryFrame(buf)
}

// Framer frames one reply at a time from a buffer that grows between calls.
// It remembers how far it got, so each byte is examined once no matter how
// many reads the reply is split across.
//
// The zero value is ready to use. Between calls the caller may only append
// to the buffer. Once a reply is complete, or an error is returned, the
// Framer starts over at offset 0, so the caller should drop the framed bytes
// before the next call.
type Framer struct {
	// pos is the offset of the next element header
	pos int

	// scanned is how far the header at pos has been searched for its LF
	scanned int

	// stack holds the elements still missing from each open array, innermost
	// last
	stack []int64
}

// TryFrame is like the package level TryFrame, but resumes from where the
// previous call stopped.
func (f *Framer) TryFrame(buf []byte) (end int, complete bool, err error) {
	for {
		next, children, ok, err := f.element(buf)
		if err != nil {
			f.Reset()
			return 0, false, err
		}

		if !ok {
			return 0, false, nil
		}

		f.pos, f.scanned = next, next

		if children > 0 {
			if len(f.stack) >= MaxDepth {
				f.Reset()
				return 0, false, fmt.Errorf("%w: arrays nested deeper than %d", ErrProtocol, MaxDepth)
			}

			f.stack = append(f.stack, children)
			continue
		}

		// A finished element may finish the arrays that hold it
		for len(f.stack) > 0 {
			top := len(f.stack) - 1

			f.stack[top]--
			if f.stack[top] > 0 {
				break
			}

			f.stack = f.stack[:top]
		}

		if len(f.stack) == 0 {
			end = f.pos
			f.Reset()

			return end, true, nil
		}
	}
}

// Reset discards any partially framed reply.
func (f *Framer) Reset() {
	f.pos, f.scanned = 0, 0
	f.stack = f.stack[:0]
}

// element frames the element header at f.pos. For a non-empty array it
// returns the number of elements that follow, for anything else next is the
// offset just past the whole element.
func (f *Framer) element(buf []byte) (next int, children int64, ok bool, err error) {
	pos := f.pos
	if pos >= len(buf) {
		return 0, 0, false, nil
	}

	kind := Kind(buf[pos])

	switch kind {
	case SimpleString, Error, Integer, BulkString, Array:
	default:
		return 0, 0, false, fmt.Errorf("%w: unknown reply type %q at offset %d",
			ErrProtocol, buf[pos], pos)
	}

	line, next, ok, err := readLine(buf, pos+1, f.scanned)
	if err != nil {
		return 0, 0, false, err
	}

	if !ok {
		f.scanned = len(buf)
		return 0, 0, false, nil
	}

	switch kind {
	case SimpleString, Error:
		return next, 0, true, nil

	case Integer:
		if _, err := parseInt(line); err != nil {
			return 0, 0, false, fmt.Errorf("%w: bad integer %q", ErrProtocol, line)
		}

		return next, 0, true, nil

	case BulkString:
		size, err := parseBulkLen(line)
		if err != nil {
			return 0, 0, false, err
		}

		if size == -1 {
			return next, 0, true, nil
		}

		// The payload is length-prefixed, so it is never searched for a
		// terminator. Only the two bytes after it must be CRLF.
		stop := next + int(size) + 2
		if stop > len(buf) {
			return 0, 0, false, nil
		}

		if buf[stop-2] != '\r' || buf[stop-1] != '\n' {
			return 0, 0, false, fmt.Errorf("%w: bulk string of length %d is not terminated by CRLF",
				ErrProtocol, size)
		}

		return stop, 0, true, nil

	default:
		count, err := parseInt(line)
		if err != nil || count < -1 {
			return 0, 0, false, fmt.Errorf("%w: bad array length %q", ErrProtocol, line)
		}

		if count <= 0 {
			return next, 0, true, nil
		}

		return next, count, true, nil
	}
}

// Decode decodes the first complete reply in buf and returns it along with
// the number of bytes it occupied. ErrIncomplete is returned if buf does not
// yet hold a whole reply.
func Decode(buf []byte) (*Value, int, error) {
	end, complete, err := TryFrame(buf)
	if err != nil {
		return nil, 0, err
	}

	if !complete {
		return nil, 0, ErrIncomplete
	}

	v, _ := decodeFramed(buf[:end], 0)
	return v, end, nil
}

// decodeFramed builds the Value at pos. buf must hold a reply that TryFrame
// accepted, so nothing is validated again and nesting is bounded by MaxDepth.
func decodeFramed(buf []byte, pos int) (*Value, int) {
	kind := Kind(buf[pos])
	line, next, _, _ := readLine(buf, pos+1, 0)

	switch kind {
	case SimpleString, Error:
		return &Value{Kind: kind, Str: line}, next

	case Integer:
		n, _ := parseInt(line)
		return &Value{Kind: Integer, Int: n}, next

	case BulkString:
		size, _ := parseInt(line)
		if size == -1 {
			return &Value{Kind: BulkString, Null: true}, next
		}

		stop := next + int(size)
		return &Value{Kind: BulkString, Str: buf[next:stop]}, stop + 2

	default:
		count, _ := parseInt(line)
		if count == -1 {
			return &Value{Kind: Array, Null: true}, next
		}

		v := &Value{Kind: Array, Elems: make([]*Value, 0, count)}
		for i := int64(0); i < count; i++ {
			var elem *Value
			elem, next = decodeFramed(buf, next)
			v.Elems = append(v.Elems, elem)
		}

		return v, next
	}
}

// readLine returns the bytes between pos and the next CRLF, and the offset
// immediately after the CRLF. ok is false if no line terminator has arrived
// yet. The search for the LF starts at from when that is past pos, since the
// bytes before it are known not to hold one.
func readLine(buf []byte, pos, from int) (line []byte, next int, ok bool, err error) {
	if from < pos {
		from = pos
	}

	idx := bytes.IndexByte(buf[from:], '\n')
	if idx < 0 {
		return nil, 0, false, nil
	}

	lf := from + idx
	if lf == pos || buf[lf-1] != '\r' {
		return nil, 0, false, fmt.Errorf("%w: line at offset %d is not terminated by CRLF",
			ErrProtocol, pos)
	}

	return buf[pos : lf-1], lf + 1, true, nil
}

func parseInt(line []byte) (int64, error) {
	if len(line) == 0 || line[0] == '+' {
		return 0, strconv.ErrSyntax
	}

	return strconv.ParseInt(string(line), 10, 64)
}

func parseBulkLen(line []byte) (int64, error) {
	size, err := parseInt(line)
	if err != nil || size < -1 {
		return 0, fmt.Errorf("%w: bad bulk length %q", ErrProtocol, line)
	}

	if size > MaxBulkLen {
		return 0, fmt.Errorf("%w: bulk length %d exceeds %d", ErrProtocol, size, MaxBulkLen)
	}

	return size, nil
}
