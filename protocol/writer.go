package protocol

import (
	"fmt"
	"io"
	"strconv"
)

var (
	OkReply        = []byte("+OK\r\n")
	NullBulkReply  = []byte("$-1\r\n")
	NullArrayReply = []byte("*-1\r\n")
)

func WriteOk(w io.Writer) error {
	_, err := w.Write(OkReply)
	return err
}

func WriteSimpleString(w io.Writer, s string) error {
	b := make([]byte, 0, len(s)+3)
	b = append(b, byte(SimpleString))
	b = append(b, s...)
	b = append(b, Terminal...)

	_, err := w.Write(b)
	return err
}

// WriteError writes an error reply. By convention errMsg starts with an error
// code such as ERR or WRONGTYPE.
func WriteError(w io.Writer, errMsg string) error {
	b := []byte(fmt.Sprintf("-%s\r\n", errMsg))
	_, err := w.Write(b)
	return err
}

func WriteInteger(w io.Writer, n int64) error {
	b := make([]byte, 0, 24)
	b = append(b, byte(Integer))
	b = strconv.AppendInt(b, n, 10)
	b = append(b, Terminal...)

	_, err := w.Write(b)
	return err
}

func WriteBulk(w io.Writer, data []byte) error {
	_, err := w.Write(appendBulk(nil, data))
	return err
}

func WriteNullBulk(w io.Writer) error {
	_, err := w.Write(NullBulkReply)
	return err
}

func WriteNullArray(w io.Writer) error {
	_, err := w.Write(NullArrayReply)
	return err
}

// WriteArrayHeader writes the count line of an array. The caller must write
// exactly n elements after it.
func WriteArrayHeader(w io.Writer, n int) error {
	_, err := w.Write(appendHeader(nil, Array, int64(n)))
	return err
}

// WriteBulks writes an array of bulk strings in a single Write call.
func WriteBulks(w io.Writer, items ...[]byte) error {
	b := appendHeader(nil, Array, int64(len(items)))
	for _, item := range items {
		b = appendBulk(b, item)
	}

	_, err := w.Write(b)
	return err
}

// WriteValue encodes v, including any nested elements, in a single Write
// call.
func WriteValue(w io.Writer, v *Value) error {
	_, err := w.Write(AppendValue(nil, v))
	return err
}

// AppendValue appends the wire form of v to dst.
func AppendValue(dst []byte, v *Value) []byte {
	switch v.Kind {
	case SimpleString, Error:
		dst = append(dst, byte(v.Kind))
		dst = append(dst, v.Str...)
		return append(dst, Terminal...)

	case Integer:
		return appendHeader(dst, Integer, v.Int)

	case BulkString:
		if v.Null {
			return append(dst, NullBulkReply...)
		}
		return appendBulk(dst, v.Str)

	default:
		if v.Null {
			return append(dst, NullArrayReply...)
		}

		dst = appendHeader(dst, Array, int64(len(v.Elems)))
		for _, e := range v.Elems {
			dst = AppendValue(dst, e)
		}
		return dst
	}
}

func appendHeader(dst []byte, kind Kind, n int64) []byte {
	dst = append(dst, byte(kind))
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, Terminal...)
}

func appendBulk(dst []byte, data []byte) []byte {
	dst = appendHeader(dst, BulkString, int64(len(data)))
	dst = append(dst, data...)
	return append(dst, Terminal...)
}
