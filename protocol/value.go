package protocol

import (
	"strconv"
	"strings"
)

// Kind is the type tag that starts every RESP reply.
type Kind byte

const (
	SimpleString Kind = '+'
	Error        Kind = '-'
	Integer      Kind = ':'
	BulkString   Kind = '$'
	Array        Kind = '*'
)

func (k Kind) String() string {
	switch k {
	case SimpleString:
		return "simple-string"
	case Error:
		return "error"
	case Integer:
		return "integer"
	case BulkString:
		return "bulk-string"
	case Array:
		return "array"
	default:
		return "unknown(" + strconv.QuoteRune(rune(k)) + ")"
	}
}

// Value is a decoded reply.
//
// Str holds the payload of simple strings, errors, and bulk strings. Int holds
// the value of integers. Elems holds the elements of arrays, which may
// themselves be arrays. Null is set for the null bulk string ($-1) and the null
// array (*-1).
//
// Values returned by Decode share memory with the decoded buffer.
type Value struct {
	Kind  Kind
	Str   []byte
	Int   int64
	Elems []*Value
	Null  bool
}

// ServerError is an error reply sent by the server, e.g. "ERR unknown command".
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Prefix returns the first word of the error, which by convention is the
// error code (ERR, WRONGTYPE...).
func (e *ServerError) Prefix() string {
	if i := strings.IndexByte(e.Message, ' '); i >= 0 {
		return e.Message[:i]
	}

	return e.Message
}

// ErrorOrNil returns a *ServerError if the value is an error reply. Otherwise
// it returns nil.
func (v *Value) ErrorOrNil() error {
	if v.Kind == Error {
		return &ServerError{Message: string(v.Str)}
	}

	return nil
}

// IsNull returns true for null bulk strings and null arrays.
func (v *Value) IsNull() bool {
	return v.Null
}

// String renders the scalar payload of the value. Integers are formatted in
// base 10; arrays and nulls render as an empty string.
func (v *Value) String() string {
	switch v.Kind {
	case Integer:
		return strconv.FormatInt(v.Int, 10)
	case Array:
		return ""
	default:
		return string(v.Str)
	}
}

// Strings returns the string form of each element of an array reply. Null
// elements are returned as empty strings. Non-array values return nil.
func (v *Value) Strings() []string {
	if v.Kind != Array || v.Null {
		return nil
	}

	out := make([]string, len(v.Elems))
	for i, e := range v.Elems {
		out[i] = e.String()
	}

	return out
}

// Clone returns a deep copy of the value that does not share memory with the
// buffer it was decoded from.
func (v *Value) Clone() *Value {
	c := &Value{Kind: v.Kind, Int: v.Int, Null: v.Null}

	if v.Str != nil {
		c.Str = append([]byte(nil), v.Str...)
	}

	if v.Elems != nil {
		c.Elems = make([]*Value, len(v.Elems))
		for i, e := range v.Elems {
			c.Elems[i] = e.Clone()
		}
	}

	return c
}
