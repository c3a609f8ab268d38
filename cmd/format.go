package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/luma/respwire/protocol"
)

// formatReply renders v the way redis-cli does. Raw output is the bare
// payloads, one per line. Otherwise strings are quoted, types are labelled and
// array elements are numbered.
func formatReply(v *protocol.Value, raw bool) string {
	if raw {
		return formatRaw(v) + "\n"
	}

	return formatTTY(v, "")
}

// formatTTY renders v for a terminal. prefix is the indentation of the
// enclosing array, it is written before every element except the first, which
// follows its parent's index on the same line.
func formatTTY(v *protocol.Value, prefix string) string {
	switch v.Kind {
	case protocol.Error:
		return "(error) " + string(v.Str) + "\n"

	case protocol.SimpleString:
		return string(v.Str) + "\n"

	case protocol.Integer:
		return "(integer) " + strconv.FormatInt(v.Int, 10) + "\n"

	case protocol.BulkString:
		if v.Null {
			return "(nil)\n"
		}
		return quote(v.Str) + "\n"

	default:
		if v.Null {
			return "(nil)\n"
		}

		if len(v.Elems) == 0 {
			return "(empty array)\n"
		}

		width := len(strconv.Itoa(len(v.Elems)))
		inner := prefix + strings.Repeat(" ", width+2)

		var b strings.Builder
		for i, e := range v.Elems {
			if i > 0 {
				b.WriteString(prefix)
			}

			fmt.Fprintf(&b, "%*d) ", width, i+1)
			b.WriteString(formatTTY(e, inner))
		}

		return b.String()
	}
}

func formatRaw(v *protocol.Value) string {
	switch v.Kind {
	case protocol.Integer:
		return strconv.FormatInt(v.Int, 10)

	case protocol.Array:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = formatRaw(e)
		}
		return strings.Join(parts, "\n")

	default:
		return string(v.Str)
	}
}

// quote wraps s in double quotes, escaping quotes, backslashes and anything
// unprintable.
func quote(s []byte) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')

	for _, c := range s {
		switch c {
		case '\\', '"':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\a':
			b.WriteString(`\a`)
		case '\b':
			b.WriteString(`\b`)
		default:
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			} else {
				fmt.Fprintf(&b, `\x%02x`, c)
			}
		}
	}

	b.WriteByte('"')
	return b.String()
}
