package cmd

import (
	"errors"
)

var errInvalidArguments = errors.New("invalid argument(s)")

// splitArgs splits a line typed at the prompt into command arguments.
// Arguments are separated by whitespace and may be quoted. Double quoted
// arguments understand \n, \r, \t, \b, \a and \xHH escapes, single quoted ones
// only \'. A closing quote must be followed by whitespace or the end of the
// line.
func splitArgs(line string) ([]string, error) {
	var (
		args []string
		i    int
	)

	for {
		for i < len(line) && isSpace(line[i]) {
			i++
		}

		if i == len(line) {
			return args, nil
		}

		var (
			current []byte
			inDouble bool
			inSingle bool
		)

	arg:
		for {
			switch {
			case inDouble:
				if i == len(line) {
					return nil, errInvalidArguments
				}

				c := line[i]
				switch {
				case c == '\\' && i+3 < len(line) && line[i+1] == 'x' && isHex(line[i+2]) && isHex(line[i+3]):
					current = append(current, fromHex(line[i+2])<<4|fromHex(line[i+3]))
					i += 3
				case c == '\\' && i+1 < len(line):
					i++
					current = append(current, unescape(line[i]))
				case c == '"':
					if i+1 < len(line) && !isSpace(line[i+1]) {
						return nil, errInvalidArguments
					}
					i++
					break arg
				default:
					current = append(current, c)
				}

			case inSingle:
				if i == len(line) {
					return nil, errInvalidArguments
				}

				c := line[i]
				switch {
				case c == '\\' && i+1 < len(line) && line[i+1] == '\'':
					i++
					current = append(current, '\'')
				case c == '\'':
					if i+1 < len(line) && !isSpace(line[i+1]) {
						return nil, errInvalidArguments
					}
					i++
					break arg
				default:
					current = append(current, c)
				}

			default:
				if i == len(line) {
					break arg
				}

				switch c := line[i]; {
				case isSpace(c):
					i++
					break arg
				case c == '"':
					inDouble = true
				case c == '\'':
					inSingle = true
				default:
					current = append(current, c)
				}
			}

			i++
		}

		args = append(args, string(current))
	}
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\n', '\r', '\t', '\v', '\f', 0:
		return true
	}
	return false
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func fromHex(c byte) byte {
	switch {
	case c >= 'a':
		return c - 'a' + 10
	case c >= 'A':
		return c - 'A' + 10
	default:
		return c - '0'
	}
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'a':
		return '\a'
	default:
		return c
	}
}
