package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type Command string

const (
	QUIT    Command = "QUIT"
	PING    Command = "PING"
	ECHO    Command = "ECHO"
	SET     Command = "SET"
	GET     Command = "GET"
	DEL     Command = "DEL"
	EXISTS  Command = "EXISTS"
	KEYS    Command = "KEYS"
	TYPE    Command = "TYPE"
	RENAME  Command = "RENAME"
	EXPIRE  Command = "EXPIRE"
	LPUSH   Command = "LPUSH"
	RPUSH   Command = "RPUSH"
	LPOP    Command = "LPOP"
	RPOP    Command = "RPOP"
	LLEN    Command = "LLEN"
	LINDEX  Command = "LINDEX"
	LSET    Command = "LSET"
	LRANGE  Command = "LRANGE"
	LGET    Command = "LGET"
	HSET    Command = "HSET"
	HGET    Command = "HGET"
	HDEL    Command = "HDEL"
	HEXISTS Command = "HEXISTS"
	HLEN    Command = "HLEN"
	HKEYS   Command = "HKEYS"
	HVALS   Command = "HVALS"
	HGETALL Command = "HGETALL"
)

// ParseCommand returns the canonical (upper case) form of a command name.
func ParseCommand(name string) Command {
	return Command(strings.ToUpper(name))
}

var (
	ErrInvalidCommand = errors.New("invalid command: at least a command name is required")

	Terminal = []byte("\r\n")
)

// EncodeCommand serialises a command name and its arguments as a RESP array of
// bulk strings:
//
//   *<N>\r\n$<len(arg)>\r\n<arg>\r\n...
//
// Lengths are byte lengths. Arguments are written as is, they may contain
// CRLF or any other bytes.
func EncodeCommand(args ...string) ([]byte, error) {
	return AppendCommand(nil, args...)
}

// AppendCommand appends the encoded command to dst and returns the extended
// slice.
func AppendCommand(dst []byte, args ...string) ([]byte, error) {
	if len(args) == 0 {
		return dst, ErrInvalidCommand
	}

	size := 1 + 20 + 2
	for _, arg := range args {
		size += 1 + 20 + 2 + len(arg) + 2
	}

	if cap(dst)-len(dst) < size {
		grown := make([]byte, len(dst), len(dst)+size)
		copy(grown, dst)
		dst = grown
	}

	dst = append(dst, byte(Array))
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, Terminal...)

	for _, arg := range args {
		dst = append(dst, byte(BulkString))
		dst = strconv.AppendInt(dst, int64(len(arg)), 10)
		dst = append(dst, Terminal...)
		dst = append(dst, arg...)
		dst = append(dst, Terminal...)
	}

	return dst, nil
}

// WriteCommand encodes the command and writes it to w with a single Write
// call.
func WriteCommand(w io.Writer, args ...string) error {
	b, err := EncodeCommand(args...)
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

const (
	// MaxCommandArgs is the largest argument count a command frame may
	// declare.
	MaxCommandArgs = 1024 * 1024

	// MaxHeaderLen bounds a command frame header line, so a peer cannot make
	// the decoder buffer an endless line.
	MaxHeaderLen = 64 * 1024
)

// DecodeCommand decodes a command frame produced by EncodeCommand, returning
// its arguments and the number of bytes consumed. ErrIncomplete is returned
// when buf does not yet hold the whole frame.
func DecodeCommand(buf []byte) ([]string, int, error) {
	var d CommandDecoder
	return d.Decode(buf)
}

// CommandDecoder decodes command frames from a buffer that grows between
// calls, keeping the arguments decoded so far. Anything other than an array
// of bulk strings is rejected as soon as the offending type byte is seen.
//
// The zero value is ready to use. Between calls the caller may only append
// to the buffer. After a frame is returned, or an error other than
// ErrIncomplete, the decoder starts over at offset 0.
type CommandDecoder struct {
	args []string
	want int
	pos  int

	// scanned is how far the header at pos has been searched for its LF
	scanned int
}

func (d *CommandDecoder) Decode(buf []byte) ([]string, int, error) {
	args, n, err := d.decode(buf)
	if !errors.Is(err, ErrIncomplete) {
		d.Reset()
	}

	return args, n, err
}

// Reset discards any partially decoded frame.
func (d *CommandDecoder) Reset() {
	*d = CommandDecoder{}
}

func (d *CommandDecoder) decode(buf []byte) ([]string, int, error) {
	if d.args == nil {
		count, next, err := d.header(buf, Array)
		if err != nil {
			return nil, 0, err
		}

		switch {
		case count == -1:
			return nil, 0, fmt.Errorf("%w: expected a command array, got a null array", ErrProtocol)
		case count == 0:
			return nil, 0, ErrInvalidCommand
		case count > MaxCommandArgs:
			return nil, 0, fmt.Errorf("%w: invalid multibulk length %d", ErrProtocol, count)
		}

		prealloc := count
		if prealloc > 1024 {
			prealloc = 1024
		}

		d.args = make([]string, 0, prealloc)
		d.want = int(count)
		d.pos, d.scanned = next, next
	}

	for len(d.args) < d.want {
		size, next, err := d.header(buf, BulkString)
		if err != nil {
			return nil, 0, err
		}

		if size == -1 {
			return nil, 0, fmt.Errorf("%w: command argument %d is a null bulk string", ErrProtocol, len(d.args))
		}

		stop := next + int(size) + 2
		if stop > len(buf) {
			return nil, 0, ErrIncomplete
		}

		if buf[stop-2] != '\r' || buf[stop-1] != '\n' {
			return nil, 0, fmt.Errorf("%w: bulk string of length %d is not terminated by CRLF",
				ErrProtocol, size)
		}

		d.args = append(d.args, string(buf[next:stop-2]))
		d.pos, d.scanned = stop, stop
	}

	return d.args, d.pos, nil
}

// header reads the header line at d.pos, which must be of kind want, and
// returns its length field.
func (d *CommandDecoder) header(buf []byte, want Kind) (int64, int, error) {
	if d.pos >= len(buf) {
		return 0, 0, ErrIncomplete
	}

	if kind := Kind(buf[d.pos]); kind != want {
		if want == Array {
			return 0, 0, fmt.Errorf("%w: expected a command array, got %s", ErrProtocol, kind)
		}

		return 0, 0, fmt.Errorf("%w: expected a bulk string for command argument %d, got %s",
			ErrProtocol, len(d.args), kind)
	}

	line, next, ok, err := readLine(buf, d.pos+1, d.scanned)
	if err != nil {
		return 0, 0, err
	}

	if !ok {
		if len(buf)-d.pos > MaxHeaderLen {
			return 0, 0, fmt.Errorf("%w: header line longer than %d bytes", ErrProtocol, MaxHeaderLen)
		}

		d.scanned = len(buf)
		return 0, 0, ErrIncomplete
	}

	if want == Array {
		count, err := parseInt(line)
		if err != nil || count < -1 {
			return 0, 0, fmt.Errorf("%w: bad array length %q", ErrProtocol, line)
		}

		return count, next, nil
	}

	size, err := parseBulkLen(line)
	return size, next, err
}
