package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/luma/respwire/protocol"
	"github.com/luma/respwire/storage"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrWrongArity     = errors.New("wrong number of arguments")
	ErrNotInteger     = errors.New("ERR value is not an integer or out of range")
	ErrSyntax         = errors.New("ERR syntax error")
)

type handlerFunc func(ctx context.Context, store storage.Store, w io.Writer, args []string) error

// commandDef describes a command the server answers. Arity counts the
// command name: a positive arity is exact, a negative one is a minimum.
type commandDef struct {
	arity   int
	handler handlerFunc
}

var commands = map[protocol.Command]commandDef{
	protocol.QUIT:   {1, handleQuit},
	protocol.PING:   {-1, handlePing},
	protocol.ECHO:   {2, handleEcho},
	protocol.SET:    {3, handleSet},
	protocol.GET:    {2, handleGet},
	protocol.DEL:    {-2, handleDel},
	protocol.EXISTS: {-2, handleExists},
	protocol.KEYS:   {-1, handleKeys},
	protocol.TYPE:   {2, handleType},
	protocol.RENAME: {3, handleRename},
	protocol.EXPIRE: {3, handleExpire},

	protocol.LPUSH:  {-3, handleLPush},
	protocol.RPUSH:  {-3, handleRPush},
	protocol.LPOP:   {2, handleLPop},
	protocol.RPOP:   {2, handleRPop},
	protocol.LLEN:   {2, handleLLen},
	protocol.LINDEX: {3, handleLIndex},
	protocol.LSET:   {4, handleLSet},
	protocol.LRANGE: {4, handleLRange},
	protocol.LGET:   {2, handleLGet},

	protocol.HSET:    {-4, handleHSet},
	protocol.HGET:    {3, handleHGet},
	protocol.HDEL:    {-3, handleHDel},
	protocol.HEXISTS: {3, handleHExists},
	protocol.HLEN:    {2, handleHLen},
	protocol.HKEYS:   {2, handleHKeys},
	protocol.HVALS:   {2, handleHVals},
	protocol.HGETALL: {2, handleHGetAll},
}

// Handle runs one command against store and writes exactly one reply to w.
//
// Errors that are the client's fault (unknown commands, bad arguments, wrong
// types) are written as error replies and also returned so they can be
// logged. Only a failure to write the reply leaves w without a reply.
func Handle(ctx context.Context, store storage.Store, w io.Writer, args []string) (protocol.Command, error) {
	if len(args) == 0 {
		return "", protocol.WriteError(w, "ERR empty command")
	}

	cmd := protocol.ParseCommand(args[0])

	def, ok := commands[cmd]
	if !ok {
		err := fmt.Errorf("%w '%s'", ErrUnknownCommand, args[0])
		return cmd, writeErr(w, "ERR "+err.Error(), err)
	}

	if (def.arity > 0 && len(args) != def.arity) || (def.arity < 0 && len(args) < -def.arity) {
		err := fmt.Errorf("%w for '%s' command", ErrWrongArity, strings.ToLower(args[0]))
		return cmd, writeErr(w, "ERR "+err.Error(), err)
	}

	if err := def.handler(ctx, store, w, args[1:]); err != nil {
		if errors.Is(err, errWriteFailed) {
			return cmd, err
		}

		return cmd, writeErr(w, err.Error(), err)
	}

	return cmd, nil
}

var errWriteFailed = errors.New("failed to write reply")

func writeErr(w io.Writer, msg string, err error) error {
	if werr := protocol.WriteError(w, msg); werr != nil {
		return fmt.Errorf("%w: %v", errWriteFailed, werr)
	}

	return err
}

// reply wraps write errors so Handle does not try to write a second reply.
func reply(err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", errWriteFailed, err)
	}

	return nil
}

func handleQuit(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return reply(protocol.WriteOk(w))
}

func handlePing(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	switch len(args) {
	case 0:
		return reply(protocol.WriteSimpleString(w, "PONG"))
	case 1:
		return reply(protocol.WriteBulk(w, []byte(args[0])))
	default:
		return fmt.Errorf("ERR %w for 'ping' command", ErrWrongArity)
	}
}

func handleEcho(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return reply(protocol.WriteBulk(w, []byte(args[0])))
}

func handleSet(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	if err := store.Set(ctx, args[0], []byte(args[1])); err != nil {
		return err
	}

	return reply(protocol.WriteOk(w))
}

func handleGet(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeOptionalBulk(w)(store.Get(ctx, args[0]))
}

func handleDel(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeInteger(w)(store.Del(ctx, args...))
}

func handleExists(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeInteger(w)(store.Exists(ctx, args...))
}

func handleKeys(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	pattern := "*"
	if len(args) > 0 {
		pattern = args[0]
	}

	keys, err := store.Keys(ctx, pattern)
	if err != nil {
		return ErrSyntax
	}

	return reply(protocol.WriteBulks(w, stringsToBytes(keys)...))
}

func handleType(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	t, err := store.Type(ctx, args[0])
	if err != nil {
		return err
	}

	return reply(protocol.WriteSimpleString(w, string(t)))
}

func handleRename(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	if err := store.Rename(ctx, args[0], args[1]); err != nil {
		return err
	}

	return reply(protocol.WriteOk(w))
}

// handleExpire validates its arguments and reports whether the key exists.
// Keys never actually expire.
func handleExpire(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	if _, err := strconv.ParseInt(args[1], 10, 64); err != nil {
		return ErrNotInteger
	}

	return writeInteger(w)(store.Exists(ctx, args[0]))
}

func handleLPush(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeInteger(w)(store.LPush(ctx, args[0], stringsToBytes(args[1:])...))
}

func handleRPush(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeInteger(w)(store.RPush(ctx, args[0], stringsToBytes(args[1:])...))
}

func handleLPop(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeOptionalBulk(w)(store.LPop(ctx, args[0]))
}

func handleRPop(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeOptionalBulk(w)(store.RPop(ctx, args[0]))
}

func handleLLen(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeInteger(w)(store.LLen(ctx, args[0]))
}

func handleLIndex(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return ErrNotInteger
	}

	return writeOptionalBulk(w)(store.LIndex(ctx, args[0], index))
}

func handleLSet(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return ErrNotInteger
	}

	if err := store.LSet(ctx, args[0], index, []byte(args[2])); err != nil {
		return err
	}

	return reply(protocol.WriteOk(w))
}

func handleLRange(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	start, err := strconv.Atoi(args[1])
	if err != nil {
		return ErrNotInteger
	}

	stop, err := strconv.Atoi(args[2])
	if err != nil {
		return ErrNotInteger
	}

	items, err := store.LRange(ctx, args[0], start, stop)
	if err != nil {
		return err
	}

	return reply(protocol.WriteBulks(w, items...))
}

// handleLGet returns the whole list, the same as LRANGE key 0 -1.
func handleLGet(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return handleLRange(ctx, store, w, []string{args[0], "0", "-1"})
}

func handleHSet(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	pairs := args[1:]
	if len(pairs)%2 != 0 {
		return fmt.Errorf("ERR %w for 'hset' command", ErrWrongArity)
	}

	fields := make([]storage.FieldValue, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		fields = append(fields, storage.FieldValue{Field: pairs[i], Value: []byte(pairs[i+1])})
	}

	return writeInteger(w)(store.HSet(ctx, args[0], fields...))
}

func handleHGet(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeOptionalBulk(w)(store.HGet(ctx, args[0], args[1]))
}

func handleHDel(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeInteger(w)(store.HDel(ctx, args[0], args[1:]...))
}

func handleHExists(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	ok, err := store.HExists(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	if ok {
		return reply(protocol.WriteInteger(w, 1))
	}

	return reply(protocol.WriteInteger(w, 0))
}

func handleHLen(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeInteger(w)(store.HLen(ctx, args[0]))
}

func handleHKeys(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeHash(ctx, store, w, args[0], true, false)
}

func handleHVals(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeHash(ctx, store, w, args[0], false, true)
}

func handleHGetAll(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
	return writeHash(ctx, store, w, args[0], true, true)
}

func writeHash(ctx context.Context, store storage.Store, w io.Writer, key string, fields, values bool) error {
	hash, err := store.HGetAll(ctx, key)
	if err != nil {
		return err
	}

	items := make([][]byte, 0, 2*len(hash))
	for _, fv := range hash {
		if fields {
			items = append(items, []byte(fv.Field))
		}
		if values {
			items = append(items, fv.Value)
		}
	}

	return reply(protocol.WriteBulks(w, items...))
}

func writeInteger(w io.Writer) func(int, error) error {
	return func(n int, err error) error {
		if err != nil {
			return err
		}

		return reply(protocol.WriteInteger(w, int64(n)))
	}
}

func writeOptionalBulk(w io.Writer) func([]byte, bool, error) error {
	return func(value []byte, ok bool, err error) error {
		if err != nil {
			return err
		}

		if !ok {
			return reply(protocol.WriteNullBulk(w))
		}

		return reply(protocol.WriteBulk(w, value))
	}
}

func stringsToBytes(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}

	return out
}
