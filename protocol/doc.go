package protocol

// This package implements encoding commands for, and framing replies from, a
// server speaking the Redis serialization protocol (RESP 2).
//
// - `Command` - A request, sent as an array of bulk strings. The first element
//               is the command name.
// - `Reply`   - Whatever the server sends back. One reply per command.
// - `Frame`   - The byte range of one complete reply within a buffer.
//
// === Requests
//
//   ```
//     *3\r\n$3\r\nSET\r\n$5\r\nmykey\r\n$11\r\nhello world\r\n
//   ```
//
// Every argument is length-prefixed so arguments may contain any bytes,
// including `\r\n`. Lengths are byte counts, not character counts.
//
// === Replies
//
// The first byte of a reply is its type tag.
//
// - `+` - Simple string, e.g. `+OK\r\n`
// - `-` - Error, e.g. `-ERR unknown command 'FOO'\r\n`
// - `:` - Integer, e.g. `:1000\r\n`
// - `$` - Bulk string, e.g. `$5\r\nhello\r\n`, or `$-1\r\n` for null
// - `*` - Array, e.g. `*2\r\n:1\r\n$-1\r\n`, or `*-1\r\n` for null. Elements
//         can be of any type, including other arrays.
//
// === Framing
//
// The stream can deliver a reply in any number of pieces, one byte at a time
// in the worst case. TryFrame is called with everything received so far and
// reports either that the reply is incomplete or the offset where it ends.
// Bulk strings are complete only once their declared length plus the trailing
// CRLF has arrived; arrays only once every element is complete.
//
// A Framer does the same, but remembers how far it got, so a reader that
// appends to one buffer does not re-frame the bytes it has already seen.
// CommandDecoder is the server side equivalent for requests.
//
// Malformed input (an unknown type tag, a non-numeric length, a missing CRLF)
// is always reported as ErrProtocol. The framer never guesses.
