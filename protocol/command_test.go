package protocol_test

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/respwire/protocol"
)

var _ = Describe("Command", func() {
	Describe("EncodeCommand()", func() {
		It("encodes SET mykey 'hello world'", func() {
			b, err := protocol.EncodeCommand("SET", "mykey", "hello world")
			Expect(err).To(Succeed())
			Expect(string(b)).To(Equal("*3\r\n$3\r\nSET\r\n$5\r\nmykey\r\n$11\r\nhello world\r\n"))
		})

		It("encodes a command with no arguments", func() {
			b, err := protocol.EncodeCommand("PING")
			Expect(err).To(Succeed())
			Expect(string(b)).To(Equal("*1\r\n$4\r\nPING\r\n"))
		})

		It("uses byte lengths for multi-byte text", func() {
			b, err := protocol.EncodeCommand("ECHO", "héllo wörld")
			Expect(err).To(Succeed())
			Expect(string(b)).To(Equal("*2\r\n$4\r\nECHO\r\n$13\r\nhéllo wörld\r\n"))
		})

		It("does not escape CRLF inside arguments", func() {
			b, err := protocol.EncodeCommand("SET", "k", "a\r\nb")
			Expect(err).To(Succeed())
			Expect(string(b)).To(Equal("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$4\r\na\r\nb\r\n"))
		})

		It("encodes empty arguments as empty bulk strings", func() {
			b, err := protocol.EncodeCommand("SET", "k", "")
			Expect(err).To(Succeed())
			Expect(string(b)).To(Equal("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$0\r\n\r\n"))
		})

		It("returns ErrInvalidCommand when there is no command name", func() {
			_, err := protocol.EncodeCommand()
			Expect(err).To(MatchError(protocol.ErrInvalidCommand))
		})
	})

	Describe("AppendCommand()", func() {
		It("appends after existing bytes", func() {
			dst := []byte("*1\r\n$4\r\nPING\r\n")

			b, err := protocol.AppendCommand(dst, "GET", "k")
			Expect(err).To(Succeed())
			Expect(string(b)).To(Equal("*1\r\n$4\r\nPING\r\n*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
		})

		It("leaves dst untouched on error", func() {
			dst := []byte("abc")

			b, err := protocol.AppendCommand(dst)
			Expect(err).To(MatchError(protocol.ErrInvalidCommand))
			Expect(string(b)).To(Equal("abc"))
		})
	})

	Describe("WriteCommand()", func() {
		It("writes the encoded command", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteCommand(w, "GET", "mykey")).To(Succeed())
			Expect(w.String()).To(Equal("*2\r\n$3\r\nGET\r\n$5\r\nmykey\r\n"))
		})

		It("writes nothing for an empty command", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteCommand(w)).To(MatchError(protocol.ErrInvalidCommand))
			Expect(w.Len()).To(Equal(0))
		})
	})

	Describe("DecodeCommand()", func() {
		It("round trips encoded commands", func() {
			commands := [][]string{
				{"PING"},
				{"SET", "mykey", "hello world"},
				{"HSET", "myhash", "field2", "value2", "field3", "value3"},
				{"SET", "k", "line one\r\nline two"},
				{"ECHO", "héllo"},
				{"RPUSH", "list", "$5", "*3", ":1", "+OK", "-ERR"},
			}

			for _, args := range commands {
				b, err := protocol.EncodeCommand(args...)
				Expect(err).To(Succeed())

				decoded, n, err := protocol.DecodeCommand(b)
				Expect(err).To(Succeed())
				Expect(n).To(Equal(len(b)))
				Expect(decoded).To(Equal(args))
			}
		})

		It("returns ErrIncomplete for a partial command", func() {
			_, _, err := protocol.DecodeCommand([]byte("*2\r\n$3\r\nGET\r\n"))
			Expect(err).To(MatchError(protocol.ErrIncomplete))
		})

		It("rejects replies that are not arrays of bulk strings", func() {
			_, _, err := protocol.DecodeCommand([]byte("+PING\r\n"))
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())

			_, _, err = protocol.DecodeCommand([]byte("*1\r\n:1\r\n"))
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())

			_, _, err = protocol.DecodeCommand([]byte("*-1\r\n"))
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
		})

		It("rejects an empty command array", func() {
			_, _, err := protocol.DecodeCommand([]byte("*0\r\n"))
			Expect(err).To(MatchError(protocol.ErrInvalidCommand))
		})

		It("rejects a nested array as soon as its type byte arrives", func() {
			// The inner array is nowhere near complete
			_, _, err := protocol.DecodeCommand([]byte("*2\r\n*5000000\r\n*1\r\n"))
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())

			_, _, err = protocol.DecodeCommand([]byte("*3\r\n$3\r\nSET\r\n*"))
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
		})

		It("rejects oversized argument counts and headers", func() {
			_, _, err := protocol.DecodeCommand([]byte("*2000000\r\n"))
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())

			_, _, err = protocol.DecodeCommand(append([]byte("*"), bytes.Repeat([]byte("1"), protocol.MaxHeaderLen+1)...))
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
		})
	})

	Describe("CommandDecoder", func() {
		It("decodes a large command delivered in chunks", func() {
			args := []string{"RPUSH", "list"}
			for i := 0; i < 50000; i++ {
				args = append(args, "item")
			}

			b, err := protocol.EncodeCommand(args...)
			Expect(err).To(Succeed())

			var (
				d        protocol.CommandDecoder
				buf      []byte
				decoded  []string
				n, reads int
			)

			for len(buf) < len(b) {
				stop := len(buf) + 4096
				if stop > len(b) {
					stop = len(b)
				}
				buf = b[:stop]
				reads++

				decoded, n, err = d.Decode(buf)
				if errors.Is(err, protocol.ErrIncomplete) {
					continue
				}
				Expect(err).To(Succeed())
			}

			Expect(reads).To(BeNumerically(">", 1))
			Expect(n).To(Equal(len(b)))
			Expect(decoded).To(Equal(args))
		})

		It("starts over after each frame", func() {
			first, _ := protocol.EncodeCommand("PING")
			second, _ := protocol.EncodeCommand("ECHO", "hi")

			var d protocol.CommandDecoder

			args, n, err := d.Decode(append(first, second[:5]...))
			Expect(err).To(Succeed())
			Expect(args).To(Equal([]string{"PING"}))
			Expect(n).To(Equal(len(first)))

			_, _, err = d.Decode(second[:5])
			Expect(err).To(MatchError(protocol.ErrIncomplete))

			args, n, err = d.Decode(second)
			Expect(err).To(Succeed())
			Expect(args).To(Equal([]string{"ECHO", "hi"}))
			Expect(n).To(Equal(len(second)))
		})
	})

	Describe("ParseCommand()", func() {
		It("upper cases command names", func() {
			Expect(protocol.ParseCommand("hgetall")).To(Equal(protocol.HGETALL))
			Expect(protocol.ParseCommand("Ping")).To(Equal(protocol.PING))
		})
	})
})
