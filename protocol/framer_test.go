package protocol_test

import (
	"bytes"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/luma/respwire/protocol"
)

// validReplies are complete replies used by the property style tests below.
var validReplies = []string{
	"+OK\r\n",
	"+\r\n",
	"-ERR unknown command 'FOO'\r\n",
	":0\r\n",
	":-42\r\n",
	"$5\r\nhello\r\n",
	"$0\r\n\r\n",
	"$-1\r\n",
	"$5\r\nA\r\nB!\r\n",
	"$4\r\n\r\n\r\n\r\n",
	"*0\r\n",
	"*-1\r\n",
	"*2\r\n$-1\r\n*1\r\n:5\r\n",
	"*3\r\n$3\r\nfoo\r\n:7\r\n+bar\r\n",
	"*2\r\n*2\r\n:1\r\n*1\r\n$1\r\nx\r\n*0\r\n",
	"*3\r\n$3\r\nSET\r\n$5\r\nmykey\r\n$11\r\nhello world\r\n",
	"$6\r\nh\xc3\xa9llo\r\n",
}

var _ = Describe("Framer", func() {
	Describe("TryFrame()", func() {
		It("is incomplete for an empty buffer", func() {
			end, complete, err := protocol.TryFrame(nil)
			Expect(err).To(Succeed())
			Expect(complete).To(BeFalse())
			Expect(end).To(Equal(0))

			_, complete, err = protocol.TryFrame([]byte{})
			Expect(err).To(Succeed())
			Expect(complete).To(BeFalse())
		})

		DescribeTable("frames complete replies at their exact end",
			func(reply string) {
				end, complete, err := protocol.TryFrame([]byte(reply))
				Expect(err).To(Succeed())
				Expect(complete).To(BeTrue())
				Expect(end).To(Equal(len(reply)))
			},
			Entry("simple string", "+OK\r\n"),
			Entry("empty simple string", "+\r\n"),
			Entry("error", "-ERR wrong number of arguments\r\n"),
			Entry("integer", ":1000\r\n"),
			Entry("negative integer", ":-1\r\n"),
			Entry("bulk string", "$5\r\nhello\r\n"),
			Entry("empty bulk string", "$0\r\n\r\n"),
			Entry("null bulk string", "$-1\r\n"),
			Entry("empty array", "*0\r\n"),
			Entry("null array", "*-1\r\n"),
			Entry("array of bulk strings", "*2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"),
			Entry("mixed array", "*3\r\n:1\r\n+two\r\n-three\r\n"),
		)

		It("frames an array holding a null bulk string and a nested array", func() {
			buf := []byte("*2\r\n$-1\r\n*1\r\n:5\r\n")

			end, complete, err := protocol.TryFrame(buf)
			Expect(err).To(Succeed())
			Expect(complete).To(BeTrue())
			Expect(end).To(Equal(17))

			v, n, err := protocol.Decode(buf)
			Expect(err).To(Succeed())
			Expect(n).To(Equal(17))
			Expect(v.Kind).To(Equal(protocol.Array))
			Expect(v.Elems).To(HaveLen(2))
			Expect(v.Elems[0].Kind).To(Equal(protocol.BulkString))
			Expect(v.Elems[0].IsNull()).To(BeTrue())
			Expect(v.Elems[1].Kind).To(Equal(protocol.Array))
			Expect(v.Elems[1].Elems).To(HaveLen(1))
			Expect(v.Elems[1].Elems[0].Int).To(Equal(int64(5)))
		})

		It("treats CRLF inside a bulk payload as data", func() {
			buf := []byte("$5\r\nA\r\nB!\r\n")

			end, complete, err := protocol.TryFrame(buf)
			Expect(err).To(Succeed())
			Expect(complete).To(BeTrue())
			Expect(end).To(Equal(11))

			v, _, err := protocol.Decode(buf)
			Expect(err).To(Succeed())
			Expect(v.Str).To(Equal([]byte("A\r\nB!")))
		})

		It("does not complete a bulk string on its length line alone", func() {
			_, complete, err := protocol.TryFrame([]byte("$5\r\n"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeFalse())

			_, complete, err = protocol.TryFrame([]byte("$5\r\nhello"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeFalse())

			_, complete, err = protocol.TryFrame([]byte("$5\r\nhello\r"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeFalse())
		})

		It("does not complete a bulk string before its closing CRLF", func() {
			// The payload is A\r\nB\r, so its terminator has not arrived yet
			_, complete, err := protocol.TryFrame([]byte("$5\r\nA\r\nB\r\n"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeFalse())
		})

		It("frames arrays nested up to MaxDepth", func() {
			reply := strings.Repeat("*1\r\n", protocol.MaxDepth) + ":1\r\n"

			end, complete, err := protocol.TryFrame([]byte(reply))
			Expect(err).To(Succeed())
			Expect(complete).To(BeTrue())
			Expect(end).To(Equal(len(reply)))

			v, _, err := protocol.Decode([]byte(reply))
			Expect(err).To(Succeed())
			Expect(v.Elems).To(HaveLen(1))
		})

		It("rejects arrays nested deeper than MaxDepth", func() {
			for _, depth := range []int{protocol.MaxDepth + 1, 1000000} {
				reply := append(bytes.Repeat([]byte("*1\r\n"), depth), ":1\r\n"...)

				_, complete, err := protocol.TryFrame(reply)
				Expect(complete).To(BeFalse())
				Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue(), "depth %d", depth)

				_, _, err = protocol.Decode(reply)
				Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue(), "depth %d", depth)
			}
		})

		It("does not complete an array until every element has arrived", func() {
			_, complete, err := protocol.TryFrame([]byte("*"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeFalse())

			_, complete, err = protocol.TryFrame([]byte("*2\r\n:1\r\n"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeFalse())
		})

		It("only frames the first reply when more bytes follow", func() {
			end, complete, err := protocol.TryFrame([]byte("+OK\r\n:1\r\n"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeTrue())
			Expect(end).To(Equal(5))
		})

		It("returns the same result when called twice", func() {
			for _, reply := range validReplies {
				buf := []byte(reply)
				for i := 0; i <= len(buf); i++ {
					end1, complete1, err1 := protocol.TryFrame(buf[:i])
					end2, complete2, err2 := protocol.TryFrame(buf[:i])
					Expect(end1).To(Equal(end2))
					Expect(complete1).To(Equal(complete2))
					Expect(err1).To(Equal(err2))
				}
			}
		})

		It("does not modify the buffer", func() {
			for _, reply := range validReplies {
				buf := []byte(reply)
				_, _, err := protocol.TryFrame(buf)
				Expect(err).To(Succeed())
				Expect(string(buf)).To(Equal(reply))
			}
		})

		It("is incomplete for every strict prefix and complete at the true end", func() {
			for _, reply := range validReplies {
				buf := []byte(reply)

				for i := 0; i < len(buf); i++ {
					_, complete, err := protocol.TryFrame(buf[:i])
					Expect(err).To(Succeed(), "reply %q prefix %d", reply, i)
					Expect(complete).To(BeFalse(), "reply %q prefix %d", reply, i)
				}

				end, complete, err := protocol.TryFrame(buf)
				Expect(err).To(Succeed(), "reply %q", reply)
				Expect(complete).To(BeTrue(), "reply %q", reply)
				Expect(end).To(Equal(len(buf)), "reply %q", reply)
			}
		})

		It("reaches the same end whether bytes arrive one at a time or in pieces", func() {
			for _, reply := range validReplies {
				whole, _, err := protocol.TryFrame([]byte(reply))
				Expect(err).To(Succeed())

				for split := 1; split < len(reply); split++ {
					var acc []byte
					end, complete := 0, false

					for start := 0; start < len(reply) && !complete; start += split {
						stop := start + split
						if stop > len(reply) {
							stop = len(reply)
						}

						acc = append(acc, reply[start:stop]...)
						end, complete, err = protocol.TryFrame(acc)
						Expect(err).To(Succeed())
					}

					Expect(complete).To(BeTrue(), "reply %q split %d", reply, split)
					Expect(end).To(Equal(whole), "reply %q split %d", reply, split)
				}
			}
		})

		DescribeTable("rejects malformed input with ErrProtocol",
			func(input string) {
				_, complete, err := protocol.TryFrame([]byte(input))
				Expect(complete).To(BeFalse())
				Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue(), "got %v", err)
			},
			Entry("unknown type tag", "?"),
			Entry("unknown type tag with a line", "!hello\r\n"),
			Entry("bare LF after a simple string", "+OK\n"),
			Entry("non-numeric integer", ":abc\r\n"),
			Entry("empty integer", ":\r\n"),
			Entry("integer with a plus sign", ":+1\r\n"),
			Entry("non-numeric bulk length", "$x\r\n"),
			Entry("bulk length below -1", "$-2\r\n"),
			Entry("bulk length above the limit", "$536870913\r\n"),
			Entry("bulk payload longer than declared", "$3\r\nhello\r\n"),
			Entry("non-numeric array count", "*two\r\n"),
			Entry("array count below -1", "*-5\r\n"),
			Entry("bad element inside an array", "*2\r\n:1\r\n?\r\n"),
			Entry("bad element in a nested array", "*1\r\n*1\r\n$abc\r\n"),
		)
	})

	Describe("Framer", func() {
		It("agrees with TryFrame as a reply arrives one byte at a time", func() {
			for _, reply := range validReplies {
				var f protocol.Framer

				for i := 0; i <= len(reply); i++ {
					end, complete, err := f.TryFrame([]byte(reply[:i]))
					wantEnd, wantComplete, wantErr := protocol.TryFrame([]byte(reply[:i]))

					Expect(err).To(Equal(wantErr), "reply %q prefix %d", reply, i)
					Expect(complete).To(Equal(wantComplete), "reply %q prefix %d", reply, i)
					Expect(end).To(Equal(wantEnd), "reply %q prefix %d", reply, i)
				}
			}
		})

		It("frames a large array delivered in chunks", func() {
			const elems = 500000

			reply := append([]byte("*500000\r\n"), bytes.Repeat([]byte(":1\r\n"), elems)...)

			var (
				f        protocol.Framer
				end      int
				complete bool
				err      error
				calls    int
			)

			start := time.Now()
			for size := 0; size < len(reply) && !complete; {
				size += 4096
				if size > len(reply) {
					size = len(reply)
				}

				end, complete, err = f.TryFrame(reply[:size])
				Expect(err).To(Succeed())
				calls++
			}

			Expect(complete).To(BeTrue())
			Expect(end).To(Equal(len(reply)))
			Expect(calls).To(BeNumerically(">", 400))

			// Re-framing from the start on every call takes seconds here
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
		})

		It("starts over after a complete reply", func() {
			var f protocol.Framer

			end, complete, err := f.TryFrame([]byte("*2\r\n:1\r\n"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeFalse())

			end, complete, err = f.TryFrame([]byte("*2\r\n:1\r\n:2\r\n+OK"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeTrue())
			Expect(end).To(Equal(12))

			// The caller drops the framed bytes
			end, complete, err = f.TryFrame([]byte("+OK\r\n"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeTrue())
			Expect(end).To(Equal(5))
		})

		It("starts over after an error", func() {
			var f protocol.Framer

			_, _, err := f.TryFrame([]byte("*2\r\n:1\r\n?"))
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())

			end, complete, err := f.TryFrame([]byte(":7\r\n"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeTrue())
			Expect(end).To(Equal(4))
		})

		It("can be reset part way through a reply", func() {
			var f protocol.Framer

			_, complete, err := f.TryFrame([]byte("*3\r\n:1\r\n"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeFalse())

			f.Reset()

			end, complete, err := f.TryFrame([]byte("$2\r\nhi\r\n"))
			Expect(err).To(Succeed())
			Expect(complete).To(BeTrue())
			Expect(end).To(Equal(8))
		})
	})

	Describe("Decode()", func() {
		It("returns ErrIncomplete for partial replies", func() {
			_, _, err := protocol.Decode([]byte("*2\r\n$3\r\nfoo\r\n"))
			Expect(err).To(MatchError(protocol.ErrIncomplete))
		})

		It("decodes every scalar type", func() {
			v, n, err := protocol.Decode([]byte("+PONG\r\n"))
			Expect(err).To(Succeed())
			Expect(n).To(Equal(7))
			Expect(v.Kind).To(Equal(protocol.SimpleString))
			Expect(v.String()).To(Equal("PONG"))

			v, _, err = protocol.Decode([]byte("-WRONGTYPE bad\r\n"))
			Expect(err).To(Succeed())
			Expect(v.Kind).To(Equal(protocol.Error))
			Expect(v.String()).To(Equal("WRONGTYPE bad"))

			v, _, err = protocol.Decode([]byte(":-9223372036854775808\r\n"))
			Expect(err).To(Succeed())
			Expect(v.Int).To(Equal(int64(-9223372036854775808)))

			v, _, err = protocol.Decode([]byte("$-1\r\n"))
			Expect(err).To(Succeed())
			Expect(v.Kind).To(Equal(protocol.BulkString))
			Expect(v.IsNull()).To(BeTrue())

			v, _, err = protocol.Decode([]byte("*-1\r\n"))
			Expect(err).To(Succeed())
			Expect(v.Kind).To(Equal(protocol.Array))
			Expect(v.IsNull()).To(BeTrue())
			Expect(v.Elems).To(BeNil())
		})

		It("decodes the same bytes TryFrame frames", func() {
			for _, reply := range validReplies {
				end, _, err := protocol.TryFrame([]byte(reply))
				Expect(err).To(Succeed())

				_, n, err := protocol.Decode([]byte(reply))
				Expect(err).To(Succeed())
				Expect(n).To(Equal(end))
			}
		})

		It("re-encodes to the original bytes", func() {
			for _, reply := range validReplies {
				v, _, err := protocol.Decode([]byte(reply))
				Expect(err).To(Succeed())
				Expect(string(protocol.AppendValue(nil, v))).To(Equal(reply))
			}
		})

		It("does not pre-allocate huge arrays from an untrusted count", func() {
			_, _, err := protocol.Decode([]byte("*2147483647\r\n:1\r\n"))
			Expect(err).To(MatchError(protocol.ErrIncomplete))
		})
	})
})
