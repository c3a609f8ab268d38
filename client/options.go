package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/respwire/internal/metrics"
)

const (
	DefaultAddr           = "127.0.0.1:6379"
	DefaultReadBufferSize = 4096
)

type Options struct {
	// Addr is dialled by Connect when it is given an empty address
	Addr string

	// ReadTimeout bounds how long a single read may wait for reply bytes.
	// Zero waits forever, or until the context passed to SendCommand is done.
	ReadTimeout time.Duration

	WriteTimeout time.Duration

	DialTimeout time.Duration

	// ReadBufferSize is the most that is read from the stream at once
	ReadBufferSize int

	// MaxReplySize caps how many bytes may be buffered while waiting for a
	// reply to complete. Zero means no limit.
	MaxReplySize int

	Log *zap.Logger

	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}

	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}
