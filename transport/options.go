package transport

import (
	"go.uber.org/zap"

	"github.com/luma/respwire/internal/metrics"
	"github.com/luma/respwire/storage"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. 0 picks a free port, see TCP.Addr()
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	// Trace will log every frame read and written. This is only useful in local debugging
	Trace bool

	NumListeners int

	// MaxQueryBuffer caps the bytes buffered for one incomplete command.
	// Defaults to DefaultMaxQueryBuffer.
	MaxQueryBuffer int

	Store storage.Store

	Metrics *metrics.Metrics

	Log *zap.Logger
}
