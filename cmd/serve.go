package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/respwire/internal/env"
	"github.com/luma/respwire/internal/metrics"
	"github.com/luma/respwire/storage"
	"github.com/luma/respwire/transport"
)

var (
	// The host to listen on
	serveHost string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for RESP clients on
	servePort int

	numListeners int
	reuseport    bool
	trace        bool

	// JSON files the key space is loaded from on start and written to on exit
	restoreFile  string
	snapshotFile string
)

func init() {
	flags := ServeCmd.PersistentFlags()

	flags.IntVarP(&servePort, "port", "p", 6379, "The port to listen for client connections on, overrides RESPWIRE_PORT")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVarP(&serveHost, "host", "a", "127.0.0.1", "The host to listen on, overrides RESPWIRE_HOST")
	flags.IntVar(&numListeners, "listeners", 1, "Number of listening sockets, more than one needs --reuseport")
	flags.BoolVar(&reuseport, "reuseport", false, "Set SO_REUSEPORT on the listening sockets")
	flags.BoolVar(&trace, "trace", false, "Log every frame read and written")
	flags.StringVar(&restoreFile, "restore", "", "Load the key space from this JSON file on start")
	flags.StringVar(&snapshotFile, "snapshot", "", "Write the key space to this JSON file on exit")
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory RESP server",
	Long: `Run an in-memory RESP server

The server answers PING, ECHO, the common key and string commands, and the
list and hash commands. It also serves /ping and Prometheus /metrics over
HTTP.

Usage
	respwire serve -p 6380 --restore fixtures.json

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("host") {
			conf.Host = serveHost
		}

		if cmd.Flags().Changed("port") {
			conf.Port = servePort
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		store, err := openStore(restoreFile)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)

		m, err := metrics.New(reg)
		if err != nil {
			return err
		}

		router := setupRouter(conf.DebugHTTP, log, reg)

		s := &http.Server{
			Addr:    net.JoinHostPort(conf.Host, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		tcp := transport.NewTCP(transport.Options{
			Host:         conf.Host,
			Port:         conf.Port,
			Reuseport:    reuseport,
			NumListeners: numListeners,
			Trace:        trace,
			Store:        store,
			Metrics:      m,
			Log:          log.Named("transport"),
		})

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		log.Info("Listening",
			zap.Stringer("addr", tcp.Addr()),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := tcp.Close(); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}

		if err := closeStore(store, snapshotFile); err != nil {
			return err
		}

		log.Info("Exiting")
		return nil
	},
}

func setupRouter(debugHTTP bool, log *zap.Logger, gatherer prometheus.Gatherer) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log, with RFC3339
	// UTC timestamps. Health checks and scrapes are too frequent to be worth
	// logging.
	r.Use(ginzap.GinzapWithConfig(log.Named("http"), &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping", "/metrics"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}

func openStore(restoreFile string) (*storage.InmemoryStore, error) {
	store := storage.NewInmemoryStore()
	if restoreFile == "" {
		return store, nil
	}

	data, err := os.ReadFile(restoreFile)
	if err != nil {
		return nil, err
	}

	if err := store.Restore(data); err != nil {
		return nil, err
	}

	return store, nil
}

func closeStore(store storage.Store, snapshotFile string) (err error) {
	if snapshotFile != "" {
		data, berr := store.Backup()
		if berr == nil {
			berr = os.WriteFile(snapshotFile, data, 0600)
		}
		err = multierr.Append(err, berr)
	}

	return multierr.Append(err, store.Close())
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
