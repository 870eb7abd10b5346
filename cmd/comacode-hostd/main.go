// Command comacode-hostd is the host-side process of spec.md: it exposes
// PTY sessions and a read-only VFS to a single paired mobile client over
// QUIC-over-TLS, authenticated by a one-time pairing token.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/comacode/hostd/lib/identity"
	"github.com/comacode/hostd/lib/log"
	"github.com/comacode/hostd/lib/metrics"
	"github.com/comacode/hostd/lib/pairing"
	"github.com/comacode/hostd/lib/ptysession"
	"github.com/comacode/hostd/lib/status"
	"github.com/comacode/hostd/lib/supervisor"
	"github.com/comacode/hostd/lib/tokenauth"
	"github.com/comacode/hostd/lib/transport"
	"github.com/comacode/hostd/lib/vfs"
)

// exitError carries the process exit code spec.md §6 assigns to a
// particular failure category.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func main() {
	os.Exit(run())
}

func run() int {
	cmd, opts := newRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		code := 1
		var ee *exitError
		if as, ok := err.(*exitError); ok {
			ee = as
		}
		if ee != nil {
			code = ee.code
		}
		if opts.logger != nil {
			opts.logger.Error("comacode-hostd exiting", "error", err, "exit_code", code)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return code
	}
	return 0
}

type rootOptions struct {
	bindAddr    string
	logLevel    string
	configFile  string
	metricsAddr string

	logger *log.Logger
}

func newRootCommand() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "comacode-hostd",
		Short:         "Expose PTY sessions and a read-only VFS to a paired mobile client over QUIC.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), opts, v)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.bindAddr, "bind", transport.DefaultBindAddr, "UDP address to listen on")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&opts.configFile, "config", "", "optional YAML config file overlaying bind/log-level")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "optional address to serve Prometheus metrics on (disabled if empty)")

	_ = v.BindPFlag("bind", flags.Lookup("bind"))
	_ = v.BindPFlag("log-level", flags.Lookup("log-level"))
	_ = v.BindPFlag("metrics-addr", flags.Lookup("metrics-addr"))

	return cmd, opts
}

func runHost(ctx context.Context, opts *rootOptions, v *viper.Viper) error {
	if opts.configFile != "" {
		v.SetConfigFile(opts.configFile)
		if err := v.ReadInConfig(); err != nil {
			return newExitError(1, fmt.Errorf("reading config file %q: %w", opts.configFile, err))
		}
	}
	// Flags win over the config file: re-read through viper only for keys
	// the user did not pass explicitly on the command line.
	bindAddr := v.GetString("bind")
	if bindAddr == "" {
		bindAddr = opts.bindAddr
	}
	logLevel := v.GetString("log-level")
	if logLevel == "" {
		logLevel = opts.logLevel
	}

	logger := log.New(logLevel)
	opts.logger = logger

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	identityDir, err := identity.DefaultDir()
	if err != nil {
		return newExitError(2, err)
	}
	id, err := identity.LoadOrCreate(identityDir)
	if err != nil {
		return newExitError(2, fmt.Errorf("loading host identity: %w", err))
	}
	logger.Info("host identity ready", "fingerprint", id.Fingerprint, "dir", identityDir)

	token, err := tokenauth.GenerateToken()
	if err != nil {
		return newExitError(2, fmt.Errorf("generating pairing token: %w", err))
	}
	authority := tokenauth.New(token)

	listener, err := transport.Listen(transport.Config{
		BindAddr: bindAddr,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{id.Certificate},
		},
	})
	if err != nil {
		return newExitError(1, fmt.Errorf("starting transport listener: %w", err))
	}
	defer listener.Close()

	logPairingPayload(logger, listener.Addr(), id.Fingerprint, token)

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	stopMetricsServer := maybeServeMetrics(logger, opts.metricsAddr)
	defer stopMetricsServer()

	sessions := ptysession.NewManager()
	stopSweep := startSweepLoop(ctx, sessions, reg)
	defer stopSweep()

	vfsSvc := vfs.New()
	statusBus := status.NewBroadcaster()
	logStatusTransitions(ctx, logger, statusBus)

	sv := supervisor.New(authority, sessions, vfsSvc, statusBus, reg, logger.Slog())

	acceptLoop(ctx, logger, listener, sv)
	logger.Info("comacode-hostd shut down")
	return nil
}

func acceptLoop(ctx context.Context, logger *log.Logger, listener *transport.Listener, sv *supervisor.Supervisor) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", "error", err)
			continue
		}
		go sv.Handle(ctx, supervisor.Conn{
			Stream:   conn.Stream,
			PeerAddr: conn.PeerAddr,
			Close:    conn.Close,
		})
	}
}

func startSweepLoop(ctx context.Context, sessions *ptysession.Manager, reg *metrics.Registry) func() {
	ticker := time.NewTicker(ptysession.DefaultSweepInterval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				sessions.Sweep(now)
				reg.SessionsActive.Set(float64(sessions.Count()))
			}
		}
	}()
	return func() {
		ticker.Stop()
		<-done
	}
}

func logStatusTransitions(ctx context.Context, logger *log.Logger, bus *status.Broadcaster) {
	events, cancel := bus.Subscribe(8)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				logger.Info("connection status", "status", ev.Status.String(), "peer", ev.Peer, "session_id", ev.SessionID)
			}
		}
	}()
}

func maybeServeMetrics(logger *log.Logger, addr string) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func logPairingPayload(logger *log.Logger, addr net.Addr, fingerprint, token string) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		host, portStr = "0.0.0.0", "8443"
	}
	if host == "0.0.0.0" || host == "::" {
		host = outboundIP()
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)

	payload := pairing.New(host, uint16(port), fingerprint, token)
	encoded, err := payload.Encode()
	if err != nil {
		logger.Warn("failed to encode pairing payload", "error", err)
		return
	}
	logger.Info("pairing payload ready, scan this from the client", "payload", string(encoded))
}

// outboundIP best-effort discovers a non-loopback local address to embed in
// the pairing payload when bound to the wildcard address. It never dials
// out; the UDP "connection" only consults the local routing table.
func outboundIP() string {
	conn, err := net.Dial("udp", "203.0.113.1:1")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "0.0.0.0"
	}
	return addr.IP.String()
}
