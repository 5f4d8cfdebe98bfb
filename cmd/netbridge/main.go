// netbridge connects a network guest to a network proxy server.
//
// By default it runs an interactive terminal UI. --headless reads commands
// from stdin instead, and --check only performs a handshake against the
// configured proxy and reports the result.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/cloudpilot-emu/netbridge/internal/address"
	"github.com/cloudpilot-emu/netbridge/internal/bridge"
	"github.com/cloudpilot-emu/netbridge/internal/config"
	"github.com/cloudpilot-emu/netbridge/internal/handshake"
	"github.com/cloudpilot-emu/netbridge/internal/observability"
	"github.com/cloudpilot-emu/netbridge/internal/probe"
	"github.com/cloudpilot-emu/netbridge/internal/proxyconn"
	"github.com/cloudpilot-emu/netbridge/internal/tui"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	headless   bool
	check      bool
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts options
	var proxyAddr, logLevel, logFile, metricsListen string

	flagSet := pflag.NewFlagSet("netbridge", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&proxyAddr, "proxy", "", "proxy server address (overrides the config file)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&logFile, "log-file", "", "write logs to this file")
	flagSet.StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	flagSet.BoolVar(&opts.headless, "headless", false, "read commands from stdin instead of running the UI")
	flagSet.BoolVar(&opts.check, "check", false, "only test the handshake with the proxy")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.LoadOrDefault(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagSet.Changed("proxy") {
		cfg.Proxy.Address = proxyAddr
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("log-file") {
		cfg.Log.File = logFile
	}
	if flagSet.Changed("metrics-listen") {
		cfg.Metrics.Listen = metricsListen
	}

	var addr bridge.AddressSource = config.StaticSource(cfg.Proxy.Address)
	if opts.configPath != "" && !flagSet.Changed("proxy") {
		addr = config.NewFileSource(opts.configPath, cfg.Proxy.Address)
	}

	logOut := stderr
	if !opts.headless && !opts.check {
		logOut = io.Discard
	}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, logOut)

	hs := handshake.NewClient(&http.Client{}, cfg.Proxy.HandshakeTimeout, logger)
	if opts.check {
		return check(ctx, hs, addr.ProxyAddress(), stdout)
	}

	metrics := observability.NewMetrics()
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, metrics, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	conns := proxyconn.NewManager(proxyconn.Options{
		ConnectTimeout: cfg.Proxy.ConnectTimeout,
		WriteTimeout:   cfg.Proxy.WriteTimeout,
		MaxMessageSize: cfg.Proxy.MaxMessageSize,
		Logger:         logger,
	})
	guest := probe.New()
	deps := bridge.Deps{
		Emulator:    guest,
		Connections: conns,
		Handshaker:  hs,
		Address:     addr,
		Recorder:    metrics,
		Logger:      logger,
		LoaderGrace: cfg.Proxy.LoaderGrace,
	}

	if opts.headless {
		n := &lineNotifier{w: stdout}
		deps.Notifier = n
		b := bridge.New(deps)
		return serve(ctx, b, guest, func(ctx context.Context) error {
			return headless(ctx, guest, b, stdin, n)
		})
	}

	n := tui.NewNotifier()
	deps.Notifier = n
	deps.Loader = n
	b := bridge.New(deps)
	return serve(ctx, b, guest, func(ctx context.Context) error {
		p := tea.NewProgram(tui.New(guest, b, displayAddress(addr.ProxyAddress())), tea.WithAltScreen(), tea.WithContext(ctx))
		go n.Pump(ctx, p.Send)
		go n.Forward(ctx, b.Resumed())
		_, err := p.Run()
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	})
}

// serve runs b for as long as front runs.
func serve(ctx context.Context, b *bridge.Bridge, guest *probe.Guest, front func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	guest.OnSuspend(b.HandleSuspend)
	guest.OnDisconnect(b.ProxyDisconnect)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	err := front(ctx)
	cancel()
	<-done
	return err
}

func check(ctx context.Context, hs *handshake.Client, raw string, stdout io.Writer) error {
	base, err := address.Normalize(raw)
	if err != nil {
		return fmt.Errorf(bridge.MsgInvalidAddress, raw)
	}

	out := hs.Handshake(ctx, base)
	switch out.Status {
	case handshake.StatusSuccess:
		fmt.Fprintf(stdout, "ok: %s speaks protocol version %d\n", base, out.Version)
		return nil
	case handshake.StatusVersionMismatch:
		return fmt.Errorf("%s: %s (server version %d, supported %d)", base, bridge.MsgVersionMismatch, out.Version, handshake.ProtocolVersion)
	default:
		return fmt.Errorf("%s: handshake failed: %v", base, out.Err)
	}
}

func serveMetrics(listen string, m *observability.Metrics, logger *zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info().Str("listen", listen).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()
	return srv
}

func displayAddress(raw string) string {
	if base, err := address.Normalize(raw); err == nil {
		return base
	}
	return raw
}
