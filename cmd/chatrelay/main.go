package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/ledzpl/chatrelay/internal/relay"
	"github.com/ledzpl/chatrelay/internal/web"
	"github.com/ledzpl/chatrelay/pkg/sshserver"
)

// Exit codes reported to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Version information set at build time.
var version = "dev"

func main() {
	code := exitOK
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "chatrelay [port]",
		Short:         "Relay JSON chat envelopes between connected peers",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			code, err = run(cmd.Context(), envFile, args, cmd.InOrStdin())
			return err
		},
	}
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay terminated with error: %v\n", err)
		if code == exitOK {
			// cobra rejected the command line before run was called
			code = exitConfig
		}
	}
	os.Exit(code)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatrelay %s\n", version)
		},
	}
}

// run wires the relay and its optional side-cars, blocks until a stop
// trigger fires and then shuts everything down.
func run(ctx context.Context, envFile string, args []string, console io.Reader) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	// 1. Configuration & Logger
	cfg, err := loadConfig(envFile, args)
	if err != nil {
		return exitConfig, err
	}
	logger := logs.GetLoggerFromString(cfg.LogLevel)

	// 2. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := relay.NewServer(
		relay.WithLogger(logger),
		relay.WithMetrics(relay.NewMetrics(registry)),
		relay.WithWriteTimeout(cfg.WriteTimeout),
		relay.WithJoinTimeout(cfg.JoinTimeout),
		relay.WithMaxLineBytes(cfg.MaxLineBytes),
	)

	// 3. Listeners. Binding happens here so a taken port fails the process
	// before anything is served.
	var listeners []net.Listener
	closeAll := func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}

	relayLn, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return exitRuntime, fmt.Errorf("listen relay: %w", err)
	}
	listeners = append(listeners, relayLn)

	var sshLn net.Listener
	var signer ssh.Signer
	if cfg.SSHAddr != "" {
		if signer, err = sshserver.LoadOrGenerateSigner(cfg.SSHHostKey); err != nil {
			closeAll()
			return exitRuntime, fmt.Errorf("prepare host key: %w", err)
		}
		if sshLn, err = net.Listen("tcp", cfg.SSHAddr); err != nil {
			closeAll()
			return exitRuntime, fmt.Errorf("listen ssh: %w", err)
		}
		listeners = append(listeners, sshLn)
	}

	var httpLn net.Listener
	if cfg.HTTPAddr != "" {
		if httpLn, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
			closeAll()
			return exitRuntime, fmt.Errorf("listen http: %w", err)
		}
		listeners = append(listeners, httpLn)
	}

	// 4. Stop triggers
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go watchConsole(console, stop, logger)

	// 5. Serve
	served := make(chan error, len(listeners))
	go func() { served <- srv.Serve(ctx, relayLn) }()
	if sshLn != nil {
		go func() {
			served <- sshserver.New(signer, logger).Serve(ctx, sshLn, sshHandler(srv, cfg.MaxLineBytes))
		}()
	}
	if httpLn != nil {
		go func() {
			served <- web.Serve(ctx, httpLn, web.NewHandler(srv, registry, logger), logger)
		}()
	}
	logger.Info("Relay started", "port", cfg.Port, "ssh", cfg.SSHAddr, "http", cfg.HTTPAddr)

	var failure error
	pending := len(listeners)
	select {
	case <-ctx.Done():
		logger.Info("Stop requested")
	case err := <-served:
		pending--
		if !isStopped(err) {
			failure = err
			logger.Error("Listener stopped unexpectedly", "error", err)
		}
	}
	stop()

	// 6. Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, relay.ErrServerClosed) {
		logger.Warn("Relay shutdown incomplete", "error", err)
	}
	for ; pending > 0; pending-- {
		if err := <-served; !isStopped(err) && failure == nil {
			failure = err
		}
	}

	if failure != nil {
		return exitRuntime, failure
	}
	logger.Info("Relay stopped")
	return exitOK, nil
}

// sshHandler runs a relay session over each SSH channel that asks for a
// shell or exec.
func sshHandler(srv *relay.Server, maxLineBytes int) sshserver.SessionHandler {
	return func(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request) {
		defer channel.Close()
		if !sshserver.AwaitShell(requests) {
			return
		}
		stream := sshserver.Stream(conn, channel)
		srv.Handle(relay.NewStreamTransport(stream, conn.RemoteAddr().String(), maxLineBytes))
	}
}

// watchConsole stops the relay when a line is typed on the console. A closed
// console (daemonized process) is not a stop request.
func watchConsole(console io.Reader, stop func(), logger *slog.Logger) {
	if console == nil {
		return
	}
	scanner := bufio.NewScanner(console)
	if scanner.Scan() {
		logger.Info("Console stop requested")
		stop()
	}
}

func isStopped(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, relay.ErrServerClosed) ||
		errors.Is(err, net.ErrClosed)
}
