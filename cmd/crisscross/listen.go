package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danmuck/crisscross/internal/config"
	"github.com/danmuck/crisscross/internal/logging"
	"github.com/danmuck/crisscross/internal/observability"
	"github.com/danmuck/crisscross/internal/protocol/packet"
	"github.com/danmuck/crisscross/internal/protocol/stream"
	"github.com/danmuck/crisscross/internal/protocol/value"
	"github.com/danmuck/crisscross/internal/transport"
)

// EchoOfKey names the header field an echoed reply carries the original
// packet id in.
const EchoOfKey = "echo_of"

func newListenCmd(opts *rootOptions) *cobra.Command {
	var (
		addr        string
		metricsAddr string
		echo        bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept connections and log every decoded message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, cfg, echo)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides [listen] addr)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address")
	cmd.Flags().BoolVar(&echo, "echo", false, "write every message's content back to its sender")
	return cmd
}

func runListen(ctx context.Context, cfg config.Config, echo bool) error {
	logger := logging.New("listen").With().Str("node", cfg.Node).Logger()
	enc, err := packet.NewEncoder(packet.WithRecorder(observability.NewProtocolRecorder(cfg.Node)))
	if err != nil {
		return err
	}
	srv, err := transport.NewServer(cfg.Server, messageHandler(logger, enc, echo), logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var metricsErr chan error
	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("metrics listen %s: %w", addr, err)
		}
		logger.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")
		metricsErr = make(chan error, 1)
		go func() { metricsErr <- observability.ServeMetrics(ctx, ln) }()
	}

	if err := srv.Listen(); err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case err := <-serveErr:
		return err
	case err := <-metricsErr:
		cancel()
		if serr := <-serveErr; err == nil {
			return serr
		}
		return err
	}
}

// messageHandler logs each decoded message. With echo set it also replies
// with the same content under a fresh packet id.
func messageHandler(logger zerolog.Logger, enc *packet.Encoder, echo bool) stream.Handler {
	return func(m stream.Message) {
		id, _ := m.Header.Get(packet.PacketIDKey)
		pid, _ := id.AsString()
		logger.Info().
			Str("packet_id", pid).
			RawJSON("header", rawJSON(m.Header)).
			RawJSON("content", rawJSON(m.Content)).
			Msg("message")
		if !echo {
			return
		}
		replyID, err := transport.Reply(m, enc, value.Value{}.With(EchoOfKey, value.String(pid)), m.Content)
		if err != nil {
			logger.Warn().Err(err).Str("packet_id", pid).Msg("echo failed")
			return
		}
		logger.Debug().Str("packet_id", pid).Str("reply_id", replyID).Msg("echoed")
	}
}

func rawJSON(v value.Value) []byte {
	b, err := value.Encode(v)
	if err != nil || v.IsAbsent() {
		return []byte("null")
	}
	return b
}
