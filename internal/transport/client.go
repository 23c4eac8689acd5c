package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/crisscross/internal/observability"
	"github.com/danmuck/crisscross/internal/protocol/packet"
	"github.com/danmuck/crisscross/internal/protocol/stream"
	"github.com/danmuck/crisscross/internal/protocol/value"
)

var ErrClientClosed = errors.New("transport: client closed")

// Client is one outbound connection. Send is safe for concurrent use;
// writes are serialized so frames never interleave on the wire.
type Client struct {
	cfg      ClientConfig
	conn     net.Conn
	enc      *packet.Encoder
	recorder observability.ProtocolRecorder
	log      zerolog.Logger
	done     func()

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Dial connects to cfg.Addr, retrying with backoff until it succeeds,
// MaxAttempts is reached, or ctx ends.
func Dial(ctx context.Context, cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With().Str("node", cfg.Node).Str("addr", cfg.Addr).Logger()
	recorder := observability.NewProtocolRecorder(cfg.Node)
	enc, err := packet.NewEncoder(packet.WithRecorder(recorder))
	if err != nil {
		return nil, err
	}

	var tlsCfg *tls.Config
	if cfg.TLS.Enabled {
		if tlsCfg, err = cfg.TLS.clientConfig(cfg.Addr); err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		conn, err := dialOnce(ctx, cfg, tlsCfg)
		if err == nil {
			logger.Info().Int("attempt", attempt).Msg("connected")
			return &Client{
				cfg:      cfg,
				conn:     conn,
				enc:      enc,
				recorder: recorder,
				log:      logger,
				done:     observability.RecordConnection(cfg.Node, "client"),
			}, nil
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, fmt.Errorf("transport: dial %s after %d attempts: %w", cfg.Addr, attempt, err)
		}
		if err := sleepContext(ctx, cfg.Backoff.Delay(attempt, rng)); err != nil {
			return nil, err
		}
	}
}

// dialOnce opens one TCP connection and, with tlsCfg set, completes the
// handshake within ConnectTimeout.
func dialOnce(ctx context.Context, cfg ClientConfig, tlsCfg *tls.Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil || tlsCfg == nil {
		return raw, err
	}
	handshakeCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	conn := tls.Client(raw, tlsCfg)
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return conn, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send encodes one packet and writes it in a single write. It returns the
// packet id.
func (c *Client) Send(header, content value.Value) (string, error) {
	pkt, err := c.enc.Encode(header, content)
	if err != nil {
		return "", err
	}
	if err := c.write(pkt.Bytes); err != nil {
		return "", err
	}
	c.log.Debug().Str("packet_id", pkt.ID).Int("bytes", len(pkt.Bytes)).Msg("sent")
	return pkt.ID, nil
}

func (c *Client) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClientClosed
	}
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return fmt.Errorf("transport: set write deadline: %w", err)
		}
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Receive decodes replies on the connection until it closes. It blocks.
func (c *Client) Receive(handler stream.Handler) error {
	dec, err := stream.NewDecoder(
		c.conn,
		handler,
		stream.WithLogger(c.log),
		stream.WithRecorder(c.recorder),
	)
	if err != nil {
		return err
	}
	err = dec.Serve()
	if err != nil && c.isClosed() && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Client) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()
	c.done()
	return c.conn.Close()
}
