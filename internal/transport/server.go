package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danmuck/crisscross/internal/observability"
	"github.com/danmuck/crisscross/internal/protocol/packet"
	"github.com/danmuck/crisscross/internal/protocol/stream"
	"github.com/danmuck/crisscross/internal/protocol/value"
)

var (
	ErrNotListening = errors.New("transport: server not listening")
	ErrNoReplyConn  = errors.New("transport: message has no writable connection")
)

// Server accepts TCP connections and runs one stream decoder per
// connection. Decoded messages go to the handler on the connection's own
// goroutine.
type Server struct {
	cfg      ServerConfig
	handler  stream.Handler
	log      zerolog.Logger
	recorder observability.ProtocolRecorder

	mu    sync.Mutex
	ln    net.Listener
	conns map[string]net.Conn
	wg    sync.WaitGroup
}

func NewServer(cfg ServerConfig, handler stream.Handler, logger zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, stream.ErrNoHandler
	}
	return &Server{
		cfg:      cfg,
		handler:  handler,
		log:      logger.With().Str("node", cfg.Node).Logger(),
		recorder: observability.NewProtocolRecorder(cfg.Node),
		conns:    make(map[string]net.Conn),
	}, nil
}

// Listen binds the configured address. Addr is valid afterwards.
func (s *Server) Listen() error {
	var tlsCfg *tls.Config
	if s.cfg.TLS.Enabled {
		var err error
		if tlsCfg, err = s.cfg.TLS.serverConfig(); err != nil {
			return err
		}
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.cfg.Addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.TLS.Enabled).
		Bool("mutual", s.cfg.TLS.Mutual).
		Msg("listening")
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop until ctx ends, then closes every open
// connection and waits for their decoders to return.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}
	defer s.wg.Wait()
	defer s.closeAllConns()
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeAllConns()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		id := uuid.NewString()
		s.trackConn(id, conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(id, conn)
		}()
	}
}

func (s *Server) handleConn(id string, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(id)
	done := observability.RecordConnection(s.cfg.Node, "server")
	defer done()

	logger := s.log.With().
		Str("conn_id", id).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	logger.Info().Msg("connection opened")

	dec, err := stream.NewDecoder(
		&idleConn{Conn: conn, idle: s.cfg.IdleTimeout},
		s.handler,
		stream.WithLogger(logger),
		stream.WithRecorder(s.recorder),
		stream.WithReadSize(s.cfg.ReadSize),
	)
	if err != nil {
		logger.Error().Err(err).Msg("decoder setup failed")
		return
	}
	if err := dec.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn().Err(err).Msg("connection ended with error")
		return
	}
	logger.Info().Msg("connection closed")
}

func (s *Server) trackConn(id string, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = conn
}

func (s *Server) untrackConn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
}

// ConnCount is the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// idleConn pushes the read deadline forward before every read.
type idleConn struct {
	net.Conn
	idle time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.idle > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

// Reply encodes header and content and writes the packet back on the
// connection msg arrived on.
func Reply(msg stream.Message, enc *packet.Encoder, header, content value.Value) (string, error) {
	w, ok := msg.Conn.(io.Writer)
	if !ok || w == nil {
		return "", ErrNoReplyConn
	}
	pkt, err := enc.Encode(header, content)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(pkt.Bytes); err != nil {
		return "", fmt.Errorf("transport: reply: %w", err)
	}
	return pkt.ID, nil
}
