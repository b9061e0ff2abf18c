package smtp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shineum/acs-smtp-relay/internal/metrics"
	"github.com/shineum/acs-smtp-relay/internal/provider"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown before their connections are force-closed.
const shutdownTimeout = 30 * time.Second

// rejectWriteTimeout bounds the courtesy 421 written to over-limit clients.
const rejectWriteTimeout = 5 * time.Second

// defaultMaxConnections bounds concurrent sessions when the config gives none.
const defaultMaxConnections = 100

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "0.0.0.0:1025").
	ListenAddr string

	// Hostname is the server name used in the greeting and EHLO replies.
	Hostname string

	// Provider is the email delivery backend.
	Provider provider.Provider

	// MaxMessageSize is the DATA size limit in bytes.
	MaxMessageSize int64

	// MaxConnections bounds concurrent sessions.
	MaxConnections int64

	// Metrics receives connection and delivery counters. Optional.
	Metrics *metrics.Collector
}

// Server accepts SMTP connections and delegates delivery to the configured
// Provider, keeping the number of concurrent sessions bounded.
type Server struct {
	config   ServerConfig
	listener net.Listener
	sem      *semaphore.Weighted

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup

	// mu guards conns, the set of live session connections, so the
	// shutdown path can force-close stragglers after the drain deadline.
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates an SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}

	return &Server{
		config: cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConnections),
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenAndServe starts the SMTP server and blocks until the context is
// cancelled. On cancellation it stops accepting, lets sessions observe the
// shutdown between commands, and waits up to the drain deadline before
// force-closing whatever is left.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"max_message_size", s.config.MaxMessageSize,
		"max_connections", s.config.MaxConnections,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.drainSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		if !s.sem.TryAcquire(1) {
			s.rejectConnection(conn)
			continue
		}

		s.track(conn)
		s.config.Metrics.ConnectionOpened()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.untrack(conn)
			defer s.config.Metrics.ConnectionClosed()

			session := NewSession(
				conn,
				s.config.Provider,
				s.config.Hostname,
				s.config.MaxMessageSize,
				s.config.Metrics,
			)
			session.Handle(ctx)
		}()
	}
}

// rejectConnection tells an over-limit client to go away. The rejection
// path never holds a permit.
func (s *Server) rejectConnection(conn net.Conn) {
	defer conn.Close()
	slog.Warn("connection limit reached, rejecting",
		"peer_addr", conn.RemoteAddr().String(),
	)
	conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	fmt.Fprintf(conn, "421 Too many concurrent connections\r\n")
}

// drainSessions waits for in-flight sessions to finish, force-closing the
// remaining connections once the deadline passes.
func (s *Server) drainSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown deadline reached, closing remaining connections")
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
