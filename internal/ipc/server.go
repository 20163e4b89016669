package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/loykin/dbhelm/internal/cleanup"
	"github.com/loykin/dbhelm/internal/port"
)

// Handler performs the daemon side of each operation. Ping is answered by
// the server itself.
type Handler interface {
	Status(ctx context.Context) (DaemonStatus, error)
	Cleanup(ctx context.Context) (cleanup.Report, error)
	CheckPort(ctx context.Context, port int, excludingID string) (port.Conflict, error)
	FindPort(ctx context.Context, start, maxAttempts int) (int, error)
}

type ServerOptions struct {
	// Timeout bounds reading the request and running the handler.
	Timeout time.Duration
	// OpTimeouts overrides Timeout for the handler of a given op.
	OpTimeouts map[Op]time.Duration
	Logger     *slog.Logger
}

type Server struct {
	handler  Handler
	timeout  time.Duration
	timeouts map[Op]time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	addr   string
	closed bool
	conns  sync.WaitGroup
}

func NewServer(h Handler, opts ServerOptions) *Server {
	if opts.Timeout <= 0 {
		// cleanup may wait out a kill grace period
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		handler:  h,
		timeout:  opts.Timeout,
		timeouts: opts.OpTimeouts,
		logger:   opts.Logger.With("component", "ipc"),
	}
}

// Listen binds addr without serving yet.
func (s *Server) Listen(addr string) error {
	if addr == "" {
		addr = DefaultAddress()
	}
	ln, err := listen(addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln, s.addr = ln, addr
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("ipc server is not listening")
	}
	s.logger.Info("helper ipc listening", "addr", s.addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(conn)
		}()
	}
}

// ListenAndServe serves addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s.Serve()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting and waits for in-flight exchanges.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln, addr := s.ln, s.addr
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
		cleanupAddress(addr)
	}
	s.conns.Wait()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Debug("bad ipc request", "error", err)
		_ = json.NewEncoder(conn).Encode(errResponse(fmt.Errorf("decode request: %w", err)))
		return
	}
	timeout := s.timeout
	if d, ok := s.timeouts[req.Type]; ok && d > 0 {
		timeout = d
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp := s.Dispatch(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug("write ipc response failed", "op", req.Type, "error", err)
	}
}

// Dispatch runs one request against the handler.
func (s *Server) Dispatch(ctx context.Context, req Request) Response {
	switch req.Type {
	case OpPing:
		return okResponse(PingResult{Pong: true, At: time.Now().UTC()})

	case OpStatus:
		st, err := s.handler.Status(ctx)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(st)

	case OpCleanup:
		rep, err := s.handler.Cleanup(ctx)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(rep)

	case OpCheckPort:
		var args CheckPortArgs
		if err := decodeArgs(req, &args); err != nil {
			return errResponse(err)
		}
		c, err := s.handler.CheckPort(ctx, args.Port, args.ExcludingID)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(c)

	case OpFindPort:
		var args FindPortArgs
		if err := decodeArgs(req, &args); err != nil {
			return errResponse(err)
		}
		p, err := s.handler.FindPort(ctx, args.StartPort, args.MaxAttempts)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(FindPortResult{Port: p})

	default:
		return errResponse(fmt.Errorf("unknown request type %q", req.Type))
	}
}

func decodeArgs(req Request, v any) error {
	if len(req.Data) == 0 {
		return fmt.Errorf("%s: missing data", req.Type)
	}
	if err := json.Unmarshal(req.Data, v); err != nil {
		return fmt.Errorf("%s: %w", req.Type, err)
	}
	return nil
}
