package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"eventgate/internal/domain"
	"eventgate/internal/logging"
	"eventgate/internal/problem"
	"eventgate/internal/publish"
	"eventgate/internal/registry"

	"github.com/google/uuid"
)

type HealthChecker interface {
	Health(context.Context) (bool, string)
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit, WorkerQueues int
	TLSConfig                                   *tls.Config
}

type Server struct {
	cfg       Config
	publisher publish.Publisher
	resolver  registry.Resolver
	health    HealthChecker
	logger    *slog.Logger
	ln        net.Listener
	addr      atomic.Value
	globalQ   chan struct{}
	workQ     []chan queuedRequest
	closed    atomic.Bool
	quit      chan struct{}
	mu        sync.Mutex
	conns     map[*connection]struct{}
	wg        sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}
// connection is never written to after done is closed; writerQ itself is
// never closed because workers may still hold a response for it.
type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.c.Close()
	})
}

func NewServer(cfg Config, publisher publish.Publisher, resolver registry.Resolver, health HealthChecker, logger *slog.Logger) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.WorkerQueues <= 0 {
		cfg.WorkerQueues = DefaultWorkerQueues
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		publisher: publisher,
		resolver:  resolver,
		health:    health,
		logger:    logger.With(logging.Component("socket")),
		globalQ:   make(chan struct{}, cfg.GlobalQueueLimit),
		workQ:     make([]chan queuedRequest, cfg.WorkerQueues),
		quit:      make(chan struct{}),
		conns:     map[*connection]struct{}{},
	}
	for i := range s.workQ {
		s.workQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.logger.Info("socket listening", slog.String("network", s.cfg.Network), slog.String("addr", ln.Addr().String()))

	for i := range s.workQ {
		s.wg.Add(1)
		go s.runWorker(s.workQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	close(s.quit)
	s.mu.Lock()
	for conn := range s.conns {
		conn.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{
		c:        raw,
		writerQ:  make(chan *SocketResponse, 256),
		inflight: make(chan struct{}, s.cfg.MaxInflight),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer func() {
			conn.close()
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for {
		var res *SocketResponse
		select {
		case <-conn.done:
			return
		case res = <-conn.writerQ:
		}
		if err := WriteMessage(w, res); err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				s.logger.Warn("dropping response", slog.String("request_id", res.RequestId), logging.Error(err))
				continue
			}
			conn.close()
			return
		}
		if err := w.Flush(); err != nil {
			conn.close()
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		req, err := ReadRequest(r)
		if s.closed.Load() {
			return
		}
		if errors.Is(err, ErrMalformedMessage) {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err != nil {
			return
		}
		if req.RequestId == "" {
			req.RequestId = uuid.NewString()
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, badReq(req, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, overloaded(req, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, overloaded(req, "adapter queue overloaded"))
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.workQ[requestQueue(req, len(s.workQ))]
		select {
		case q <- qr:
		case <-s.quit:
			qr.release()
			return
		default:
			qr.release()
			s.send(conn, overloaded(req, "worker queue overloaded"))
		}
	}
}

func (s *Server) runWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case req := <-q:
			res := s.handleRequest(req.ctx, req.req)
			req.release()
			s.send(req.conn, res)
		}
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case <-conn.done:
		s.logger.Debug("client gone, dropping response", slog.String("request_id", res.RequestId))
	case conn.writerQ <- res:
	default:
		s.logger.Warn("dropping response, writer queue full", slog.String("request_id", res.RequestId))
	}
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := true, "ok"
		if s.health != nil {
			ok, msg = s.health.Health(ctx)
		}
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationPublish:
		out := s.publisher.Publish(ctx, domain.EventTypeName(req.Publish.EventType), req.Publish.Payload)
		return publishResponse(res, out)
	case OperationResolveEventType:
		et, found := s.resolver.Resolve(domain.EventTypeName(req.Resolve.Name))
		res.EventType = &EventTypeResponse{Found: found}
		if found {
			res.EventType.Name, res.EventType.Topic = string(et.Name), string(et.Topic)
			res.EventType.CreatedAtUtcNs = et.CreatedAt.UnixNano()
		}
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

// publishResponse folds an outcome into the socket error space. Messages
// come from the problem document, so internal failure detail never reaches
// the client.
func publishResponse(res *SocketResponse, out publish.Outcome) *SocketResponse {
	p, failed := problem.Render(out)
	if !failed {
		res.Publish = &PublishResponse{Accepted: true, Topic: string(out.Topic), Partition: string(out.Partition)}
		return res
	}
	switch out.Kind {
	case publish.KindEventTypeNotFound:
		res.ErrorCode, res.ErrorMessage = int32(ErrorCodeNotFound), p.Detail
	default:
		res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), p.Title
	}
	res.Publish = &PublishResponse{Accepted: false}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func overloaded(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: msg}
}

func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := WriteMessage(conn, req); err != nil {
		return nil, err
	}
	return ReadResponse(bufio.NewReader(conn))
}

func Retryable(code int32) bool              { return ErrorCode(code) == ErrorCodeOverloaded }
func Error(code ErrorCode, msg string) error { return fmt.Errorf("%d:%s", code, msg) }
