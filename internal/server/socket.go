package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/trawl/internal/config"
	"github.com/ehrlich-b/trawl/internal/protocol"
	"github.com/ehrlich-b/trawl/internal/storage"
)

// handleTimeout bounds the processing of one inbound message.
const handleTimeout = 30 * time.Second

// Server is the control plane's worker-facing socket server. It accepts
// stream connections, frames and validates messages, and drives the job
// lifecycle through the service layer.
type Server struct {
	cfg   config.ServerConfig
	store storage.Storage
	log   *slog.Logger

	bridge    *Bridge
	pool      *Pool
	router    *Router
	jobs      *JobService
	discovery *Discovery
	refresh   *RefreshCoordinator

	ln         net.Listener
	socketFile string
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer assembles the control plane around a store.
func NewServer(cfg config.ServerConfig, store storage.Storage, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	bridge := NewBridge(log)
	jobs := NewJobService(store, bridge, cfg.SendFailedToWorker, cfg.AssignmentTimeout.Duration(), log)
	s := &Server{
		cfg:       cfg,
		store:     store,
		log:       log,
		bridge:    bridge,
		router:    NewRouter(log),
		jobs:      jobs,
		discovery: NewDiscovery(store, jobs, bridge, log),
		refresh:   NewRefreshCoordinator(store, jobs, bridge, cfg.OAuth, log),
		done:      make(chan struct{}),
	}
	s.pool = NewPool(PoolConfig{
		MaxConnections:    cfg.MaxConnections,
		BufferSize:        cfg.BufferSize,
		HeartbeatTimeout:  cfg.HeartbeatTimeout.Duration(),
		ConnectionTimeout: cfg.ConnectionTimeout.Duration(),
		MessageTimeout:    cfg.MessageTimeout.Duration(),
		CleanupInterval:   cfg.CleanupInterval.Duration(),
	}, bridge, log)
	s.pool.SetHandler(s.dispatch)
	s.pool.SetOnRemove(s.connectionGone)
	s.registerHandlers()
	return s
}

// Start opens the socket and begins accepting workers.
func (s *Server) Start() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.ln = ln
	s.pool.Start()
	s.jobs.Start()
	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("control plane listening", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener, tells workers to shut down, and waits for
// in-flight work to drain.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	if s.ln != nil {
		s.ln.Close()
	}
	s.pool.Shutdown("control plane shutting down")
	s.jobs.Stop()
	s.wg.Wait()
	if s.socketFile != "" {
		os.Remove(s.socketFile)
	}
	s.log.Info("control plane stopped")
}

// Pool exposes connection state to the admin surface.
func (s *Server) Pool() *Pool { return s.pool }

// Bridge exposes the admin event stream.
func (s *Server) Bridge() *Bridge { return s.bridge }

// Jobs exposes the lifecycle service.
func (s *Server) Jobs() *JobService { return s.jobs }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		sock, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		// Rejections are logged and counted by the pool.
		_, _ = s.pool.Add(sock)
	}
}

func (s *Server) dispatch(conn *Conn, msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := s.router.Dispatch(ctx, conn, msg); err != nil {
		conn.noteError()
	}
}

func (s *Server) connectionGone(c *Conn, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.jobs.HandleDisconnect(ctx, c.ID)
}

// listen opens the configured socket. tcp://host:port listens on TCP;
// anything else is treated as a Unix socket path, with a liveness probe
// so a crashed predecessor's stale file is cleaned up but a running one
// is not stolen.
func (s *Server) listen() (net.Listener, error) {
	if addr, ok := strings.CutPrefix(s.cfg.SocketPath, "tcp://"); ok {
		return net.Listen("tcp", addr)
	}
	path := strings.TrimPrefix(s.cfg.SocketPath, "unix://")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create socket dir: %w", err)
		}
	}
	if _, err := os.Stat(path); err == nil {
		if probe, derr := net.DialTimeout("unix", path, time.Second); derr == nil {
			probe.Close()
			return nil, fmt.Errorf("socket %s already in use", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		s.log.Warn("setting socket permissions failed", "error", err)
	}
	s.socketFile = path
	return ln, nil
}
