package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/trawl/internal/protocol"
)

// PoolConfig bounds and tunes the connection pool.
type PoolConfig struct {
	MaxConnections    int
	BufferSize        int
	HeartbeatTimeout  time.Duration
	ConnectionTimeout time.Duration
	MessageTimeout    time.Duration
	CleanupInterval   time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.BufferSize <= 0 {
		c.BufferSize = protocol.DefaultMaxFrameSize
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 5 * time.Minute
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 5 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	return c
}

// Pool owns every accepted worker connection: it enforces the
// connection limit, assigns ids, runs the periodic cleanup scanner and
// offers broadcast fan-out. Handlers borrow connections per message;
// only the pool creates and destroys them.
type Pool struct {
	cfg    PoolConfig
	bridge *Bridge
	log    *slog.Logger

	// handler and onRemove are wired once before the listener starts.
	handler  func(*Conn, *protocol.Message)
	onRemove func(*Conn, string)

	mu       sync.RWMutex
	conns    map[string]*Conn
	seq      int64
	rejected int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a connection pool.
func NewPool(cfg PoolConfig, bridge *Bridge, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:    cfg.withDefaults(),
		bridge: bridge,
		log:    log,
		conns:  make(map[string]*Conn),
		done:   make(chan struct{}),
	}
}

// SetHandler installs the per-message callback. Must be called before
// the first Add.
func (p *Pool) SetHandler(h func(*Conn, *protocol.Message)) {
	p.handler = h
}

// SetOnRemove installs a callback invoked after a connection leaves the
// pool, with the removal reason.
func (p *Pool) SetOnRemove(f func(*Conn, string)) {
	p.onRemove = f
}

// Start launches the cleanup scanner.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.cleanupLoop()
}

// Add registers an accepted socket. When the pool is full the socket is
// destroyed immediately and a connection_rejected event fires.
func (p *Pool) Add(sock net.Conn) (*Conn, error) {
	remote := ""
	if addr := sock.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	p.mu.Lock()
	if len(p.conns) >= p.cfg.MaxConnections {
		p.rejected++
		p.mu.Unlock()
		sock.Close()
		p.log.Warn("connection rejected, pool full", "remote", remote, "limit", p.cfg.MaxConnections)
		p.bridge.Emit(EventConnectionRejected, "", map[string]any{"remote": remote})
		return nil, ErrPoolFull
	}
	p.seq++
	id := fmt.Sprintf("c_%d", p.seq)
	conn := newConn(id, sock, p.cfg.BufferSize, p.cfg.MessageTimeout, p.log)
	p.conns[id] = conn
	p.mu.Unlock()

	p.log.Info("connection accepted", "conn", id, "remote", remote)
	p.bridge.Emit(EventConnectionEstablished, "", map[string]any{"connection": id, "remote": remote})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		conn.Run(p.handler)
		p.remove(conn, "socket closed")
	}()
	return conn, nil
}

// Get returns the connection with the given id, or nil.
func (p *Pool) Get(id string) *Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[id]
}

// List returns a snapshot of the pooled connections.
func (p *Pool) List() []*Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the number of pooled connections.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Rejected returns how many accepts the limit has turned away.
func (p *Pool) Rejected() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rejected
}

// Broadcast sends one message to every connection. Sends run
// concurrently; failures are counted, never aborting the rest.
func (p *Pool) Broadcast(msgType, jobID string, payload any) (sent, failed int) {
	return p.broadcast(p.List(), msgType, jobID, payload)
}

// BroadcastActive sends one message to connections in ACTIVE state.
func (p *Pool) BroadcastActive(msgType, jobID string, payload any) (sent, failed int) {
	return p.BroadcastFunc(func(c *Conn) bool { return c.State() == StateActive }, msgType, jobID, payload)
}

// BroadcastFunc sends one message to the connections match accepts.
func (p *Pool) BroadcastFunc(match func(*Conn) bool, msgType, jobID string, payload any) (sent, failed int) {
	var targets []*Conn
	for _, c := range p.List() {
		if match(c) {
			targets = append(targets, c)
		}
	}
	return p.broadcast(targets, msgType, jobID, payload)
}

func (p *Pool) broadcast(conns []*Conn, msgType, jobID string, payload any) (int, int) {
	if len(conns) == 0 {
		return 0, 0
	}
	data, err := protocol.Encode(msgType, jobID, payload)
	if err != nil {
		p.log.Error("broadcast encode", "type", msgType, "error", err)
		return 0, len(conns)
	}

	var wg sync.WaitGroup
	var failures atomic.Int64
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if err := c.enqueue(data); err != nil {
				failures.Add(1)
			}
		}(c)
	}
	wg.Wait()

	failed := int(failures.Load())
	if failed > 0 {
		p.log.Warn("broadcast partially failed", "type", msgType, "failed", failed, "total", len(conns))
	}
	return len(conns) - failed, failed
}

// Shutdown stops the scanner, tells workers to stand down and closes
// every connection gracefully, falling back to hard destroy after
// message_timeout each.
func (p *Pool) Shutdown(reason string) {
	p.stopOnce.Do(func() { close(p.done) })

	p.Broadcast(protocol.TypeShutdown, "", protocol.Shutdown{Reason: reason})

	var wg sync.WaitGroup
	for _, c := range p.List() {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			p.remove(c, "server shutdown")
		}(c)
	}
	wg.Wait()
	p.wg.Wait()
}

func (p *Pool) remove(c *Conn, reason string) {
	p.mu.Lock()
	if _, ok := p.conns[c.ID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.conns, c.ID)
	p.mu.Unlock()

	c.Disconnect(reason)
	p.log.Info("connection removed", "conn", c.ID, "reason", reason, "state", c.State().String())
	p.bridge.Emit(EventConnectionClosed, "", map[string]any{"connection": c.ID, "reason": reason})
	if p.onRemove != nil {
		p.onRemove(c, reason)
	}
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep removes dead and expired connections and downgrades quiet ones
// to IDLE. Removals run concurrently; a graceful close can block for
// message_timeout and must not stall the scanner.
func (p *Pool) sweep() {
	now := time.Now()
	for _, c := range p.List() {
		st := c.Stats()
		switch {
		case st.State == StateDisconnected || st.State == StateError:
			go p.remove(c, "defunct")
		case now.Sub(st.LastActivity) > p.cfg.ConnectionTimeout:
			go p.remove(c, "inactive")
		case now.Sub(st.LastHeartbeat) > p.cfg.HeartbeatTimeout:
			c.fail(errHeartbeatTimeout)
			go p.remove(c, "heartbeat timeout")
		case st.State == StateActive && now.Sub(st.LastActivity) > idleAfter:
			c.markIdle()
		}
	}
}
