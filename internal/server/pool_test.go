package server

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/trawl/internal/protocol"
)

func newTestPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	p := NewPool(cfg, NewBridge(nil), nil)
	t.Cleanup(func() { p.Shutdown("test over") })
	return p
}

// addPipeConn adds one end of a pipe to the pool and returns the peer
// side for the test to read and write.
func addPipeConn(t *testing.T, p *Pool) (*Conn, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	conn, err := p.Add(server)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	return conn, peer
}

func TestPoolAssignsSequentialIDs(t *testing.T) {
	p := newTestPool(t, PoolConfig{})
	c1, _ := addPipeConn(t, p)
	c2, _ := addPipeConn(t, p)

	if c1.ID != "c_1" || c2.ID != "c_2" {
		t.Errorf("ids = %s, %s, want c_1, c_2", c1.ID, c2.ID)
	}
	if p.Count() != 2 {
		t.Errorf("Count = %d, want 2", p.Count())
	}
	if p.Get("c_1") != c1 || p.Get("missing") != nil {
		t.Error("Get lookup broken")
	}
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxConnections: 1})
	bridge := p.bridge
	events := bridge.Subscribe()
	defer bridge.Unsubscribe(events)

	addPipeConn(t, p)

	server, peer := net.Pipe()
	defer peer.Close()
	_, err := p.Add(server)
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("err = %v, want ErrPoolFull", err)
	}
	if p.Rejected() != 1 {
		t.Errorf("Rejected = %d, want 1", p.Rejected())
	}

	// The rejected socket is closed.
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, rerr := peer.Read(make([]byte, 1)); rerr == nil {
		t.Error("rejected socket still open")
	}

	sawRejected := false
	deadline := time.After(time.Second)
	for !sawRejected {
		select {
		case ev := <-events:
			if ev.Type == EventConnectionRejected {
				sawRejected = true
			}
		case <-deadline:
			t.Fatal("no connection_rejected event")
		}
	}
}

func TestPoolRemovesOnPeerClose(t *testing.T) {
	p := newTestPool(t, PoolConfig{})

	var mu sync.Mutex
	removed := map[string]string{}
	p.SetOnRemove(func(c *Conn, reason string) {
		mu.Lock()
		removed[c.ID] = reason
		mu.Unlock()
	})

	conn, peer := addPipeConn(t, p)
	peer.Close()

	waitFor(t, time.Second, func() bool { return p.Count() == 0 })
	mu.Lock()
	reason := removed[conn.ID]
	mu.Unlock()
	if reason != "socket closed" {
		t.Errorf("removal reason = %q, want socket closed", reason)
	}
}

func TestPoolBroadcast(t *testing.T) {
	p := newTestPool(t, PoolConfig{})
	_, peer1 := addPipeConn(t, p)
	_, peer2 := addPipeConn(t, p)

	var wg sync.WaitGroup
	got := make([]string, 2)
	for i, peer := range []net.Conn{peer1, peer2} {
		wg.Add(1)
		go func(i int, peer net.Conn) {
			defer wg.Done()
			peer.SetReadDeadline(time.Now().Add(2 * time.Second))
			line, err := bufio.NewReader(peer).ReadString('\n')
			if err != nil {
				t.Errorf("peer %d read: %v", i, err)
				return
			}
			got[i] = line
		}(i, peer)
	}

	sent, failed := p.Broadcast(protocol.TypeShutdown, "", protocol.Shutdown{Reason: "maintenance"})
	if sent != 2 || failed != 0 {
		t.Fatalf("Broadcast = %d sent, %d failed", sent, failed)
	}
	wg.Wait()

	for i, line := range got {
		msg, err := protocol.Decode([]byte(line))
		if err != nil {
			t.Fatalf("peer %d decode: %v", i, err)
		}
		if msg.Type != protocol.TypeShutdown {
			t.Errorf("peer %d got %s, want shutdown", i, msg.Type)
		}
	}
}

func TestPoolBroadcastFuncFilters(t *testing.T) {
	p := newTestPool(t, PoolConfig{})
	c1, peer1 := addPipeConn(t, p)
	_, _ = addPipeConn(t, p)

	done := make(chan string, 1)
	go func() {
		peer1.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := bufio.NewReader(peer1).ReadString('\n')
		if err != nil {
			done <- ""
			return
		}
		done <- line
	}()

	sent, failed := p.BroadcastFunc(func(c *Conn) bool { return c.ID == c1.ID },
		protocol.TypeJobResponse, "", protocol.JobResponse{Jobs: []protocol.JobDescriptor{}})
	if sent != 1 || failed != 0 {
		t.Fatalf("BroadcastFunc = %d sent, %d failed", sent, failed)
	}
	if line := <-done; line == "" {
		t.Fatal("filtered target got nothing")
	}
}

func TestSweepRemovesHeartbeatTimeouts(t *testing.T) {
	p := newTestPool(t, PoolConfig{HeartbeatTimeout: 50 * time.Millisecond})

	var mu sync.Mutex
	reasons := map[string]string{}
	p.SetOnRemove(func(c *Conn, reason string) {
		mu.Lock()
		reasons[c.ID] = reason
		mu.Unlock()
	})

	conn, _ := addPipeConn(t, p)

	// Backdate the heartbeat past the timeout, keep activity fresh.
	conn.mu.Lock()
	conn.lastHeartbeat = time.Now().Add(-time.Minute)
	conn.mu.Unlock()

	p.sweep()

	waitFor(t, time.Second, func() bool { return p.Count() == 0 })
	mu.Lock()
	reason := reasons[conn.ID]
	mu.Unlock()
	// Either the sweep's removal or the read loop's wins the race; both
	// mean the connection is gone and errored.
	if reason != "heartbeat timeout" && reason != "socket closed" {
		t.Errorf("removal reason = %q", reason)
	}
	if conn.State() != StateDisconnected && conn.State() != StateError {
		t.Errorf("state = %s, want a terminal state", conn.State())
	}
}

func TestSweepRemovesInactive(t *testing.T) {
	p := newTestPool(t, PoolConfig{ConnectionTimeout: 50 * time.Millisecond})
	conn, _ := addPipeConn(t, p)

	conn.mu.Lock()
	conn.lastActivity = time.Now().Add(-time.Minute)
	conn.lastHeartbeat = time.Now()
	conn.mu.Unlock()

	p.sweep()
	waitFor(t, time.Second, func() bool { return p.Count() == 0 })
}

func TestSweepMarksQuietConnectionsIdle(t *testing.T) {
	p := newTestPool(t, PoolConfig{})
	conn, peer := addPipeConn(t, p)

	// Traffic promotes the connection to ACTIVE.
	go func() {
		peer.Write([]byte(`{"type":"heartbeat","timestamp":"2026-01-01T00:00:00Z"}` + "\n"))
	}()
	waitFor(t, time.Second, func() bool { return conn.State() == StateActive })

	conn.mu.Lock()
	conn.lastActivity = time.Now().Add(-idleAfter - time.Second)
	conn.lastHeartbeat = time.Now()
	conn.mu.Unlock()

	p.sweep()
	if got := conn.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if p.Count() != 1 {
		t.Errorf("idle connection was removed")
	}
}

func TestShutdownNotifiesAndCloses(t *testing.T) {
	p := NewPool(PoolConfig{}, NewBridge(nil), nil)
	_, peer := addPipeConn(t, p)

	got := make(chan *protocol.Message, 1)
	go func() {
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := bufio.NewReader(peer).ReadString('\n')
		if err != nil {
			got <- nil
			return
		}
		msg, _ := protocol.Decode([]byte(line))
		got <- msg
	}()

	p.Shutdown("upgrading")

	msg := <-got
	if msg == nil || msg.Type != protocol.TypeShutdown {
		t.Fatalf("peer got %+v, want shutdown notice", msg)
	}
	if p.Count() != 0 {
		t.Errorf("Count = %d after shutdown, want 0", p.Count())
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
