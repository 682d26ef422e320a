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

func newPipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	conn := newConn("c_test", server, protocol.DefaultMaxFrameSize, time.Second, nil)
	t.Cleanup(func() {
		conn.Disconnect("test over")
		peer.Close()
	})
	return conn, peer
}

func TestConnDecodesInboundFrames(t *testing.T) {
	conn, peer := newPipeConn(t)

	var mu sync.Mutex
	var got []*protocol.Message
	go conn.Run(func(_ *Conn, msg *protocol.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	// One newline-framed message, then two back to back without
	// newlines, as older workers send them.
	frames := `{"type":"heartbeat","timestamp":"2026-01-01T00:00:00Z","data":{"activeJobs":2}}` + "\n" +
		`{"type":"job_request","timestamp":"2026-01-01T00:00:01Z"}{"type":"heartbeat","timestamp":"2026-01-01T00:00:02Z"}`
	if _, err := peer.Write([]byte(frames)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != protocol.TypeHeartbeat || got[1].Type != protocol.TypeJobRequest || got[2].Type != protocol.TypeHeartbeat {
		t.Errorf("message types = %s, %s, %s", got[0].Type, got[1].Type, got[2].Type)
	}

	stats := conn.Stats()
	if stats.MessagesIn != 3 {
		t.Errorf("MessagesIn = %d, want 3", stats.MessagesIn)
	}
	if stats.State != StateActive {
		t.Errorf("state = %s, want active after traffic", stats.State)
	}
}

func TestConnSendReachesPeer(t *testing.T) {
	conn, peer := newPipeConn(t)
	go conn.Run(nil)

	line := make(chan string, 1)
	go func() {
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		s, err := bufio.NewReader(peer).ReadString('\n')
		if err != nil {
			line <- ""
			return
		}
		line <- s
	}()

	err := conn.Send(protocol.TypeJobResponse, "", protocol.JobResponse{
		Jobs: []protocol.JobDescriptor{{ID: "j1", Command: protocol.CmdFetchIssues}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	raw := <-line
	if raw == "" {
		t.Fatal("peer read nothing")
	}
	msg, err := protocol.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != protocol.TypeJobResponse {
		t.Errorf("type = %s, want job_response", msg.Type)
	}
	resp, err := protocol.DecodePayload[protocol.JobResponse](msg.Data)
	if err != nil || len(resp.Jobs) != 1 || resp.Jobs[0].ID != "j1" {
		t.Errorf("payload = %+v (%v)", resp, err)
	}
}

func TestConnSendAfterDisconnect(t *testing.T) {
	conn, peer := newPipeConn(t)
	go conn.Run(nil)

	// Keep the peer draining so the graceful flush can finish.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := peer.Read(buf); err != nil {
				return
			}
		}
	}()

	conn.Disconnect("done")
	if got := conn.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}

	err := conn.Send(protocol.TypeShutdown, "", protocol.Shutdown{})
	if !errors.Is(err, ErrNotWritable) {
		t.Errorf("Send after disconnect = %v, want ErrNotWritable", err)
	}
}

func TestConnPeerCloseEndsRun(t *testing.T) {
	conn, peer := newPipeConn(t)

	done := make(chan struct{})
	go func() {
		conn.Run(nil)
		close(done)
	}()

	peer.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after peer close")
	}
	if got := conn.State(); got != StateDisconnected && got != StateError {
		t.Errorf("state = %s, want a terminal state", got)
	}
}

func TestConnHeartbeatTracking(t *testing.T) {
	conn, peer := newPipeConn(t)
	go conn.Run(nil)

	before := conn.Stats().LastHeartbeat
	time.Sleep(10 * time.Millisecond)

	if _, err := peer.Write([]byte(`{"type":"heartbeat","timestamp":"2026-01-01T00:00:00Z"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return conn.Stats().LastHeartbeat.After(before)
	})

	// Non-heartbeat traffic does not advance the heartbeat clock.
	after := conn.Stats().LastHeartbeat
	if _, err := peer.Write([]byte(`{"type":"job_request","timestamp":"2026-01-01T00:00:01Z"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, time.Second, func() bool { return conn.Stats().MessagesIn == 2 })
	if !conn.Stats().LastHeartbeat.Equal(after) {
		t.Error("job_request moved LastHeartbeat")
	}
}

func TestConnDropsBadFramesAndCounts(t *testing.T) {
	conn, peer := newPipeConn(t)

	var mu sync.Mutex
	handled := 0
	go conn.Run(func(*Conn, *protocol.Message) {
		mu.Lock()
		handled++
		mu.Unlock()
	})

	payload := "not json at all\n" + `{"type":"heartbeat","timestamp":"2026-01-01T00:00:00Z"}` + "\n"
	if _, err := peer.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	})
	if errs := conn.Stats().Errors; errs != 1 {
		t.Errorf("Errors = %d, want 1 for the garbage line", errs)
	}
}

func TestConnStateString(t *testing.T) {
	states := map[ConnState]string{
		StateConnecting:    "connecting",
		StateConnected:     "connected",
		StateActive:        "active",
		StateIdle:          "idle",
		StateDisconnecting: "disconnecting",
		StateDisconnected:  "disconnected",
		StateError:         "error",
		ConnState(99):      "unknown",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
	if data, err := StateActive.MarshalJSON(); err != nil || string(data) != `"active"` {
		t.Errorf("MarshalJSON = %s (%v)", data, err)
	}
}
