package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ehrlich-b/trawl/internal/protocol"
)

// ConnState is the lifecycle state of one worker connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateActive
	StateIdle
	StateDisconnecting
	StateDisconnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state name, not the ordinal, so the admin API
// stays readable.
func (s ConnState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

const (
	// sendQueueSize bounds the outbound queue per connection.
	sendQueueSize = 64

	// idleAfter moves an active connection to IDLE when no traffic has
	// been seen for this long. Any traffic moves it back.
	idleAfter = 30 * time.Second

	readChunkSize = 4096
)

// ConnStats is a point-in-time snapshot of a connection.
type ConnStats struct {
	ID            string
	State         ConnState
	RemoteAddr    string
	ConnectedAt   time.Time
	LastActivity  time.Time
	LastHeartbeat time.Time
	BytesIn       int64
	BytesOut      int64
	MessagesIn    int64
	MessagesOut   int64
	Errors        int64

	// Worker-reported load, from the latest heartbeat.
	ActiveJobs     int
	TotalProcessed int
	SystemStatus   string
}

// Conn wraps one accepted worker socket. Inbound bytes are framed and
// decoded by the read loop; outbound messages funnel through a single
// writer goroutine so concurrent senders never interleave frames.
type Conn struct {
	ID string

	sock   net.Conn
	framer *protocol.Framer
	log    *slog.Logger

	messageTimeout time.Duration

	send      chan []byte
	done      chan struct{}
	flushed   chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	state         ConnState
	connectedAt   time.Time
	lastActivity  time.Time
	lastHeartbeat time.Time
	bytesIn       int64
	bytesOut      int64
	messagesIn    int64
	messagesOut   int64
	errorCount    int64

	activeJobs     int
	totalProcessed int
	systemStatus   string
}

func newConn(id string, sock net.Conn, maxFrame int, messageTimeout time.Duration, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	now := time.Now()
	return &Conn{
		ID:             id,
		sock:           sock,
		framer:         protocol.NewFramer(maxFrame),
		log:            log,
		messageTimeout: messageTimeout,
		send:           make(chan []byte, sendQueueSize),
		done:           make(chan struct{}),
		flushed:        make(chan struct{}),
		state:          StateConnecting,
		connectedAt:    now,
		lastActivity:   now,
		lastHeartbeat:  now,
	}
}

// Run drives the connection: it starts the writer and consumes the
// socket until it closes, invoking handle once per decoded message.
// It returns when the read side is done; by then the connection is in
// DISCONNECTED, DISCONNECTING or ERROR.
func (c *Conn) Run(handle func(*Conn, *protocol.Message)) {
	c.setState(StateConnected)
	go c.writePump()
	c.readLoop(handle)
}

func (c *Conn) readLoop(handle func(*Conn, *protocol.Message)) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			frames, ferr := c.framer.Append(buf[:n])
			c.noteRead(n)
			for _, frame := range frames {
				msg, derr := protocol.Decode(frame)
				if derr != nil {
					c.noteError()
					c.log.Warn("dropping bad frame", "conn", c.ID, "error", derr)
					continue
				}
				c.noteMessage(msg.Type)
				if handle != nil {
					handle(c, msg)
				}
			}
			if ferr != nil {
				c.fail(ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.setState(StateDisconnected)
			} else {
				c.fail(err)
			}
			return
		}
	}
}

func (c *Conn) writePump() {
	defer close(c.flushed)
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-c.done:
			// Drain what was queued before the close, then stop.
			for {
				select {
				case data := <-c.send:
					if err := c.write(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if c.messageTimeout > 0 {
		c.sock.SetWriteDeadline(time.Now().Add(c.messageTimeout))
	}
	n, err := c.sock.Write(buf)
	c.mu.Lock()
	c.bytesOut += int64(n)
	if err == nil {
		c.messagesOut++
		c.lastActivity = time.Now()
		if c.state == StateIdle {
			c.state = StateActive
		}
	}
	c.mu.Unlock()
	return err
}

// Send encodes a message and queues it for the writer. It fails with
// ErrNotWritable once the connection is closing or closed.
func (c *Conn) Send(msgType, jobID string, payload any) error {
	data, err := protocol.Encode(msgType, jobID, payload)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Conn) enqueue(data []byte) error {
	c.mu.Lock()
	writable := c.state < StateDisconnecting
	c.mu.Unlock()
	if !writable {
		return ErrNotWritable
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrNotWritable
	}
}

// Disconnect closes the connection gracefully: queued messages get
// messageTimeout to flush before the socket is destroyed. Connections
// already in ERROR are destroyed immediately.
func (c *Conn) Disconnect(reason string) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	hard := c.state == StateError
	if !hard {
		c.state = StateDisconnecting
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })

	if !hard && c.messageTimeout > 0 {
		select {
		case <-c.flushed:
		case <-time.After(c.messageTimeout):
			c.log.Warn("flush deadline hit, destroying connection", "conn", c.ID, "reason", reason)
		}
	}
	c.sock.Close()
	c.setState(StateDisconnected)
}

// fail moves the connection to ERROR and destroys the socket. ERROR is
// absorbing; later transitions are refused.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	already := c.state == StateError || c.state == StateDisconnected
	if !already {
		c.state = StateError
		c.errorCount++
	}
	c.mu.Unlock()
	if !already {
		c.log.Warn("connection error", "conn", c.ID, "error", err)
	}
	c.closeOnce.Do(func() { close(c.done) })
	c.sock.Close()
}

// setState applies a transition unless the connection has already
// reached DISCONNECTED or ERROR.
func (c *Conn) setState(next ConnState) {
	c.mu.Lock()
	if c.state != StateError && c.state != StateDisconnected {
		c.state = next
	}
	c.mu.Unlock()
}

// markIdle downgrades ACTIVE to IDLE. Any other state is left alone.
func (c *Conn) markIdle() {
	c.mu.Lock()
	if c.state == StateActive {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

func (c *Conn) noteRead(n int) {
	c.mu.Lock()
	c.bytesIn += int64(n)
	c.lastActivity = time.Now()
	if c.state == StateConnected || c.state == StateIdle {
		c.state = StateActive
	}
	c.mu.Unlock()
}

func (c *Conn) noteMessage(msgType string) {
	c.mu.Lock()
	c.messagesIn++
	if msgType == protocol.TypeHeartbeat {
		c.lastHeartbeat = time.Now()
	}
	c.mu.Unlock()
}

func (c *Conn) noteError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

// recordWorkerStatus stores the load a heartbeat reported.
func (c *Conn) recordWorkerStatus(activeJobs, totalProcessed int, status string) {
	c.mu.Lock()
	c.activeJobs = activeJobs
	c.totalProcessed = totalProcessed
	c.systemStatus = status
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the connection's counters and times.
func (c *Conn) Stats() ConnStats {
	remote := ""
	if addr := c.sock.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnStats{
		ID:             c.ID,
		State:          c.state,
		RemoteAddr:     remote,
		ConnectedAt:    c.connectedAt,
		LastActivity:   c.lastActivity,
		LastHeartbeat:  c.lastHeartbeat,
		BytesIn:        c.bytesIn,
		BytesOut:       c.bytesOut,
		MessagesIn:     c.messagesIn,
		MessagesOut:    c.messagesOut,
		Errors:         c.errorCount,
		ActiveJobs:     c.activeJobs,
		TotalProcessed: c.totalProcessed,
		SystemStatus:   c.systemStatus,
	}
}
