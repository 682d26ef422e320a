package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/trawl/internal/anonymize"
	"github.com/ehrlich-b/trawl/internal/artifact"
	"github.com/ehrlich-b/trawl/internal/config"
	"github.com/ehrlich-b/trawl/internal/protocol"
)

const (
	// Reconnect backoff
	minReconnectDelay = 1 * time.Second
	maxReconnectDelay = 30 * time.Second

	readChunkSize = 4096
	writeTimeout  = 10 * time.Second
)

// ErrRefreshTimeout is returned when no token_refresh_response arrives
// in time; the job is failed as if the refresh was denied.
var ErrRefreshTimeout = errors.New("token refresh timed out")

// Worker is the crawler process: a reconnecting socket client that polls
// the control plane for jobs and feeds them to its processor. Outbound
// messages queue in FIFO order and survive reconnects.
type Worker struct {
	cfg  config.WorkerConfig
	log  *slog.Logger
	proc *Processor

	store  artifact.Store
	lookup *anonymize.LookupTable

	mu    sync.Mutex
	sock  net.Conn
	queue [][]byte

	notify chan struct{}

	refreshMu sync.Mutex
	refresh   map[string]chan *protocol.TokenRefreshResponse

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a worker from configuration: artifact store, anonymizer,
// request budget, processor, and the socket client around them.
func New(cfg config.WorkerConfig, log *slog.Logger) (*Worker, error) {
	if log == nil {
		log = slog.Default()
	}

	var store artifact.Store
	var err error
	switch cfg.ArtifactBackend {
	case "s3":
		store, err = artifact.NewS3Store(artifact.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, log)
	default:
		store, err = artifact.NewFilesystemStore(cfg.DataDir, log)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	lookup, err := anonymize.NewLookupTable(cfg.LookupDBPath, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open lookup table: %w", err)
	}
	anon := anonymize.New(cfg.AnonymizationSecret, lookup)
	budget := NewBudget(cfg.MaxRequestsPerMinute, cfg.MaxRequestsPerHour)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:     cfg,
		log:     log,
		store:   store,
		lookup:  lookup,
		notify:  make(chan struct{}, 1),
		refresh: make(map[string]chan *protocol.TokenRefreshResponse),
		ctx:     ctx,
		cancel:  cancel,
	}
	w.proc = NewProcessor(cfg.MaxConcurrentJobs, store, anon, budget, w, log)
	return w, nil
}

// Processor exposes the task processor, mainly to tests and status
// reporting.
func (w *Worker) Processor() *Processor { return w.proc }

// Start launches the connect/reconnect loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop cancels all work, waits for loops to exit, and closes the local
// stores.
func (w *Worker) Stop() {
	w.cancel()
	w.mu.Lock()
	if w.sock != nil {
		w.sock.Close()
	}
	w.mu.Unlock()
	w.wg.Wait()
	if err := w.store.Close(); err != nil {
		w.log.Warn("closing artifact store failed", "error", err)
	}
	if err := w.lookup.Close(); err != nil {
		w.log.Warn("closing lookup table failed", "error", err)
	}
	w.log.Info("worker stopped")
}

// run dials the control plane and serves the connection until it drops,
// backing off exponentially between attempts.
func (w *Worker) run() {
	defer w.wg.Done()
	delay := minReconnectDelay
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		sock, err := w.dial()
		if err != nil {
			w.log.Warn("connect failed", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-w.ctx.Done():
				return
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		delay = minReconnectDelay
		w.log.Info("connected", "addr", sock.RemoteAddr())
		w.serve(sock)
		w.log.Info("disconnected")
	}
}

func (w *Worker) dial() (net.Conn, error) {
	path := w.cfg.SocketPath
	if addr, ok := strings.CutPrefix(path, "tcp://"); ok {
		return net.DialTimeout("tcp", addr, 5*time.Second)
	}
	return net.DialTimeout("unix", strings.TrimPrefix(path, "unix://"), 5*time.Second)
}

// serve owns one live connection: a flusher draining the outbound queue,
// the poll and heartbeat tickers, and the read loop. It returns when the
// connection dies; queued outbound messages stay queued.
func (w *Worker) serve(sock net.Conn) {
	w.mu.Lock()
	w.sock = sock
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.sock = nil
		w.mu.Unlock()
		sock.Close()
	}()

	done := make(chan struct{})
	var loops sync.WaitGroup
	loops.Add(3)
	go func() { defer loops.Done(); w.flushLoop(sock, done) }()
	go func() { defer loops.Done(); w.pollLoop(done) }()
	go func() { defer loops.Done(); w.heartbeatLoop(done) }()

	// Announce ourselves and ask for work right away.
	w.emitHeartbeat()
	w.requestJobs()

	w.readLoop(sock)
	close(done)
	loops.Wait()
}

func (w *Worker) readLoop(sock net.Conn) {
	framer := protocol.NewFramer(protocol.DefaultMaxFrameSize)
	buf := make([]byte, readChunkSize)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			frames, ferr := framer.Append(buf[:n])
			for _, frame := range frames {
				msg, derr := protocol.Decode(frame)
				if derr != nil {
					w.log.Warn("dropping bad frame", "error", derr)
					continue
				}
				w.handle(msg)
			}
			if ferr != nil {
				w.log.Warn("framing failed, reconnecting", "error", ferr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (w *Worker) handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeJobResponse:
		resp, err := protocol.DecodePayload[protocol.JobResponse](msg.Data)
		if err != nil {
			w.log.Warn("bad job_response", "error", err)
			return
		}
		w.intake(resp.Jobs)
	case protocol.TypeTokenRefreshResponse:
		resp, err := protocol.DecodePayload[protocol.TokenRefreshResponse](msg.Data)
		if err != nil {
			w.log.Warn("bad token_refresh_response", "error", err)
			return
		}
		w.deliverRefresh(msg.JobID, &resp)
	case protocol.TypeShutdown:
		sd, _ := protocol.DecodePayload[protocol.Shutdown](msg.Data)
		w.log.Info("control plane shutting down", "reason", sd.Reason)
		w.mu.Lock()
		if w.sock != nil {
			w.sock.Close()
		}
		w.mu.Unlock()
	default:
		w.log.Warn("unknown message type", "type", msg.Type)
	}
}

// intake starts claimed jobs, one goroutine per slot. Jobs that find all
// slots busy are left alone; the control plane's stale-assignment sweep
// re-queues them.
func (w *Worker) intake(jobs []protocol.JobDescriptor) {
	for i := range jobs {
		desc := jobs[i]
		if !w.proc.TryAcquire(&desc) {
			w.log.Warn("no slot for job, leaving it", "job", desc.ID)
			continue
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.proc.Run(w.ctx, &desc)
		}()
	}
}

// Emit queues one outbound message for FIFO delivery. The queue survives
// disconnects; messages flush after the next reconnect.
func (w *Worker) Emit(msgType, jobID string, payload any) {
	data, err := protocol.Encode(msgType, jobID, payload)
	if err != nil {
		w.log.Error("encoding outbound message failed", "type", msgType, "error", err)
		return
	}
	w.mu.Lock()
	w.queue = append(w.queue, data)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// QueuedMessages reports the outbound backlog.
func (w *Worker) QueuedMessages() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// flushLoop is the single writer for one connection. A message is only
// dequeued after it was written, so a failed write is retried on the
// next connection.
func (w *Worker) flushLoop(sock net.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-w.ctx.Done():
			return
		case <-w.notify:
		}
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			data := w.queue[0]
			w.mu.Unlock()

			frame := make([]byte, 0, len(data)+1)
			frame = append(frame, data...)
			frame = append(frame, '\n')
			sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := sock.Write(frame); err != nil {
				w.log.Warn("write failed, keeping message queued", "error", err)
				sock.Close()
				return
			}

			w.mu.Lock()
			w.queue = w.queue[1:]
			w.mu.Unlock()
		}
	}
}

// pollLoop asks for work while slots are free.
func (w *Worker) pollLoop(done chan struct{}) {
	interval := w.cfg.PollInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.requestJobs()
		}
	}
}

func (w *Worker) requestJobs() {
	free := w.proc.slots - w.proc.ActiveJobs()
	if free <= 0 {
		return
	}
	w.Emit(protocol.TypeJobRequest, "", &protocol.JobRequest{MaxJobs: free})
}

func (w *Worker) heartbeatLoop(done chan struct{}) {
	interval := w.cfg.HeartbeatInterval.Duration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.emitHeartbeat()
		}
	}
}

func (w *Worker) emitHeartbeat() {
	hb := protocol.NewHeartbeat(w.proc.ActiveJobs(), w.proc.TotalProcessed(), w.proc.SystemStatus())
	w.Emit(protocol.TypeHeartbeat, "", hb)
}

// RequestTokenRefresh sends a token_refresh_request for a job and waits
// for the correlated response. Only one waiter per job exists at a time.
func (w *Worker) RequestTokenRefresh(ctx context.Context, jobID, reason string) (*protocol.TokenRefreshResponse, error) {
	ch := make(chan *protocol.TokenRefreshResponse, 1)
	w.refreshMu.Lock()
	if _, busy := w.refresh[jobID]; busy {
		w.refreshMu.Unlock()
		return nil, fmt.Errorf("refresh already pending for job %s", jobID)
	}
	w.refresh[jobID] = ch
	w.refreshMu.Unlock()
	defer func() {
		w.refreshMu.Lock()
		delete(w.refresh, jobID)
		w.refreshMu.Unlock()
	}()

	w.Emit(protocol.TypeTokenRefreshRequest, jobID, &protocol.TokenRefreshRequest{Reason: reason})

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrRefreshTimeout
		}
		return nil, ctx.Err()
	}
}

func (w *Worker) deliverRefresh(jobID string, resp *protocol.TokenRefreshResponse) {
	w.refreshMu.Lock()
	ch, ok := w.refresh[jobID]
	w.refreshMu.Unlock()
	if !ok {
		w.log.Warn("refresh response with no waiter", "job", jobID)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
