package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ehrlich-b/trawl/internal/protocol"
	"github.com/go-playground/validator/v10"
)

// Result is what a handler reports back to the router. A false Success
// lets lower-priority handlers take a turn.
type Result struct {
	Success bool
	Message string
}

// Handler processes one inbound message on behalf of a connection.
type Handler interface {
	CanHandle(msg *protocol.Message) bool
	Handle(ctx context.Context, conn *Conn, msg *protocol.Message) Result
}

// HandlerFunc adapts a function to a Handler that accepts every message
// of its registered type.
type HandlerFunc func(ctx context.Context, conn *Conn, msg *protocol.Message) Result

func (f HandlerFunc) CanHandle(*protocol.Message) bool { return true }

func (f HandlerFunc) Handle(ctx context.Context, conn *Conn, msg *protocol.Message) Result {
	return f(ctx, conn, msg)
}

// Middleware hooks run around every dispatched message. Before may
// rewrite the message by returning a replacement; After observes the
// handler result.
type Middleware struct {
	Name     string
	Priority int
	Before   func(msg *protocol.Message) *protocol.Message
	After    func(msg *protocol.Message, res Result)
}

type registration struct {
	priority int
	handler  Handler
}

// Router validates inbound messages and dispatches them to handlers by
// type. Each type holds a priority-ordered handler list; the first
// handler that can take the message runs, and the next one only runs if
// the previous reported failure.
type Router struct {
	log      *slog.Logger
	validate *validator.Validate

	mu          sync.RWMutex
	table       map[string][]registration
	middlewares []Middleware
}

// NewRouter creates an empty router.
func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		validate: validator.New(),
		table:    make(map[string][]registration),
	}
}

// Register adds a handler for a message type. Higher priority runs
// first; equal priorities keep registration order.
func (r *Router) Register(msgType string, priority int, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := append(r.table[msgType], registration{priority: priority, handler: h})
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].priority > regs[j].priority })
	r.table[msgType] = regs
}

// Use installs a middleware. Higher priority runs first.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw)
	sort.SliceStable(r.middlewares, func(i, j int) bool {
		return r.middlewares[i].Priority > r.middlewares[j].Priority
	})
}

// Dispatch runs the pipeline for one inbound message: schema
// validation, before middlewares, handler selection, after middlewares.
// Validation failures and unhandled types are logged and returned; they
// change no state.
func (r *Router) Dispatch(ctx context.Context, conn *Conn, msg *protocol.Message) error {
	if err := r.validateMessage(msg); err != nil {
		r.log.Warn("message rejected", "type", msg.Type, "conn", connID(conn), "error", err)
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	r.mu.RLock()
	regs := append([]registration(nil), r.table[msg.Type]...)
	mws := append([]Middleware(nil), r.middlewares...)
	r.mu.RUnlock()

	for _, mw := range mws {
		if mw.Before == nil {
			continue
		}
		if out := mw.Before(msg); out != nil {
			msg = out
		}
	}

	if len(regs) == 0 {
		r.log.Warn("unhandled message type", "type", msg.Type, "conn", connID(conn))
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	}

	var res Result
	handled := false
	for _, reg := range regs {
		if !reg.handler.CanHandle(msg) {
			continue
		}
		res = reg.handler.Handle(ctx, conn, msg)
		handled = true
		if res.Success {
			break
		}
	}
	if !handled {
		r.log.Warn("no handler accepted message", "type", msg.Type, "conn", connID(conn))
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	}

	for _, mw := range mws {
		if mw.After != nil {
			mw.After(msg, res)
		}
	}

	if !res.Success {
		r.log.Debug("message handled without success", "type", msg.Type, "detail", res.Message)
	}
	return nil
}

// jobScoped lists message types whose envelope must carry a job id.
var jobScoped = map[string]bool{
	protocol.TypeJobStarted:          true,
	protocol.TypeJobProgress:         true,
	protocol.TypeJobCompleted:        true,
	protocol.TypeJobFailed:           true,
	protocol.TypeJobsDiscovered:      true,
	protocol.TypeTokenRefreshRequest: true,
}

func (r *Router) validateMessage(msg *protocol.Message) error {
	if msg.Type == "" {
		return fmt.Errorf("missing type")
	}
	if jobScoped[msg.Type] && msg.JobID == "" {
		return fmt.Errorf("%s requires a job id", msg.Type)
	}
	payload, ok := payloadPrototype(msg.Type)
	if !ok {
		// Unknown type: no schema to check, dispatch reports NoHandler.
		return nil
	}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", msg.Type, err)
		}
	}
	if err := r.validate.Struct(payload); err != nil {
		return fmt.Errorf("%s payload: %w", msg.Type, err)
	}
	return nil
}

func payloadPrototype(msgType string) (any, bool) {
	switch msgType {
	case protocol.TypeHeartbeat:
		return &protocol.Heartbeat{}, true
	case protocol.TypeJobRequest:
		return &protocol.JobRequest{}, true
	case protocol.TypeJobStarted:
		return &protocol.JobStarted{}, true
	case protocol.TypeJobProgress:
		return &protocol.JobProgress{}, true
	case protocol.TypeJobCompleted:
		return &protocol.JobCompleted{}, true
	case protocol.TypeJobFailed:
		return &protocol.JobFailed{}, true
	case protocol.TypeJobsDiscovered:
		return &protocol.JobsDiscovered{}, true
	case protocol.TypeTokenRefreshRequest:
		return &protocol.TokenRefreshRequest{}, true
	case protocol.TypeDiscovery:
		return &protocol.Discovery{}, true
	default:
		return nil, false
	}
}

func connID(c *Conn) string {
	if c == nil {
		return ""
	}
	return c.ID
}
