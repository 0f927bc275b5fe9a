// Package dispatch routes client operations to handlers on a connection's
// run loop. Every operation runs behind a guard that checks authorization,
// contains failures, rolls back the connection's open transaction and
// reports a short reference code to the user.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/umportal/internal/observability"
	"github.com/ent0n29/umportal/internal/policy"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/session"
	"github.com/ent0n29/umportal/internal/store"
	"github.com/ent0n29/umportal/internal/task"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrUnauthorized     = errors.New("not authorized")
)

// Outcomes recorded per dispatched operation.
const (
	OutcomeOK           = "ok"
	OutcomeRejected     = "rejected"
	OutcomeUnauthorized = "unauthorized"
	OutcomeUnknown      = "unknown"
	OutcomeFailed       = "failed"
)

const (
	referenceLength   = 6
	unauthorizedText  = "You are not allowed to do that."
	unknownOpText     = "That action is not available."
	internalErrorText = "Something went wrong on our side. Please mention reference %s if you report it."
)

// Handler performs one operation.
type Handler func(ctx context.Context, hc *Context) error

// Guard decides whether the connection may run an operation.
type Guard func(ctx context.Context, hc *Context) bool

type route struct {
	handler Handler
	guard   Guard
}

type Dispatcher struct {
	routes  map[task.Op]route
	store   store.Store
	metrics *observability.Metrics
	logger  *slog.Logger
	landing task.Op

	// NewReference generates the code shown to users when an operation fails.
	NewReference func() string
}

func New(st store.Store, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		routes:       make(map[task.Op]route),
		store:        st,
		metrics:      metrics,
		logger:       logger,
		NewReference: NewReference,
	}
	d.registerCore()
	return d
}

// Register binds op to h. A nil guard admits every connection. Registering
// the same op twice panics.
func (d *Dispatcher) Register(op task.Op, h Handler, guard Guard) {
	if _, dup := d.routes[op]; dup {
		panic(fmt.Sprintf("dispatch: operation %s registered twice", op))
	}
	d.routes[op] = route{handler: h, guard: guard}
}

// SetLanding names the operation a connection is sent to after identify.
func (d *Dispatcher) SetLanding(op task.Op) {
	d.landing = op
}

func (d *Dispatcher) Store() store.Store { return d.store }

func (d *Dispatcher) Logger() *slog.Logger { return d.logger }

// Serve drains c's mailbox until it closes or ctx ends, one event at a time.
func (d *Dispatcher) Serve(ctx context.Context, c *session.Conn) {
	defer d.Disconnect(context.WithoutCancel(ctx), c)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			d.Handle(ctx, c, ev)
		}
	}
}

// Handle runs a single event behind the guard and returns its outcome.
func (d *Dispatcher) Handle(ctx context.Context, c *session.Conn, ev session.Event) string {
	switch {
	case ev.Op != nil:
		op := task.Op{Module: ev.Op.Module, Name: ev.Op.Task}
		return d.Dispatch(ctx, c, op, ev.Op.Payload, nil)
	case ev.Upload != nil:
		h := ev.Upload.Header
		op := task.Op{Module: h.Module, Name: h.Task}
		return d.Dispatch(ctx, c, op, protocol.Payload{"message_id": h.PartitionID}, ev.Upload)
	case ev.Run != nil:
		name := ev.Name
		if name == "" {
			name = "internal"
		}
		return d.guard(ctx, c, name, func(ctx context.Context) error { return ev.Run(ctx, c) })
	default:
		return OutcomeOK
	}
}

// Dispatch invokes op as a top-level operation.
func (d *Dispatcher) Dispatch(ctx context.Context, c *session.Conn, op task.Op, payload protocol.Payload, upload *protocol.Upload) string {
	return d.guard(ctx, c, op.String(), func(ctx context.Context) error {
		return d.invoke(ctx, c, op, payload, upload, false)
	})
}

func (d *Dispatcher) guard(ctx context.Context, c *session.Conn, name string, fn func(context.Context) error) (outcome string) {
	start := time.Now()
	// A failed operation leaves navigation where it was before it ran, unless
	// it got as far as switching the connection to another user.
	tasks, uid := c.Tasks.Clone(), c.UserID()
	restore := func() {
		if c.UserID() == uid {
			c.Tasks = tasks
		}
	}
	defer func() {
		if r := recover(); r != nil {
			restore()
			d.fail(ctx, c, name, fmt.Errorf("panic: %v", r), debug.Stack())
			outcome = OutcomeFailed
		}
		if c.Tx != nil {
			d.logger.Warn("operation left a transaction open", "conn_id", c.ID, "op", name)
			d.Rollback(ctx, c)
		}
		d.metrics.ObserveOperation(name, outcome, time.Since(start))
	}()

	err := fn(ctx)
	var verr *ValidationError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &verr):
		d.Rollback(ctx, c)
		c.Push(protocol.DetailBanner(protocol.LevelError, verr.Message))
		return OutcomeRejected
	case errors.Is(err, ErrUnauthorized):
		d.Rollback(ctx, c)
		c.Push(protocol.Banner(protocol.LevelError, unauthorizedText))
		return OutcomeUnauthorized
	case errors.Is(err, ErrUnknownOperation):
		d.logger.Warn("unknown operation", "conn_id", c.ID, "op", name)
		c.Push(protocol.Banner(protocol.LevelError, unknownOpText))
		return OutcomeUnknown
	default:
		restore()
		d.fail(ctx, c, name, err, nil)
		return OutcomeFailed
	}
}

func (d *Dispatcher) fail(ctx context.Context, c *session.Conn, name string, err error, stack []byte) {
	d.Rollback(ctx, c)
	ref := d.NewReference()
	msg, _ := policy.RedactForLog(err.Error())
	attrs := []any{"conn_id", c.ID, "user_id", c.UserID(), "op", name, "reference", ref, "error", msg}
	if stack != nil {
		attrs = append(attrs, "stack", string(stack))
	}
	d.logger.Error("operation failed", attrs...)
	c.Push(protocol.Banner(protocol.LevelError, fmt.Sprintf(internalErrorText, ref)))
}

// Invoke runs op on c from inside an event that is already guarded.
func (d *Dispatcher) Invoke(ctx context.Context, c *session.Conn, op task.Op, payload protocol.Payload) error {
	return d.invoke(ctx, c, op, payload, nil, false)
}

func (d *Dispatcher) invoke(ctx context.Context, c *session.Conn, op task.Op, payload protocol.Payload, upload *protocol.Upload, reverting bool) error {
	r, ok := d.routes[op]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	if payload == nil {
		payload = protocol.Payload{}
	}
	hc := &Context{
		Conn:      c,
		Op:        op,
		Payload:   payload,
		Upload:    upload,
		Reverting: reverting,
		d:         d,
	}
	if r.guard != nil && !r.guard(ctx, hc) {
		return ErrUnauthorized
	}
	return r.handler(ctx, hc)
}

// Finish ends the current task: it rolls back any open transaction, resumes
// the most recently suspended task and re-invokes it with Reverting set.
// With nothing suspended only the rollback happens.
func (d *Dispatcher) Finish(ctx context.Context, c *session.Conn) error {
	d.Rollback(ctx, c)
	resumed, ok := c.Tasks.Pop()
	if !ok {
		return nil
	}
	c.Push(protocol.HideDialog())
	return d.invoke(ctx, c, resumed.Op, nil, nil, true)
}

// ClearAll forgets the whole navigation stack of c.
func (d *Dispatcher) ClearAll(c *session.Conn) {
	c.Tasks.Clear()
}

// Rollback ends c's open transaction, if any. Failures are logged only.
func (d *Dispatcher) Rollback(ctx context.Context, c *session.Conn) {
	tx := c.Tx
	if tx == nil {
		return
	}
	c.Tx = nil
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, store.ErrNoTransaction) {
		d.logger.Warn("rollback failed", "conn_id", c.ID, "error", err)
	}
}

// Disconnect releases everything a closed connection held.
func (d *Dispatcher) Disconnect(ctx context.Context, c *session.Conn) {
	d.Rollback(ctx, c)
	c.Reset()
}

// NewReference returns six random uppercase letters.
func NewReference() string {
	id := uuid.New()
	b := make([]byte, referenceLength)
	for i := range b {
		b[i] = 'A' + id[i]%26
	}
	return string(b)
}
