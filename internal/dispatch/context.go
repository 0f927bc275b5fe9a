package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/session"
	"github.com/ent0n29/umportal/internal/store"
	"github.com/ent0n29/umportal/internal/task"
)

// ValidationError is a user-correctable problem with an operation's input.
// The guard shows Message in a detail banner and rolls back.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Context is what a handler sees of the dispatcher for one invocation.
type Context struct {
	Conn      *session.Conn
	Op        task.Op
	Payload   protocol.Payload
	Upload    *protocol.Upload
	Reverting bool

	d *Dispatcher
}

func (hc *Context) UserID() int64 { return hc.Conn.UserID() }

// Queries returns the open transaction if there is one, otherwise the store.
func (hc *Context) Queries() store.Queries {
	if hc.Conn.Tx != nil {
		return hc.Conn.Tx
	}
	return hc.d.store
}

// Begin opens a transaction on the connection unless one is already open.
func (hc *Context) Begin(ctx context.Context) error {
	if hc.Conn.Tx != nil {
		return nil
	}
	tx, err := hc.d.store.Begin(ctx)
	if err != nil {
		return err
	}
	hc.Conn.Tx = tx
	return nil
}

func (hc *Context) Commit(ctx context.Context) error {
	tx := hc.Conn.Tx
	if tx == nil {
		return store.ErrNoTransaction
	}
	hc.Conn.Tx = nil
	return tx.Commit(ctx)
}

func (hc *Context) Rollback(ctx context.Context) {
	hc.d.Rollback(ctx, hc.Conn)
}

func (hc *Context) Push(p protocol.Push) {
	hc.Conn.Push(p)
}

func (hc *Context) Banner(level protocol.Level, text string) {
	hc.Conn.Push(protocol.Banner(level, text))
}

func (hc *Context) DetailBanner(level protocol.Level, text string) {
	hc.Conn.Push(protocol.DetailBanner(level, text))
}

// Start makes this operation the current task. See task.Stack.Start.
func (hc *Context) Start(inherit ...string) bool {
	return hc.Conn.Tasks.Start(hc.Op, inherit...)
}

// IsCurrent reports whether this operation is the running task.
func (hc *Context) IsCurrent() bool {
	return hc.Conn.Tasks.IsCurrent(hc.Op)
}

// State is the running task's state bag when this operation is current,
// otherwise a fresh detached bag.
func (hc *Context) State() task.State {
	if cur := hc.Conn.Tasks.Current(); cur != nil && cur.Op == hc.Op {
		return cur.State
	}
	return task.State{}
}

// ID reads an id from the payload, falling back to the task state.
func (hc *Context) ID(key string) int64 {
	if v, ok := hc.Payload.Int64(key); ok {
		return v
	}
	return hc.State().Int64(key)
}

// Finished finishes the current task when the client asked for it.
func (hc *Context) Finished(ctx context.Context) (bool, error) {
	if !hc.Payload.Bool("finished") {
		return false, nil
	}
	return true, hc.d.Finish(ctx, hc.Conn)
}

func (hc *Context) Finish(ctx context.Context) error {
	return hc.d.Finish(ctx, hc.Conn)
}

// Invoke runs another operation on the same connection, with the same
// authorization check it would get from the client.
func (hc *Context) Invoke(ctx context.Context, op task.Op, payload protocol.Payload) error {
	return hc.d.invoke(ctx, hc.Conn, op, payload, nil, false)
}

// LoggedIn admits identified connections whose user is still active. The
// user row is read on every operation so deactivation takes effect at once.
func LoggedIn(ctx context.Context, hc *Context) bool {
	id := hc.Conn.UserID()
	if id == 0 {
		return false
	}
	u, err := hc.Queries().GetUser(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false
	case err != nil:
		hc.d.logger.Warn("user lookup failed", "conn_id", hc.Conn.ID, "user_id", id, "error", err)
		return false
	case !u.Active:
		hc.d.logger.Info("inactive user refused", "conn_id", hc.Conn.ID, "user_id", id)
		return false
	}
	return true
}

// Admin admits identified administrators.
func Admin(ctx context.Context, hc *Context) bool {
	return hc.Conn.IsAdmin() && LoggedIn(ctx, hc)
}
