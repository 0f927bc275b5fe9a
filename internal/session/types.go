package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/store"
	"github.com/ent0n29/umportal/internal/task"
)

var (
	ErrNotFound = errors.New("connection not found")
	ErrClosed   = errors.New("connection closed")
)

// DeliveryMode is how a connection wants to hear about newly sent messages.
type DeliveryMode string

const (
	DeliveryInject DeliveryMode = "inject"
	DeliveryNotify DeliveryMode = "notify"
	DeliveryReload DeliveryMode = "reload"
)

func (m DeliveryMode) Valid() bool {
	switch m {
	case DeliveryInject, DeliveryNotify, DeliveryReload:
		return true
	default:
		return false
	}
}

// Composition is the reply draft a connection has open.
type Composition struct {
	DraftID      int64
	ParentID     int64
	ThreadRootID int64
}

// Identity is the user bound to a connection. A zero UserID is anonymous.
type Identity struct {
	UserID   int64
	Username string
	Admin    bool
}

// Event is one unit of work for a connection's run loop. Exactly one of
// Op, Upload and Run is set.
type Event struct {
	Name   string
	Op     *protocol.Operation
	Upload *protocol.Upload
	Run    func(ctx context.Context, c *Conn) error
}

// Conn is the state of one live client connection. Everything except the
// mailbox, the outbox and the activity clock is owned by the goroutine
// draining Events and must only be touched from there.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	Tasks task.Stack
	// Tx is the transaction an operation opened and has not yet ended.
	Tx store.Tx

	identity    Identity
	mode        DeliveryMode
	preference  DeliveryMode
	composition *Composition
	rendered    task.IDSet
	listing     store.Filter

	lastActivity atomic.Int64

	mu      sync.RWMutex
	closed  bool
	mailbox chan Event
	outbox  chan protocol.Push
	closer  func(code int, reason string) error
}

func NewConn(id string, mailboxSize, outboxSize int) *Conn {
	if mailboxSize <= 0 {
		mailboxSize = 64
	}
	if outboxSize <= 0 {
		outboxSize = 256
	}
	now := time.Now().UTC()
	c := &Conn{
		ID:          id,
		ConnectedAt: now,
		mode:        DeliveryInject,
		preference:  DeliveryInject,
		rendered:    task.IDSet{},
		mailbox:     make(chan Event, mailboxSize),
		outbox:      make(chan protocol.Push, outboxSize),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Conn) Identity() Identity { return c.identity }
func (c *Conn) UserID() int64      { return c.identity.UserID }
func (c *Conn) IsAdmin() bool      { return c.identity.Admin }

func (c *Conn) SetIdentity(id Identity) {
	c.identity = id
}

// Reset forgets the identity and every piece of navigation and ambient state.
func (c *Conn) Reset() {
	c.identity = Identity{}
	c.Tasks.Clear()
	c.mode = DeliveryInject
	c.preference = DeliveryInject
	c.composition = nil
	c.rendered = task.IDSet{}
	c.listing = ""
}

// DeliveryMode is the mode in effect right now. It falls back to notify
// while the user is away from the message listing.
func (c *Conn) DeliveryMode() DeliveryMode { return c.mode }

func (c *Conn) SetDeliveryMode(m DeliveryMode) {
	if m.Valid() {
		c.mode = m
	}
}

// DeliveryPreference is the mode the user chose for the message listing.
func (c *Conn) DeliveryPreference() DeliveryMode { return c.preference }

func (c *Conn) SetDeliveryPreference(m DeliveryMode) {
	if m.Valid() {
		c.preference = m
	}
}

// Composition returns the open reply draft, if any.
func (c *Conn) Composition() (Composition, bool) {
	if c.composition == nil {
		return Composition{}, false
	}
	return *c.composition, true
}

func (c *Conn) SetComposition(comp Composition) {
	c.composition = &comp
}

func (c *Conn) ClearComposition() {
	c.composition = nil
}

// Rendered is the set of message ids already on the client's screen, so
// paging never returns them twice.
func (c *Conn) Rendered() task.IDSet { return c.rendered }

func (c *Conn) MarkRendered(id int64) {
	c.rendered.Add(id)
}

func (c *Conn) ResetRendered() {
	c.rendered = task.IDSet{}
}

func (c *Conn) ListingFilter() store.Filter { return c.listing }

func (c *Conn) SetListingFilter(f store.Filter) {
	c.listing = f
}

// Touch records client activity. Safe for concurrent use.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UTC().UnixNano())
}

func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load()).UTC()
}

// Events is drained by the connection's run loop. It is closed by Close.
func (c *Conn) Events() <-chan Event { return c.mailbox }

// Outbox is drained by the connection's writer.
func (c *Conn) Outbox() <-chan protocol.Push { return c.outbox }

// Post enqueues ev without blocking and reports whether it was accepted.
// Safe for concurrent use.
func (c *Conn) Post(ev Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.mailbox <- ev:
		return true
	default:
		return false
	}
}

// PostWait enqueues ev, waiting for room until ctx is done.
func (c *Conn) PostWait(ctx context.Context, ev Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.mailbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push queues a frame for the client without blocking. A full outbox drops
// the frame and returns false. Safe for concurrent use.
func (c *Conn) Push(p protocol.Push) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.outbox <- p:
		return true
	default:
		return false
	}
}

// SetCloser installs the transport hook used by Shutdown.
func (c *Conn) SetCloser(fn func(code int, reason string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closer = fn
}

// Shutdown asks the transport to close with the given close code.
func (c *Conn) Shutdown(code int, reason string) error {
	c.mu.RLock()
	fn := c.closer
	c.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(code, reason)
}

// Close stops accepting events and pushes and closes the mailbox.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.mailbox)
}

func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
