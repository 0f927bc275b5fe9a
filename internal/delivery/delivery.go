// Package delivery decides, for every live connection, how a freshly sent
// message reaches the screen: a teaser, a full reload of the listing, or an
// injection at a computed position.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/umportal/internal/observability"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/render"
	"github.com/ent0n29/umportal/internal/session"
	"github.com/ent0n29/umportal/internal/store"
)

// Outcomes reported by Deliver.
const (
	Skipped  = "skipped"
	Removed  = "remove"
	Teased   = string(session.DeliveryNotify)
	Reloaded = string(session.DeliveryReload)
	Injected = string(session.DeliveryInject)
)

// Place computes where an injected message goes for a viewer. With no
// composition open the message lands inside its parent's reply container,
// or at the end of the listing when it has no parent. A viewer writing a
// reply to the same parent sees it just above the draft. A viewer writing a
// reply elsewhere in the same thread sees it just above the message being
// replied to.
func Place(m store.Message, comp session.Composition, composing bool) (int64, protocol.Placement) {
	if composing && m.ReplyTo != 0 {
		if comp.ParentID == m.ReplyTo {
			return comp.DraftID, protocol.PlaceBefore
		}
		if comp.ThreadRootID != 0 && comp.ThreadRootID == m.ThreadRoot {
			return comp.ParentID, protocol.PlaceBefore
		}
	}
	if m.ReplyTo == 0 {
		return 0, protocol.PlaceAtEnd
	}
	return m.ReplyTo, protocol.PlaceInParent
}

// Engine fans deliveries out over the live registry. Each recipient computes
// its own decision on its own run loop, so a slow peer never holds up the
// others and per-connection state is never touched from outside.
type Engine struct {
	registry *session.Registry
	store    store.Queries
	metrics  *observability.Metrics
	logger   *slog.Logger

	// Reload re-runs the connection's message listing from scratch.
	Reload func(ctx context.Context, c *session.Conn) error
}

func NewEngine(registry *session.Registry, st store.Queries, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, store: st, metrics: metrics, logger: logger}
}

// FanOut queues delivery of msgID to every live connection except skipConnID.
// It returns the number of connections the delivery was queued on.
func (e *Engine) FanOut(msgID int64, edited bool, skipConnID string) int {
	return e.fanOut("deliver_message", skipConnID, func(ctx context.Context, c *session.Conn) error {
		_, err := e.Deliver(ctx, c, msgID, edited)
		return err
	})
}

// FanOutRemoval tells every live connection to drop msgID from its screen.
func (e *Engine) FanOutRemoval(msgID int64) int {
	return e.fanOut("remove_message", "", func(_ context.Context, c *session.Conn) error {
		c.Rendered().Remove(msgID)
		c.Push(protocol.Push{Task: protocol.PushRemoveMessage, MessageID: msgID})
		e.metrics.ObserveDelivery(Removed)
		return nil
	})
}

func (e *Engine) fanOut(name, skipConnID string, run func(context.Context, *session.Conn) error) int {
	queued := 0
	for _, c := range e.registry.Snapshot() {
		if c.ID == skipConnID {
			continue
		}
		if !c.Post(session.Event{Name: name, Run: run}) {
			if !c.Closed() {
				e.metrics.ObserveDroppedDelivery()
				e.logger.Warn("delivery dropped", "conn_id", c.ID, "event", name)
			}
			continue
		}
		queued++
	}
	return queued
}

// Deliver presents msgID to c and reports what it did. It must run on c's
// own run loop.
func (e *Engine) Deliver(ctx context.Context, c *session.Conn, msgID int64, edited bool) (string, error) {
	viewer := c.UserID()
	if viewer == 0 {
		return Skipped, nil
	}
	ok, err := e.store.IsRecipient(ctx, viewer, msgID)
	if errors.Is(err, store.ErrNotFound) {
		return Skipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("recipient check: %w", err)
	}
	if !ok {
		return Skipped, nil
	}
	m, err := e.store.GetMessage(ctx, viewer, msgID)
	if err != nil {
		return "", fmt.Errorf("load message: %w", err)
	}

	if m.Deleted() {
		c.Rendered().Remove(m.ID)
		c.Push(protocol.Push{Task: protocol.PushRemoveMessage, MessageID: m.ID})
		e.metrics.ObserveDelivery(Removed)
		return Removed, nil
	}
	if !m.Sent() {
		return Skipped, nil
	}

	switch c.DeliveryMode() {
	case session.DeliveryNotify:
		c.Push(protocol.Push{Task: protocol.PushMessageTeaser, MessageID: m.ID, Teaser: m.Teaser})
		e.metrics.ObserveDelivery(Teased)
		return Teased, nil

	case session.DeliveryReload:
		if e.Reload == nil {
			return Skipped, nil
		}
		if err := e.Reload(ctx, c); err != nil {
			return "", fmt.Errorf("reload listing: %w", err)
		}
		e.metrics.ObserveDelivery(Reloaded)
		return Reloaded, nil

	default:
		comp, composing := c.Composition()
		if composing && comp.DraftID == m.ID {
			return Skipped, nil
		}
		if c.Rendered().Has(m.ID) && !edited {
			return Skipped, nil
		}
		ref, placement := Place(m, comp, composing)
		html := render.Message(m, render.View{
			ViewerID:  viewer,
			Admin:     c.IsAdmin(),
			Stashable: c.ListingFilter() == store.FilterNew,
			Injected:  true,
			Edited:    edited,
		})
		c.Push(protocol.Push{
			Task:        protocol.PushInjectMessage,
			Content:     html,
			NewID:       m.ID,
			ReferenceID: ref,
			Placement:   placement,
			Edited:      edited,
		})
		e.metrics.ObserveDelivery(Injected)
		return Injected, nil
	}
}
