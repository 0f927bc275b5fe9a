package messages

import (
	"context"
	"errors"

	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/lifecycle"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/render"
	"github.com/ent0n29/umportal/internal/session"
)

// composeReply opens an inline reply box under a message. The new draft is
// already on the author's screen, and while it is open other replies in the
// same thread are injected above it.
func (m *Module) composeReply(ctx context.Context, hc *dispatch.Context) error {
	parentID, _ := hc.Payload.Int64("message_id")
	draft, err := m.tracker.NewReply(ctx, hc.Queries(), hc.UserID(), parentID)
	if err != nil {
		return lifecycleError(err)
	}
	hc.Conn.MarkRendered(draft.ID)
	hc.Conn.SetComposition(session.Composition{
		DraftID:      draft.ID,
		ParentID:     parentID,
		ThreadRootID: draft.ThreadRoot,
	})
	hc.Push(protocol.Push{
		Task:      protocol.PushInlineReplyBox,
		Content:   render.InlineReplyBox(draft.ID, parentID),
		MessageID: draft.ID,
		ParentID:  parentID,
	})
	return nil
}

// sendReply addresses and sends an inline reply in one transaction. An empty
// reply just closes its box.
func (m *Module) sendReply(ctx context.Context, hc *dispatch.Context) error {
	id, _ := hc.Payload.Int64("message_id")
	draft, err := m.tracker.Owned(ctx, hc.Queries(), hc.UserID(), id)
	if err != nil {
		return lifecycleError(err)
	}
	if !draft.IsReply() {
		return dispatch.Invalid("message_id", "That message is not a reply.")
	}

	if err := hc.Begin(ctx); err != nil {
		return err
	}
	toSender := hc.Payload.Bool("to_sender_only")
	if err := m.tracker.AddressReply(ctx, hc.Queries(), hc.UserID(), id, draft.ReplyTo, toSender); err != nil {
		return lifecycleError(err)
	}
	msg, _, err := m.tracker.Send(ctx, hc.Queries(), hc.UserID(), id)
	switch {
	case errors.Is(err, lifecycle.ErrEmptyBody):
		hc.Rollback(ctx)
		m.endComposition(hc, id)
		hc.Push(protocol.Push{Task: protocol.PushRemoveReplyContainer, MessageID: id})
		return nil
	case errors.Is(err, lifecycle.ErrNoRecipients):
		return dispatch.Invalid("message_id", textNeedsRecipients)
	case err != nil:
		return lifecycleError(err)
	}
	if err := hc.Commit(ctx); err != nil {
		return err
	}
	m.logger.Info("reply sent", "user_id", hc.UserID(), "message_id", msg.ID, "reply_to", msg.ReplyTo, "to_sender_only", toSender)

	view := m.view(hc, hc.Conn.ListingFilter())
	view.Injected = true
	hc.Push(protocol.Push{
		Task:      protocol.PushPostCompletedReply,
		Content:   render.Message(msg, view),
		MessageID: id,
	})
	m.endComposition(hc, id)
	m.engine.FanOut(msg.ID, false, hc.Conn.ID)
	return nil
}

// cancelReply closes a reply box. A reply that never got any text is
// discarded; anything typed stays as a draft.
func (m *Module) cancelReply(ctx context.Context, hc *dispatch.Context) error {
	id, _ := hc.Payload.Int64("message_id")
	draft, err := m.tracker.Owned(ctx, hc.Queries(), hc.UserID(), id)
	if err != nil {
		return lifecycleError(err)
	}
	if !draft.Sent() && lifecycle.IsEmptyBody(draft.Body) {
		if _, err := m.tracker.Delete(ctx, hc.Queries(), hc.UserID(), false, id); err != nil {
			return err
		}
	}
	m.endComposition(hc, id)
	hc.Push(protocol.Push{Task: protocol.PushRemoveReplyContainer, MessageID: id})
	return nil
}

func (m *Module) endComposition(hc *dispatch.Context, draftID int64) {
	if comp, ok := hc.Conn.Composition(); ok && comp.DraftID == draftID {
		hc.Conn.ClearComposition()
	}
}
