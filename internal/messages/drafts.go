package messages

import (
	"context"
	"errors"
	"strings"

	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/lifecycle"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/render"
	"github.com/ent0n29/umportal/internal/store"
)

// newMessage offers the user's unsent drafts, or starts a brand new one when
// there are none. It is a transient step: coming back to it goes straight on
// to whatever was below.
func (m *Module) newMessage(ctx context.Context, hc *dispatch.Context) error {
	if hc.Reverting {
		return hc.Finish(ctx)
	}
	started := hc.Start()
	if !started {
		if done, err := hc.Finished(ctx); done {
			return err
		}
	}
	if hc.Payload.Has("searchtext") {
		hc.State()[keyLike] = strings.TrimSpace(hc.Payload.String("searchtext"))
	}

	drafts, err := m.drafts(ctx, hc, hc.State().String(keyLike))
	if err != nil {
		return err
	}
	if len(drafts) == 0 {
		return m.brandNewMessage(ctx, hc)
	}
	if started {
		hc.Push(protocol.Dialog(render.DraftChooser(drafts)))
		return nil
	}
	hc.Push(protocol.SubContent("drafts_container", render.DraftTable(drafts)))
	return nil
}

func (m *Module) brandNewMessage(ctx context.Context, hc *dispatch.Context) error {
	msg, err := hc.Queries().CreateMessage(ctx, hc.UserID(), 0)
	if err != nil {
		return err
	}
	m.logger.Debug("draft created", "user_id", hc.UserID(), "message_id", msg.ID)
	return hc.Invoke(ctx, OpEditMessage, protocol.Payload{"message_id": msg.ID})
}

// editMessage opens the editor on a message the user wrote. Finishing it
// keeps the draft for later.
func (m *Module) editMessage(ctx context.Context, hc *dispatch.Context) error {
	id := messageID(hc)
	msg, err := m.tracker.Owned(ctx, hc.Queries(), hc.UserID(), id)
	if err != nil {
		return lifecycleError(err)
	}

	started := hc.Start()
	st := hc.State()
	switched := st.Int64("message_id") != id
	st["message_id"] = id
	if !hc.Reverting {
		if done, err := hc.Finished(ctx); done {
			if err == nil {
				hc.Banner(protocol.LevelInfo, textDraftSaved)
			}
			return err
		}
	}
	if started || hc.Reverting || switched {
		hc.Push(protocol.Push{Task: protocol.PushEditMessage, Content: render.Editor(msg), MessageID: id})
	}
	return nil
}

func (m *Module) saveWIP(ctx context.Context, hc *dispatch.Context) error {
	id := messageID(hc)
	err := m.tracker.SaveDraft(ctx, hc.Queries(), hc.UserID(), id, hc.Payload.String("content"))
	return lifecycleError(err)
}

// sendMessage sends the draft being edited. Without recipients it detours
// through the recipient dialog, which sends once it is finished.
func (m *Module) sendMessage(ctx context.Context, hc *dispatch.Context) error {
	id := messageID(hc)
	if err := hc.Begin(ctx); err != nil {
		return err
	}
	msg, resent, err := m.tracker.Send(ctx, hc.Queries(), hc.UserID(), id)
	switch {
	case errors.Is(err, lifecycle.ErrNoRecipients):
		hc.Rollback(ctx)
		return hc.Invoke(ctx, OpMessageTags, protocol.Payload{"message_id": id, "send_after": true})
	case errors.Is(err, lifecycle.ErrEmptyBody):
		return dispatch.Invalid("content", textEmptyMessage)
	case err != nil:
		return lifecycleError(err)
	}
	if err := hc.Commit(ctx); err != nil {
		return err
	}
	m.logger.Info("message sent", "user_id", hc.UserID(), "message_id", msg.ID, "resent", resent)

	if hc.Conn.Tasks.IsCurrent(OpEditMessage) {
		if err := hc.Finish(ctx); err != nil {
			return err
		}
	}
	m.engine.FanOut(msg.ID, resent, "")
	hc.Banner(protocol.LevelInfo, textMessageSent)
	return nil
}

func (m *Module) deleteDraft(ctx context.Context, hc *dispatch.Context) error {
	if err := m.discardDraft(ctx, hc, messageID(hc)); err != nil {
		return err
	}
	hc.Banner(protocol.LevelInfo, textDraftDeleted)
	if hc.Conn.Tasks.IsCurrent(OpEditMessage) {
		return hc.Finish(ctx)
	}
	return nil
}

// deleteDraftInList deletes a draft from inside the draft chooser.
func (m *Module) deleteDraftInList(ctx context.Context, hc *dispatch.Context) error {
	if err := m.discardDraft(ctx, hc, messageID(hc)); err != nil {
		return err
	}
	var like string
	if cur := hc.Conn.Tasks.Current(); cur != nil {
		like = cur.State.String(keyLike)
	}
	drafts, err := m.drafts(ctx, hc, like)
	if err != nil {
		return err
	}
	text := textDraftDeleted
	if len(drafts) == 0 {
		text += " " + textNoMoreDrafts
	}
	hc.DetailBanner(protocol.LevelInfo, text)
	hc.Push(protocol.SubContent("drafts_container", render.DraftTable(drafts)))
	return nil
}

func (m *Module) discardDraft(ctx context.Context, hc *dispatch.Context, id int64) error {
	msg, err := m.tracker.Owned(ctx, hc.Queries(), hc.UserID(), id)
	if err != nil {
		return lifecycleError(err)
	}
	if msg.Sent() {
		return dispatch.Invalid("message_id", "Only unsent drafts can be discarded.")
	}
	_, err = m.tracker.Delete(ctx, hc.Queries(), hc.UserID(), false, id)
	return lifecycleError(err)
}

// drafts lists the user's unsent drafts that have any content.
func (m *Module) drafts(ctx context.Context, hc *dispatch.Context, like string) ([]store.Message, error) {
	all, err := hc.Queries().ListDrafts(ctx, hc.UserID(), like)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if !lifecycle.IsEmptyBody(d.Body) {
			out = append(out, d)
		}
	}
	return out, nil
}
