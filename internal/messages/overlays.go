package messages

import (
	"context"

	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/store"
)

// stash files a message away for the user. Stashing twice is a no-op. The
// forward paging offset of the new listing only moves when a stash happened.
func (m *Module) stash(ctx context.Context, hc *dispatch.Context) error {
	id, err := m.recipientMessage(ctx, hc)
	if err != nil {
		return err
	}
	stashed, err := hc.Queries().Stash(ctx, id, hc.UserID())
	if err != nil {
		return err
	}
	if !stashed {
		return nil
	}
	if st, ok := listingState(hc); ok && filterOf(st) == store.FilterNew {
		if off := st.Int(keyOffset); off > 0 {
			st[keyOffset] = off - 1
		}
	}
	return nil
}

func (m *Module) pin(ctx context.Context, hc *dispatch.Context) error {
	id, err := m.recipientMessage(ctx, hc)
	if err != nil {
		return err
	}
	return hc.Queries().Pin(ctx, id, hc.UserID())
}

func (m *Module) unpin(ctx context.Context, hc *dispatch.Context) error {
	id, err := m.recipientMessage(ctx, hc)
	if err != nil {
		return err
	}
	return hc.Queries().Unpin(ctx, id, hc.UserID())
}

// deleteMessage soft-deletes a message and removes it from every screen.
// Admins may delete any message.
func (m *Module) deleteMessage(ctx context.Context, hc *dispatch.Context) error {
	id := messageID(hc)
	if _, err := m.tracker.Delete(ctx, hc.Queries(), hc.UserID(), hc.Conn.IsAdmin(), id); err != nil {
		return lifecycleError(err)
	}
	m.logger.Info("message deleted", "user_id", hc.UserID(), "message_id", id)
	m.engine.FanOutRemoval(id)
	hc.Banner(protocol.LevelInfo, textMessageDeleted)
	if hc.Conn.Tasks.IsCurrent(OpEditMessage) {
		return hc.Finish(ctx)
	}
	return nil
}

// recipientMessage reads message_id and checks the user may see it.
func (m *Module) recipientMessage(ctx context.Context, hc *dispatch.Context) (int64, error) {
	id, _ := hc.Payload.Int64("message_id")
	ok, err := hc.Queries().IsRecipient(ctx, hc.UserID(), id)
	if err != nil {
		return 0, lifecycleError(err)
	}
	if !ok {
		return 0, dispatch.ErrUnauthorized
	}
	return id, nil
}
