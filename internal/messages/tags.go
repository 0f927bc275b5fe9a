package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/render"
	"github.com/ent0n29/umportal/internal/store"
)

// messageTags is the recipient dialog. With send_after set it was opened by
// an attempt to send a message without recipients, and finishing it sends.
func (m *Module) messageTags(ctx context.Context, hc *dispatch.Context) error {
	id := messageID(hc)
	if _, err := m.tracker.Owned(ctx, hc.Queries(), hc.UserID(), id); err != nil {
		return lifecycleError(err)
	}

	started := hc.Start("message_id")
	st := hc.State()
	st["message_id"] = id
	if hc.Payload.Has("send_after") {
		st["send_after"] = hc.Payload.Bool("send_after")
	}
	if hc.Payload.Has("searchtext") {
		st[keyLike] = strings.TrimSpace(hc.Payload.String("searchtext"))
	}
	sendAfter := st.Bool("send_after")

	if hc.Payload.Bool("finished") {
		if !sendAfter {
			return hc.Finish(ctx)
		}
		tags, err := hc.Queries().MessageTags(ctx, id)
		if err != nil {
			return err
		}
		if len(tags) == 0 {
			hc.DetailBanner(protocol.LevelError, textNeedsRecipients)
			return nil
		}
		if err := hc.Finish(ctx); err != nil {
			return err
		}
		return hc.Invoke(ctx, OpSendMessage, protocol.Payload{"message_id": id})
	}

	tags, others, err := m.tagChoices(ctx, hc, id, st.String(keyLike))
	if err != nil {
		return err
	}
	if started || hc.Reverting {
		hc.Push(protocol.Dialog(render.TagEditor(id, tags, others, sendAfter)))
		return nil
	}
	hc.Push(protocol.SubContent("message_tags_container", render.TagEditorTable(id, tags, others)))
	return nil
}

func (m *Module) addTagToMessage(ctx context.Context, hc *dispatch.Context) error {
	return m.changeMessageTag(ctx, hc, true)
}

func (m *Module) removeTagFromMessage(ctx context.Context, hc *dispatch.Context) error {
	return m.changeMessageTag(ctx, hc, false)
}

func (m *Module) changeMessageTag(ctx context.Context, hc *dispatch.Context, add bool) error {
	id := messageID(hc)
	if _, err := m.tracker.Owned(ctx, hc.Queries(), hc.UserID(), id); err != nil {
		return lifecycleError(err)
	}
	tagID, _ := hc.Payload.Int64("tag_id")
	tag, err := hc.Queries().GetTag(ctx, tagID)
	if errors.Is(err, store.ErrNotFound) {
		return dispatch.Invalid("tag_id", "That recipient no longer exists.")
	}
	if err != nil {
		return err
	}

	text := textTagRemoved
	if add {
		if !tag.Active {
			return dispatch.Invalid("tag_id", "That recipient is inactive.")
		}
		err = hc.Queries().AddMessageTag(ctx, id, tag.ID)
		text = textTagAdded
	} else {
		err = hc.Queries().RemoveMessageTag(ctx, id, tag.ID)
	}
	if err != nil {
		return err
	}

	var like string
	if cur := hc.Conn.Tasks.Current(); cur != nil && cur.Op == OpMessageTags {
		like = cur.State.String(keyLike)
	}
	tags, others, err := m.tagChoices(ctx, hc, id, like)
	if err != nil {
		return err
	}
	hc.Push(protocol.SubContent("message_tags_container", render.TagEditorTable(id, tags, others)))
	hc.DetailBanner(protocol.LevelInfo, fmt.Sprintf(text, tag.Name))
	return nil
}

// tagChoices splits the active tags into those on the message and the rest.
func (m *Module) tagChoices(ctx context.Context, hc *dispatch.Context, msgID int64, like string) ([]store.Tag, []store.Tag, error) {
	tags, err := hc.Queries().MessageTags(ctx, msgID)
	if err != nil {
		return nil, nil, err
	}
	all, err := hc.Queries().ListTags(ctx, like)
	if err != nil {
		return nil, nil, err
	}
	chosen := make(map[int64]struct{}, len(tags))
	for _, t := range tags {
		chosen[t.ID] = struct{}{}
	}
	others := make([]store.Tag, 0, len(all))
	for _, t := range all {
		if _, ok := chosen[t.ID]; ok || !t.Active {
			continue
		}
		others = append(others, t)
	}
	return tags, others, nil
}
