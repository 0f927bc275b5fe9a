// Package messages registers the message operations: listing and paging,
// drafts, recipients, inline replies, overlays, deletion and attachments.
package messages

import (
	"errors"
	"log/slog"

	"github.com/ent0n29/umportal/internal/delivery"
	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/lifecycle"
	"github.com/ent0n29/umportal/internal/store"
	"github.com/ent0n29/umportal/internal/task"
)

const Name = "messages"

func op(name string) task.Op { return task.Op{Module: Name, Name: name} }

var (
	OpEnterModule          = op("enter_module")
	OpExitModule           = op("exit_module")
	OpMessages             = op("messages")
	OpMoreNewMessages      = op("more_new_messages")
	OpMoreOldMessages      = op("more_old_messages")
	OpInjectedMessage      = op("injected_message")
	OpNewMessage           = op("new_message")
	OpBrandNewMessage      = op("brand_new_message")
	OpEditMessage          = op("edit_message")
	OpSaveWIP              = op("save_wip")
	OpSendMessage          = op("send_message")
	OpMessageTags          = op("message_tags")
	OpAddTagToMessage      = op("add_tag_to_message")
	OpRemoveTagFromMessage = op("remove_tag_from_message")
	OpComposeReply         = op("compose_reply")
	OpSendReply            = op("send_reply")
	OpCancelReply          = op("cancel_reply")
	OpStash                = op("stash")
	OpPin                  = op("pin")
	OpUnpin                = op("unpin")
	OpDeleteMessage        = op("delete_message")
	OpDeleteDraft          = op("delete_draft")
	OpDeleteDraftInList    = op("delete_draft_in_list")
	OpUploadFiles          = op("upload_files")
)

// User-facing texts.
const (
	textDraftSaved       = "Draft saved for later."
	textMessageSent      = "Message sent."
	textMessageDeleted   = "Message deleted."
	textDraftDeleted     = "Draft deleted."
	textNoMoreDrafts     = "No more drafts."
	textEmptyMessage     = "You can't send an empty message."
	textNeedsRecipients  = "Choose at least one recipient before sending."
	textMessageGone      = "That message no longer exists."
	textMessageWasDelete = "That message was deleted."
	textTagAdded         = "Added %s."
	textTagRemoved       = "Removed %s."
)

type Options struct {
	MessagesPerLoad int
	UploadDir       string
}

type Module struct {
	d       *dispatch.Dispatcher
	engine  *delivery.Engine
	tracker *lifecycle.Tracker
	logger  *slog.Logger
	opts    Options
}

func New(d *dispatch.Dispatcher, engine *delivery.Engine, tracker *lifecycle.Tracker, opts Options) *Module {
	if opts.MessagesPerLoad <= 0 {
		opts.MessagesPerLoad = 20
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if tracker == nil {
		tracker = lifecycle.NewTracker()
	}
	return &Module{
		d:       d,
		engine:  engine,
		tracker: tracker,
		logger:  d.Logger().With("module", Name),
		opts:    opts,
	}
}

// Register binds every message operation, makes the listing the landing
// operation after identify, and hooks the listing up as the engine's reload.
func (m *Module) Register() {
	m.d.Register(OpEnterModule, m.enterModule, dispatch.LoggedIn)
	m.d.Register(OpExitModule, m.exitModule, dispatch.LoggedIn)
	m.d.Register(OpMessages, m.messages, dispatch.LoggedIn)
	m.d.Register(OpMoreNewMessages, m.moreNewMessages, dispatch.LoggedIn)
	m.d.Register(OpMoreOldMessages, m.moreOldMessages, dispatch.LoggedIn)
	m.d.Register(OpInjectedMessage, m.injectedMessage, dispatch.LoggedIn)

	m.d.Register(OpNewMessage, m.newMessage, dispatch.LoggedIn)
	m.d.Register(OpBrandNewMessage, m.brandNewMessage, dispatch.LoggedIn)
	m.d.Register(OpEditMessage, m.editMessage, dispatch.LoggedIn)
	m.d.Register(OpSaveWIP, m.saveWIP, dispatch.LoggedIn)
	m.d.Register(OpSendMessage, m.sendMessage, dispatch.LoggedIn)
	m.d.Register(OpDeleteDraft, m.deleteDraft, dispatch.LoggedIn)
	m.d.Register(OpDeleteDraftInList, m.deleteDraftInList, dispatch.LoggedIn)

	m.d.Register(OpMessageTags, m.messageTags, dispatch.LoggedIn)
	m.d.Register(OpAddTagToMessage, m.addTagToMessage, dispatch.LoggedIn)
	m.d.Register(OpRemoveTagFromMessage, m.removeTagFromMessage, dispatch.LoggedIn)

	m.d.Register(OpComposeReply, m.composeReply, dispatch.LoggedIn)
	m.d.Register(OpSendReply, m.sendReply, dispatch.LoggedIn)
	m.d.Register(OpCancelReply, m.cancelReply, dispatch.LoggedIn)

	m.d.Register(OpStash, m.stash, dispatch.LoggedIn)
	m.d.Register(OpPin, m.pin, dispatch.LoggedIn)
	m.d.Register(OpUnpin, m.unpin, dispatch.LoggedIn)
	m.d.Register(OpDeleteMessage, m.deleteMessage, dispatch.LoggedIn)
	m.d.Register(OpUploadFiles, m.uploadFiles, dispatch.LoggedIn)

	m.d.SetLanding(OpMessages)
	m.engine.Reload = m.reload
}

// lifecycleError turns ownership and existence failures into the errors the
// guard knows how to show.
func lifecycleError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lifecycle.ErrNotAuthor):
		return dispatch.ErrUnauthorized
	case errors.Is(err, lifecycle.ErrDeleted):
		return dispatch.Invalid("message_id", textMessageWasDelete)
	case errors.Is(err, store.ErrNotFound):
		return dispatch.Invalid("message_id", textMessageGone)
	default:
		return err
	}
}

// messageID reads message_id from the payload, falling back to the running
// task's state.
func messageID(hc *dispatch.Context) int64 {
	if id, ok := hc.Payload.Int64("message_id"); ok {
		return id
	}
	if cur := hc.Conn.Tasks.Current(); cur != nil {
		return cur.State.Int64("message_id")
	}
	return 0
}
