// Package lifecycle implements the draft, sent and deleted states of a
// message and the recipient rules applied when a reply is sent.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/umportal/internal/store"
)

var (
	ErrEmptyBody    = errors.New("message body is empty")
	ErrNoRecipients = errors.New("message has no recipients")
	ErrNotAuthor    = errors.New("message belongs to another user")
	ErrDeleted      = errors.New("message was deleted")
)

const (
	teaserRunes = 64
	mediaTeaser = "(media)"
)

var (
	tagPattern = regexp.MustCompile(`(?s)<[^>]*>`)

	// wrapperTags are the elements an editor leaves behind in a body the
	// user never typed into. Any other element, media included, is content.
	wrapperTags  = regexp.MustCompile(`(?i)</?(p|div|span|br|b|i|u|em|strong|font)\b[^>]*>`)
	mediaPattern = regexp.MustCompile(`(?i)<(img|video|audio|picture)\b`)

	unsafeElements    = regexp.MustCompile(`(?is)<(script|style|iframe|object|embed)\b.*?</(script|style|iframe|object|embed)\s*>|<(script|style|iframe|object|embed)\b[^>]*/?>`)
	eventAttributes   = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	scriptURLPatterns = regexp.MustCompile(`(?i)(href|src)\s*=\s*("\s*javascript:[^"]*"|'\s*javascript:[^']*'|javascript:[^\s>]*)`)
)

// IsEmptyBody reports whether body holds nothing but wrapper markup and
// whitespace.
func IsEmptyBody(body string) bool {
	rest := html.UnescapeString(wrapperTags.ReplaceAllString(body, " "))
	return strings.TrimSpace(rest) == ""
}

// Teaser is a short plain-text excerpt of body.
func Teaser(body string) string {
	text := html.UnescapeString(tagPattern.ReplaceAllString(body, " "))
	text = strings.Join(strings.Fields(text), " ")
	if text == "" && mediaPattern.MatchString(body) {
		return mediaTeaser
	}
	if utf8.RuneCountInString(text) <= teaserRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:teaserRunes])) + "…"
}

// Sanitize strips active content from an editor body.
func Sanitize(body string) string {
	body = unsafeElements.ReplaceAllString(body, "")
	body = eventAttributes.ReplaceAllString(body, "")
	return scriptURLPatterns.ReplaceAllString(body, `$1="#"`)
}

// Tracker applies lifecycle transitions against a store.
type Tracker struct {
	Now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{Now: func() time.Time { return time.Now().UTC() }}
}

// Owned loads a message and checks that userID wrote it.
func (t *Tracker) Owned(ctx context.Context, q store.Queries, userID, msgID int64) (store.Message, error) {
	m, err := q.GetMessage(ctx, userID, msgID)
	if err != nil {
		return store.Message{}, err
	}
	if m.AuthorID != userID {
		return store.Message{}, ErrNotAuthor
	}
	if m.Deleted() {
		return store.Message{}, ErrDeleted
	}
	return m, nil
}

// SaveDraft stores a sanitized body for a message the user owns.
func (t *Tracker) SaveDraft(ctx context.Context, q store.Queries, userID, msgID int64, body string) error {
	if _, err := t.Owned(ctx, q, userID, msgID); err != nil {
		return err
	}
	return q.SaveBody(ctx, msgID, Sanitize(body))
}

// Send moves a draft to Sent, or re-sends an already sent message. Resending
// clears every recipient's stash so the edit surfaces again. The caller is
// expected to run this inside a transaction.
func (t *Tracker) Send(ctx context.Context, q store.Queries, userID, msgID int64) (store.Message, bool, error) {
	m, err := t.Owned(ctx, q, userID, msgID)
	if err != nil {
		return store.Message{}, false, err
	}
	if IsEmptyBody(m.Body) {
		return store.Message{}, false, ErrEmptyBody
	}
	tags, err := q.MessageTags(ctx, msgID)
	if err != nil {
		return store.Message{}, false, err
	}
	if len(tags) == 0 {
		return store.Message{}, false, ErrNoRecipients
	}

	resent, err := q.MarkSent(ctx, msgID, Teaser(m.Body), t.Now())
	if err != nil {
		return store.Message{}, false, fmt.Errorf("mark sent: %w", err)
	}
	if resent {
		if _, err := q.ClearStashes(ctx, msgID); err != nil {
			return store.Message{}, false, err
		}
	}
	m, err = q.GetMessage(ctx, userID, msgID)
	if err != nil {
		return store.Message{}, false, err
	}
	return m, resent, nil
}

// Delete tombstones a message. Admins may delete anything.
func (t *Tracker) Delete(ctx context.Context, q store.Queries, userID int64, admin bool, msgID int64) (store.Message, error) {
	m, err := q.GetMessage(ctx, userID, msgID)
	if err != nil {
		return store.Message{}, err
	}
	if m.AuthorID != userID && !admin {
		return store.Message{}, ErrNotAuthor
	}
	if err := q.DeleteMessage(ctx, msgID, t.Now()); err != nil {
		return store.Message{}, err
	}
	return m, nil
}

// NewReply creates an empty reply draft under parentID.
func (t *Tracker) NewReply(ctx context.Context, q store.Queries, userID, parentID int64) (store.Message, error) {
	parent, err := q.GetMessage(ctx, userID, parentID)
	if err != nil {
		return store.Message{}, err
	}
	if parent.Deleted() {
		return store.Message{}, ErrDeleted
	}
	return q.CreateMessage(ctx, userID, parentID)
}

// AddressReply fills in the recipients of a reply. With toSenderOnly the
// reply goes to the parent's author alone. Otherwise it inherits the
// parent's tags, and when that would address only the replier it is
// retargeted to the parent's author.
func (t *Tracker) AddressReply(ctx context.Context, q store.Queries, userID, replyID, parentID int64, toSenderOnly bool) error {
	parent, err := q.GetMessage(ctx, userID, parentID)
	if err != nil {
		return err
	}
	authorTag, err := q.UserTag(ctx, parent.AuthorID)
	if err != nil {
		return fmt.Errorf("parent author tag: %w", err)
	}
	if toSenderOnly {
		return q.AddMessageTag(ctx, replyID, authorTag.ID)
	}

	if err := q.CopyMessageTags(ctx, parentID, replyID); err != nil {
		return err
	}
	tags, err := q.MessageTags(ctx, replyID)
	if err != nil {
		return err
	}
	self, err := q.UserTag(ctx, userID)
	if err != nil {
		return fmt.Errorf("own tag: %w", err)
	}
	if len(tags) == 1 && tags[0].ID == self.ID {
		if err := q.RemoveMessageTag(ctx, replyID, self.ID); err != nil {
			return err
		}
		return q.AddMessageTag(ctx, replyID, authorTag.ID)
	}
	return nil
}
