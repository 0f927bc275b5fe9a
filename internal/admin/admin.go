// Package admin registers the administrator operations for managing users,
// tags and tag members. Every operation requires an identified administrator.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/policy"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/render"
	"github.com/ent0n29/umportal/internal/session"
	"github.com/ent0n29/umportal/internal/store"
	"github.com/ent0n29/umportal/internal/task"
)

const Name = "admin"

func op(name string) task.Op { return task.Op{Module: Name, Name: name} }

var (
	OpEnterModule       = op("enter_module")
	OpTags              = op("tags")
	OpNewTag            = op("new_tag")
	OpTagDetail         = op("tag_detail")
	OpTagUsers          = op("tag_users")
	OpAddUserToTag      = op("add_user_to_tag")
	OpRemoveUserFromTag = op("remove_user_from_tag")
	OpUsers             = op("users")
	OpUserDetail        = op("user_detail")
)

const (
	keyLike     = "like"
	keyInactive = "inactive"

	usernameTakenText = "Sorry, that username is already in use. Please try another."
)

type Module struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
}

func New(d *dispatch.Dispatcher) *Module {
	return &Module{d: d, logger: d.Logger().With("module", Name)}
}

func (m *Module) Register() {
	m.d.Register(OpEnterModule, m.enterModule, dispatch.Admin)
	m.d.Register(OpTags, m.tags, dispatch.Admin)
	m.d.Register(OpNewTag, m.newTag, dispatch.Admin)
	m.d.Register(OpTagDetail, m.tagDetail, dispatch.Admin)
	m.d.Register(OpTagUsers, m.tagUsers, dispatch.Admin)
	m.d.Register(OpAddUserToTag, m.addUserToTag, dispatch.Admin)
	m.d.Register(OpRemoveUserFromTag, m.removeUserFromTag, dispatch.Admin)
	m.d.Register(OpUsers, m.users, dispatch.Admin)
	m.d.Register(OpUserDetail, m.userDetail, dispatch.Admin)
}

// enterModule switches new message delivery to teasers while the admin
// screens are up.
func (m *Module) enterModule(_ context.Context, hc *dispatch.Context) error {
	hc.Conn.SetDeliveryMode(session.DeliveryNotify)
	return nil
}

func (m *Module) tags(ctx context.Context, hc *dispatch.Context) error {
	hc.Conn.SetDeliveryMode(session.DeliveryNotify)
	started := hc.Start()
	st := hc.State()
	if hc.Payload.Has("searchtext") {
		st[keyLike] = strings.TrimSpace(hc.Payload.String("searchtext"))
	}
	tags, err := hc.Queries().ListTags(ctx, st.String(keyLike))
	if err != nil {
		return err
	}
	if started {
		hc.Push(protocol.Content(render.TagsPage(tags)))
		return nil
	}
	hc.Push(protocol.SubContent("tag_table_container", render.TagTable(tags)))
	return nil
}

// users lists accounts. Resumed after user_detail it redraws the table so an
// edit shows up at once.
func (m *Module) users(ctx context.Context, hc *dispatch.Context) error {
	hc.Conn.SetDeliveryMode(session.DeliveryNotify)
	started := hc.Start()
	st := hc.State()
	if hc.Payload.Has("searchtext") {
		st[keyLike] = strings.TrimSpace(hc.Payload.String("searchtext"))
	}
	if hc.Payload.Has(keyInactive) {
		st[keyInactive] = hc.Payload.Bool(keyInactive)
	}
	users, err := hc.Queries().SearchUsers(ctx, st.String(keyLike), st.Bool(keyInactive))
	if err != nil {
		return err
	}
	if started {
		hc.Push(protocol.Content(render.UsersPage(users, st.Bool(keyInactive))))
		return nil
	}
	hc.Push(protocol.SubContent("user_table_container", render.UserTable(users)))
	return nil
}

func (m *Module) userDetail(ctx context.Context, hc *dispatch.Context) error {
	if !hc.IsCurrent() {
		id, _ := hc.Payload.Int64("user_id")
		user, err := m.user(ctx, hc, id)
		if err != nil {
			return err
		}
		hc.Start()
		hc.State()["user_id"] = user.ID
		hc.Push(protocol.Dialog(render.UserDialog(user)))
		return nil
	}
	if done, err := hc.Finished(ctx); done {
		return err
	}
	user, err := m.user(ctx, hc, hc.State().Int64("user_id"))
	if err != nil {
		return err
	}
	name, err := policy.ValidateUsername(hc.Payload.String("username"))
	if err != nil {
		return dispatch.Invalid("username", capitalize(err.Error()))
	}
	email, err := policy.ValidateEmail(hc.Payload.String("email"))
	if err != nil {
		return dispatch.Invalid("email", capitalize(err.Error()))
	}
	active := hc.Payload.Bool("active")
	if user.ID == hc.UserID() && !active {
		return dispatch.Invalid("active", "You cannot deactivate your own account.")
	}

	user.Username, user.Email, user.Active = name, email, active
	if err := hc.Begin(ctx); err != nil {
		return err
	}
	err = hc.Queries().UpdateUser(ctx, user)
	if errors.Is(err, store.ErrConflict) {
		return dispatch.Invalid("username", usernameTakenText)
	}
	if err != nil {
		return err
	}
	if err := hc.Commit(ctx); err != nil {
		return err
	}
	m.logger.Info("user updated", "user_id", hc.UserID(), "target_id", user.ID, "active", user.Active)
	if err := hc.Finish(ctx); err != nil {
		return err
	}
	hc.Banner(protocol.LevelInfo, fmt.Sprintf("Saved %q.", user.Username))
	return nil
}

func (m *Module) newTag(ctx context.Context, hc *dispatch.Context) error {
	if hc.Start() {
		hc.Push(protocol.Dialog(render.TagDialog(store.Tag{})))
		return nil
	}
	if done, err := hc.Finished(ctx); done {
		return err
	}
	name, err := policy.ValidateName(hc.Payload.String("name"))
	if err != nil {
		return dispatch.Invalid("name", capitalize(err.Error()))
	}
	tag, err := hc.Queries().CreateTag(ctx, name, hc.Payload.Bool("active"))
	if errors.Is(err, store.ErrConflict) {
		return dispatch.Invalid("name", fmt.Sprintf("%q is already taken.", name))
	}
	if err != nil {
		return err
	}
	m.logger.Info("tag created", "user_id", hc.UserID(), "tag_id", tag.ID, "tag", tag.Name)
	if err := hc.Finish(ctx); err != nil {
		return err
	}
	hc.Banner(protocol.LevelInfo, fmt.Sprintf("Added tag %q.", tag.Name))
	return nil
}

func (m *Module) tagDetail(ctx context.Context, hc *dispatch.Context) error {
	if !hc.IsCurrent() {
		tag, err := m.payloadTag(ctx, hc)
		if err != nil {
			return err
		}
		hc.Start()
		hc.State()["tag_id"] = tag.ID
		hc.Push(protocol.Dialog(render.TagDialog(tag)))
		return nil
	}
	if done, err := hc.Finished(ctx); done {
		return err
	}
	tag, err := hc.Queries().GetTag(ctx, hc.State().Int64("tag_id"))
	if err != nil {
		return err
	}
	name, err := policy.ValidateName(hc.Payload.String("name"))
	if err != nil {
		return dispatch.Invalid("name", capitalize(err.Error()))
	}
	if tag.UserID != 0 && name != tag.Name {
		return dispatch.Invalid("name", "A personal tag always carries its user's name.")
	}
	tag.Name = name
	tag.Active = hc.Payload.Bool("active")
	err = hc.Queries().UpdateTag(ctx, tag)
	if errors.Is(err, store.ErrConflict) {
		return dispatch.Invalid("name", fmt.Sprintf("%q is already taken.", name))
	}
	if err != nil {
		return err
	}
	m.logger.Info("tag updated", "user_id", hc.UserID(), "tag_id", tag.ID, "active", tag.Active)
	if err := hc.Finish(ctx); err != nil {
		return err
	}
	hc.Banner(protocol.LevelInfo, fmt.Sprintf("Saved %q.", tag.Name))
	return nil
}

// tagUsers is the membership dialog of one tag.
func (m *Module) tagUsers(ctx context.Context, hc *dispatch.Context) error {
	if !hc.IsCurrent() {
		tag, err := m.payloadTag(ctx, hc)
		if err != nil {
			return err
		}
		members, others, err := m.memberChoices(ctx, hc, tag.ID)
		if err != nil {
			return err
		}
		hc.Start()
		hc.State()["tag_id"] = tag.ID
		hc.Push(protocol.Dialog(render.TagUsers(tag, members, others)))
		return nil
	}
	if done, err := hc.Finished(ctx); done {
		return err
	}
	return m.pushMembers(ctx, hc, hc.State().Int64("tag_id"))
}

func (m *Module) addUserToTag(ctx context.Context, hc *dispatch.Context) error {
	return m.changeMember(ctx, hc, true)
}

func (m *Module) removeUserFromTag(ctx context.Context, hc *dispatch.Context) error {
	return m.changeMember(ctx, hc, false)
}

func (m *Module) changeMember(ctx context.Context, hc *dispatch.Context, add bool) error {
	tag, err := m.payloadTag(ctx, hc)
	if err != nil {
		return err
	}
	userID, _ := hc.Payload.Int64("user_id")
	user, err := hc.Queries().GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return dispatch.Invalid("user_id", "That user no longer exists.")
	}
	if err != nil {
		return err
	}

	text := "Added %s to %s."
	if add {
		err = hc.Queries().AddUserToTag(ctx, user.ID, tag.ID)
	} else {
		if tag.UserID == user.ID {
			return dispatch.Invalid("user_id", "Users cannot leave their personal tag.")
		}
		err = hc.Queries().RemoveUserFromTag(ctx, user.ID, tag.ID)
		text = "Removed %s from %s."
	}
	if err != nil {
		return err
	}
	m.logger.Info("tag membership changed", "user_id", hc.UserID(), "tag_id", tag.ID, "member_id", user.ID, "added", add)
	if err := m.pushMembers(ctx, hc, tag.ID); err != nil {
		return err
	}
	hc.DetailBanner(protocol.LevelInfo, fmt.Sprintf(text, user.Username, tag.Name))
	return nil
}

func (m *Module) pushMembers(ctx context.Context, hc *dispatch.Context, tagID int64) error {
	tag, err := hc.Queries().GetTag(ctx, tagID)
	if err != nil {
		return err
	}
	members, others, err := m.memberChoices(ctx, hc, tagID)
	if err != nil {
		return err
	}
	hc.Push(protocol.SubContent("tag_users_container", render.TagUsersTable(tag, members, others)))
	return nil
}

// memberChoices splits the active users into members of tagID and the rest.
func (m *Module) memberChoices(ctx context.Context, hc *dispatch.Context, tagID int64) ([]store.User, []store.User, error) {
	members, err := hc.Queries().TagMembers(ctx, tagID)
	if err != nil {
		return nil, nil, err
	}
	users, err := hc.Queries().ListUsers(ctx)
	if err != nil {
		return nil, nil, err
	}
	in := make(map[int64]struct{}, len(members))
	for _, u := range members {
		in[u.ID] = struct{}{}
	}
	others := make([]store.User, 0, len(users))
	for _, u := range users {
		if _, ok := in[u.ID]; ok || !u.Active {
			continue
		}
		others = append(others, u)
	}
	return members, others, nil
}

// payloadTag loads the tag named by tag_id in the payload, or by the running
// task's state.
func (m *Module) payloadTag(ctx context.Context, hc *dispatch.Context) (store.Tag, error) {
	id, ok := hc.Payload.Int64("tag_id")
	if !ok {
		if cur := hc.Conn.Tasks.Current(); cur != nil {
			id = cur.State.Int64("tag_id")
		}
	}
	tag, err := hc.Queries().GetTag(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Tag{}, dispatch.Invalid("tag_id", "That tag no longer exists.")
	}
	return tag, err
}

func (m *Module) user(ctx context.Context, hc *dispatch.Context, id int64) (store.User, error) {
	user, err := hc.Queries().GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, dispatch.Invalid("user_id", "That user no longer exists.")
	}
	return user, err
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:] + "."
}
