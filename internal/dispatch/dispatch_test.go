package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/session"
	"github.com/ent0n29/umportal/internal/store"
	"github.com/ent0n29/umportal/internal/task"
)

var (
	listOp = task.Op{Module: "messages", Name: "messages"}
	editOp = task.Op{Module: "messages", Name: "edit_message"}
	tagsOp = task.Op{Module: "messages", Name: "message_tags"}
	boomOp = task.Op{Module: "messages", Name: "boom"}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.InMemoryStore, *session.Conn) {
	t.Helper()
	st := store.NewInMemoryStore()
	d := New(st, nil, quietLogger())
	c := session.NewConn("c1", 16, 64)
	return d, st, c
}

func drain(c *session.Conn) []protocol.Push {
	var out []protocol.Push
	for {
		select {
		case p := <-c.Outbox():
			out = append(out, p)
		default:
			return out
		}
	}
}

func tasksOf(ps []protocol.Push) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Task)
	}
	return out
}

func login(t *testing.T, st *store.InMemoryStore, c *session.Conn, admin bool) store.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), store.User{Username: "ann", AccessKey: "k-ann", Active: true, Admin: admin})
	require.NoError(t, err)
	c.SetIdentity(session.Identity{UserID: u.ID, Username: u.Username, Admin: admin})
	return u
}

func TestGuardRejectsUnauthorized(t *testing.T) {
	d, _, c := newTestDispatcher(t)
	ran := false
	d.Register(editOp, func(ctx context.Context, hc *Context) error {
		ran = true
		hc.Start()
		return nil
	}, LoggedIn)

	outcome := d.Dispatch(context.Background(), c, editOp, nil, nil)
	assert.Equal(t, OutcomeUnauthorized, outcome)
	assert.False(t, ran)
	assert.Nil(t, c.Tasks.Current())

	pushes := drain(c)
	require.Len(t, pushes, 1)
	assert.Equal(t, protocol.PushBanner, pushes[0].Task)
	assert.Equal(t, protocol.LevelError, pushes[0].Level)
}

func TestGuardContainsPanicAndRollsBack(t *testing.T) {
	d, st, c := newTestDispatcher(t)
	u := login(t, st, c, false)
	d.NewReference = func() string { return "QWERTY" }

	var created int64
	d.Register(boomOp, func(ctx context.Context, hc *Context) error {
		require.NoError(t, hc.Begin(ctx))
		m, err := hc.Queries().CreateMessage(ctx, hc.UserID(), 0)
		require.NoError(t, err)
		created = m.ID
		panic("kaboom")
	}, LoggedIn)
	d.Register(listOp, func(ctx context.Context, hc *Context) error {
		hc.Start()
		return nil
	}, LoggedIn)

	outcome := d.Dispatch(context.Background(), c, boomOp, nil, nil)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Nil(t, c.Tx)

	_, err := st.GetMessage(context.Background(), u.ID, created)
	assert.ErrorIs(t, err, store.ErrNotFound)

	pushes := drain(c)
	require.Len(t, pushes, 1)
	assert.Equal(t, protocol.PushBanner, pushes[0].Task)
	assert.Contains(t, pushes[0].Content, "QWERTY")
	assert.NotContains(t, pushes[0].Content, "kaboom")

	assert.Equal(t, OutcomeOK, d.Dispatch(context.Background(), c, listOp, nil, nil))
	assert.True(t, c.Tasks.IsCurrent(listOp))
}

func TestGuardReportsReturnedError(t *testing.T) {
	d, st, c := newTestDispatcher(t)
	login(t, st, c, false)
	d.Register(boomOp, func(ctx context.Context, hc *Context) error {
		return errors.New("db exploded for sam@example.com")
	}, LoggedIn)

	assert.Equal(t, OutcomeFailed, d.Dispatch(context.Background(), c, boomOp, nil, nil))
	pushes := drain(c)
	require.Len(t, pushes, 1)
	assert.Regexp(t, regexp.MustCompile(`reference [A-Z]{6}\b`), pushes[0].Content)
}

func TestGuardRestoresTasksOnFailure(t *testing.T) {
	d, st, c := newTestDispatcher(t)
	login(t, st, c, false)
	ctx := context.Background()

	d.Register(listOp, func(ctx context.Context, hc *Context) error {
		if hc.Start() {
			hc.State()["filter"] = "new"
		}
		return nil
	}, LoggedIn)
	d.Register(editOp, func(ctx context.Context, hc *Context) error {
		hc.Start()
		return errors.New("storage offline")
	}, LoggedIn)
	d.Register(boomOp, func(ctx context.Context, hc *Context) error {
		hc.Conn.Tasks.Current().State["filter"] = "mangled"
		hc.Start()
		panic("kaboom")
	}, LoggedIn)

	require.Equal(t, OutcomeOK, d.Dispatch(ctx, c, listOp, nil, nil))

	for _, op := range []task.Op{editOp, boomOp} {
		t.Run(op.Name, func(t *testing.T) {
			assert.Equal(t, OutcomeFailed, d.Dispatch(ctx, c, op, nil, nil))
			assert.True(t, c.Tasks.IsCurrent(listOp))
			assert.Equal(t, 0, c.Tasks.Depth())
			assert.Equal(t, "new", c.Tasks.Current().State.String("filter"))
			drain(c)
		})
	}
}

func TestGuardValidationError(t *testing.T) {
	d, st, c := newTestDispatcher(t)
	login(t, st, c, false)
	d.Register(boomOp, func(ctx context.Context, hc *Context) error {
		require.NoError(t, hc.Begin(ctx))
		return Invalid("name", "Name is taken.")
	}, LoggedIn)

	assert.Equal(t, OutcomeRejected, d.Dispatch(context.Background(), c, boomOp, nil, nil))
	assert.Nil(t, c.Tx)
	pushes := drain(c)
	require.Len(t, pushes, 1)
	assert.Equal(t, protocol.PushDetailBanner, pushes[0].Task)
	assert.Equal(t, "Name is taken.", pushes[0].Content)
}

func TestUnknownOperation(t *testing.T) {
	d, _, c := newTestDispatcher(t)
	assert.Equal(t, OutcomeUnknown, d.Dispatch(context.Background(), c, task.Op{Name: "nope"}, nil, nil))
	assert.Equal(t, []string{protocol.PushBanner}, tasksOf(drain(c)))
}

func TestRegisterTwicePanics(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	h := func(context.Context, *Context) error { return nil }
	d.Register(listOp, h, nil)
	assert.Panics(t, func() { d.Register(listOp, h, nil) })
}

func TestFinishResumesWithRevert(t *testing.T) {
	d, st, c := newTestDispatcher(t)
	login(t, st, c, false)

	var editReverts []bool
	var tagsSawID int64
	d.Register(listOp, func(ctx context.Context, hc *Context) error {
		hc.Start()
		return nil
	}, LoggedIn)
	d.Register(editOp, func(ctx context.Context, hc *Context) error {
		hc.Start()
		if id, ok := hc.Payload.Int64("message_id"); ok {
			hc.State()["message_id"] = id
		}
		editReverts = append(editReverts, hc.Reverting)
		return nil
	}, LoggedIn)
	d.Register(tagsOp, func(ctx context.Context, hc *Context) error {
		if hc.Start("message_id") {
			tagsSawID = hc.State().Int64("message_id")
			return nil
		}
		_, err := hc.Finished(ctx)
		return err
	}, LoggedIn)

	ctx := context.Background()
	d.Dispatch(ctx, c, listOp, nil, nil)
	d.Dispatch(ctx, c, editOp, protocol.Payload{"message_id": int64(42)}, nil)
	d.Dispatch(ctx, c, tagsOp, nil, nil)
	assert.Equal(t, int64(42), tagsSawID)
	assert.Equal(t, 2, c.Tasks.Depth())
	drain(c)

	d.Dispatch(ctx, c, tagsOp, protocol.Payload{"finished": true}, nil)
	assert.True(t, c.Tasks.IsCurrent(editOp))
	assert.Equal(t, 1, c.Tasks.Depth())
	assert.Equal(t, []bool{false, true}, editReverts)
	assert.Equal(t, int64(42), c.Tasks.Current().State.Int64("message_id"))
	assert.Equal(t, []string{protocol.PushHideDialog}, tasksOf(drain(c)))
}

func TestFinishOnEmptyStackOnlyRollsBack(t *testing.T) {
	d, st, c := newTestDispatcher(t)
	login(t, st, c, false)
	d.Register(listOp, func(ctx context.Context, hc *Context) error {
		hc.Start()
		require.NoError(t, hc.Begin(ctx))
		return hc.Finish(ctx)
	}, LoggedIn)

	assert.Equal(t, OutcomeOK, d.Dispatch(context.Background(), c, listOp, nil, nil))
	assert.Nil(t, c.Tx)
	assert.True(t, c.Tasks.IsCurrent(listOp))
	assert.Empty(t, drain(c))
}

func TestIdentify(t *testing.T) {
	d, st, c := newTestDispatcher(t)
	_, err := st.CreateUser(context.Background(), store.User{Username: "ann", AccessKey: "k-ann", Active: true})
	require.NoError(t, err)
	_, err = st.CreateUser(context.Background(), store.User{Username: "gone", AccessKey: "k-gone", Active: false})
	require.NoError(t, err)

	landed := false
	d.Register(listOp, func(ctx context.Context, hc *Context) error {
		landed = true
		hc.Start()
		return nil
	}, LoggedIn)
	d.SetLanding(listOp)
	ctx := context.Background()

	assert.Equal(t, OutcomeUnauthorized, d.Dispatch(ctx, c, OpIdentify, protocol.Payload{"key": "wrong"}, nil))
	assert.Equal(t, OutcomeUnauthorized, d.Dispatch(ctx, c, OpIdentify, protocol.Payload{"key": "k-gone"}, nil))
	assert.Zero(t, c.UserID())
	drain(c)

	assert.Equal(t, OutcomeOK, d.Dispatch(ctx, c, OpIdentify, protocol.Payload{"key": "k-ann"}, nil))
	assert.NotZero(t, c.UserID())
	assert.True(t, landed)
	pushes := drain(c)
	require.NotEmpty(t, pushes)
	assert.Equal(t, protocol.PushIdentified, pushes[0].Task)
	assert.Equal(t, "ann", pushes[0].Username)

	assert.Equal(t, OutcomeOK, d.Dispatch(ctx, c, OpLogout, nil, nil))
	assert.Zero(t, c.UserID())
	assert.Nil(t, c.Tasks.Current())
}

func TestDeliveryModeOperation(t *testing.T) {
	d, st, c := newTestDispatcher(t)
	login(t, st, c, false)
	ctx := context.Background()

	assert.Equal(t, OutcomeRejected, d.Dispatch(ctx, c, OpDeliveryMode, protocol.Payload{"mode": "fax"}, nil))
	assert.Equal(t, OutcomeOK, d.Dispatch(ctx, c, OpDeliveryMode, protocol.Payload{"mode": "reload"}, nil))
	assert.Equal(t, session.DeliveryReload, c.DeliveryPreference())
	assert.Equal(t, session.DeliveryReload, c.DeliveryMode())
}

func TestAdminGuard(t *testing.T) {
	d, st, c := newTestDispatcher(t)
	login(t, st, c, false)
	d.Register(boomOp, func(context.Context, *Context) error { return nil }, Admin)
	assert.Equal(t, OutcomeUnauthorized, d.Dispatch(context.Background(), c, boomOp, nil, nil))

	c.SetIdentity(session.Identity{UserID: c.UserID(), Admin: true})
	assert.Equal(t, OutcomeOK, d.Dispatch(context.Background(), c, boomOp, nil, nil))
}

func TestLoggedInRechecksActive(t *testing.T) {
	d, st, c := newTestDispatcher(t)
	u := login(t, st, c, true)
	ctx := context.Background()
	d.Register(listOp, func(context.Context, *Context) error { return nil }, LoggedIn)
	d.Register(boomOp, func(context.Context, *Context) error { return nil }, Admin)

	require.Equal(t, OutcomeOK, d.Dispatch(ctx, c, listOp, nil, nil))
	require.Equal(t, OutcomeOK, d.Dispatch(ctx, c, boomOp, nil, nil))

	u.Active = false
	require.NoError(t, st.UpdateUser(ctx, u))
	assert.Equal(t, OutcomeUnauthorized, d.Dispatch(ctx, c, listOp, nil, nil))
	assert.Equal(t, OutcomeUnauthorized, d.Dispatch(ctx, c, boomOp, nil, nil))

	c.SetIdentity(session.Identity{UserID: 9999, Username: "ghost"})
	assert.Equal(t, OutcomeUnauthorized, d.Dispatch(ctx, c, listOp, nil, nil))
}

func TestServeRunsEventsInOrder(t *testing.T) {
	d, _, c := newTestDispatcher(t)
	var seen []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		require.True(t, c.Post(session.Event{Name: name, Run: func(context.Context, *session.Conn) error {
			seen = append(seen, name)
			return nil
		}}))
	}
	require.True(t, c.Post(session.Event{Name: "bad", Run: func(context.Context, *session.Conn) error {
		panic("contained")
	}}))
	c.Close()

	done := make(chan struct{})
	go func() {
		d.Serve(context.Background(), c)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Serve did not return after Close")
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestNewReference(t *testing.T) {
	ref := NewReference()
	assert.Regexp(t, `^[A-Z]{6}$`, ref)
}
