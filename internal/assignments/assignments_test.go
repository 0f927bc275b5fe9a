package assignments

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/session"
	"github.com/ent0n29/umportal/internal/store"
	"github.com/ent0n29/umportal/internal/task"
)

var today = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t   *testing.T
	ctx context.Context
	st  *store.InMemoryStore
	d   *dispatch.Dispatcher
	ann store.User
	bob store.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewInMemoryStore()
	d := dispatch.New(st, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	New(d, Options{ResultLimit: 2, Now: func() time.Time { return today }}).Register()

	mk := func(name string, admin bool) store.User {
		u, err := st.CreateUser(ctx, store.User{Username: name, AccessKey: "k-" + name, Active: true, Admin: admin})
		require.NoError(t, err)
		return u
	}
	f := &fixture{t: t, ctx: ctx, st: st, d: d, ann: mk("ann", false), bob: mk("bob", false)}
	mk("boss", true)
	return f
}

func (f *fixture) assign(u store.User, subject, title string, start, due int) store.Assignment {
	f.t.Helper()
	a, err := f.st.CreateAssignment(f.ctx, store.Assignment{
		UserID:   u.ID,
		Subject:  subject,
		Title:    title,
		StartsOn: today.AddDate(0, 0, start),
		DueOn:    today.AddDate(0, 0, due),
	})
	require.NoError(f.t, err)
	return a
}

func (f *fixture) connect(name string) *session.Conn {
	f.t.Helper()
	c := session.NewConn("conn-"+name, 16, 128)
	require.Equal(f.t, dispatch.OutcomeOK, f.d.Dispatch(f.ctx, c, dispatch.OpIdentify, protocol.Payload{"key": "k-" + name}, nil))
	drain(c)
	return c
}

func (f *fixture) do(c *session.Conn, op task.Op, payload protocol.Payload) []protocol.Push {
	f.t.Helper()
	outcome := f.d.Dispatch(f.ctx, c, op, payload, nil)
	pushes := drain(c)
	require.Equal(f.t, dispatch.OutcomeOK, outcome, "op %s pushed %+v", op, pushes)
	return pushes
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

func container(t *testing.T, ps []protocol.Push, id string) string {
	t.Helper()
	for _, p := range ps {
		if p.Task == protocol.PushSubContent && p.Container == id {
			return p.Content
		}
	}
	t.Fatalf("no sub_content for %s in %+v", id, ps)
	return ""
}

func TestMainFiltersAndRemembersState(t *testing.T) {
	f := newFixture(t)
	f.assign(f.ann, "English", "Essay", -3, 2)
	f.assign(f.ann, "Math", "Quiz", 0, 0)
	f.assign(f.ann, "Math", "Worksheet", -10, -5)
	f.assign(f.ann, "Math", "Project", 3, 14)
	f.assign(f.bob, "Art", "Collage", 0, 1)
	c := f.connect("ann")

	pushes := f.do(c, OpMain, nil)
	require.Equal(t, protocol.PushContent, pushes[0].Task)
	assert.Contains(t, pushes[0].Content, `id="assignments_container"`)
	assert.Equal(t, session.DeliveryNotify, c.DeliveryMode())

	filter := container(t, pushes, "assignments_filter_container")
	assert.Contains(t, filter, `data-filt="current" class="active"`)
	assert.Contains(t, filter, `data-subject="English"`)
	assert.NotContains(t, filter, "Art")

	table := container(t, pushes, "assignments_container")
	assert.Contains(t, table, "Essay")
	assert.Contains(t, table, "Quiz")
	assert.NotContains(t, table, "Worksheet")
	assert.NotContains(t, table, "Collage")
	assert.Contains(t, table, "Show all")

	pushes = f.do(c, OpMain, protocol.Payload{"filt": "previous"})
	for _, p := range pushes {
		assert.NotEqual(t, protocol.PushContent, p.Task)
	}
	table = container(t, pushes, "assignments_container")
	assert.Contains(t, table, "Worksheet")
	assert.NotContains(t, table, "Show all")

	pushes = f.do(c, OpMain, protocol.Payload{"filt": "all", "dont_limit": "true"})
	table = container(t, pushes, "assignments_container")
	for _, title := range []string{"Essay", "Quiz", "Worksheet", "Project"} {
		assert.Contains(t, table, title)
	}

	pushes = f.do(c, OpMain, protocol.Payload{"subject": "Math"})
	table = container(t, pushes, "assignments_container")
	assert.NotContains(t, table, "Essay")
	assert.Contains(t, table, "Project")
	assert.Contains(t, container(t, pushes, "assignments_filter_container"), `data-subject="Math" class="active"`)

	pushes = f.do(c, OpMain, protocol.Payload{"searchtext": "proj"})
	table = container(t, pushes, "assignments_container")
	assert.Contains(t, table, "Project")
	assert.NotContains(t, table, "Quiz")

	st := c.Tasks.Current().State
	assert.Equal(t, "all", st.String(keyPeriod))
	assert.Equal(t, "Math", st.String(keySubject))
	assert.True(t, st.Bool(keyUnlimited))
}

func TestMainRejectsUnknownPeriod(t *testing.T) {
	f := newFixture(t)
	c := f.connect("ann")
	assert.Equal(t, dispatch.OutcomeRejected, f.d.Dispatch(f.ctx, c, OpMain, protocol.Payload{"filt": "someday"}, nil))
}

func TestMainForAnotherUser(t *testing.T) {
	f := newFixture(t)
	f.assign(f.ann, "Math", "Quiz", 0, 0)

	bob := f.connect("bob")
	assert.Equal(t, dispatch.OutcomeUnauthorized, f.d.Dispatch(f.ctx, bob, OpMain, protocol.Payload{"user_id": f.ann.ID}, nil))
	assert.Nil(t, bob.Tasks.Current())

	boss := f.connect("boss")
	pushes := f.do(boss, OpMain, protocol.Payload{"user_id": f.ann.ID})
	table := container(t, pushes, "assignments_container")
	assert.Contains(t, table, "Quiz")
	assert.Contains(t, table, "disabled")

	assert.Equal(t, dispatch.OutcomeRejected, f.d.Dispatch(f.ctx, boss, OpMain, protocol.Payload{"user_id": 9999}, nil))
}

func TestMarkComplete(t *testing.T) {
	f := newFixture(t)
	quiz := f.assign(f.ann, "Math", "Quiz", 0, 0)
	ann := f.connect("ann")

	f.do(ann, OpMarkComplete, protocol.Payload{"assignment_id": quiz.ID, "checked": true})
	list, err := f.st.ListAssignments(f.ctx, store.AssignmentQuery{UserID: f.ann.ID, Period: store.PeriodCurrent, Today: today})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].Completed())
	assert.Equal(t, today, *list[0].CompletedAt)

	pushes := f.do(ann, OpMain, nil)
	assert.Contains(t, container(t, pushes, "assignments_container"), `class="completed"`)

	bob := f.connect("bob")
	assert.Equal(t, dispatch.OutcomeRejected, f.d.Dispatch(f.ctx, bob, OpMarkComplete, protocol.Payload{"assignment_id": quiz.ID, "checked": false}, nil))
	assert.Equal(t, dispatch.OutcomeRejected, f.d.Dispatch(f.ctx, bob, OpMarkComplete, protocol.Payload{"checked": true}, nil))

	f.do(ann, OpMarkComplete, protocol.Payload{"assignment_id": quiz.ID, "checked": false})
	list, err = f.st.ListAssignments(f.ctx, store.AssignmentQuery{UserID: f.ann.ID, Period: store.PeriodCurrent, Today: today})
	require.NoError(t, err)
	assert.False(t, list[0].Completed())

	anon := session.NewConn("anon", 16, 16)
	assert.Equal(t, dispatch.OutcomeUnauthorized, f.d.Dispatch(f.ctx, anon, OpMarkComplete, protocol.Payload{"assignment_id": quiz.ID, "checked": true}, nil))
}
