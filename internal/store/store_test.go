package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestOpenWithoutDatabaseURL(t *testing.T) {
	st, err := Open(context.Background(), "  ", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	assert.Equal(t, "in-memory", st.Mode())
	assert.NoError(t, st.Ping(context.Background()))
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		st, err := NewPostgresStore(context.Background(), url)
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

type fixture struct {
	alice, bob, carol User
	team              Tag
}

func seed(t *testing.T, st Store) fixture {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	mk := func(name string) User {
		u, err := st.CreateUser(ctx, User{Username: name + "-" + suffix, AccessKey: name + "-key-" + suffix, Active: true})
		require.NoError(t, err)
		return u
	}
	f := fixture{alice: mk("alice"), bob: mk("bob"), carol: mk("carol")}
	team, err := st.CreateTag(ctx, "team-"+suffix, true)
	require.NoError(t, err)
	require.NoError(t, st.AddUserToTag(ctx, f.alice.ID, team.ID))
	require.NoError(t, st.AddUserToTag(ctx, f.bob.ID, team.ID))
	f.team = team
	return f
}

func send(t *testing.T, q Queries, author User, replyTo int64, body string, tagIDs ...int64) Message {
	t.Helper()
	ctx := context.Background()
	m, err := q.CreateMessage(ctx, author.ID, replyTo)
	require.NoError(t, err)
	require.NoError(t, q.SaveBody(ctx, m.ID, body))
	for _, id := range tagIDs {
		require.NoError(t, q.AddMessageTag(ctx, m.ID, id))
	}
	_, err = q.MarkSent(ctx, m.ID, body, time.Now().UTC())
	require.NoError(t, err)
	out, err := q.GetMessage(ctx, author.ID, m.ID)
	require.NoError(t, err)
	return out
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("users and identity tags", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		ctx := context.Background()

		got, err := st.UserByKey(ctx, f.alice.AccessKey)
		require.NoError(t, err)
		assert.Equal(t, f.alice.ID, got.ID)

		_, err = st.UserByKey(ctx, "")
		assert.ErrorIs(t, err, ErrNotFound)

		tag, err := st.UserTag(ctx, f.bob.ID)
		require.NoError(t, err)
		assert.Equal(t, f.bob.Username, tag.Name)
		assert.Equal(t, f.bob.ID, tag.UserID)

		_, err = st.CreateUser(ctx, User{Username: f.alice.Username})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("user search and update", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		ctx := context.Background()
		suffix := f.alice.Username[len("alice-"):]

		f.carol.Active = false
		f.carol.Email = "carol-" + suffix + "@example.com"
		require.NoError(t, st.UpdateUser(ctx, f.carol))

		active, err := st.SearchUsers(ctx, suffix, false)
		require.NoError(t, err)
		assert.Equal(t, []int64{f.alice.ID, f.bob.ID}, userIDs(active))

		all, err := st.SearchUsers(ctx, suffix, true)
		require.NoError(t, err)
		assert.Equal(t, []int64{f.alice.ID, f.bob.ID, f.carol.ID}, userIDs(all))

		byEmail, err := st.SearchUsers(ctx, "carol-"+suffix+"@", true)
		require.NoError(t, err)
		assert.Equal(t, []int64{f.carol.ID}, userIDs(byEmail))

		f.bob.Username = "robert-" + suffix
		require.NoError(t, st.UpdateUser(ctx, f.bob))
		tag, err := st.UserTag(ctx, f.bob.ID)
		require.NoError(t, err)
		assert.Equal(t, "robert-"+suffix, tag.Name)

		f.bob.Username = strings.ToUpper(f.alice.Username)
		assert.ErrorIs(t, st.UpdateUser(ctx, f.bob), ErrConflict)
		f.bob.Username = f.team.Name
		assert.ErrorIs(t, st.UpdateUser(ctx, f.bob), ErrConflict)

		assert.ErrorIs(t, st.UpdateUser(ctx, User{ID: -1, Username: "ghost-" + suffix}), ErrNotFound)
	})

	t.Run("assignments by period", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		ctx := context.Background()
		today := time.Date(2026, 3, 10, 15, 4, 0, 0, time.UTC)
		day := func(n int) time.Time { return today.AddDate(0, 0, n) }
		mk := func(u User, subject, title string, start, due int) Assignment {
			a, err := st.CreateAssignment(ctx, Assignment{UserID: u.ID, Subject: subject, Title: title, StartsOn: day(start), DueOn: day(due)})
			require.NoError(t, err)
			return a
		}
		essay := mk(f.alice, "English", "Essay", -3, 2)
		quiz := mk(f.alice, "Math", "Quiz", 0, 0)
		old := mk(f.alice, "Math", "Worksheet", -10, -5)
		older := mk(f.alice, "History", "Timeline", -20, -8)
		later := mk(f.alice, "Math", "Project", 3, 14)
		mk(f.bob, "Math", "Quiz", 0, 0)

		list := func(aq AssignmentQuery) []int64 {
			aq.UserID, aq.Today = f.alice.ID, today
			as, err := st.ListAssignments(ctx, aq)
			require.NoError(t, err)
			out := make([]int64, 0, len(as))
			for _, a := range as {
				out = append(out, a.ID)
			}
			return out
		}
		assert.Equal(t, []int64{quiz.ID, essay.ID}, list(AssignmentQuery{Period: PeriodCurrent}))
		assert.Equal(t, []int64{old.ID, older.ID}, list(AssignmentQuery{Period: PeriodPrevious}))
		assert.Equal(t, []int64{later.ID}, list(AssignmentQuery{Period: PeriodNext}))
		assert.Equal(t, []int64{older.ID, old.ID, quiz.ID, essay.ID, later.ID}, list(AssignmentQuery{Period: PeriodAll}))
		assert.Equal(t, []int64{older.ID, old.ID}, list(AssignmentQuery{Period: PeriodAll, Limit: 2}))
		assert.Equal(t, []int64{old.ID, quiz.ID, later.ID}, list(AssignmentQuery{Period: PeriodAll, Subject: "math"}))
		assert.Equal(t, []int64{old.ID}, list(AssignmentQuery{Period: PeriodAll, Like: "sheet"}))

		require.NoError(t, st.SetAssignmentComplete(ctx, f.alice.ID, quiz.ID, true, today))
		assert.ErrorIs(t, st.SetAssignmentComplete(ctx, f.bob.ID, essay.ID, true, today), ErrNotFound)
		as, err := st.ListAssignments(ctx, AssignmentQuery{UserID: f.alice.ID, Period: PeriodCurrent, Today: today})
		require.NoError(t, err)
		require.Len(t, as, 2)
		assert.True(t, as[0].Completed())
		assert.False(t, as[1].Completed())
		assert.Equal(t, time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), as[1].DueOn.UTC())

		require.NoError(t, st.SetAssignmentComplete(ctx, f.alice.ID, quiz.ID, false, today))
		as, err = st.ListAssignments(ctx, AssignmentQuery{UserID: f.alice.ID, Period: PeriodCurrent, Today: today})
		require.NoError(t, err)
		assert.False(t, as[0].Completed())

		_, err = st.CreateAssignment(ctx, Assignment{UserID: f.alice.ID, Subject: "Art", Title: "Backwards", StartsOn: day(2), DueOn: day(1)})
		assert.Error(t, err)
	})

	t.Run("thread roots", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		root := send(t, st, f.alice, 0, "root", f.team.ID)
		assert.Equal(t, root.ID, root.ThreadRoot)

		reply := send(t, st, f.bob, root.ID, "reply", f.team.ID)
		assert.Equal(t, root.ID, reply.ReplyTo)
		assert.Equal(t, root.ID, reply.ThreadRoot)

		nested, err := st.CreateMessage(context.Background(), f.alice.ID, reply.ID)
		require.NoError(t, err)
		assert.Equal(t, root.ID, nested.ThreadRoot)

		_, err = st.CreateMessage(context.Background(), f.alice.ID, 1<<40)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("mark sent reports resend", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		ctx := context.Background()
		m, err := st.CreateMessage(ctx, f.alice.ID, 0)
		require.NoError(t, err)

		resent, err := st.MarkSent(ctx, m.ID, "t1", time.Now())
		require.NoError(t, err)
		assert.False(t, resent)

		resent, err = st.MarkSent(ctx, m.ID, "t2", time.Now())
		require.NoError(t, err)
		assert.True(t, resent)

		require.NoError(t, st.DeleteMessage(ctx, m.ID, time.Now()))
		_, err = st.MarkSent(ctx, m.ID, "t3", time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("recipients and listing filters", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		ctx := context.Background()

		m1 := send(t, st, f.alice, 0, "hello team", f.team.ID)
		m2 := send(t, st, f.alice, 0, "second note", f.team.ID)

		ok, err := st.IsRecipient(ctx, f.bob.ID, m1.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = st.IsRecipient(ctx, f.carol.ID, m1.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = st.IsRecipient(ctx, f.alice.ID, m1.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		list, err := st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterNew})
		require.NoError(t, err)
		assert.Equal(t, []int64{m1.ID, m2.ID}, ids(list))

		stashed, err := st.Stash(ctx, m1.ID, f.bob.ID)
		require.NoError(t, err)
		assert.True(t, stashed)
		stashed, err = st.Stash(ctx, m1.ID, f.bob.ID)
		require.NoError(t, err)
		assert.False(t, stashed)

		list, err = st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterNew})
		require.NoError(t, err)
		assert.Equal(t, []int64{m2.ID}, ids(list))

		list, err = st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterAll})
		require.NoError(t, err)
		assert.Equal(t, []int64{m1.ID, m2.ID}, ids(list))
		assert.True(t, list[0].Stashed)

		require.NoError(t, st.Pin(ctx, m2.ID, f.bob.ID))
		list, err = st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterPinned})
		require.NoError(t, err)
		assert.Equal(t, []int64{m2.ID}, ids(list))
		require.NoError(t, st.Unpin(ctx, m2.ID, f.bob.ID))
		list, err = st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterPinned})
		require.NoError(t, err)
		assert.Empty(t, list)

		list, err = st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterAll, Like: "SECOND"})
		require.NoError(t, err)
		assert.Equal(t, []int64{m2.ID}, ids(list))

		n, err := st.ClearStashes(ctx, m1.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("paging", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		ctx := context.Background()
		var all []int64
		for i := 0; i < 5; i++ {
			all = append(all, send(t, st, f.alice, 0, "m", f.team.ID).ID)
		}

		first, err := st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterAll, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, all[:2], ids(first))

		latest, err := st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterAll, Limit: 2, Newest: true})
		require.NoError(t, err)
		assert.Equal(t, all[3:], ids(latest))

		older, err := st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterAll, Limit: 2, Offset: 2, Newest: true})
		require.NoError(t, err)
		assert.Equal(t, all[1:3], ids(older))

		rest, err := st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterNew, Exclude: all[:4]})
		require.NoError(t, err)
		assert.Equal(t, all[4:], ids(rest))
	})

	t.Run("listing groups threads", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		ctx := context.Background()
		root := send(t, st, f.alice, 0, "root", f.team.ID)
		other := send(t, st, f.alice, 0, "other", f.team.ID)
		reply := send(t, st, f.bob, root.ID, "reply", f.team.ID)
		deeper := send(t, st, f.alice, reply.ID, "deeper", f.team.ID)

		list, err := st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterAll})
		require.NoError(t, err)
		assert.Equal(t, []int64{root.ID, reply.ID, deeper.ID, other.ID}, ids(list))

		latest, err := st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterAll, Limit: 2, Newest: true})
		require.NoError(t, err)
		assert.Equal(t, []int64{deeper.ID, other.ID}, ids(latest))
	})

	t.Run("drafts hidden from listing", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		ctx := context.Background()
		d, err := st.CreateMessage(ctx, f.alice.ID, 0)
		require.NoError(t, err)
		require.NoError(t, st.SaveBody(ctx, d.ID, "work in progress"))
		require.NoError(t, st.AddMessageTag(ctx, d.ID, f.team.ID))

		drafts, err := st.ListDrafts(ctx, f.alice.ID, "")
		require.NoError(t, err)
		assert.Equal(t, []int64{d.ID}, ids(drafts))

		list, err := st.ListMessages(ctx, ListQuery{ViewerID: f.bob.ID, Filter: FilterAll})
		require.NoError(t, err)
		assert.Empty(t, list)

		n, err := st.UnsentDraftCount(ctx, f.alice.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("copy tags and unstashed counts", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		ctx := context.Background()
		parent := send(t, st, f.alice, 0, "p", f.team.ID)
		reply, err := st.CreateMessage(ctx, f.bob.ID, parent.ID)
		require.NoError(t, err)
		require.NoError(t, st.CopyMessageTags(ctx, parent.ID, reply.ID))
		tags, err := st.MessageTags(ctx, reply.ID)
		require.NoError(t, err)
		require.Len(t, tags, 1)
		assert.Equal(t, f.team.ID, tags[0].ID)

		counts, err := st.UnstashedCounts(ctx, f.bob.ID)
		require.NoError(t, err)
		assert.Equal(t, []TagCount{{Tag: f.team.Name, Count: 1}}, counts)
	})

	t.Run("tags admin", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		ctx := context.Background()
		_, err := st.CreateTag(ctx, f.team.Name, true)
		assert.ErrorIs(t, err, ErrConflict)

		require.NoError(t, st.UpdateTag(ctx, Tag{ID: f.team.ID, Name: f.team.Name + "-x", Active: false}))
		got, err := st.GetTag(ctx, f.team.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)

		members, err := st.TagMembers(ctx, f.team.ID)
		require.NoError(t, err)
		assert.Len(t, members, 2)
		require.NoError(t, st.RemoveUserFromTag(ctx, f.bob.ID, f.team.ID))
		members, err = st.TagMembers(ctx, f.team.ID)
		require.NoError(t, err)
		assert.Len(t, members, 1)
	})

	t.Run("transactions", func(t *testing.T) {
		st := newStore(t)
		f := seed(t, st)
		ctx := context.Background()

		tx, err := st.Begin(ctx)
		require.NoError(t, err)
		m, err := tx.CreateMessage(ctx, f.alice.ID, 0)
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))
		_, err = st.GetMessage(ctx, f.alice.ID, m.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, errors.Is(tx.Rollback(ctx), ErrNoTransaction))

		tx, err = st.Begin(ctx)
		require.NoError(t, err)
		m, err = tx.CreateMessage(ctx, f.alice.ID, 0)
		require.NoError(t, err)
		require.NoError(t, tx.SaveBody(ctx, m.ID, "kept"))
		require.NoError(t, tx.Commit(ctx))
		got, err := st.GetMessage(ctx, f.alice.ID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "kept", got.Body)
		assert.ErrorIs(t, tx.Commit(ctx), ErrNoTransaction)
	})
}

func userIDs(us []User) []int64 {
	out := make([]int64, 0, len(us))
	for _, u := range us {
		out = append(out, u.ID)
	}
	return out
}

func ids(ms []Message) []int64 {
	out := make([]int64, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}
