package digest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/umportal/internal/store"
)

type recordingSender struct {
	got      []Entry
	fail     int64
	attempts int
}

func (r *recordingSender) Send(_ context.Context, e Entry) error {
	if e.User.ID == r.fail {
		r.attempts++
		return errors.New("mailbox full")
	}
	r.got = append(r.got, e)
	return nil
}

func seed(t *testing.T) (*store.InMemoryStore, map[string]store.User) {
	t.Helper()
	ctx := context.Background()
	st := store.NewInMemoryStore()
	users := map[string]store.User{}
	for _, name := range []string{"ann", "bob", "cid"} {
		u, err := st.CreateUser(ctx, store.User{Username: name, Email: name + "@example.com", AccessKey: "k-" + name, Active: true})
		require.NoError(t, err)
		users[name] = u
	}
	_, err := st.CreateUser(ctx, store.User{Username: "gone", AccessKey: "k-gone"})
	require.NoError(t, err)

	team, err := st.CreateTag(ctx, "team", true)
	require.NoError(t, err)
	for _, name := range []string{"ann", "bob"} {
		require.NoError(t, st.AddUserToTag(ctx, users[name].ID, team.ID))
	}

	for i := 0; i < 2; i++ {
		m, err := st.CreateMessage(ctx, users["ann"].ID, 0)
		require.NoError(t, err)
		require.NoError(t, st.SaveBody(ctx, m.ID, "<p>hello</p>"))
		require.NoError(t, st.AddMessageTag(ctx, m.ID, team.ID))
		_, err = st.MarkSent(ctx, m.ID, "hello", time.Now())
		require.NoError(t, err)
	}

	draft, err := st.CreateMessage(ctx, users["cid"].ID, 0)
	require.NoError(t, err)
	require.NoError(t, st.SaveBody(ctx, draft.ID, "<p>later</p>"))
	return st, users
}

func TestBuild(t *testing.T) {
	st, users := seed(t)
	entries, err := Build(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, users["bob"].ID, entries[0].User.ID)
	assert.Equal(t, []store.TagCount{{Tag: "team", Count: 2}}, entries[0].Counts)
	assert.Equal(t, 2, entries[0].Unstashed())
	assert.Zero(t, entries[0].Drafts)

	assert.Equal(t, users["cid"].ID, entries[1].User.ID)
	assert.Empty(t, entries[1].Counts)
	assert.Equal(t, 1, entries[1].Drafts)
}

func TestBuildSkipsStashed(t *testing.T) {
	st, users := seed(t)
	ctx := context.Background()
	msgs, err := st.ListMessages(ctx, store.ListQuery{ViewerID: users["bob"].ID, Filter: store.FilterNew, Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	_, err = st.Stash(ctx, msgs[0].ID, users["bob"].ID)
	require.NoError(t, err)

	entries, err := Build(ctx, st)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, 1, entries[0].Unstashed())
}

func TestRunContinuesAfterFailedSend(t *testing.T) {
	st, users := seed(t)
	sender := &recordingSender{fail: users["bob"].ID}
	saved := SendPolicy
	t.Cleanup(func() { SendPolicy = saved })
	SendPolicy.Base, SendPolicy.Cap = time.Millisecond, time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sent, err := Run(context.Background(), st, sender, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, sender.got, 1)
	assert.Equal(t, users["cid"].ID, sender.got[0].User.ID)
	assert.Equal(t, SendPolicy.Attempts, sender.attempts)
}

func TestLogSenderMasksEmail(t *testing.T) {
	var buf bytes.Buffer
	sender := LogSender{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, sender.Send(context.Background(), Entry{
		User:   store.User{ID: 7, Email: "someone@example.com"},
		Drafts: 3,
	}))
	assert.NotContains(t, buf.String(), "someone@example.com")
	assert.Contains(t, buf.String(), "drafts=3")
}

func TestSchedulerNext(t *testing.T) {
	s := &Scheduler{Cron: "0 7 * * *"}
	from := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC), next)
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	s := &Scheduler{Cron: "every day", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	assert.Error(t, s.Start(context.Background()))
}
