// Package assignments registers the assignment listing and the completion
// toggle. A user sees their own assignments; an administrator may look at
// anyone's.
package assignments

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/render"
	"github.com/ent0n29/umportal/internal/session"
	"github.com/ent0n29/umportal/internal/store"
	"github.com/ent0n29/umportal/internal/task"
)

const Name = "assignments"

func op(name string) task.Op { return task.Op{Module: Name, Name: name} }

var (
	OpMain         = op("main")
	OpMarkComplete = op("mark_complete")
)

const (
	keyPeriod    = "filt"
	keySubject   = "subject"
	keyLike      = "like"
	keyUnlimited = "dont_limit"
	keyUserID    = "user_id"

	defaultResultLimit = 100
)

type Options struct {
	// ResultLimit caps a listing until the user asks for everything.
	ResultLimit int
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

type Module struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
	opts   Options
}

func New(d *dispatch.Dispatcher, opts Options) *Module {
	if opts.ResultLimit <= 0 {
		opts.ResultLimit = defaultResultLimit
	}
	return &Module{d: d, logger: d.Logger().With("module", Name), opts: opts}
}

func (m *Module) Register() {
	m.d.Register(OpMain, m.main, dispatch.LoggedIn)
	m.d.Register(OpMarkComplete, m.markComplete, dispatch.LoggedIn)
}

func (m *Module) now() time.Time {
	if m.opts.Now != nil {
		return m.opts.Now()
	}
	return time.Now()
}

// main is the listing task. Period, subject, search text and the limit are
// remembered in the task state, so each call only sends what changed.
func (m *Module) main(ctx context.Context, hc *dispatch.Context) error {
	var period store.Period
	if hc.Payload.Has(keyPeriod) {
		p, ok := store.ParsePeriod(hc.Payload.String(keyPeriod))
		if !ok {
			return dispatch.Invalid(keyPeriod, "Choose current, previous, next or all.")
		}
		period = p
	}
	viewed, hasViewed := hc.Payload.Int64(keyUserID)
	if hasViewed {
		if viewed != hc.UserID() && !hc.Conn.IsAdmin() {
			return dispatch.ErrUnauthorized
		}
		if _, err := hc.Queries().GetUser(ctx, viewed); errors.Is(err, store.ErrNotFound) {
			return dispatch.Invalid(keyUserID, "That user no longer exists.")
		} else if err != nil {
			return err
		}
	}

	hc.Conn.SetDeliveryMode(session.DeliveryNotify)
	started := hc.Start()
	st := hc.State()
	if period != "" {
		st[keyPeriod] = string(period)
	}
	if hasViewed {
		st[keyUserID] = viewed
	}
	if hc.Payload.Has(keySubject) {
		st[keySubject] = strings.TrimSpace(hc.Payload.String(keySubject))
	}
	if hc.Payload.Has("searchtext") {
		st[keyLike] = strings.TrimSpace(hc.Payload.String("searchtext"))
	}
	if hc.Payload.Has(keyUnlimited) {
		st[keyUnlimited] = hc.Payload.Bool(keyUnlimited)
	}

	userID := hc.UserID()
	if id := st.Int64(keyUserID); id != 0 {
		userID = id
	}
	period, _ = store.ParsePeriod(st.String(keyPeriod))
	limit := m.opts.ResultLimit
	if st.Bool(keyUnlimited) {
		limit = 0
	}
	list, err := hc.Queries().ListAssignments(ctx, store.AssignmentQuery{
		UserID:  userID,
		Period:  period,
		Today:   m.now(),
		Subject: st.String(keySubject),
		Like:    st.String(keyLike),
		Limit:   limit,
	})
	if err != nil {
		return err
	}

	if started {
		hc.Push(protocol.Content(render.AssignmentsPage()))
	}
	hc.Push(protocol.SubContent("assignments_filter_container",
		render.AssignmentsFilter(period, subjects(list, st.String(keySubject)), st.String(keySubject))))
	hc.Push(protocol.SubContent("assignments_container",
		render.Assignments(list, userID == hc.UserID(), limit > 0 && len(list) == limit)))
	return nil
}

// subjects lists the distinct subjects of a result, keeping the selected one
// even when nothing matched.
func subjects(list []store.Assignment, selected string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok || s == "" {
			return
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	for _, a := range list {
		add(a.Subject)
	}
	add(selected)
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

// markComplete toggles completion of one of the caller's own assignments.
func (m *Module) markComplete(ctx context.Context, hc *dispatch.Context) error {
	id, ok := hc.Payload.Int64("assignment_id")
	if !ok {
		return dispatch.Invalid("assignment_id", "Choose an assignment.")
	}
	done := hc.Payload.Bool("checked")
	err := hc.Queries().SetAssignmentComplete(ctx, hc.UserID(), id, done, m.now())
	if errors.Is(err, store.ErrNotFound) {
		return dispatch.Invalid("assignment_id", "That assignment is not on your list.")
	}
	if err != nil {
		return err
	}
	m.logger.Debug("assignment marked", "user_id", hc.UserID(), "assignment_id", id, "completed", done)
	return nil
}
