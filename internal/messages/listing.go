package messages

import (
	"context"
	"strings"

	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/render"
	"github.com/ent0n29/umportal/internal/session"
	"github.com/ent0n29/umportal/internal/store"
	"github.com/ent0n29/umportal/internal/task"
)

// Listing state keys.
const (
	keyFilter = "filt"
	keyOffset = "offset"
	keyLike   = "like"

	// keyLastRoot is the thread at the border the next page attaches to:
	// the last one shown when paging forward, the first when paging back.
	keyLastRoot = "last_root"
)

func (m *Module) enterModule(_ context.Context, hc *dispatch.Context) error {
	hc.Conn.SetDeliveryMode(hc.Conn.DeliveryPreference())
	return nil
}

func (m *Module) exitModule(_ context.Context, hc *dispatch.Context) error {
	hc.Conn.SetDeliveryMode(session.DeliveryNotify)
	return nil
}

// messages loads the first page of the listing. The new filter pages forward
// from the oldest unstashed message; the others page backward from the most
// recent one.
func (m *Module) messages(ctx context.Context, hc *dispatch.Context) error {
	hc.Conn.SetDeliveryMode(hc.Conn.DeliveryPreference())
	if hc.Reverting && hc.Conn.DeliveryMode() != session.DeliveryReload {
		return nil
	}

	var prev task.State
	if hc.IsCurrent() {
		prev = hc.State()
	}
	raw := prev.String(keyFilter)
	if hc.Payload.Has(keyFilter) {
		raw = hc.Payload.String(keyFilter)
	}
	filter, ok := store.ParseFilter(raw)
	if !ok {
		return dispatch.Invalid(keyFilter, "Unknown filter.")
	}
	like := prev.String(keyLike)
	if hc.Payload.Has("searchtext") {
		like = strings.TrimSpace(hc.Payload.String("searchtext"))
	}

	started := hc.Start()
	st := hc.State()
	st[keyFilter] = string(filter)
	st[keyLike] = like
	st[keyOffset] = 0
	hc.Conn.SetListingFilter(filter)
	hc.Conn.ResetRendered()
	hc.Conn.ClearComposition()

	if started {
		hc.Push(protocol.Content(render.MessagesPage(filter)))
	}
	hc.Push(protocol.SubContent("filter_container", render.FilterBar(filter)))

	ms, err := m.page(ctx, hc, st)
	if err != nil {
		return err
	}
	st[keyOffset] = len(ms)
	delete(st, keyLastRoot)
	if len(ms) > 0 {
		st[keyLastRoot] = borderRoot(ms, filter == store.FilterNew)
	}
	hc.Push(protocol.Push{
		Task:           protocol.PushMessages,
		Content:        render.Messages(ms, m.view(hc, filter)),
		Filter:         string(filter),
		ScrollToBottom: filter != store.FilterNew,
	})
	return nil
}

// moreNewMessages extends the new listing downwards.
func (m *Module) moreNewMessages(ctx context.Context, hc *dispatch.Context) error {
	st, ok := listingState(hc)
	if !ok || filterOf(st) != store.FilterNew {
		return nil
	}
	ms, err := m.page(ctx, hc, st)
	if err != nil {
		return err
	}
	if len(ms) == 0 {
		hc.Push(protocol.Push{Task: protocol.PushNoMoreNewMessages})
		return nil
	}
	v := m.view(hc, store.FilterNew)
	v.ContinuesRoot = st.Int64(keyLastRoot)
	st[keyOffset] = st.Int(keyOffset) + len(ms)
	st[keyLastRoot] = borderRoot(ms, true)
	hc.Push(protocol.Push{Task: protocol.PushMoreNewMessages, Content: render.Messages(ms, v)})
	return nil
}

// moreOldMessages extends the all and pinned listings upwards.
func (m *Module) moreOldMessages(ctx context.Context, hc *dispatch.Context) error {
	st, ok := listingState(hc)
	if !ok {
		return nil
	}
	filter := filterOf(st)
	if filter == store.FilterNew {
		return nil
	}
	ms, err := m.page(ctx, hc, st)
	if err != nil || len(ms) == 0 {
		return err
	}
	v := m.view(hc, filter)
	v.ContinuesRoot = st.Int64(keyLastRoot)
	st[keyOffset] = st.Int(keyOffset) + len(ms)
	st[keyLastRoot] = borderRoot(ms, false)
	hc.Push(protocol.Push{Task: protocol.PushMoreOldMessages, Content: render.Messages(ms, v)})
	return nil
}

// injectedMessage is the client acknowledging that an injected message is
// now on screen, so paging must not load it again.
func (m *Module) injectedMessage(_ context.Context, hc *dispatch.Context) error {
	id, ok := hc.Payload.Int64("message_id")
	if !ok || id <= 0 {
		return dispatch.Invalid("message_id", textMessageGone)
	}
	hc.Conn.MarkRendered(id)
	return nil
}

// reload re-runs the listing when it is what the connection is showing.
func (m *Module) reload(ctx context.Context, c *session.Conn) error {
	if !c.Tasks.IsCurrent(OpMessages) {
		return nil
	}
	return m.d.Invoke(ctx, c, OpMessages, nil)
}

func (m *Module) page(ctx context.Context, hc *dispatch.Context, st task.State) ([]store.Message, error) {
	filter := filterOf(st)
	return hc.Queries().ListMessages(ctx, store.ListQuery{
		ViewerID: hc.UserID(),
		Filter:   filter,
		Like:     st.String(keyLike),
		Offset:   st.Int(keyOffset),
		Limit:    m.opts.MessagesPerLoad,
		Newest:   filter != store.FilterNew,
		Exclude:  hc.Conn.Rendered().IDs(),
	})
}

func (m *Module) view(hc *dispatch.Context, filter store.Filter) render.View {
	return render.View{
		ViewerID:  hc.UserID(),
		Admin:     hc.Conn.IsAdmin(),
		Stashable: filter == store.FilterNew,
	}
}

// listingState is the running listing's state, if the listing is current.
func listingState(hc *dispatch.Context) (task.State, bool) {
	cur := hc.Conn.Tasks.Current()
	if cur == nil || cur.Op != OpMessages {
		return nil, false
	}
	return cur.State, true
}

// borderRoot is the thread root of the last message of a page when paging
// forward and of the first one when paging back.
func borderRoot(ms []store.Message, forward bool) int64 {
	if forward {
		return ms[len(ms)-1].ThreadRoot
	}
	return ms[0].ThreadRoot
}

func filterOf(st task.State) store.Filter {
	f, ok := store.ParseFilter(st.String(keyFilter))
	if !ok {
		return store.FilterNew
	}
	return f
}
