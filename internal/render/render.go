// Package render turns portal records into the HTML fragments the browser
// client swaps into place.
package render

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/umportal/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var tmpl = template.Must(template.New("render").Funcs(template.FuncMap{
	"body":   func(s string) template.HTML { return template.HTML(s) },
	"joined": func(ss []string) string { return strings.Join(ss, ", ") },
	"date":   func(t time.Time) string { return t.Format("Mon 2 Jan 2006") },
	"initial": func(s string) string {
		if s == "" {
			return "?"
		}
		return strings.ToUpper(s[:1])
	},
}).ParseFS(templateFS, "templates/*.html"))

// View carries the per-viewer flags a message fragment depends on.
type View struct {
	ViewerID  int64
	Admin     bool
	Stashable bool
	Injected  bool
	Edited    bool

	// ContinuesRoot is the thread at the border of the page already on
	// screen. Top-level messages of that thread are marked as continuing it.
	ContinuesRoot int64
}

type messageData struct {
	store.Message
	View
	Own       bool
	Replies   template.HTML
	Detached  bool
	Continued bool
}

func exec(name string, data any) string {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("render template failed", "template", name, "error", err)
		return ""
	}
	return buf.String()
}

func Message(m store.Message, v View) string {
	return exec("message", messageData{Message: m, View: v, Own: m.AuthorID == v.ViewerID})
}

// Messages renders a page of a listing. A reply whose parent is on the same
// page goes inside the parent's reply container, where an injected reply
// lands too. A reply whose parent is not on the page stays at the top level,
// detached and carrying its parent id, so the client can slot it under a
// parent rendered earlier.
func Messages(ms []store.Message, v View) string {
	onPage := make(map[int64]struct{}, len(ms))
	for _, m := range ms {
		onPage[m.ID] = struct{}{}
	}
	replies := make(map[int64][]store.Message)
	var top []store.Message
	for _, m := range ms {
		if _, ok := onPage[m.ReplyTo]; ok && m.ReplyTo != 0 {
			replies[m.ReplyTo] = append(replies[m.ReplyTo], m)
			continue
		}
		top = append(top, m)
	}

	var b strings.Builder
	for _, m := range top {
		b.WriteString(thread(m, v, replies, true))
	}
	return b.String()
}

func thread(m store.Message, v View, replies map[int64][]store.Message, topLevel bool) string {
	var nested strings.Builder
	for _, r := range replies[m.ID] {
		nested.WriteString(thread(r, v, replies, false))
	}
	return exec("message", messageData{
		Message:   m,
		View:      v,
		Own:       m.AuthorID == v.ViewerID,
		Replies:   template.HTML(nested.String()),
		Detached:  topLevel && m.IsReply(),
		Continued: topLevel && v.ContinuesRoot != 0 && m.ThreadRoot == v.ContinuesRoot,
	})
}

// MessagesPage is the listing shell with its filter bar.
func MessagesPage(filter store.Filter) string {
	return exec("messages_page", filter)
}

func FilterBar(filter store.Filter) string {
	return exec("filter_bar", filter)
}

func Editor(m store.Message) string {
	return exec("editor", m)
}

func InlineReplyBox(draftID, parentID int64) string {
	return exec("reply_box", map[string]int64{"DraftID": draftID, "ParentID": parentID})
}

func DraftChooser(drafts []store.Message) string {
	return exec("draft_chooser", drafts)
}

func DraftTable(drafts []store.Message) string {
	return exec("draft_table", drafts)
}

type tagEditorData struct {
	MessageID int64
	Tags      []store.Tag
	Others    []store.Tag
	SendAfter bool
}

func TagEditor(msgID int64, tags, others []store.Tag, sendAfter bool) string {
	return exec("tag_editor", tagEditorData{MessageID: msgID, Tags: tags, Others: others, SendAfter: sendAfter})
}

func TagEditorTable(msgID int64, tags, others []store.Tag) string {
	return exec("tag_editor_table", tagEditorData{MessageID: msgID, Tags: tags, Others: others})
}

func Thumbnails(msgID int64, names []string) string {
	return exec("thumbnails", map[string]any{"MessageID": msgID, "Names": names})
}

func TagsPage(tags []store.Tag) string {
	return exec("tags_page", tags)
}

func TagTable(tags []store.Tag) string {
	return exec("tag_table", tags)
}

// TagDialog renders the create form for a zero Tag and the edit form otherwise.
func TagDialog(t store.Tag) string {
	return exec("tag_dialog", t)
}

type tagUsersData struct {
	Tag     store.Tag
	Members []store.User
	Others  []store.User
}

func TagUsers(t store.Tag, members, others []store.User) string {
	return exec("tag_users", tagUsersData{Tag: t, Members: members, Others: others})
}

func TagUsersTable(t store.Tag, members, others []store.User) string {
	return exec("tag_users_table", tagUsersData{Tag: t, Members: members, Others: others})
}

type usersPageData struct {
	Users    []store.User
	Inactive bool
}

// UsersPage is the admin user listing. inactive reflects the filter toggle.
func UsersPage(users []store.User, inactive bool) string {
	return exec("users_page", usersPageData{Users: users, Inactive: inactive})
}

func UserTable(users []store.User) string {
	return exec("user_table", users)
}

func UserDialog(u store.User) string {
	return exec("user_dialog", u)
}

// AssignmentsPage is the shell the filter bar and the table are sent into.
func AssignmentsPage() string {
	return exec("assignments_page", nil)
}

type assignmentsFilterData struct {
	Periods  []store.Period
	Period   store.Period
	Subjects []string
	Subject  string
}

func AssignmentsFilter(period store.Period, subjects []string, subject string) string {
	return exec("assignments_filter", assignmentsFilterData{
		Periods:  []store.Period{store.PeriodCurrent, store.PeriodPrevious, store.PeriodNext, store.PeriodAll},
		Period:   period,
		Subjects: subjects,
		Subject:  subject,
	})
}

type assignmentsData struct {
	Items   []store.Assignment
	Own     bool
	Limited bool
}

// Assignments renders the table. Completion boxes are live only on the
// viewer's own list. limited offers the rest of a truncated result.
func Assignments(as []store.Assignment, own, limited bool) string {
	return exec("assignments", assignmentsData{Items: as, Own: own, Limited: limited})
}
