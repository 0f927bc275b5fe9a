package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("record not found in store")
	ErrConflict      = errors.New("record already exists")
	ErrNoTransaction = errors.New("no open transaction")
)

// User is a portal account. Every user owns an identity tag named after them.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	AccessKey string `json:"-"`
	Active    bool   `json:"active"`
	Admin     bool   `json:"admin"`
}

// Tag is a recipient group. UserID is set for a user's identity tag.
type Tag struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	UserID int64  `json:"user_id,omitempty"`
}

// Message is a draft, a sent message or a tombstone. Stashed and Pinned are
// overlays of the viewer the message was loaded for.
type Message struct {
	ID          int64      `json:"id"`
	AuthorID    int64      `json:"author_id"`
	AuthorName  string     `json:"author"`
	Body        string     `json:"body"`
	Teaser      string     `json:"teaser"`
	ReplyTo     int64      `json:"reply_to,omitempty"`
	ThreadRoot  int64      `json:"thread_root"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	Stashed     bool       `json:"stashed"`
	Pinned      bool       `json:"pinned"`
}

func (m Message) Sent() bool    { return m.SentAt != nil }
func (m Message) Deleted() bool { return m.DeletedAt != nil }
func (m Message) IsReply() bool { return m.ReplyTo != 0 }

// Filter selects which sent messages a listing shows.
type Filter string

const (
	FilterNew    Filter = "new"
	FilterAll    Filter = "all"
	FilterPinned Filter = "pinned"
)

func ParseFilter(s string) (Filter, bool) {
	switch f := Filter(strings.TrimSpace(s)); f {
	case FilterNew, FilterAll, FilterPinned:
		return f, true
	case "":
		return FilterNew, true
	default:
		return "", false
	}
}

// ListQuery pages through the sent messages visible to ViewerID. Results are
// in thread order: grouped by thread root, oldest thread first, and by id
// within a thread, so a parent always precedes its replies. With Newest the
// page is counted from the end of that order backwards. Offset applies after
// Exclude.
type ListQuery struct {
	ViewerID int64
	Filter   Filter
	Like     string
	Offset   int
	Limit    int
	Newest   bool
	Exclude  []int64
}

// Assignment is a piece of work set for one user, open from StartsOn until
// DueOn inclusive.
type Assignment struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Subject     string     `json:"subject"`
	Title       string     `json:"title"`
	StartsOn    time.Time  `json:"starts_on"`
	DueOn       time.Time  `json:"due_on"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (a Assignment) Completed() bool { return a.CompletedAt != nil }

// Period selects assignments by their dates relative to a given day.
type Period string

const (
	PeriodCurrent  Period = "current"
	PeriodPrevious Period = "previous"
	PeriodNext     Period = "next"
	PeriodAll      Period = "all"
)

func ParsePeriod(s string) (Period, bool) {
	switch p := Period(strings.TrimSpace(s)); p {
	case PeriodCurrent, PeriodPrevious, PeriodNext, PeriodAll:
		return p, true
	case "":
		return PeriodCurrent, true
	default:
		return "", false
	}
}

// AssignmentQuery lists one user's assignments. Today is reduced to its date.
// Previous assignments come latest due first, the rest soonest due first.
// A zero Limit returns everything.
type AssignmentQuery struct {
	UserID  int64
	Period  Period
	Today   time.Time
	Subject string
	Like    string
	Limit   int
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TagCount is the number of unstashed messages a user has under one tag.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Queries is the data access surface shared by stores and open transactions.
type Queries interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	UserByKey(ctx context.Context, key string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	// SearchUsers matches like against username and email. Inactive users
	// are listed only when inactive is set.
	SearchUsers(ctx context.Context, like string, inactive bool) ([]User, error)
	// UpdateUser saves username, email and active. The user's personal tag
	// is renamed along with them.
	UpdateUser(ctx context.Context, u User) error
	UserTag(ctx context.Context, userID int64) (Tag, error)

	CreateMessage(ctx context.Context, authorID, replyTo int64) (Message, error)
	GetMessage(ctx context.Context, viewerID, id int64) (Message, error)
	SaveBody(ctx context.Context, id int64, body string) error
	MarkSent(ctx context.Context, id int64, teaser string, at time.Time) (resent bool, err error)
	DeleteMessage(ctx context.Context, id int64, at time.Time) error
	ListDrafts(ctx context.Context, authorID int64, like string) ([]Message, error)
	ListMessages(ctx context.Context, q ListQuery) ([]Message, error)
	AddAttachments(ctx context.Context, id int64, names []string) error
	IsRecipient(ctx context.Context, userID, msgID int64) (bool, error)

	MessageTags(ctx context.Context, msgID int64) ([]Tag, error)
	AddMessageTag(ctx context.Context, msgID, tagID int64) error
	RemoveMessageTag(ctx context.Context, msgID, tagID int64) error
	CopyMessageTags(ctx context.Context, fromID, toID int64) error

	Stash(ctx context.Context, msgID, userID int64) (bool, error)
	ClearStashes(ctx context.Context, msgID int64) (int, error)
	Pin(ctx context.Context, msgID, userID int64) error
	Unpin(ctx context.Context, msgID, userID int64) error

	ListTags(ctx context.Context, like string) ([]Tag, error)
	GetTag(ctx context.Context, id int64) (Tag, error)
	CreateTag(ctx context.Context, name string, active bool) (Tag, error)
	UpdateTag(ctx context.Context, t Tag) error
	TagMembers(ctx context.Context, tagID int64) ([]User, error)
	AddUserToTag(ctx context.Context, userID, tagID int64) error
	RemoveUserFromTag(ctx context.Context, userID, tagID int64) error

	UnstashedCounts(ctx context.Context, userID int64) ([]TagCount, error)
	UnsentDraftCount(ctx context.Context, userID int64) (int, error)

	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	ListAssignments(ctx context.Context, q AssignmentQuery) ([]Assignment, error)
	// SetAssignmentComplete marks or clears completion of one of userID's
	// assignments. Another user's assignment is ErrNotFound.
	SetAssignmentComplete(ctx context.Context, userID, id int64, done bool, at time.Time) error
}

// Tx is an open transaction. Commit and Rollback return ErrNoTransaction
// once the transaction has ended.
type Tx interface {
	Queries
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store persists portal data.
type Store interface {
	Queries
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Mode() string
	Close() error
}
