package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type pair [2]int64

type memMessage struct {
	ID         int64
	AuthorID   int64
	Body       string
	Teaser     string
	ReplyTo    int64
	ThreadRoot int64
	CreatedAt  time.Time
	SentAt     *time.Time
	DeletedAt  *time.Time
}

type memState struct {
	users       map[int64]User
	tags        map[int64]Tag
	members     map[pair]struct{} // user, tag
	messages    map[int64]memMessage
	messageTags map[pair]struct{} // message, tag
	stashes     map[pair]struct{} // message, user
	pins        map[pair]struct{} // message, user
	attachments map[int64][]string
	assignments map[int64]Assignment
}

func newMemState() *memState {
	return &memState{
		users:       make(map[int64]User),
		tags:        make(map[int64]Tag),
		members:     make(map[pair]struct{}),
		messages:    make(map[int64]memMessage),
		messageTags: make(map[pair]struct{}),
		stashes:     make(map[pair]struct{}),
		pins:        make(map[pair]struct{}),
		attachments: make(map[int64][]string),
		assignments: make(map[int64]Assignment),
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.tags {
		out.tags[k] = v
	}
	for k := range s.members {
		out.members[k] = struct{}{}
	}
	for k, v := range s.messages {
		out.messages[k] = v
	}
	for k := range s.messageTags {
		out.messageTags[k] = struct{}{}
	}
	for k := range s.stashes {
		out.stashes[k] = struct{}{}
	}
	for k := range s.pins {
		out.pins[k] = struct{}{}
	}
	for k, v := range s.attachments {
		out.attachments[k] = append([]string(nil), v...)
	}
	for k, v := range s.assignments {
		out.assignments[k] = v
	}
	return out
}

// InMemoryStore is an in-process store for local/dev use and tests.
// Transactions work on a snapshot and replay their writes on commit.
type InMemoryStore struct {
	memQueries
	mu  sync.RWMutex
	st  *memState
	seq atomic.Int64
}

func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{st: newMemState()}
	s.memQueries = memQueries{read: s.read, write: s.write, seq: &s.seq}
	return s
}

func (s *InMemoryStore) read(fn func(*memState) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

func (s *InMemoryStore) write(fn func(*memState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *InMemoryStore) Begin(_ context.Context) (Tx, error) {
	s.mu.RLock()
	snap := s.st.clone()
	s.mu.RUnlock()

	tx := &memTx{store: s, st: snap}
	tx.memQueries = memQueries{read: tx.read, write: tx.write, seq: &s.seq}
	return tx, nil
}

func (s *InMemoryStore) Ping(_ context.Context) error { return nil }

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }

type memTx struct {
	memQueries
	store *InMemoryStore

	mu   sync.Mutex
	st   *memState
	log  []func(*memState) error
	done bool
}

func (t *memTx) read(fn func(*memState) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrNoTransaction
	}
	return fn(t.st)
}

func (t *memTx) write(fn func(*memState) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrNoTransaction
	}
	if err := fn(t.st); err != nil {
		return err
	}
	t.log = append(t.log, fn)
	return nil
}

func (t *memTx) Commit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrNoTransaction
	}
	t.done = true
	if len(t.log) == 0 {
		return nil
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	next := t.store.st.clone()
	for _, fn := range t.log {
		if err := fn(next); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	t.store.st = next
	t.log = nil
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrNoTransaction
	}
	t.done = true
	t.log = nil
	return nil
}

// memQueries implements Queries over whichever state read and write expose.
// Write callbacks must validate before mutating so a failed call leaves the
// state untouched.
type memQueries struct {
	read  func(fn func(*memState) error) error
	write func(fn func(*memState) error) error
	seq   *atomic.Int64
}

func (q memQueries) CreateUser(_ context.Context, u User) (User, error) {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return User{}, fmt.Errorf("create user: empty username")
	}
	u.ID = q.seq.Add(1)
	tagID := q.seq.Add(1)
	err := q.write(func(s *memState) error {
		for _, other := range s.users {
			if strings.EqualFold(other.Username, u.Username) {
				return ErrConflict
			}
		}
		if s.tagNameTaken(u.Username, 0) {
			return ErrConflict
		}
		s.users[u.ID] = u
		s.tags[tagID] = Tag{ID: tagID, Name: u.Username, Active: true, UserID: u.ID}
		s.members[pair{u.ID, tagID}] = struct{}{}
		return nil
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (q memQueries) GetUser(_ context.Context, id int64) (User, error) {
	var out User
	err := q.read(func(s *memState) error {
		u, ok := s.users[id]
		if !ok {
			return ErrNotFound
		}
		out = u
		return nil
	})
	return out, err
}

func (q memQueries) UserByKey(_ context.Context, key string) (User, error) {
	key = strings.TrimSpace(key)
	var out User
	err := q.read(func(s *memState) error {
		if key == "" {
			return ErrNotFound
		}
		for _, u := range s.users {
			if u.AccessKey == key {
				out = u
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (q memQueries) ListUsers(_ context.Context) ([]User, error) {
	var out []User
	err := q.read(func(s *memState) error {
		for _, u := range s.users {
			out = append(out, u)
		}
		return nil
	})
	sortUsers(out)
	return out, err
}

func (q memQueries) SearchUsers(_ context.Context, like string, inactive bool) ([]User, error) {
	var out []User
	err := q.read(func(s *memState) error {
		for _, u := range s.users {
			if !u.Active && !inactive {
				continue
			}
			if like != "" && !containsFold(u.Username, like) && !containsFold(u.Email, like) {
				continue
			}
			out = append(out, u)
		}
		return nil
	})
	sortUsers(out)
	return out, err
}

func (q memQueries) UpdateUser(_ context.Context, u User) error {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return fmt.Errorf("update user: empty username")
	}
	return q.write(func(s *memState) error {
		prev, ok := s.users[u.ID]
		if !ok {
			return ErrNotFound
		}
		for _, other := range s.users {
			if other.ID != u.ID && strings.EqualFold(other.Username, u.Username) {
				return ErrConflict
			}
		}
		var own Tag
		for _, t := range s.tags {
			if t.UserID == u.ID {
				own = t
				break
			}
		}
		if s.tagNameTaken(u.Username, own.ID) {
			return ErrConflict
		}
		prev.Username = u.Username
		prev.Email = strings.TrimSpace(u.Email)
		prev.Active = u.Active
		s.users[u.ID] = prev
		if own.ID != 0 {
			own.Name = u.Username
			s.tags[own.ID] = own
		}
		return nil
	})
}

func (q memQueries) UserTag(_ context.Context, userID int64) (Tag, error) {
	var out Tag
	err := q.read(func(s *memState) error {
		for _, t := range s.tags {
			if t.UserID == userID {
				out = t
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (q memQueries) CreateMessage(_ context.Context, authorID, replyTo int64) (Message, error) {
	id := q.seq.Add(1)
	now := time.Now().UTC()
	var out Message
	err := q.write(func(s *memState) error {
		root := id
		if replyTo != 0 {
			parent, ok := s.messages[replyTo]
			if !ok {
				return ErrNotFound
			}
			root = parent.ThreadRoot
		}
		s.messages[id] = memMessage{
			ID:         id,
			AuthorID:   authorID,
			ReplyTo:    replyTo,
			ThreadRoot: root,
			CreatedAt:  now,
		}
		var err error
		out, err = s.message(authorID, id)
		return err
	})
	return out, err
}

func (q memQueries) GetMessage(_ context.Context, viewerID, id int64) (Message, error) {
	var out Message
	err := q.read(func(s *memState) error {
		var err error
		out, err = s.message(viewerID, id)
		return err
	})
	return out, err
}

func (q memQueries) SaveBody(_ context.Context, id int64, body string) error {
	return q.write(func(s *memState) error {
		m, ok := s.messages[id]
		if !ok || m.DeletedAt != nil {
			return ErrNotFound
		}
		m.Body = body
		s.messages[id] = m
		return nil
	})
}

func (q memQueries) MarkSent(_ context.Context, id int64, teaser string, at time.Time) (bool, error) {
	var resent bool
	err := q.write(func(s *memState) error {
		m, ok := s.messages[id]
		if !ok || m.DeletedAt != nil {
			return ErrNotFound
		}
		resent = m.SentAt != nil
		m.Teaser = teaser
		if m.SentAt == nil {
			sent := at
			m.SentAt = &sent
		}
		s.messages[id] = m
		return nil
	})
	return resent, err
}

func (q memQueries) DeleteMessage(_ context.Context, id int64, at time.Time) error {
	return q.write(func(s *memState) error {
		m, ok := s.messages[id]
		if !ok {
			return ErrNotFound
		}
		if m.DeletedAt == nil {
			deleted := at
			m.DeletedAt = &deleted
			s.messages[id] = m
		}
		return nil
	})
}

func (q memQueries) ListDrafts(_ context.Context, authorID int64, like string) ([]Message, error) {
	var out []Message
	err := q.read(func(s *memState) error {
		for _, m := range s.messages {
			if m.AuthorID != authorID || m.SentAt != nil || m.DeletedAt != nil {
				continue
			}
			if like != "" && !containsFold(m.Body, like) {
				continue
			}
			msg, err := s.message(authorID, m.ID)
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, err
}

func (q memQueries) ListMessages(_ context.Context, lq ListQuery) ([]Message, error) {
	exclude := make(map[int64]struct{}, len(lq.Exclude))
	for _, id := range lq.Exclude {
		exclude[id] = struct{}{}
	}
	var out []Message
	err := q.read(func(s *memState) error {
		var ids []int64
		for _, m := range s.messages {
			if m.SentAt == nil || m.DeletedAt != nil {
				continue
			}
			if _, skip := exclude[m.ID]; skip {
				continue
			}
			if !s.visible(lq.ViewerID, m) {
				continue
			}
			switch lq.Filter {
			case FilterPinned:
				if _, ok := s.pins[pair{m.ID, lq.ViewerID}]; !ok {
					continue
				}
			case FilterAll:
			default:
				if _, ok := s.stashes[pair{m.ID, lq.ViewerID}]; ok {
					continue
				}
			}
			if lq.Like != "" && !containsFold(m.Body, lq.Like) {
				continue
			}
			ids = append(ids, m.ID)
		}
		sort.Slice(ids, func(i, j int) bool {
			ri, rj := s.messages[ids[i]].ThreadRoot, s.messages[ids[j]].ThreadRoot
			if ri != rj {
				return ri < rj
			}
			return ids[i] < ids[j]
		})
		ids = page(ids, lq.Offset, lq.Limit, lq.Newest)
		for _, id := range ids {
			msg, err := s.message(lq.ViewerID, id)
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	return out, err
}

func page(ids []int64, offset, limit int, newest bool) []int64 {
	if offset < 0 {
		offset = 0
	}
	n := len(ids)
	if offset >= n {
		return nil
	}
	if limit <= 0 || limit > n-offset {
		limit = n - offset
	}
	if newest {
		end := n - offset
		return ids[end-limit : end]
	}
	return ids[offset : offset+limit]
}

func (q memQueries) AddAttachments(_ context.Context, id int64, names []string) error {
	return q.write(func(s *memState) error {
		if _, ok := s.messages[id]; !ok {
			return ErrNotFound
		}
		s.attachments[id] = append(s.attachments[id], names...)
		return nil
	})
}

func (q memQueries) IsRecipient(_ context.Context, userID, msgID int64) (bool, error) {
	var out bool
	err := q.read(func(s *memState) error {
		m, ok := s.messages[msgID]
		if !ok {
			return ErrNotFound
		}
		out = s.visible(userID, m)
		return nil
	})
	return out, err
}

func (q memQueries) MessageTags(_ context.Context, msgID int64) ([]Tag, error) {
	var out []Tag
	err := q.read(func(s *memState) error {
		if _, ok := s.messages[msgID]; !ok {
			return ErrNotFound
		}
		for p := range s.messageTags {
			if p[0] == msgID {
				out = append(out, s.tags[p[1]])
			}
		}
		return nil
	})
	sortTags(out)
	return out, err
}

func (q memQueries) AddMessageTag(_ context.Context, msgID, tagID int64) error {
	return q.write(func(s *memState) error {
		if _, ok := s.messages[msgID]; !ok {
			return ErrNotFound
		}
		if _, ok := s.tags[tagID]; !ok {
			return ErrNotFound
		}
		s.messageTags[pair{msgID, tagID}] = struct{}{}
		return nil
	})
}

func (q memQueries) RemoveMessageTag(_ context.Context, msgID, tagID int64) error {
	return q.write(func(s *memState) error {
		delete(s.messageTags, pair{msgID, tagID})
		return nil
	})
}

func (q memQueries) CopyMessageTags(_ context.Context, fromID, toID int64) error {
	return q.write(func(s *memState) error {
		if _, ok := s.messages[fromID]; !ok {
			return ErrNotFound
		}
		if _, ok := s.messages[toID]; !ok {
			return ErrNotFound
		}
		var tagIDs []int64
		for p := range s.messageTags {
			if p[0] == fromID {
				tagIDs = append(tagIDs, p[1])
			}
		}
		for _, tagID := range tagIDs {
			s.messageTags[pair{toID, tagID}] = struct{}{}
		}
		return nil
	})
}

func (q memQueries) Stash(_ context.Context, msgID, userID int64) (bool, error) {
	var stashed bool
	err := q.write(func(s *memState) error {
		if _, ok := s.messages[msgID]; !ok {
			return ErrNotFound
		}
		key := pair{msgID, userID}
		if _, ok := s.stashes[key]; ok {
			stashed = false
			return nil
		}
		s.stashes[key] = struct{}{}
		stashed = true
		return nil
	})
	return stashed, err
}

func (q memQueries) ClearStashes(_ context.Context, msgID int64) (int, error) {
	var n int
	err := q.write(func(s *memState) error {
		n = 0
		for p := range s.stashes {
			if p[0] == msgID {
				delete(s.stashes, p)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (q memQueries) Pin(_ context.Context, msgID, userID int64) error {
	return q.write(func(s *memState) error {
		if _, ok := s.messages[msgID]; !ok {
			return ErrNotFound
		}
		s.pins[pair{msgID, userID}] = struct{}{}
		return nil
	})
}

func (q memQueries) Unpin(_ context.Context, msgID, userID int64) error {
	return q.write(func(s *memState) error {
		delete(s.pins, pair{msgID, userID})
		return nil
	})
}

func (q memQueries) ListTags(_ context.Context, like string) ([]Tag, error) {
	var out []Tag
	err := q.read(func(s *memState) error {
		for _, t := range s.tags {
			if like != "" && !containsFold(t.Name, like) {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	sortTags(out)
	return out, err
}

func (q memQueries) GetTag(_ context.Context, id int64) (Tag, error) {
	var out Tag
	err := q.read(func(s *memState) error {
		t, ok := s.tags[id]
		if !ok {
			return ErrNotFound
		}
		out = t
		return nil
	})
	return out, err
}

func (q memQueries) CreateTag(_ context.Context, name string, active bool) (Tag, error) {
	t := Tag{ID: q.seq.Add(1), Name: strings.TrimSpace(name), Active: active}
	err := q.write(func(s *memState) error {
		if s.tagNameTaken(t.Name, 0) {
			return ErrConflict
		}
		s.tags[t.ID] = t
		return nil
	})
	if err != nil {
		return Tag{}, err
	}
	return t, nil
}

func (q memQueries) UpdateTag(_ context.Context, t Tag) error {
	t.Name = strings.TrimSpace(t.Name)
	return q.write(func(s *memState) error {
		prev, ok := s.tags[t.ID]
		if !ok {
			return ErrNotFound
		}
		if s.tagNameTaken(t.Name, t.ID) {
			return ErrConflict
		}
		prev.Name = t.Name
		prev.Active = t.Active
		s.tags[t.ID] = prev
		return nil
	})
}

func (q memQueries) TagMembers(_ context.Context, tagID int64) ([]User, error) {
	var out []User
	err := q.read(func(s *memState) error {
		if _, ok := s.tags[tagID]; !ok {
			return ErrNotFound
		}
		for p := range s.members {
			if p[1] == tagID {
				out = append(out, s.users[p[0]])
			}
		}
		return nil
	})
	sortUsers(out)
	return out, err
}

func (q memQueries) AddUserToTag(_ context.Context, userID, tagID int64) error {
	return q.write(func(s *memState) error {
		if _, ok := s.users[userID]; !ok {
			return ErrNotFound
		}
		if _, ok := s.tags[tagID]; !ok {
			return ErrNotFound
		}
		s.members[pair{userID, tagID}] = struct{}{}
		return nil
	})
}

func (q memQueries) RemoveUserFromTag(_ context.Context, userID, tagID int64) error {
	return q.write(func(s *memState) error {
		delete(s.members, pair{userID, tagID})
		return nil
	})
}

func (q memQueries) UnstashedCounts(_ context.Context, userID int64) ([]TagCount, error) {
	var out []TagCount
	err := q.read(func(s *memState) error {
		counts := make(map[int64]int)
		for p := range s.messageTags {
			if _, member := s.members[pair{userID, p[1]}]; !member {
				continue
			}
			m := s.messages[p[0]]
			if m.SentAt == nil || m.DeletedAt != nil || m.AuthorID == userID {
				continue
			}
			if _, stashed := s.stashes[pair{m.ID, userID}]; stashed {
				continue
			}
			counts[p[1]]++
		}
		for tagID, n := range counts {
			out = append(out, TagCount{Tag: s.tags[tagID].Name, Count: n})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, err
}

func (q memQueries) UnsentDraftCount(_ context.Context, userID int64) (int, error) {
	var n int
	err := q.read(func(s *memState) error {
		for _, m := range s.messages {
			if m.AuthorID == userID && m.SentAt == nil && m.DeletedAt == nil && strings.TrimSpace(m.Body) != "" {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (q memQueries) CreateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	a.Subject = strings.TrimSpace(a.Subject)
	a.Title = strings.TrimSpace(a.Title)
	a.StartsOn, a.DueOn = Day(a.StartsOn), Day(a.DueOn)
	if a.DueOn.Before(a.StartsOn) {
		return Assignment{}, fmt.Errorf("create assignment: due before start")
	}
	a.ID = q.seq.Add(1)
	err := q.write(func(s *memState) error {
		if _, ok := s.users[a.UserID]; !ok {
			return ErrNotFound
		}
		s.assignments[a.ID] = a
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	return a, nil
}

func (q memQueries) ListAssignments(_ context.Context, aq AssignmentQuery) ([]Assignment, error) {
	today := Day(aq.Today)
	var out []Assignment
	err := q.read(func(s *memState) error {
		for _, a := range s.assignments {
			if a.UserID != aq.UserID || !inPeriod(a, aq.Period, today) {
				continue
			}
			if aq.Subject != "" && !strings.EqualFold(a.Subject, strings.TrimSpace(aq.Subject)) {
				continue
			}
			if aq.Like != "" && !containsFold(a.Title, aq.Like) && !containsFold(a.Subject, aq.Like) {
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	latestFirst := aq.Period == PeriodPrevious
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueOn.Equal(out[j].DueOn) {
			return out[i].DueOn.Before(out[j].DueOn) != latestFirst
		}
		return out[i].ID < out[j].ID
	})
	if aq.Limit > 0 && len(out) > aq.Limit {
		out = out[:aq.Limit]
	}
	return out, err
}

func inPeriod(a Assignment, p Period, today time.Time) bool {
	switch p {
	case PeriodPrevious:
		return a.DueOn.Before(today)
	case PeriodNext:
		return a.StartsOn.After(today)
	case PeriodAll:
		return true
	default:
		return !a.StartsOn.After(today) && !a.DueOn.Before(today)
	}
}

func (q memQueries) SetAssignmentComplete(_ context.Context, userID, id int64, done bool, at time.Time) error {
	return q.write(func(s *memState) error {
		a, ok := s.assignments[id]
		if !ok || a.UserID != userID {
			return ErrNotFound
		}
		a.CompletedAt = nil
		if done {
			t := at.UTC()
			a.CompletedAt = &t
		}
		s.assignments[id] = a
		return nil
	})
}

func (s *memState) message(viewerID, id int64) (Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	out := Message{
		ID:          m.ID,
		AuthorID:    m.AuthorID,
		AuthorName:  s.users[m.AuthorID].Username,
		Body:        m.Body,
		Teaser:      m.Teaser,
		ReplyTo:     m.ReplyTo,
		ThreadRoot:  m.ThreadRoot,
		CreatedAt:   m.CreatedAt,
		SentAt:      m.SentAt,
		DeletedAt:   m.DeletedAt,
		Attachments: append([]string(nil), s.attachments[id]...),
	}
	for p := range s.messageTags {
		if p[0] == id {
			out.Tags = append(out.Tags, s.tags[p[1]].Name)
		}
	}
	sort.Strings(out.Tags)
	_, out.Stashed = s.stashes[pair{id, viewerID}]
	_, out.Pinned = s.pins[pair{id, viewerID}]
	return out, nil
}

func (s *memState) visible(userID int64, m memMessage) bool {
	if userID == 0 {
		return false
	}
	if m.AuthorID == userID {
		return true
	}
	for p := range s.messageTags {
		if p[0] != m.ID {
			continue
		}
		if _, ok := s.members[pair{userID, p[1]}]; ok {
			return true
		}
	}
	return false
}

func (s *memState) tagNameTaken(name string, exceptID int64) bool {
	for _, t := range s.tags {
		if t.ID != exceptID && strings.EqualFold(t.Name, name) {
			return true
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(strings.TrimSpace(sub)))
}

func sortTags(tags []Tag) {
	sort.Slice(tags, func(i, j int) bool { return strings.ToLower(tags[i].Name) < strings.ToLower(tags[j].Name) })
}

func sortUsers(users []User) {
	sort.Slice(users, func(i, j int) bool { return strings.ToLower(users[i].Username) < strings.ToLower(users[j].Username) })
}
