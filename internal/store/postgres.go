package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/umportal/internal/reliability"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var connectPolicy = reliability.Policy{
	Attempts:  5,
	Base:      250 * time.Millisecond,
	Cap:       4 * time.Second,
	Retryable: reliability.IsRetryableStoreError,
}

type PostgresStore struct {
	pgQueries
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := connectPolicy.Do(ctx, pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pgQueries: pgQueries{db: pool}, pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			access_key TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			admin BOOLEAN NOT NULL DEFAULT FALSE
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users (lower(username));`,
		`CREATE INDEX IF NOT EXISTS idx_users_access_key ON users (access_key);`,
		`CREATE TABLE IF NOT EXISTS tags (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			user_id BIGINT NULL REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tags_name ON tags (lower(name));`,
		`CREATE TABLE IF NOT EXISTS user_tags (
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			tag_id BIGINT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			PRIMARY KEY (user_id, tag_id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			author_id BIGINT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			teaser TEXT NOT NULL DEFAULT '',
			reply_to BIGINT NULL REFERENCES messages(id),
			thread_root BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ NULL,
			deleted_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_author ON messages (author_id, sent_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_root);`,
		`CREATE TABLE IF NOT EXISTS message_tags (
			message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			tag_id BIGINT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			PRIMARY KEY (message_id, tag_id)
		);`,
		`CREATE TABLE IF NOT EXISTS message_stashes (
			message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL,
			PRIMARY KEY (message_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS message_pins (
			message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL,
			PRIMARY KEY (message_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS message_attachments (
			id BIGSERIAL PRIMARY KEY,
			message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS assignments (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			subject TEXT NOT NULL,
			title TEXT NOT NULL,
			starts_on DATE NOT NULL,
			due_on DATE NOT NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_user ON assignments (user_id, due_on);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init portal schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{pgQueries: pgQueries{db: tx}, tx: tx}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	pgQueries
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrNoTransaction
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrNoTransaction
		}
		return fmt.Errorf("rollback tx: %w", err)
	}
	return nil
}

type pgQueries struct {
	db querier
}

const messageColumns = `
	m.id, m.author_id, COALESCE(u.username, ''), m.body, m.teaser,
	COALESCE(m.reply_to, 0), m.thread_root, m.created_at, m.sent_at, m.deleted_at,
	COALESCE((SELECT array_agg(t.name ORDER BY lower(t.name)) FROM message_tags mt JOIN tags t ON t.id = mt.tag_id WHERE mt.message_id = m.id), '{}'),
	COALESCE((SELECT array_agg(a.name ORDER BY a.id) FROM message_attachments a WHERE a.message_id = m.id), '{}'),
	EXISTS (SELECT 1 FROM message_stashes s WHERE s.message_id = m.id AND s.user_id = $1),
	EXISTS (SELECT 1 FROM message_pins p WHERE p.message_id = m.id AND p.user_id = $1)`

const visibleTo = `(m.author_id = $1 OR EXISTS (
	SELECT 1 FROM message_tags mt JOIN user_tags ut ON ut.tag_id = mt.tag_id
	WHERE mt.message_id = m.id AND ut.user_id = $1))`

func (q pgQueries) CreateUser(ctx context.Context, u User) (User, error) {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return User{}, fmt.Errorf("create user: empty username")
	}
	err := q.db.QueryRow(ctx,
		`WITH nu AS (
			INSERT INTO users (username, email, access_key, active, admin)
			VALUES ($1, $2, $3, $4, $5) RETURNING id, username
		), nt AS (
			INSERT INTO tags (name, active, user_id) SELECT username, TRUE, id FROM nu RETURNING id, user_id
		), nm AS (
			INSERT INTO user_tags (user_id, tag_id) SELECT user_id, id FROM nt
		)
		SELECT id FROM nu`,
		u.Username, u.Email, u.AccessKey, u.Active, u.Admin,
	).Scan(&u.ID)
	if err != nil {
		return User{}, mapError("create user", err)
	}
	return u, nil
}

func (q pgQueries) GetUser(ctx context.Context, id int64) (User, error) {
	return q.scanUser(ctx, `WHERE id = $1`, id)
}

func (q pgQueries) UserByKey(ctx context.Context, key string) (User, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return User{}, ErrNotFound
	}
	return q.scanUser(ctx, `WHERE access_key = $1`, key)
}

func (q pgQueries) scanUser(ctx context.Context, where string, arg any) (User, error) {
	var u User
	err := q.db.QueryRow(ctx,
		`SELECT id, username, email, access_key, active, admin FROM users `+where, arg,
	).Scan(&u.ID, &u.Username, &u.Email, &u.AccessKey, &u.Active, &u.Admin)
	if err != nil {
		return User{}, mapError("get user", err)
	}
	return u, nil
}

func (q pgQueries) ListUsers(ctx context.Context) ([]User, error) {
	return q.queryUsers(ctx, `SELECT id, username, email, access_key, active, admin FROM users ORDER BY lower(username)`)
}

func (q pgQueries) SearchUsers(ctx context.Context, like string, inactive bool) ([]User, error) {
	return q.queryUsers(ctx,
		`SELECT id, username, email, access_key, active, admin FROM users
		WHERE (active OR $2)
		AND ($1 = '' OR username ILIKE '%' || $1 || '%' OR email ILIKE '%' || $1 || '%')
		ORDER BY lower(username)`, strings.TrimSpace(like), inactive)
}

func (q pgQueries) UpdateUser(ctx context.Context, u User) error {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return fmt.Errorf("update user: empty username")
	}
	if err := q.execOne(ctx, "update user",
		`UPDATE users SET username = $2, email = $3, active = $4 WHERE id = $1`,
		u.ID, u.Username, strings.TrimSpace(u.Email), u.Active); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx, `UPDATE tags SET name = $2 WHERE user_id = $1`, u.ID, u.Username)
	if err != nil {
		return mapError("rename user tag", err)
	}
	return nil
}

func (q pgQueries) queryUsers(ctx context.Context, sql string, args ...any) ([]User, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.AccessKey, &u.Active, &u.Admin); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (q pgQueries) UserTag(ctx context.Context, userID int64) (Tag, error) {
	var t Tag
	err := q.db.QueryRow(ctx,
		`SELECT id, name, active, COALESCE(user_id, 0) FROM tags WHERE user_id = $1`, userID,
	).Scan(&t.ID, &t.Name, &t.Active, &t.UserID)
	if err != nil {
		return Tag{}, mapError("get user tag", err)
	}
	return t, nil
}

func (q pgQueries) CreateMessage(ctx context.Context, authorID, replyTo int64) (Message, error) {
	var root int64
	if replyTo != 0 {
		if err := q.db.QueryRow(ctx, `SELECT thread_root FROM messages WHERE id = $1`, replyTo).Scan(&root); err != nil {
			return Message{}, mapError("get parent message", err)
		}
	}
	var id int64
	err := q.db.QueryRow(ctx,
		`INSERT INTO messages (id, author_id, reply_to, thread_root, created_at)
		SELECT n.id, $1, NULLIF($2::bigint, 0), CASE WHEN $3::bigint = 0 THEN n.id ELSE $3::bigint END, $4
		FROM (SELECT nextval(pg_get_serial_sequence('messages', 'id')) AS id) n
		RETURNING id`,
		authorID, replyTo, root, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return Message{}, mapError("create message", err)
	}
	return q.GetMessage(ctx, authorID, id)
}

func (q pgQueries) GetMessage(ctx context.Context, viewerID, id int64) (Message, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages m LEFT JOIN users u ON u.id = m.author_id WHERE m.id = $2`,
		viewerID, id,
	)
	m, err := scanMessage(row)
	if err != nil {
		return Message{}, mapError("get message", err)
	}
	return m, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.AuthorID, &m.AuthorName, &m.Body, &m.Teaser,
		&m.ReplyTo, &m.ThreadRoot, &m.CreatedAt, &m.SentAt, &m.DeletedAt,
		&m.Tags, &m.Attachments, &m.Stashed, &m.Pinned,
	)
	return m, err
}

func (q pgQueries) queryMessages(ctx context.Context, sql string, args ...any) ([]Message, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q pgQueries) SaveBody(ctx context.Context, id int64, body string) error {
	return q.execOne(ctx, "save body", `UPDATE messages SET body = $2 WHERE id = $1 AND deleted_at IS NULL`, id, body)
}

func (q pgQueries) MarkSent(ctx context.Context, id int64, teaser string, at time.Time) (bool, error) {
	var resent bool
	err := q.db.QueryRow(ctx,
		`SELECT sent_at IS NOT NULL FROM messages WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id,
	).Scan(&resent)
	if err != nil {
		return false, mapError("mark sent", err)
	}
	err = q.execOne(ctx, "mark sent",
		`UPDATE messages SET teaser = $2, sent_at = COALESCE(sent_at, $3) WHERE id = $1`, id, teaser, at)
	return resent, err
}

func (q pgQueries) DeleteMessage(ctx context.Context, id int64, at time.Time) error {
	return q.execOne(ctx, "delete message", `UPDATE messages SET deleted_at = COALESCE(deleted_at, $2) WHERE id = $1`, id, at)
}

func (q pgQueries) ListDrafts(ctx context.Context, authorID int64, like string) ([]Message, error) {
	return q.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m LEFT JOIN users u ON u.id = m.author_id
		WHERE m.author_id = $1 AND m.sent_at IS NULL AND m.deleted_at IS NULL
		AND ($2 = '' OR m.body ILIKE '%' || $2 || '%')
		ORDER BY m.id DESC`,
		authorID, strings.TrimSpace(like),
	)
}

func (q pgQueries) ListMessages(ctx context.Context, lq ListQuery) ([]Message, error) {
	where := []string{"m.sent_at IS NOT NULL", "m.deleted_at IS NULL", visibleTo}
	args := []any{lq.ViewerID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch lq.Filter {
	case FilterPinned:
		where = append(where, `EXISTS (SELECT 1 FROM message_pins p WHERE p.message_id = m.id AND p.user_id = $1)`)
	case FilterAll:
	default:
		where = append(where, `NOT EXISTS (SELECT 1 FROM message_stashes s WHERE s.message_id = m.id AND s.user_id = $1)`)
	}
	if like := strings.TrimSpace(lq.Like); like != "" {
		where = append(where, "m.body ILIKE '%' || "+arg(like)+" || '%'")
	}
	if len(lq.Exclude) > 0 {
		where = append(where, "NOT (m.id = ANY("+arg(lq.Exclude)+"))")
	}

	order := "ASC"
	if lq.Newest {
		order = "DESC"
	}
	var limit any
	if lq.Limit > 0 {
		limit = lq.Limit
	}
	offset := lq.Offset
	if offset < 0 {
		offset = 0
	}
	sql := `SELECT ` + messageColumns + ` FROM messages m LEFT JOIN users u ON u.id = m.author_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY m.thread_root ` + order + `, m.id ` + order + ` LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)

	out, err := q.queryMessages(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if lq.Newest {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (q pgQueries) AddAttachments(ctx context.Context, id int64, names []string) error {
	if len(names) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO message_attachments (message_id, name) SELECT $1, unnest($2::text[])`, id, names)
	if err != nil {
		return mapError("add attachments", err)
	}
	return nil
}

func (q pgQueries) IsRecipient(ctx context.Context, userID, msgID int64) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx,
		`SELECT `+visibleTo+` FROM messages m WHERE m.id = $2`, userID, msgID,
	).Scan(&ok)
	if err != nil {
		return false, mapError("check recipient", err)
	}
	return ok, nil
}

func (q pgQueries) MessageTags(ctx context.Context, msgID int64) ([]Tag, error) {
	return q.queryTags(ctx,
		`SELECT t.id, t.name, t.active, COALESCE(t.user_id, 0)
		FROM message_tags mt JOIN tags t ON t.id = mt.tag_id
		WHERE mt.message_id = $1 ORDER BY lower(t.name)`, msgID)
}

func (q pgQueries) AddMessageTag(ctx context.Context, msgID, tagID int64) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO message_tags (message_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, msgID, tagID)
	if err != nil {
		return mapError("add message tag", err)
	}
	return nil
}

func (q pgQueries) RemoveMessageTag(ctx context.Context, msgID, tagID int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM message_tags WHERE message_id = $1 AND tag_id = $2`, msgID, tagID)
	if err != nil {
		return fmt.Errorf("remove message tag: %w", err)
	}
	return nil
}

func (q pgQueries) CopyMessageTags(ctx context.Context, fromID, toID int64) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO message_tags (message_id, tag_id)
		SELECT $2, tag_id FROM message_tags WHERE message_id = $1
		ON CONFLICT DO NOTHING`, fromID, toID)
	if err != nil {
		return mapError("copy message tags", err)
	}
	return nil
}

func (q pgQueries) Stash(ctx context.Context, msgID, userID int64) (bool, error) {
	tag, err := q.db.Exec(ctx,
		`INSERT INTO message_stashes (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, msgID, userID)
	if err != nil {
		return false, mapError("stash message", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q pgQueries) ClearStashes(ctx context.Context, msgID int64) (int, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM message_stashes WHERE message_id = $1`, msgID)
	if err != nil {
		return 0, fmt.Errorf("clear stashes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q pgQueries) Pin(ctx context.Context, msgID, userID int64) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO message_pins (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, msgID, userID)
	if err != nil {
		return mapError("pin message", err)
	}
	return nil
}

func (q pgQueries) Unpin(ctx context.Context, msgID, userID int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM message_pins WHERE message_id = $1 AND user_id = $2`, msgID, userID)
	if err != nil {
		return fmt.Errorf("unpin message: %w", err)
	}
	return nil
}

func (q pgQueries) ListTags(ctx context.Context, like string) ([]Tag, error) {
	return q.queryTags(ctx,
		`SELECT id, name, active, COALESCE(user_id, 0) FROM tags
		WHERE ($1 = '' OR name ILIKE '%' || $1 || '%')
		ORDER BY lower(name)`, strings.TrimSpace(like))
}

func (q pgQueries) queryTags(ctx context.Context, sql string, args ...any) ([]Tag, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Active, &t.UserID); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q pgQueries) GetTag(ctx context.Context, id int64) (Tag, error) {
	var t Tag
	err := q.db.QueryRow(ctx,
		`SELECT id, name, active, COALESCE(user_id, 0) FROM tags WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Active, &t.UserID)
	if err != nil {
		return Tag{}, mapError("get tag", err)
	}
	return t, nil
}

func (q pgQueries) CreateTag(ctx context.Context, name string, active bool) (Tag, error) {
	t := Tag{Name: strings.TrimSpace(name), Active: active}
	err := q.db.QueryRow(ctx,
		`INSERT INTO tags (name, active) VALUES ($1, $2) RETURNING id`, t.Name, t.Active,
	).Scan(&t.ID)
	if err != nil {
		return Tag{}, mapError("create tag", err)
	}
	return t, nil
}

func (q pgQueries) UpdateTag(ctx context.Context, t Tag) error {
	return q.execOne(ctx, "update tag",
		`UPDATE tags SET name = $2, active = $3 WHERE id = $1`, t.ID, strings.TrimSpace(t.Name), t.Active)
}

func (q pgQueries) TagMembers(ctx context.Context, tagID int64) ([]User, error) {
	if _, err := q.GetTag(ctx, tagID); err != nil {
		return nil, err
	}
	return q.queryUsers(ctx,
		`SELECT u.id, u.username, u.email, u.access_key, u.active, u.admin
		FROM user_tags ut JOIN users u ON u.id = ut.user_id
		WHERE ut.tag_id = $1 ORDER BY lower(u.username)`, tagID)
}

func (q pgQueries) AddUserToTag(ctx context.Context, userID, tagID int64) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO user_tags (user_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, tagID)
	if err != nil {
		return mapError("add user to tag", err)
	}
	return nil
}

func (q pgQueries) RemoveUserFromTag(ctx context.Context, userID, tagID int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM user_tags WHERE user_id = $1 AND tag_id = $2`, userID, tagID)
	if err != nil {
		return fmt.Errorf("remove user from tag: %w", err)
	}
	return nil
}

func (q pgQueries) UnstashedCounts(ctx context.Context, userID int64) ([]TagCount, error) {
	rows, err := q.db.Query(ctx,
		`SELECT t.name, count(*)
		FROM user_tags ut
		JOIN tags t ON t.id = ut.tag_id
		JOIN message_tags mt ON mt.tag_id = ut.tag_id
		JOIN messages m ON m.id = mt.message_id
		WHERE ut.user_id = $1
		AND m.sent_at IS NOT NULL AND m.deleted_at IS NULL AND m.author_id <> $1
		AND NOT EXISTS (SELECT 1 FROM message_stashes s WHERE s.message_id = m.id AND s.user_id = $1)
		GROUP BY t.name ORDER BY t.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query unstashed counts: %w", err)
	}
	defer rows.Close()

	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan unstashed count: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (q pgQueries) UnsentDraftCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT count(*) FROM messages
		WHERE author_id = $1 AND sent_at IS NULL AND deleted_at IS NULL AND btrim(body) <> ''`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count drafts: %w", err)
	}
	return n, nil
}

func (q pgQueries) execOne(ctx context.Context, what, sql string, args ...any) error {
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return mapError(what, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const assignmentColumns = `id, user_id, subject, title, starts_on, due_on, completed_at`

func (q pgQueries) CreateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	a.Subject = strings.TrimSpace(a.Subject)
	a.Title = strings.TrimSpace(a.Title)
	a.StartsOn, a.DueOn = Day(a.StartsOn), Day(a.DueOn)
	if a.DueOn.Before(a.StartsOn) {
		return Assignment{}, fmt.Errorf("create assignment: due before start")
	}
	err := q.db.QueryRow(ctx,
		`INSERT INTO assignments (user_id, subject, title, starts_on, due_on)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		a.UserID, a.Subject, a.Title, a.StartsOn, a.DueOn,
	).Scan(&a.ID)
	if err != nil {
		return Assignment{}, mapError("create assignment", err)
	}
	return a, nil
}

func (q pgQueries) ListAssignments(ctx context.Context, aq AssignmentQuery) ([]Assignment, error) {
	var period, order string
	switch aq.Period {
	case PeriodPrevious:
		period, order = `due_on < $2`, `due_on DESC, id`
	case PeriodNext:
		period, order = `starts_on > $2`, `due_on, id`
	case PeriodAll:
		period, order = `$2::date IS NOT NULL`, `due_on, id`
	default:
		period, order = `starts_on <= $2 AND due_on >= $2`, `due_on, id`
	}
	var limit *int
	if aq.Limit > 0 {
		limit = &aq.Limit
	}
	rows, err := q.db.Query(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
		WHERE user_id = $1 AND `+period+`
		AND ($3 = '' OR lower(subject) = lower($3))
		AND ($4 = '' OR title ILIKE '%' || $4 || '%' OR subject ILIKE '%' || $4 || '%')
		ORDER BY `+order+` LIMIT $5`,
		aq.UserID, Day(aq.Today), strings.TrimSpace(aq.Subject), strings.TrimSpace(aq.Like), limit)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.Subject, &a.Title, &a.StartsOn, &a.DueOn, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q pgQueries) SetAssignmentComplete(ctx context.Context, userID, id int64, done bool, at time.Time) error {
	var completed *time.Time
	if done {
		t := at.UTC()
		completed = &t
	}
	return q.execOne(ctx, "mark assignment",
		`UPDATE assignments SET completed_at = $3 WHERE id = $1 AND user_id = $2`, id, userID, completed)
}

func mapError(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503":
			return ErrNotFound
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
