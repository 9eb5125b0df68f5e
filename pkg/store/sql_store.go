package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const sqlSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL DEFAULT '',
    owner_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    created_at_us BIGINT NOT NULL,
    updated_at_us BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id),
    parent_id TEXT NULL REFERENCES messages(id),
    role TEXT NOT NULL,
    status TEXT NOT NULL,
    parts_json TEXT NOT NULL,
    metadata_json TEXT NOT NULL DEFAULT '{}',
    author_id TEXT NULL,
    created_at_us BIGINT NOT NULL,
    deleted_at_us BIGINT NULL
);
CREATE INDEX IF NOT EXISTS messages_parent_idx ON messages(parent_id, created_at_us);
CREATE UNIQUE INDEX IF NOT EXISTS messages_conversation_created_idx ON messages(conversation_id, created_at_us);
CREATE INDEX IF NOT EXISTS conversations_owner_idx ON conversations(owner_id, updated_at_us);
`

const messageColumns = `m.id, m.conversation_id, m.parent_id, m.role, m.status, m.parts_json, m.metadata_json, m.author_id, m.created_at_us, m.deleted_at_us`

// Dialect hides the placeholder and locking differences between sqlite and
// postgres.
type Dialect struct {
	DriverName string
	numbered   bool
	// rowLocks is set when writers serialize on a row lock rather than on a
	// database-wide writer lock.
	rowLocks bool
}

var (
	DialectSQLite   = Dialect{DriverName: "sqlite3"}
	DialectPostgres = Dialect{DriverName: "postgres", numbered: true, rowLocks: true}
)

// LockConversationQuery selects a conversation row so that concurrent inserts
// into the same conversation take turns reading its last createdAt.
func (d Dialect) LockConversationQuery() string {
	q := `SELECT id FROM conversations WHERE id = ?`
	if d.rowLocks {
		q += ` FOR UPDATE`
	}
	return d.Rebind(q)
}

// Rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SQLiteDSNForFile returns a DSN with WAL, a busy timeout, foreign keys and
// immediate transactions, so that concurrent inserts serialize on the
// writer lock before reading the last createdAt.
func SQLiteDSNForFile(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore persists the forest in sqlite or postgres through database/sql.
// Chains are computed with recursive CTEs.
type SQLStore struct {
	sqlReader
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

func NewSQLiteStore(dsn string) (*SQLStore, error) {
	return openSQLStore(DialectSQLite, dsn)
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return openSQLStore(DialectPostgres, dsn)
}

func openSQLStore(d Dialect, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s store: empty dsn", d.DriverName)
	}
	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s database", d.DriverName)
	}
	s := &SQLStore{
		sqlReader: sqlReader{q: db, d: d},
		db:        db,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	if s.d.DriverName == DialectSQLite.DriverName {
		if _, err := s.db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
			return errors.Wrap(err, "sqlite pragma foreign_keys")
		}
	}
	if _, err := s.db.Exec(sqlSchemaV1); err != nil {
		return errors.Wrap(err, "migrate message store schema")
	}
	return nil
}

func (s *SQLStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &conversation.TransientError{Op: "begin transaction", Err: err}
	}
	defer func() {
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Warn().Err(rbErr).Msg("rollback failed")
			}
		}
	}()

	if err = fn(ctx, &sqlTxWriter{sqlReader: sqlReader{q: sqlTx, d: s.d}}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return &conversation.TransientError{Op: "commit transaction", Err: err}
	}
	return nil
}

func (s *SQLStore) UpdateMessage(ctx context.Context, id conversation.NodeID, update MessageUpdate) (*conversation.MessageNode, error) {
	var updated *conversation.MessageNode
	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		w := tx.(*sqlTxWriter)
		n, ok, err := w.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return &conversation.NotFoundError{Resource: "message", ID: id.String()}
		}
		if err := applyUpdate(n, update); err != nil {
			return err
		}
		partsJSON, metadataJSON, err := encodeContent(n)
		if err != nil {
			return err
		}
		_, err = w.q.ExecContext(ctx, w.d.Rebind(`UPDATE messages SET status = ?, parts_json = ?, metadata_json = ? WHERE id = ?`),
			string(n.Status), partsJSON, metadataJSON, n.ID.String())
		if err != nil {
			return errors.Wrapf(err, "update message %s", id)
		}
		updated = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlReader struct {
	q querier
	d Dialect
}

func (r *sqlReader) GetConversation(ctx context.Context, id conversation.ConversationID) (*conversation.Conversation, bool, error) {
	row := r.q.QueryRowContext(ctx, r.d.Rebind(`SELECT id, agent_id, owner_id, title, created_at_us, updated_at_us FROM conversations WHERE id = ?`), id.String())
	c, err := scanConversation(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Wrapf(err, "get conversation %s", id)
	}
	return c, true, nil
}

func (r *sqlReader) ListConversations(ctx context.Context, ownerID string) ([]*conversation.Conversation, error) {
	query := `SELECT id, agent_id, owner_id, title, created_at_us, updated_at_us FROM conversations`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY updated_at_us DESC, id ASC`
	rows, err := r.q.QueryContext(ctx, r.d.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *sqlReader) GetMessage(ctx context.Context, id conversation.NodeID) (*conversation.MessageNode, bool, error) {
	row := r.q.QueryRowContext(ctx, r.d.Rebind(`SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`), id.String())
	n, err := scanMessage(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Wrapf(err, "get message %s", id)
	}
	return n, true, nil
}

func (r *sqlReader) ChildrenOf(ctx context.Context, id conversation.NodeID) (conversation.Messages, error) {
	if id == conversation.NullNode {
		return nil, nil
	}
	return r.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages m
WHERE m.parent_id = ? AND m.deleted_at_us IS NULL
ORDER BY m.created_at_us ASC, m.id ASC`, id.String())
}

func (r *sqlReader) RootsOf(ctx context.Context, conversationID conversation.ConversationID) (conversation.Messages, error) {
	return r.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages m
WHERE m.conversation_id = ? AND m.parent_id IS NULL AND m.deleted_at_us IS NULL
ORDER BY m.created_at_us ASC, m.id ASC`, conversationID.String())
}

func (r *sqlReader) ListMessages(ctx context.Context, conversationID conversation.ConversationID) (conversation.Messages, error) {
	return r.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages m
WHERE m.conversation_id = ? AND m.deleted_at_us IS NULL
ORDER BY m.created_at_us ASC, m.id ASC`, conversationID.String())
}

func (r *sqlReader) AncestorChain(ctx context.Context, conversationID conversation.ConversationID, targetID conversation.NodeID, limit int) (conversation.Messages, error) {
	depth := maxChainDepth
	if limit > 0 {
		depth = limit
	}
	return r.queryMessages(ctx, `WITH RECURSIVE anc(id, parent_id, depth) AS (
    SELECT id, parent_id, 0 FROM messages
    WHERE id = ? AND conversation_id = ? AND deleted_at_us IS NULL
    UNION ALL
    SELECT p.id, p.parent_id, anc.depth + 1 FROM messages p
    JOIN anc ON p.id = anc.parent_id
    WHERE p.deleted_at_us IS NULL AND anc.depth < ?
)
SELECT `+messageColumns+` FROM anc JOIN messages m ON m.id = anc.id
WHERE anc.depth > 0
ORDER BY anc.depth DESC`, targetID.String(), conversationID.String(), depth)
}

func (r *sqlReader) DefaultDescendantChain(ctx context.Context, conversationID conversation.ConversationID, targetID conversation.NodeID, policy conversation.SelectionPolicy) (conversation.Messages, error) {
	order := "ASC"
	if policy == conversation.PolicyLatest {
		order = "DESC"
	}
	return r.queryMessages(ctx, `WITH RECURSIVE des(id, depth) AS (
    SELECT id, 0 FROM messages
    WHERE id = ? AND conversation_id = ? AND deleted_at_us IS NULL
    UNION ALL
    SELECT (
        SELECT c.id FROM messages c
        WHERE c.parent_id = des.id AND c.deleted_at_us IS NULL
        ORDER BY c.created_at_us `+order+`, c.id `+order+`
        LIMIT 1
    ), des.depth + 1
    FROM des
    WHERE des.id IS NOT NULL AND des.depth < ?
)
SELECT `+messageColumns+` FROM des JOIN messages m ON m.id = des.id
WHERE des.depth > 0
ORDER BY des.depth ASC`, targetID.String(), conversationID.String(), maxChainDepth)
}

func (r *sqlReader) queryMessages(ctx context.Context, query string, args ...any) (conversation.Messages, error) {
	rows, err := r.q.QueryContext(ctx, r.d.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer func() {
		_ = rows.Close()
	}()

	var out conversation.Messages
	for rows.Next() {
		n, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

type sqlTxWriter struct {
	sqlReader
}

func (w *sqlTxWriter) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	if c == nil || c.ID.IsZero() {
		return &conversation.ValidationError{Field: "conversation.id", Reason: "id is required"}
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	_, err := w.q.ExecContext(ctx, w.d.Rebind(`INSERT INTO conversations (id, agent_id, owner_id, title, created_at_us, updated_at_us) VALUES (?, ?, ?, ?, ?, ?)`),
		c.ID.String(), c.AgentID, c.OwnerID, c.Title, c.CreatedAt.UnixMicro(), c.UpdatedAt.UnixMicro())
	if err != nil {
		return errors.Wrapf(err, "create conversation %s", c.ID)
	}
	return nil
}

func (w *sqlTxWriter) InsertMessage(ctx context.Context, n *conversation.MessageNode) error {
	if n == nil {
		return &conversation.ValidationError{Field: "message", Reason: "message is required"}
	}
	var locked string
	err := w.q.QueryRowContext(ctx, w.d.LockConversationQuery(), n.ConversationID.String()).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return &conversation.NotFoundError{Resource: "conversation", ID: n.ConversationID.String()}
	}
	if err != nil {
		return errors.Wrapf(err, "lock conversation %s", n.ConversationID)
	}
	if n.ParentID != conversation.NullNode {
		parent, ok, err := w.GetMessage(ctx, n.ParentID)
		if err != nil {
			return err
		}
		if !ok || !parent.IsLive() || parent.ConversationID != n.ConversationID {
			return &conversation.NotFoundError{Resource: "parent message", ID: n.ParentID.String()}
		}
	}

	var lastUs int64
	err = w.q.QueryRowContext(ctx, w.d.Rebind(`SELECT COALESCE(MAX(created_at_us), 0) FROM messages WHERE conversation_id = ?`), n.ConversationID.String()).Scan(&lastUs)
	if err != nil {
		return errors.Wrap(err, "read last createdAt")
	}
	var last time.Time
	if lastUs > 0 {
		last = time.UnixMicro(lastUs).UTC()
	}
	n.CreatedAt = nextCreatedAt(n.CreatedAt, last)

	partsJSON, metadataJSON, err := encodeContent(n)
	if err != nil {
		return err
	}
	_, err = w.q.ExecContext(ctx, w.d.Rebind(`INSERT INTO messages
(id, conversation_id, parent_id, role, status, parts_json, metadata_json, author_id, created_at_us, deleted_at_us)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`),
		n.ID.String(), n.ConversationID.String(), nullableID(n.ParentID), string(n.Role), string(n.Status),
		partsJSON, metadataJSON, nullableString(n.AuthorID), n.CreatedAt.UnixMicro())
	if isUniqueViolation(err) {
		return &conversation.TransientError{Op: "insert message", Err: err}
	}
	if err != nil {
		return errors.Wrapf(err, "insert message %s", n.ID)
	}
	_, err = w.q.ExecContext(ctx, w.d.Rebind(`UPDATE conversations SET updated_at_us = ? WHERE id = ? AND updated_at_us < ?`),
		n.CreatedAt.UnixMicro(), n.ConversationID.String(), n.CreatedAt.UnixMicro())
	if err != nil {
		return errors.Wrapf(err, "touch conversation %s", n.ConversationID)
	}
	return nil
}

func (w *sqlTxWriter) SoftDeleteMessages(ctx context.Context, ids []conversation.NodeID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UnixMicro())
	placeholders := make([]string, 0, len(ids))
	for _, id := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, id.String())
	}
	query := `UPDATE messages SET deleted_at_us = ? WHERE deleted_at_us IS NULL AND id IN (` + strings.Join(placeholders, ", ") + `)`
	if _, err := w.q.ExecContext(ctx, w.d.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "soft delete messages")
	}
	return nil
}

// isUniqueViolation reports whether err is a unique constraint failure from
// either driver. A concurrent writer won the race; the caller may retry.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*conversation.Conversation, error) {
	var (
		id                   string
		c                    conversation.Conversation
		createdUs, updatedUs int64
	)
	if err := row.Scan(&id, &c.AgentID, &c.OwnerID, &c.Title, &createdUs, &updatedUs); err != nil {
		return nil, err
	}
	parsed, err := conversation.ParseConversationID(id)
	if err != nil {
		return nil, err
	}
	c.ID = parsed
	c.CreatedAt = time.UnixMicro(createdUs).UTC()
	c.UpdatedAt = time.UnixMicro(updatedUs).UTC()
	return &c, nil
}

func scanMessage(row rowScanner) (*conversation.MessageNode, error) {
	var (
		id, convID, role, status string
		parentID, authorID       sql.NullString
		partsJSON, metadataJSON  string
		createdUs                int64
		deletedUs                sql.NullInt64
	)
	if err := row.Scan(&id, &convID, &parentID, &role, &status, &partsJSON, &metadataJSON, &authorID, &createdUs, &deletedUs); err != nil {
		return nil, err
	}

	n := &conversation.MessageNode{
		Role:      conversation.Role(role),
		Status:    conversation.Status(status),
		AuthorID:  authorID.String,
		CreatedAt: time.UnixMicro(createdUs).UTC(),
	}
	var err error
	if n.ID, err = conversation.ParseNodeID(id); err != nil {
		return nil, err
	}
	if n.ConversationID, err = conversation.ParseConversationID(convID); err != nil {
		return nil, err
	}
	if n.ParentID, err = conversation.ParseNodeID(parentID.String); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(partsJSON), &n.Parts); err != nil {
		return nil, errors.Wrapf(err, "decode parts of %s", id)
	}
	if n.Parts == nil {
		n.Parts = []conversation.Part{}
	}
	if metadataJSON != "" && metadataJSON != "{}" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &n.Metadata); err != nil {
			return nil, errors.Wrapf(err, "decode metadata of %s", id)
		}
	}
	if deletedUs.Valid {
		d := time.UnixMicro(deletedUs.Int64).UTC()
		n.DeletedAt = &d
	}
	return n, nil
}

func encodeContent(n *conversation.MessageNode) (string, string, error) {
	parts := n.Parts
	if parts == nil {
		parts = []conversation.Part{}
	}
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return "", "", errors.Wrap(err, "encode parts")
	}
	metadata := n.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", "", errors.Wrap(err, "encode metadata")
	}
	return string(partsJSON), string(metadataJSON), nil
}

func nullableID(id conversation.NodeID) any {
	if id == conversation.NullNode {
		return nil
	}
	return id.String()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
