package postgres

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const conversationColumns = `id, participants, is_group, group_name, group_photo, admins, created_at, updated_at`

const messageColumns = `id, sender_id, kind, body, audio_url, audio_duration, media_url, media_type,
	file_name, file_size, status, read_at, deleted_for, deleted_for_everyone, deleted_at,
	edited, edited_at, reactions, pinned, pinned_at, created_at`

// Conversations stores conversations and their messages. Every write locks
// the conversation row before any message row, so writers on one chat queue
// behind each other instead of deadlocking.
type Conversations struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewConversations(db *Database) *Conversations {
	return &Conversations{pool: db.Pool, now: time.Now}
}

func directKey(ids []domain.UserID) string {
	return strings.Join(toStrings(domain.SortedParticipants(ids)), ",")
}

func toStrings(ids []domain.UserID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func toUserIDs(ss []string) []domain.UserID {
	if len(ss) == 0 {
		return nil
	}
	out := make([]domain.UserID, len(ss))
	for i, s := range ss {
		out[i] = domain.UserID(s)
	}
	return out
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// txQuerier is the part of pgx.Tx the write paths use.
type txQuerier interface {
	querier
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// lockConversation bumps updated_at, which takes the conversation row lock.
func lockConversation(ctx context.Context, tx txQuerier, chatID string, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, chatID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var (
		c                    domain.Conversation
		participants, admins []string
	)
	err := row.Scan(&c.ID, &participants, &c.IsGroup, &c.Name, &c.Photo, &admins, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ID = strings.TrimSpace(c.ID)
	c.Participants = toUserIDs(participants)
	c.Admins = toUserIDs(admins)
	c.Messages = []domain.Message{}
	return &c, nil
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m                       domain.Message
		id, sender              string
		kind, mediaType, status string
		deletedFor              []string
	)
	err := row.Scan(&id, &sender, &kind, &m.Text, &m.AudioURL, &m.AudioDuration, &m.MediaURL, &mediaType,
		&m.FileName, &m.FileSize, &status, &m.ReadAt, &deletedFor, &m.DeletedForEveryone, &m.DeletedAt,
		&m.Edited, &m.EditedAt, &m.Reactions, &m.Pinned, &m.PinnedAt, &m.CreatedAt)
	if err != nil {
		return domain.Message{}, err
	}
	m.ID = strings.TrimSpace(id)
	m.SenderID = domain.UserID(strings.TrimSpace(sender))
	m.Kind = domain.MessageKind(kind)
	m.MediaType = domain.MediaType(mediaType)
	m.Status = domain.MessageStatus(status)
	m.DeletedFor = toUserIDs(deletedFor)
	if m.Reactions == nil {
		m.Reactions = []domain.Reaction{}
	}
	return m, nil
}

func (s *Conversations) loadMessages(ctx context.Context, q querier, c *domain.Conversation) error {
	rows, err := q.Query(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY seq`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return err
		}
		c.Messages = append(c.Messages, m)
	}
	return rows.Err()
}

func (s *Conversations) load(ctx context.Context, q querier, query string, args ...any) (*domain.Conversation, error) {
	c, err := scanConversation(q.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if err := s.loadMessages(ctx, q, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Conversations) FindByParticipants(ctx context.Context, ids []domain.UserID) (*domain.Conversation, error) {
	return s.load(ctx, s.pool, `SELECT `+conversationColumns+` FROM conversations WHERE direct_key = $1`, directKey(ids))
}

// Create inserts a conversation. A direct conversation that already exists
// is returned as is.
func (s *Conversations) Create(ctx context.Context, participants []domain.UserID, group *domain.GroupInfo) (*domain.Conversation, error) {
	now := s.now().UTC()
	c := domain.Conversation{
		ID:           domain.NewObjectID(now),
		Participants: domain.SortedParticipants(participants),
		Messages:     []domain.Message{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var key *string
	if group != nil {
		c.IsGroup = true
		c.Name = group.Name
		c.Photo = group.Photo
		c.Admins = group.Admins
	} else {
		k := directKey(participants)
		key = &k
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, direct_key, participants, is_group, group_name, group_photo, admins, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (direct_key) DO NOTHING`,
		c.ID, key, toStrings(c.Participants), c.IsGroup, c.Name, c.Photo, toStrings(c.Admins), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return s.FindByParticipants(ctx, participants)
	}
	return &c, nil
}

func (s *Conversations) Get(ctx context.Context, chatID string) (*domain.Conversation, error) {
	return s.load(ctx, s.pool, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, chatID)
}

func (s *Conversations) AppendMessage(ctx context.Context, chatID string, m domain.Message) error {
	reactions := m.Reactions
	if reactions == nil {
		reactions = []domain.Reaction{}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockConversation(ctx, tx, chatID, s.now().UTC()); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`, conversation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		m.ID, string(m.SenderID), string(m.Kind), m.Text, m.AudioURL, m.AudioDuration, m.MediaURL, string(m.MediaType),
		m.FileName, m.FileSize, string(m.Status), m.ReadAt, toStrings(m.DeletedFor), m.DeletedForEveryone, m.DeletedAt,
		m.Edited, m.EditedAt, reactions, m.Pinned, m.PinnedAt, m.CreatedAt, chatID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func writeMessage(ctx context.Context, tx txQuerier, chatID string, m domain.Message) error {
	reactions := m.Reactions
	if reactions == nil {
		reactions = []domain.Reaction{}
	}
	_, err := tx.Exec(ctx, `
		UPDATE messages SET body = $3, audio_url = $4, audio_duration = $5, media_url = $6, media_type = $7,
			file_name = $8, file_size = $9, status = $10, read_at = $11, deleted_for = $12,
			deleted_for_everyone = $13, deleted_at = $14, edited = $15, edited_at = $16,
			reactions = $17, pinned = $18, pinned_at = $19
		WHERE conversation_id = $1 AND id = $2`,
		chatID, m.ID, m.Text, m.AudioURL, m.AudioDuration, m.MediaURL, string(m.MediaType),
		m.FileName, m.FileSize, string(m.Status), m.ReadAt, toStrings(m.DeletedFor),
		m.DeletedForEveryone, m.DeletedAt, m.Edited, m.EditedAt, reactions, m.Pinned, m.PinnedAt)
	return err
}

func (s *Conversations) UpdateMessage(ctx context.Context, chatID, msgID string, fn func(*domain.Message) error) (*domain.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	m, err := updateMessage(ctx, tx, chatID, msgID, s.now().UTC(), fn)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func updateMessage(ctx context.Context, tx txQuerier, chatID, msgID string, at time.Time, fn func(*domain.Message) error) (*domain.Message, error) {
	if err := lockConversation(ctx, tx, chatID, at); err != nil {
		return nil, err
	}
	m, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND id = $2 FOR UPDATE`, chatID, msgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fn(&m); err != nil {
		return nil, err
	}
	if err := writeMessage(ctx, tx, chatID, m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateConversation locks the conversation row, runs fn over a snapshot
// and writes back only the messages fn changed.
func (s *Conversations) UpdateConversation(ctx context.Context, chatID string, fn func(*domain.Conversation) error) (*domain.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	before, err := s.load(ctx, tx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, chatID)
	if err != nil {
		return nil, err
	}
	after := cloneConversation(*before)
	if err := fn(&after); err != nil {
		return nil, err
	}
	for _, m := range changedMessages(before.Messages, after.Messages) {
		if err := writeMessage(ctx, tx, chatID, m); err != nil {
			return nil, err
		}
	}
	after.ID = before.ID
	after.UpdatedAt = s.now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE conversations SET group_name = $2, group_photo = $3, admins = $4, updated_at = $5 WHERE id = $1`,
		chatID, after.Name, after.Photo, toStrings(after.Admins), after.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &after, nil
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	c.Participants = slices.Clone(c.Participants)
	c.Admins = slices.Clone(c.Admins)
	msgs := make([]domain.Message, len(c.Messages))
	for i, m := range c.Messages {
		m.DeletedFor = slices.Clone(m.DeletedFor)
		m.Reactions = slices.Clone(m.Reactions)
		msgs[i] = m
	}
	c.Messages = msgs
	return c
}

// changedMessages returns the messages of after that differ from the
// message with the same id in before. Messages new to after are ignored.
func changedMessages(before, after []domain.Message) []domain.Message {
	prev := make(map[string]domain.Message, len(before))
	for _, m := range before {
		prev[m.ID] = m
	}
	var out []domain.Message
	for _, m := range after {
		old, ok := prev[m.ID]
		if ok && !reflect.DeepEqual(old, m) {
			out = append(out, m)
		}
	}
	return out
}
