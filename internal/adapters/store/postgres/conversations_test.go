package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectKeyIgnoresOrderAndDuplicates(t *testing.T) {
	a := domain.UserID("aaaaaaaaaaaaaaaaaaaaaaaa")
	b := domain.UserID("bbbbbbbbbbbbbbbbbbbbbbbb")
	assert.Equal(t, directKey([]domain.UserID{a, b}), directKey([]domain.UserID{b, a, b}))
}

func TestChangedMessagesOnlyReportsModified(t *testing.T) {
	now := time.Now()
	m1 := domain.NewMessage("m1", "aaaaaaaaaaaaaaaaaaaaaaaa", domain.Payload{Kind: domain.KindText, Text: "a"}, now)
	m2 := domain.NewMessage("m2", "aaaaaaaaaaaaaaaaaaaaaaaa", domain.Payload{Kind: domain.KindText, Text: "b"}, now)
	before := []domain.Message{m1, m2}

	conv := domain.Conversation{Messages: []domain.Message{m1, m2}}
	assert.NoError(t, conv.Pin("m2", now))

	changed := changedMessages(before, conv.Messages)
	if assert.Len(t, changed, 1) {
		assert.Equal(t, "m2", changed[0].ID)
		assert.True(t, changed[0].Pinned)
	}
	assert.Empty(t, changedMessages(before, before))
}

type noRow struct{}

func (noRow) Scan(...any) error { return pgx.ErrNoRows }

// recordingTx logs statements in order. Updates report rows rows affected
// and every row lookup comes back empty.
type recordingTx struct {
	rows int
	sql  []string
}

func (tx *recordingTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	tx.sql = append(tx.sql, strings.TrimSpace(sql))
	if tx.rows == 0 {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (tx *recordingTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	tx.sql = append(tx.sql, strings.TrimSpace(sql))
	return noRow{}
}

func (tx *recordingTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	tx.sql = append(tx.sql, strings.TrimSpace(sql))
	return nil, errors.New("not supported")
}

func TestUpdateMessageLocksConversationFirst(t *testing.T) {
	ctx := context.Background()
	untouched := func(*domain.Message) error {
		t.Fatal("fn must not run for a missing message")
		return nil
	}

	tx := &recordingTx{rows: 1}
	_, err := updateMessage(ctx, tx, "c1", "m1", time.Now(), untouched)
	assert.ErrorIs(t, err, core.ErrNotFound)
	require.Len(t, tx.sql, 2)
	assert.True(t, strings.HasPrefix(tx.sql[0], "UPDATE conversations"), tx.sql[0])
	assert.Contains(t, tx.sql[1], "FROM messages")

	tx = &recordingTx{}
	_, err = updateMessage(ctx, tx, "missing", "m1", time.Now(), untouched)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Len(t, tx.sql, 1)
}
