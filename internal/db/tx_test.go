package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return mock
}

func touch(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `UPDATE line_items SET updated_at = now() WHERE id = $1`, "li-1")
	return eris.Wrap(err, "touch")
}

func TestWithTx_Commits(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE line_items`).WithArgs("li-1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := WithTx(context.Background(), mock, touch)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("validation failed")
	err := WithTx(context.Background(), mock, func(_ context.Context, _ pgx.Tx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RetriesSerializationFailure(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE line_items`).WithArgs("li-1").
		WillReturnError(&pgconn.PgError{Code: CodeSerializationFailure, Message: "could not serialize access"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE line_items`).WithArgs("li-1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := WithTx(context.Background(), mock, touch)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_BeginError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("pool closed"))

	err := WithTx(context.Background(), mock, touch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db: begin")
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	unique := eris.Wrap(&pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "line_items_project_item_key"}, "insert")
	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsRetryable(unique))
	assert.Equal(t, "line_items_project_item_key", ConstraintName(unique))

	assert.True(t, IsRetryable(&pgconn.PgError{Code: CodeDeadlockDetected}))
	assert.True(t, IsRetryable(eris.Wrap(&pgconn.PgError{Code: CodeSerializationFailure}, "tx")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Empty(t, ErrorCode(nil))
}
