package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/notesd/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return sqlx.NewDb(raw, "postgres"), mock
}

var noteColumns = []string{"id", "title", "content", "user_id", "created_at", "updated_at"}

func TestUserRepository_GetByEmail(t *testing.T) {
	q, mock := newDB(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery("FROM users").
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "created_at"}).
			AddRow(id.String(), "alice@example.com", "$2a$hash", now))

	user, err := NewUserRepository().GetByEmail(context.Background(), q, "  Alice@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)
	assert.Equal(t, "$2a$hash", user.PasswordHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByIDNotFound(t *testing.T) {
	q, mock := newDB(t)
	mock.ExpectQuery("FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "created_at"}))

	_, err := NewUserRepository().GetByID(context.Background(), q, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserRepository_CreateConflict(t *testing.T) {
	for name, driverErr := range map[string]error{
		"pq":  &pq.Error{Code: "23505"},
		"pgx": &pgconn.PgError{Code: "23505"},
	} {
		t.Run(name, func(t *testing.T) {
			q, mock := newDB(t)
			mock.ExpectQuery("INSERT INTO users").WillReturnError(driverErr)

			_, err := NewUserRepository().Create(context.Background(), q, "a@b.c", "hash")
			assert.ErrorIs(t, err, ErrConflict)
		})
	}
}

func TestUserRepository_CreateOtherError(t *testing.T) {
	q, mock := newDB(t)
	boom := errors.New("boom")
	mock.ExpectQuery("INSERT INTO users").WillReturnError(boom)

	_, err := NewUserRepository().Create(context.Background(), q, "a@b.c", "hash")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestNoteRepository_ListWithSearch(t *testing.T) {
	q, mock := newDB(t)
	user := uuid.New()
	now := time.Now()

	mock.ExpectQuery("ILIKE").
		WithArgs(user, `%50\%%`, 100, 0).
		WillReturnRows(sqlmock.NewRows(noteColumns).
			AddRow(int64(1), "t", "50% off", user.String(), now, now))

	notes, err := NewNoteRepository().List(context.Background(), q, user, "50%", 1000, -5)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "50% off", notes[0].Content)
	assert.Equal(t, user, notes[0].UserID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNoteRepository_ListDefaultsAndEmpty(t *testing.T) {
	q, mock := newDB(t)
	user := uuid.New()

	mock.ExpectQuery("ORDER BY updated_at DESC").
		WithArgs(user, 50, 0).
		WillReturnRows(sqlmock.NewRows(noteColumns))

	notes, err := NewNoteRepository().List(context.Background(), q, user, "", 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, notes)
	assert.Empty(t, notes)
}

func TestNoteRepository_UpdatePartial(t *testing.T) {
	q, mock := newDB(t)
	user := uuid.New()
	now := time.Now()
	content := "updated"

	mock.ExpectQuery("UPDATE notes").
		WithArgs(int64(7), user, nil, "updated").
		WillReturnRows(sqlmock.NewRows(noteColumns).
			AddRow(int64(7), "kept", "updated", user.String(), now, now))

	note, err := NewNoteRepository().Update(context.Background(), q, user, 7, types.NoteUpdate{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, "kept", note.Title)
	assert.Equal(t, "updated", note.Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNoteRepository_GetNotFound(t *testing.T) {
	q, mock := newDB(t)
	mock.ExpectQuery("FROM notes").WillReturnRows(sqlmock.NewRows(noteColumns))

	_, err := NewNoteRepository().Get(context.Background(), q, uuid.New(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNoteRepository_Delete(t *testing.T) {
	q, mock := newDB(t)
	user := uuid.New()

	mock.ExpectExec("DELETE FROM notes").WithArgs(int64(3), user).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, NewNoteRepository().Delete(context.Background(), q, user, 3))

	mock.ExpectExec("DELETE FROM notes").WithArgs(int64(4), user).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, NewNoteRepository().Delete(context.Background(), q, user, 4), ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\%b\_c\\d`, escapeLike(`a%b_c\d`))
	assert.Equal(t, "plain", escapeLike("plain"))
}
