package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/types"
)

const (
	defaultNoteLimit = 50
	maxNoteLimit     = 100
)

// NoteRepository handles persistence for notes. Every statement is scoped
// to the owning user.
type NoteRepository struct{}

func NewNoteRepository() *NoteRepository {
	return &NoteRepository{}
}

func (r *NoteRepository) List(ctx context.Context, q db.DBTX, userID uuid.UUID, search string, limit, offset int) ([]types.Note, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = defaultNoteLimit
	}
	if limit > maxNoteLimit {
		limit = maxNoteLimit
	}

	notes := make([]types.Note, 0, limit)
	if search != "" {
		const query = `
			SELECT id, title, content, user_id, created_at, updated_at
			FROM notes
			WHERE user_id = $1 AND (title ILIKE $2 OR content ILIKE $2)
			ORDER BY updated_at DESC
			LIMIT $3 OFFSET $4`
		if err := sqlx.SelectContext(ctx, q, &notes, query, userID, "%"+escapeLike(search)+"%", limit, offset); err != nil {
			return nil, err
		}
		return notes, nil
	}

	const query = `
		SELECT id, title, content, user_id, created_at, updated_at
		FROM notes
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`
	if err := sqlx.SelectContext(ctx, q, &notes, query, userID, limit, offset); err != nil {
		return nil, err
	}
	return notes, nil
}

// All returns every note of the user, newest first.
func (r *NoteRepository) All(ctx context.Context, q db.DBTX, userID uuid.UUID) ([]types.Note, error) {
	const query = `
		SELECT id, title, content, user_id, created_at, updated_at
		FROM notes
		WHERE user_id = $1
		ORDER BY updated_at DESC`
	notes := []types.Note{}
	if err := sqlx.SelectContext(ctx, q, &notes, query, userID); err != nil {
		return nil, err
	}
	return notes, nil
}

func (r *NoteRepository) Get(ctx context.Context, q db.DBTX, userID uuid.UUID, id int64) (types.Note, error) {
	const query = `
		SELECT id, title, content, user_id, created_at, updated_at
		FROM notes
		WHERE id = $1 AND user_id = $2`
	var note types.Note
	if err := sqlx.GetContext(ctx, q, &note, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Note{}, ErrNotFound
		}
		return types.Note{}, err
	}
	return note, nil
}

func (r *NoteRepository) Create(ctx context.Context, q db.DBTX, userID uuid.UUID, title, content string) (types.Note, error) {
	const query = `
		INSERT INTO notes (title, content, user_id)
		VALUES ($1, $2, $3)
		RETURNING id, title, content, user_id, created_at, updated_at`
	var note types.Note
	if err := sqlx.GetContext(ctx, q, &note, query, title, content, userID); err != nil {
		return types.Note{}, err
	}
	return note, nil
}

func (r *NoteRepository) Update(ctx context.Context, q db.DBTX, userID uuid.UUID, id int64, update types.NoteUpdate) (types.Note, error) {
	const query = `
		UPDATE notes
		SET title = COALESCE($3, title),
			content = COALESCE($4, content),
			updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING id, title, content, user_id, created_at, updated_at`
	var note types.Note
	if err := sqlx.GetContext(ctx, q, &note, query, id, userID, update.Title, update.Content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Note{}, ErrNotFound
		}
		return types.Note{}, err
	}
	return note, nil
}

func (r *NoteRepository) Delete(ctx context.Context, q db.DBTX, userID uuid.UUID, id int64) error {
	const query = `DELETE FROM notes WHERE id = $1 AND user_id = $2`
	result, err := q.ExecContext(ctx, query, id, userID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
