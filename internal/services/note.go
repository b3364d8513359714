package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/types"
)

// NoteRepository defines persistence operations for notes.
type NoteRepository interface {
	List(ctx context.Context, q db.DBTX, userID uuid.UUID, search string, limit, offset int) ([]types.Note, error)
	All(ctx context.Context, q db.DBTX, userID uuid.UUID) ([]types.Note, error)
	Get(ctx context.Context, q db.DBTX, userID uuid.UUID, id int64) (types.Note, error)
	Create(ctx context.Context, q db.DBTX, userID uuid.UUID, title, content string) (types.Note, error)
	Update(ctx context.Context, q db.DBTX, userID uuid.UUID, id int64, update types.NoteUpdate) (types.Note, error)
	Delete(ctx context.Context, q db.DBTX, userID uuid.UUID, id int64) error
}

// NoteService encapsulates note use-cases. Reads run on the bare lease;
// writes are always wrapped in a transaction.
type NoteService struct {
	repo NoteRepository
}

func NewNoteService(repo NoteRepository) *NoteService {
	return &NoteService{repo: repo}
}

func (s *NoteService) List(ctx context.Context, lease *db.Lease, userID uuid.UUID, search string, limit, offset int) ([]types.Note, error) {
	return s.repo.List(ctx, lease, userID, search, limit, offset)
}

func (s *NoteService) All(ctx context.Context, lease *db.Lease, userID uuid.UUID) ([]types.Note, error) {
	return s.repo.All(ctx, lease, userID)
}

func (s *NoteService) Get(ctx context.Context, lease *db.Lease, userID uuid.UUID, id int64) (types.Note, error) {
	return s.repo.Get(ctx, lease, userID, id)
}

func (s *NoteService) Create(ctx context.Context, lease *db.Lease, userID uuid.UUID, title, content string) (types.Note, error) {
	var note types.Note
	err := lease.WithTx(ctx, nil, func(ctx context.Context, tx db.DBTX) error {
		var err error
		note, err = s.repo.Create(ctx, tx, userID, title, content)
		return err
	})
	return note, err
}

func (s *NoteService) Update(ctx context.Context, lease *db.Lease, userID uuid.UUID, id int64, update types.NoteUpdate) (types.Note, error) {
	var note types.Note
	err := lease.WithTx(ctx, nil, func(ctx context.Context, tx db.DBTX) error {
		var err error
		note, err = s.repo.Update(ctx, tx, userID, id, update)
		return err
	})
	return note, err
}

func (s *NoteService) Delete(ctx context.Context, lease *db.Lease, userID uuid.UUID, id int64) error {
	return lease.WithTx(ctx, nil, func(ctx context.Context, tx db.DBTX) error {
		return s.repo.Delete(ctx, tx, userID, id)
	})
}
