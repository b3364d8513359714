package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/types"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, q db.DBTX, id uuid.UUID) (types.User, error)
	GetByEmail(ctx context.Context, q db.DBTX, email string) (types.User, error)
	Create(ctx context.Context, q db.DBTX, email, passwordHash string) (types.User, error)
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo UserRepository
}

func NewUserService(repo UserRepository) *UserService {
	return &UserService{repo: repo}
}

func (s *UserService) GetByID(ctx context.Context, q db.DBTX, id uuid.UUID) (types.User, error) {
	return s.repo.GetByID(ctx, q, id)
}

func (s *UserService) GetByEmail(ctx context.Context, q db.DBTX, email string) (types.User, error) {
	return s.repo.GetByEmail(ctx, q, email)
}

// Create inserts the user inside a transaction on the lease.
func (s *UserService) Create(ctx context.Context, lease *db.Lease, email, passwordHash string) (types.User, error) {
	var user types.User
	err := lease.WithTx(ctx, nil, func(ctx context.Context, tx db.DBTX) error {
		var err error
		user, err = s.repo.Create(ctx, tx, email, passwordHash)
		return err
	})
	return user, err
}
