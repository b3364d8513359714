package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/internal/storage"
	"github.com/notesd/apiserver/types"
)

// ErrExportsDisabled is returned when no object storage is configured.
var ErrExportsDisabled = errors.New("note exports are not configured")

// ObjectStore is the subset of *storage.Storage used for exports.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// ExportService snapshots a user's notes to object storage.
type ExportService struct {
	pool  Leaser
	notes *NoteService
	store ObjectStore
	now   func() time.Time
}

// NewExportService returns a service for store. A nil store disables
// exports; Start and Open then report ErrExportsDisabled.
func NewExportService(pool Leaser, notes *NoteService, store ObjectStore) *ExportService {
	return &ExportService{pool: pool, notes: notes, store: store, now: time.Now}
}

func (s *ExportService) Enabled() bool {
	return s != nil && s.store != nil
}

// Start reserves a new export id. The snapshot itself is written by Run,
// normally from a background task.
func (s *ExportService) Start() (string, error) {
	if !s.Enabled() {
		return "", ErrExportsDisabled
	}
	return storage.NewExportID(s.now()), nil
}

// Run writes every note of userID under the export id.
func (s *ExportService) Run(ctx context.Context, userID uuid.UUID, exportID string) error {
	if !s.Enabled() {
		return ErrExportsDisabled
	}
	key, err := storage.ExportKey(userID, exportID)
	if err != nil {
		return err
	}

	var notes []types.Note
	err = s.pool.Do(ctx, func(ctx context.Context, l *db.Lease) error {
		var err error
		notes, err = s.notes.All(ctx, l, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("load notes: %w", err)
	}

	data, err := json.Marshal(types.NoteExport{
		UserID:     userID,
		ExportedAt: s.now().UTC(),
		Notes:      notes,
	})
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	if err := s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("upload export: %w", err)
	}
	return nil
}

// Open returns a reader for a finished export owned by userID.
func (s *ExportService) Open(ctx context.Context, userID uuid.UUID, exportID string) (io.ReadCloser, error) {
	if !s.Enabled() {
		return nil, ErrExportsDisabled
	}
	key, err := storage.ExportKey(userID, exportID)
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, key)
}
