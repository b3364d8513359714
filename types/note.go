package types

import (
	"time"

	"github.com/google/uuid"
)

// Note is a text note owned by exactly one user.
type Note struct {
	ID        int64     `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Title     string    `json:"title" db:"title"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NoteUpdate carries a partial update; nil fields keep their stored value.
type NoteUpdate struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

// NoteExport is the document written to object storage by an export.
type NoteExport struct {
	UserID     uuid.UUID `json:"user_id"`
	ExportedAt time.Time `json:"exported_at"`
	Notes      []Note    `json:"notes"`
}
