package storage

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var exportIDPattern = regexp.MustCompile(`^[0-9]{8}T[0-9]{6}Z-[0-9a-f]{8}$`)

// ErrInvalidExportID is returned for identifiers that ExportID did not produce.
var ErrInvalidExportID = errors.New("invalid export id")

// NewExportID returns a sortable identifier for an export started at t.
func NewExportID(t time.Time) string {
	return fmt.Sprintf("%s-%s", t.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// ExportKey is the object key of a user's export. Keys are prefixed by the
// owner so one user can never address another user's object.
func ExportKey(userID uuid.UUID, exportID string) (string, error) {
	if !exportIDPattern.MatchString(exportID) {
		return "", ErrInvalidExportID
	}
	return fmt.Sprintf("exports/%s/%s.json", userID, exportID), nil
}
