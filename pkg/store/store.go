package store

import (
	"errors"

	"bookforge/pkg/domain"
)

// ErrNotFound is returned when a requested record does not exist. Absence of
// coverage (no rows for a key) is not an error and is reported through empty
// results instead.
var ErrNotFound = errors.New("store: not found")

// Store defines persistence operations for raw provider responses and
// finalization marks. Raw responses are append-only: every save inserts a new
// row and duplicate (user, book, chapter) keys are expected, since later rows
// logically overwrite earlier ones at read time.
type Store interface {
	// raw responses
	SaveResponse(rec domain.RawResponse) (int64, error)
	SaveEdit(req domain.EditRequest, payload, endpoint, statusCode, errMsg string) (int64, error)
	GetResponse(id int64) (domain.RawResponse, error)
	ListResponses(userID, bookID string) ([]domain.RawResponse, error)
	ResponseCount(userID, bookID string) (int, error)
	HasResponses(userID, bookID string) (bool, error)
	LatestResponseID(userID, bookID string) (int64, bool, error)
	// LatestResponses returns, for each of the user's books, the row with the
	// greatest id, ordered by creation time descending.
	LatestResponses(userID string) ([]domain.RawResponse, error)

	// finalization marks
	// SaveMark inserts the mark if absent and reports whether it was created.
	// A false return with nil error means the scope was already finalized.
	SaveMark(mark domain.FinalizationMark) (bool, error)
	ListMarks(bookID string) ([]domain.FinalizationMark, error)
}
