package domain

import "time"

// Well-known status codes recorded on raw responses. The column is free text
// because the provider reports its own codes; these are the ones bookforge
// writes itself.
const (
	StatusOK    = "200"
	StatusError = "error"
)

// Endpoint names recorded on raw responses.
const (
	EndpointGenerateBook    = "generate-book"
	EndpointGenerateChapter = "generate-chapter"
	EndpointEditChapter     = "edit-chapter"
)

// RawResponse is one immutable stored result from the generation provider or
// an edit submission. Rows are append-only; a logical overwrite is a new row
// with a higher ID for the same (user, book[, chapter]) key.
type RawResponse struct {
	ID           int64             `json:"id"`
	UserID       string            `json:"userId"`
	BookID       string            `json:"bookId"`
	Chapter      *int              `json:"chapter,omitempty"` // nil => whole-book snapshot
	Endpoint     string            `json:"endpoint"`
	Payload      string            `json:"payload"`
	StatusCode   string            `json:"statusCode"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// WholeBook reports whether the row is a whole-book snapshot rather than a
// single-chapter row.
func (r RawResponse) WholeBook() bool {
	return r.Chapter == nil
}

// EditRequest identifies the chapter content a corrective edit is meant to
// supersede.
type EditRequest struct {
	UserID  string `json:"userId"`
	BookID  string `json:"bookId"`
	Chapter int    `json:"chapter"`
}

// Chapter is the materialized, currently-authoritative content for one
// chapter number. It is derived on read and never persisted.
type Chapter struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	StatusCode string    `json:"statusCode"`
	CreatedAt  time.Time `json:"createdAt"`
	Finalized  bool      `json:"finalized"`
}

// FinalizationMark locks a chapter, or with a nil chapter the whole book,
// against further supersession from LockedAt onward.
type FinalizationMark struct {
	BookID   string    `json:"bookId"`
	Chapter  *int      `json:"chapter,omitempty"` // nil => whole book
	LockedAt time.Time `json:"lockedAt"`
}

// BookDetails is the read view consumed by the presentation layer.
type BookDetails struct {
	BookID    string    `json:"bookId"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Chapters  []Chapter `json:"chapters"`
	Finalized bool      `json:"finalized"` // whole-book mark present
	UpdatedAt time.Time `json:"updatedAt"`
}

// BookSummary is one dropdown entry: the most recent activity on a book.
type BookSummary struct {
	BookID     string    `json:"bookId"`
	Endpoint   string    `json:"endpoint"`
	StatusCode string    `json:"statusCode"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
