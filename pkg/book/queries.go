package book

import (
	"bookforge/pkg/domain"
	"bookforge/pkg/store"
)

// Queries is the thin externally-consumed read facade. Every operation is a
// direct composition of the store, resolver, and materializer; no independent
// logic lives here.
type Queries struct {
	store        store.Store
	resolver     *Resolver
	materializer *Materializer
}

// NewQueries builds the facade over the given store.
func NewQueries(st store.Store) *Queries {
	return &Queries{
		store:        st,
		resolver:     NewResolver(st),
		materializer: NewMaterializer(st),
	}
}

// HasResponses reports whether any raw response exists for the key.
func (q *Queries) HasResponses(userID, bookID string) (bool, error) {
	return q.store.HasResponses(userID, bookID)
}

// ResponseCount returns the number of raw responses stored for the key.
func (q *Queries) ResponseCount(userID, bookID string) (int, error) {
	return q.store.ResponseCount(userID, bookID)
}

// NextChapterNumber returns the planning value for the next chapter.
func (q *Queries) NextChapterNumber(userID, bookID string) (int, error) {
	return q.materializer.NextChapterNumber(userID, bookID)
}

// LastChapter returns the greatest materialized chapter number.
func (q *Queries) LastChapter(userID, bookID string) (int, error) {
	return q.materializer.LastChapter(userID, bookID)
}

// LatestActivity returns the most recent raw response for a book, of any
// kind.
func (q *Queries) LatestActivity(userID, bookID string) (domain.RawResponse, bool, error) {
	return q.resolver.LatestFor(userID, bookID)
}

// BookSummaries returns one dropdown entry per book the user has generated
// into, newest activity first.
func (q *Queries) BookSummaries(userID string) ([]domain.BookSummary, error) {
	rows, err := q.store.LatestResponses(userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.BookSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, domain.BookSummary{
			BookID:     row.BookID,
			Endpoint:   row.Endpoint,
			StatusCode: row.StatusCode,
			UpdatedAt:  row.CreatedAt,
		})
	}
	return summaries, nil
}
