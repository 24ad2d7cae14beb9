package book

import (
	"bookforge/pkg/domain"
	"bookforge/pkg/store"
)

// Resolver selects the raw response rows relevant to a read request. Ids are
// the sole total order: the row with the greatest id wins, and a whole-book
// snapshot counts as a covering candidate for every chapter its payload
// lists.
type Resolver struct {
	store store.Store
}

// NewResolver builds a resolver over the given store.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// LatestFor returns the most recent row of any kind for the key. The second
// return is false when the book has no rows yet.
func (r *Resolver) LatestFor(userID, bookID string) (domain.RawResponse, bool, error) {
	id, ok, err := r.store.LatestResponseID(userID, bookID)
	if err != nil || !ok {
		return domain.RawResponse{}, false, err
	}
	rec, err := r.store.GetResponse(id)
	if err != nil {
		return domain.RawResponse{}, false, err
	}
	return rec, true, nil
}

// ForChapter returns the highest-id row covering the chapter: either a row
// scoped to that chapter number, or a whole-book snapshot whose payload
// contains it. A false second return means the chapter has not been generated
// yet; callers must not treat that as an error.
func (r *Resolver) ForChapter(userID, bookID string, chapter int) (domain.RawResponse, bool, error) {
	if chapter <= 0 {
		return domain.RawResponse{}, false, ErrInvalidChapter
	}
	rows, err := r.store.ListResponses(userID, bookID)
	if err != nil {
		return domain.RawResponse{}, false, err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if row.Chapter != nil {
			if *row.Chapter == chapter {
				return row, true, nil
			}
			continue
		}
		snap, err := parseRow(row)
		if err != nil || snap.book == nil {
			continue
		}
		for _, ch := range snap.book.Chapters {
			if ch.Number == chapter {
				return row, true, nil
			}
		}
	}
	return domain.RawResponse{}, false, nil
}
