package book

import (
	"fmt"
	"time"

	"bookforge/pkg/domain"
	"bookforge/pkg/store"
)

// Finalizer marks chapters, or whole books, read-only. The only transition is
// Draft -> Finalized; there is no way back.
type Finalizer struct {
	store        store.Store
	materializer *Materializer
}

// NewFinalizer builds a finalizer over the given store.
func NewFinalizer(st store.Store) *Finalizer {
	return &Finalizer{store: st, materializer: NewMaterializer(st)}
}

// Finalize locks a chapter (or the whole book when chapter is nil) from
// effectiveTime onward. It is idempotent: finalizing an already-finalized
// scope returns created=false with no error. It fails with store.ErrNotFound
// when there is no materialized content to lock.
//
// The store's insert-mark-if-absent is atomic, so concurrent finalize calls
// for the same scope cannot both create a mark.
func (f *Finalizer) Finalize(userID, bookID string, chapter *int, effectiveTime time.Time) (bool, error) {
	if chapter != nil && *chapter <= 0 {
		return false, ErrInvalidChapter
	}
	details, _, err := f.materializer.Materialize(userID, bookID)
	if err != nil {
		return false, fmt.Errorf("materialize before finalize: %w", err)
	}
	if chapter == nil {
		if len(details.Chapters) == 0 {
			return false, store.ErrNotFound
		}
	} else if !hasChapter(details.Chapters, *chapter) {
		return false, store.ErrNotFound
	}
	if effectiveTime.IsZero() {
		effectiveTime = time.Now().UTC()
	}
	created, err := f.store.SaveMark(domain.FinalizationMark{
		BookID:   bookID,
		Chapter:  chapter,
		LockedAt: effectiveTime.UTC(),
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func hasChapter(chapters []domain.Chapter, number int) bool {
	for _, ch := range chapters {
		if ch.Number == number {
			return true
		}
	}
	return false
}
