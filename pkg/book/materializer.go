package book

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"bookforge/pkg/domain"
	"bookforge/pkg/store"
)

// Materializer folds the full raw-response history of a book into the
// current authoritative chapter list.
//
// Rows are processed in ascending id order, so a later whole-book snapshot
// legitimately supersedes an earlier single-chapter edit for every chapter it
// contains: regeneration reflects the author's latest full intent, while an
// edit row's scope is strictly the single chapter it names. An edit only wins
// if it is strictly newer than the last whole-book snapshot touching the same
// chapter.
type Materializer struct {
	store store.Store
}

// NewMaterializer builds a materializer over the given store.
func NewMaterializer(st store.Store) *Materializer {
	return &Materializer{store: st}
}

// ParseDefect records a raw response row that failed to parse during
// materialization. Defects are recoverable: the row is treated as absent and
// the fold continues.
type ParseDefect struct {
	ResponseID int64  `json:"responseId"`
	Endpoint   string `json:"endpoint"`
	Reason     string `json:"reason"`
}

type chapterWinner struct {
	row domain.RawResponse
	ch  domain.ChapterPayload
}

// Materialize returns the current chapter view for a book together with any
// parse defects encountered. A book with no rows yields an empty view, not an
// error.
func (m *Materializer) Materialize(userID, bookID string) (domain.BookDetails, []ParseDefect, error) {
	rows, err := m.store.ListResponses(userID, bookID)
	if err != nil {
		return domain.BookDetails{}, nil, err
	}
	marks, err := m.store.ListMarks(bookID)
	if err != nil {
		return domain.BookDetails{}, nil, err
	}
	locks := newLockSet(marks)

	winners := make(map[int]chapterWinner)
	var defects []ParseDefect
	title := ""
	var updatedAt time.Time

	for _, row := range rows {
		if row.CreatedAt.After(updatedAt) {
			updatedAt = row.CreatedAt
		}
		// Failure rows are stored for audit but carry no content to fold.
		if strings.TrimSpace(row.Payload) == "" {
			continue
		}
		snap, err := parseRow(row)
		if err != nil {
			defects = append(defects, ParseDefect{
				ResponseID: row.ID,
				Endpoint:   row.Endpoint,
				Reason:     err.Error(),
			})
			slog.Warn("skipping unparseable raw response",
				"response_id", row.ID,
				"book_id", bookID,
				"endpoint", row.Endpoint,
				"err", err,
			)
			continue
		}
		if snap.chapter != nil {
			n := snap.chapter.Number
			if locks.lockedBefore(n, row.CreatedAt) {
				continue
			}
			winners[n] = chapterWinner{row: row, ch: *snap.chapter}
			continue
		}
		if locks.bookLockedBefore(row.CreatedAt) {
			continue
		}
		if snap.book.Title != "" {
			title = snap.book.Title
		}
		for _, ch := range snap.book.Chapters {
			if locks.lockedBefore(ch.Number, row.CreatedAt) {
				continue
			}
			winners[ch.Number] = chapterWinner{row: row, ch: ch}
		}
	}

	numbers := make([]int, 0, len(winners))
	for n := range winners {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	// Gaps in chapter numbering are returned as-is, never synthesized.
	chapters := make([]domain.Chapter, 0, len(numbers))
	for _, n := range numbers {
		w := winners[n]
		chapters = append(chapters, domain.Chapter{
			Number:     n,
			Title:      w.ch.Title,
			Content:    w.ch.Content,
			StatusCode: w.row.StatusCode,
			CreatedAt:  w.row.CreatedAt,
			Finalized:  locks.finalized(n),
		})
	}

	return domain.BookDetails{
		BookID:    bookID,
		UserID:    userID,
		Title:     title,
		Chapters:  chapters,
		Finalized: locks.bookFinalized(),
		UpdatedAt: updatedAt,
	}, defects, nil
}

// NextChapterNumber is one more than the greatest materialized chapter
// number, or 1 for an empty book.
func (m *Materializer) NextChapterNumber(userID, bookID string) (int, error) {
	last, err := m.LastChapter(userID, bookID)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// LastChapter is the greatest materialized chapter number, or 0 for an empty
// book.
func (m *Materializer) LastChapter(userID, bookID string) (int, error) {
	details, _, err := m.Materialize(userID, bookID)
	if err != nil {
		return 0, err
	}
	if len(details.Chapters) == 0 {
		return 0, nil
	}
	return details.Chapters[len(details.Chapters)-1].Number, nil
}

// lockSet resolves finalization marks for a book. A chapter is locked against
// a row when any applicable mark has a lock time earlier than the row's
// creation time; post-lock writes never win regardless of id.
type lockSet struct {
	wholeBook  *time.Time
	perChapter map[int]time.Time
}

func newLockSet(marks []domain.FinalizationMark) lockSet {
	ls := lockSet{perChapter: make(map[int]time.Time)}
	for _, mark := range marks {
		if mark.Chapter == nil {
			t := mark.LockedAt
			ls.wholeBook = &t
			continue
		}
		ls.perChapter[*mark.Chapter] = mark.LockedAt
	}
	return ls
}

func (ls lockSet) lockedBefore(chapter int, at time.Time) bool {
	if ls.bookLockedBefore(at) {
		return true
	}
	lockedAt, ok := ls.perChapter[chapter]
	return ok && lockedAt.Before(at)
}

func (ls lockSet) bookLockedBefore(at time.Time) bool {
	return ls.wholeBook != nil && ls.wholeBook.Before(at)
}

func (ls lockSet) finalized(chapter int) bool {
	if ls.wholeBook != nil {
		return true
	}
	_, ok := ls.perChapter[chapter]
	return ok
}

func (ls lockSet) bookFinalized() bool {
	return ls.wholeBook != nil
}
