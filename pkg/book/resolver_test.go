package book

import (
	"errors"
	"testing"
	"time"

	"bookforge/pkg/domain"
	"bookforge/pkg/store"
)

func TestResolverLatestFor(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewResolver(st)

	if _, ok, err := r.LatestFor(testUser, testBook); err != nil || ok {
		t.Fatalf("empty book: got ok=%v err=%v, want absent", ok, err)
	}

	base := time.Now().UTC()
	saveBookRow(t, st, bookJSON(t, "B", domain.ChapterPayload{Number: 1, Content: "c1"}), base)
	wantID := saveChapterRow(t, st, 2, chapterJSON(t, 2, "", "c2"), base.Add(time.Second))

	rec, ok, err := r.LatestFor(testUser, testBook)
	if err != nil || !ok {
		t.Fatalf("latest: got ok=%v err=%v", ok, err)
	}
	if rec.ID != wantID {
		t.Fatalf("latest id: got %d, want %d", rec.ID, wantID)
	}
}

func TestResolverForChapterDirectRow(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewResolver(st)
	base := time.Now().UTC()

	saveChapterRow(t, st, 2, chapterJSON(t, 2, "", "old"), base)
	wantID := saveChapterRow(t, st, 2, chapterJSON(t, 2, "", "new"), base.Add(time.Second))

	rec, ok, err := r.ForChapter(testUser, testBook, 2)
	if err != nil || !ok {
		t.Fatalf("for chapter: got ok=%v err=%v", ok, err)
	}
	if rec.ID != wantID {
		t.Fatalf("expected highest-id row %d, got %d", wantID, rec.ID)
	}
}

func TestResolverForChapterCoveredBySnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewResolver(st)
	base := time.Now().UTC()

	saveChapterRow(t, st, 3, chapterJSON(t, 3, "", "edit"), base)
	wantID := saveBookRow(t, st, bookJSON(t, "B",
		domain.ChapterPayload{Number: 3, Content: "from snapshot"},
		domain.ChapterPayload{Number: 4, Content: "c4"},
	), base.Add(time.Second))

	rec, ok, err := r.ForChapter(testUser, testBook, 3)
	if err != nil || !ok {
		t.Fatalf("for chapter: got ok=%v err=%v", ok, err)
	}
	if rec.ID != wantID {
		t.Fatalf("whole-book snapshot covers chapter 3: want row %d, got %d", wantID, rec.ID)
	}

	// Chapter 5 is not covered by anything.
	if _, ok, err := r.ForChapter(testUser, testBook, 5); err != nil || ok {
		t.Fatalf("uncovered chapter: got ok=%v err=%v, want absent without error", ok, err)
	}
}

func TestResolverForChapterSkipsUnparseableSnapshots(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewResolver(st)
	base := time.Now().UTC()

	wantID := saveChapterRow(t, st, 1, chapterJSON(t, 1, "", "good"), base)
	saveBookRow(t, st, "{broken", base.Add(time.Second))

	rec, ok, err := r.ForChapter(testUser, testBook, 1)
	if err != nil || !ok {
		t.Fatalf("for chapter: got ok=%v err=%v", ok, err)
	}
	if rec.ID != wantID {
		t.Fatalf("unparseable snapshot must not cover: want %d, got %d", wantID, rec.ID)
	}
}

func TestResolverRejectsInvalidChapter(t *testing.T) {
	r := NewResolver(store.NewMemoryStore())
	for _, n := range []int{0, -1} {
		if _, _, err := r.ForChapter(testUser, testBook, n); !errors.Is(err, ErrInvalidChapter) {
			t.Fatalf("chapter %d: got err %v, want ErrInvalidChapter", n, err)
		}
	}
}
