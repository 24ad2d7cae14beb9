package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"bookforge/pkg/book"
	"bookforge/pkg/domain"
	"bookforge/pkg/storage"
	"bookforge/pkg/store"
)

const (
	testUser = "user-1"
	testBook = "book-1"
)

type fakeGenerator struct {
	reply      string
	err        error
	calls      int
	lastSystem string
	lastUser   string
}

func (f *fakeGenerator) GenerateText(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	f.lastSystem = systemPrompt
	f.lastUser = userPrompt
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newTestApp(t *testing.T, gen *fakeGenerator) (*App, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	a, err := New(Config{Store: st, Generator: gen})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st
}

func chapterJSON(t *testing.T, number int, title, content string) string {
	t.Helper()
	data, err := json.Marshal(domain.ChapterPayload{Number: number, Title: title, Content: content})
	if err != nil {
		t.Fatalf("marshal chapter: %v", err)
	}
	return string(data)
}

func bookJSON(t *testing.T, title string, chapters ...domain.ChapterPayload) string {
	t.Helper()
	data, err := json.Marshal(domain.BookPayload{Title: title, Chapters: chapters})
	if err != nil {
		t.Fatalf("marshal book: %v", err)
	}
	return string(data)
}

func seedChapter(t *testing.T, st *store.MemoryStore, number int, title, content string) {
	t.Helper()
	if _, err := st.SaveResponse(domain.RawResponse{
		UserID:     testUser,
		BookID:     testBook,
		Chapter:    &number,
		Endpoint:   domain.EndpointGenerateChapter,
		Payload:    chapterJSON(t, number, title, content),
		StatusCode: domain.StatusOK,
	}); err != nil {
		t.Fatalf("seed chapter: %v", err)
	}
}

func TestGenerateBookRecordsRowAndMaterializes(t *testing.T) {
	gen := &fakeGenerator{reply: bookJSON(t, "Voyage",
		domain.ChapterPayload{Number: 1, Title: "Departure", Content: "c1"},
		domain.ChapterPayload{Number: 2, Title: "Storm", Content: "c2"},
	)}
	a, st := newTestApp(t, gen)

	view, err := a.GenerateBook(context.Background(), testUser, testBook, "a sea voyage")
	if err != nil {
		t.Fatalf("generate book: %v", err)
	}
	if view.Title != "Voyage" || len(view.Chapters) != 2 {
		t.Fatalf("unexpected view: %+v", view)
	}
	rows, _ := st.ListResponses(testUser, testBook)
	if len(rows) != 1 {
		t.Fatalf("expected 1 stored row, got %d", len(rows))
	}
	if rows[0].Endpoint != domain.EndpointGenerateBook || !rows[0].WholeBook() {
		t.Fatalf("unexpected stored row: %+v", rows[0])
	}
	if rows[0].Meta["prompt"] != "a sea voyage" {
		t.Fatalf("expected prompt in meta, got %+v", rows[0].Meta)
	}
}

func TestGenerateBookProviderFailureRecordsErrorRow(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("provider down")}
	a, st := newTestApp(t, gen)

	_, err := a.GenerateBook(context.Background(), testUser, testBook, "anything")
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	rows, _ := st.ListResponses(testUser, testBook)
	if len(rows) != 1 {
		t.Fatalf("expected failure row, got %d rows", len(rows))
	}
	if rows[0].StatusCode != domain.StatusError || rows[0].ErrorMessage == "" {
		t.Fatalf("unexpected failure row: %+v", rows[0])
	}
	if rows[0].Payload != "" {
		t.Fatalf("failure row should carry no payload, got %q", rows[0].Payload)
	}
}

func TestGenerateBookRejectsEmptyPrompt(t *testing.T) {
	gen := &fakeGenerator{}
	a, _ := newTestApp(t, gen)
	if _, err := a.GenerateBook(context.Background(), testUser, testBook, "  "); !errors.Is(err, ErrPromptRequired) {
		t.Fatalf("expected ErrPromptRequired, got %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("provider should not be called, got %d calls", gen.calls)
	}
}

func TestGenerateBookRejectsFinalizedBook(t *testing.T) {
	gen := &fakeGenerator{reply: bookJSON(t, "B", domain.ChapterPayload{Number: 1, Title: "t", Content: "c"})}
	a, _ := newTestApp(t, gen)

	if _, err := a.GenerateBook(context.Background(), testUser, testBook, "first"); err != nil {
		t.Fatalf("generate book: %v", err)
	}
	if _, err := a.Finalize(testUser, testBook, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	calls := gen.calls
	if _, err := a.GenerateBook(context.Background(), testUser, testBook, "again"); !errors.Is(err, ErrBookFinalized) {
		t.Fatalf("expected ErrBookFinalized, got %v", err)
	}
	if gen.calls != calls {
		t.Fatalf("provider should not be called after finalization")
	}
}

func TestGenerateChapterUsesNextNumber(t *testing.T) {
	gen := &fakeGenerator{reply: chapterJSON(t, 3, "Three", "body")}
	a, st := newTestApp(t, gen)
	seedChapter(t, st, 1, "One", "c1")
	seedChapter(t, st, 2, "Two", "c2")

	ch, err := a.GenerateChapter(context.Background(), testUser, testBook, 0, "continue the story")
	if err != nil {
		t.Fatalf("generate chapter: %v", err)
	}
	if ch.Number != 3 || ch.Title != "Three" {
		t.Fatalf("unexpected chapter: %+v", ch)
	}
	if !strings.Contains(gen.lastUser, "Chapter 3") {
		t.Fatalf("prompt should name the chapter, got %q", gen.lastUser)
	}
}

func TestGenerateChapterRejectsFinalizedChapter(t *testing.T) {
	gen := &fakeGenerator{reply: chapterJSON(t, 2, "v2", "body")}
	a, st := newTestApp(t, gen)
	seedChapter(t, st, 2, "Two", "c2")
	chapter := 2
	if _, err := a.Finalize(testUser, testBook, &chapter); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if _, err := a.GenerateChapter(context.Background(), testUser, testBook, 2, "rewrite"); !errors.Is(err, ErrChapterFinalized) {
		t.Fatalf("expected ErrChapterFinalized, got %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("provider should not be called for a finalized chapter")
	}
}

func TestSubmitEditOverridesChapter(t *testing.T) {
	gen := &fakeGenerator{reply: chapterJSON(t, 2, "Two Revised", "better body")}
	a, st := newTestApp(t, gen)
	seedChapter(t, st, 2, "Two", "original body")

	ch, err := a.SubmitEdit(context.Background(), domain.EditRequest{UserID: testUser, BookID: testBook, Chapter: 2}, "make it better")
	if err != nil {
		t.Fatalf("submit edit: %v", err)
	}
	if ch.Title != "Two Revised" || ch.Content != "better body" {
		t.Fatalf("unexpected chapter after edit: %+v", ch)
	}
	if !strings.Contains(gen.lastUser, "original body") {
		t.Fatalf("edit prompt should include current content, got %q", gen.lastUser)
	}
	rows, _ := st.ListResponses(testUser, testBook)
	if len(rows) != 2 || rows[1].Endpoint != domain.EndpointEditChapter {
		t.Fatalf("expected appended edit row, got %+v", rows)
	}
}

func TestSubmitEditRejectsFinalizedBeforeProvider(t *testing.T) {
	gen := &fakeGenerator{reply: chapterJSON(t, 2, "v2", "body")}
	a, st := newTestApp(t, gen)
	seedChapter(t, st, 2, "Two", "c2")
	if _, err := a.Finalize(testUser, testBook, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	_, err := a.SubmitEdit(context.Background(), domain.EditRequest{UserID: testUser, BookID: testBook, Chapter: 2}, "rewrite")
	if !errors.Is(err, ErrChapterFinalized) {
		t.Fatalf("expected ErrChapterFinalized, got %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("provider should not be called for a finalized chapter")
	}
}

func TestSubmitEditProviderFailureRecordsErrorRow(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("timeout")}
	a, st := newTestApp(t, gen)
	seedChapter(t, st, 1, "One", "c1")

	_, err := a.SubmitEdit(context.Background(), domain.EditRequest{UserID: testUser, BookID: testBook, Chapter: 1}, "rewrite")
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	rows, _ := st.ListResponses(testUser, testBook)
	if len(rows) != 2 {
		t.Fatalf("expected failed edit row, got %d rows", len(rows))
	}
	last := rows[len(rows)-1]
	if last.StatusCode != domain.StatusError || last.ErrorMessage == "" {
		t.Fatalf("unexpected failure row: %+v", last)
	}
}

func TestSubmitEditUnknownChapter(t *testing.T) {
	gen := &fakeGenerator{}
	a, st := newTestApp(t, gen)
	seedChapter(t, st, 1, "One", "c1")

	_, err := a.SubmitEdit(context.Background(), domain.EditRequest{UserID: testUser, BookID: testBook, Chapter: 7}, "rewrite")
	if !errors.Is(err, ErrChapterNotFound) {
		t.Fatalf("expected ErrChapterNotFound, got %v", err)
	}
}

type fakeObjectStore struct {
	objects    map[string][]byte
	presignErr error
	deleted    []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://objects.local/" + key, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func TestExportBookUploadsAndPresigns(t *testing.T) {
	objects := newFakeObjectStore()
	st := store.NewMemoryStore()
	a, err := New(Config{Store: st, Generator: &fakeGenerator{}, Objects: objects})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	seedChapter(t, st, 1, "One", "body")

	url, err := a.ExportBook(context.Background(), testUser, testBook)
	if err != nil {
		t.Fatalf("export book: %v", err)
	}
	key := storage.ExportKey(testUser, testBook)
	if !strings.HasSuffix(url, key) {
		t.Fatalf("url %q should point at export key %q", url, key)
	}
	var exported domain.BookDetails
	if err := json.Unmarshal(objects.objects[key], &exported); err != nil {
		t.Fatalf("decode exported object: %v", err)
	}
	if len(exported.Chapters) != 1 || exported.Chapters[0].Title != "One" {
		t.Fatalf("unexpected exported book: %+v", exported)
	}
}

func TestExportBookPresignFailureCleansUp(t *testing.T) {
	objects := newFakeObjectStore()
	objects.presignErr = errors.New("presign broken")
	st := store.NewMemoryStore()
	a, err := New(Config{Store: st, Generator: &fakeGenerator{}, Objects: objects})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	seedChapter(t, st, 1, "One", "body")

	if _, err := a.ExportBook(context.Background(), testUser, testBook); err == nil {
		t.Fatalf("expected export error")
	}
	key := storage.ExportKey(testUser, testBook)
	if len(objects.deleted) != 1 || objects.deleted[0] != key {
		t.Fatalf("expected orphaned export to be deleted, got %v", objects.deleted)
	}
	if _, ok := objects.objects[key]; ok {
		t.Fatalf("export object should have been removed")
	}
}

func TestBookViewUnknownBook(t *testing.T) {
	a, _ := newTestApp(t, &fakeGenerator{})
	if _, _, err := a.BookView(testUser, "missing"); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
}

func TestChapterViewRejectsInvalidChapter(t *testing.T) {
	a, _ := newTestApp(t, &fakeGenerator{})
	if _, err := a.ChapterView(testUser, testBook, 0); !errors.Is(err, book.ErrInvalidChapter) {
		t.Fatalf("expected ErrInvalidChapter, got %v", err)
	}
}

func TestFinalizeNothingToLock(t *testing.T) {
	a, _ := newTestApp(t, &fakeGenerator{})
	if _, err := a.Finalize(testUser, "missing", nil); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
}

func TestEnqueueGenerationWithoutQueue(t *testing.T) {
	a, _ := newTestApp(t, &fakeGenerator{})
	if _, err := a.EnqueueGeneration(context.Background(), testUser, testBook, 0, "p"); !errors.Is(err, ErrQueueDisabled) {
		t.Fatalf("expected ErrQueueDisabled, got %v", err)
	}
}

func TestRawResponseNotFound(t *testing.T) {
	a, _ := newTestApp(t, &fakeGenerator{})
	if _, err := a.RawResponse(99); !errors.Is(err, ErrResponseNotFound) {
		t.Fatalf("expected ErrResponseNotFound, got %v", err)
	}
}
