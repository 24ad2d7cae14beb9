package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bookforge/pkg/ai"
	"bookforge/pkg/book"
	"bookforge/pkg/domain"
	"bookforge/pkg/queue"
	"bookforge/pkg/storage"
	"bookforge/pkg/store"
)

const (
	bookSystemPrompt = `You are a book writing assistant. Write a complete book for the user's request. ` +
		`Respond with a single JSON object of the form ` +
		`{"title": string, "chapters": [{"number": int, "title": string, "content": string}, ...]}. ` +
		`Chapter numbers start at 1 and increase. Do not include any text outside the JSON object.`

	chapterSystemPrompt = `You are a book writing assistant. Write one chapter for the user's request. ` +
		`Respond with a single JSON object of the form ` +
		`{"number": int, "title": string, "content": string}. ` +
		`Do not include any text outside the JSON object.`

	editSystemPrompt = `You are a book editing assistant. Rewrite the chapter below according to the ` +
		`user's instructions, keeping the same chapter number. Respond with a single JSON object of ` +
		`the form {"number": int, "title": string, "content": string}. ` +
		`Do not include any text outside the JSON object.`
)

// JobQueue enqueues asynchronous generation jobs and reports their status.
type JobQueue interface {
	Enqueue(ctx context.Context, userID, bookID string, chapter int, prompt string) (queue.Job, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store // overrides DatabaseURL when set
	Generator   ai.TextGenerator
	Objects     storage.ObjectStore // optional; disables export when nil
	Jobs        JobQueue            // optional; disables async generation when nil
}

// App wires the raw response store, the read-side fold, and the generation
// provider into the operations exposed over HTTP and consumed by queue
// workers.
type App struct {
	store         store.Store
	gen           ai.TextGenerator
	objects       storage.ObjectStore
	jobs          JobQueue
	materializer  *book.Materializer
	resolver      *book.Resolver
	finalizer     *book.Finalizer
	queries       *book.Queries
	presignExpiry time.Duration
}

// New constructs the application core.
func New(cfg Config) (*App, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("text generator required")
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	return &App{
		store:         dataStore,
		gen:           cfg.Generator,
		objects:       cfg.Objects,
		jobs:          cfg.Jobs,
		materializer:  book.NewMaterializer(dataStore),
		resolver:      book.NewResolver(dataStore),
		finalizer:     book.NewFinalizer(dataStore),
		queries:       book.NewQueries(dataStore),
		presignExpiry: 15 * time.Minute,
	}, nil
}

// GenerateBook calls the provider for a whole-book snapshot, records the raw
// reply, and returns the resulting materialized view. Provider failures are
// recorded as error rows before being reported.
func (a *App) GenerateBook(ctx context.Context, userID, bookID, prompt string) (domain.BookDetails, error) {
	if err := validateKey(userID, bookID); err != nil {
		return domain.BookDetails{}, err
	}
	if strings.TrimSpace(prompt) == "" {
		return domain.BookDetails{}, ErrPromptRequired
	}
	locked, err := a.bookFinalized(bookID)
	if err != nil {
		return domain.BookDetails{}, err
	}
	if locked {
		return domain.BookDetails{}, ErrBookFinalized
	}

	text, err := a.gen.GenerateText(ctx, bookSystemPrompt, prompt)
	if err != nil {
		a.recordFailure(userID, bookID, nil, domain.EndpointGenerateBook, prompt, err)
		return domain.BookDetails{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if _, err := a.store.SaveResponse(domain.RawResponse{
		UserID:     userID,
		BookID:     bookID,
		Endpoint:   domain.EndpointGenerateBook,
		Payload:    text,
		StatusCode: domain.StatusOK,
		Meta:       promptMeta(prompt),
	}); err != nil {
		return domain.BookDetails{}, fmt.Errorf("save response: %w", err)
	}

	view, _, err := a.materializer.Materialize(userID, bookID)
	if err != nil {
		return domain.BookDetails{}, err
	}
	return view, nil
}

// GenerateChapter calls the provider for one chapter and records the reply.
// Chapter 0 means "the next chapter after the last materialized one".
func (a *App) GenerateChapter(ctx context.Context, userID, bookID string, chapter int, prompt string) (domain.Chapter, error) {
	if err := validateKey(userID, bookID); err != nil {
		return domain.Chapter{}, err
	}
	if strings.TrimSpace(prompt) == "" {
		return domain.Chapter{}, ErrPromptRequired
	}
	if chapter < 0 {
		return domain.Chapter{}, book.ErrInvalidChapter
	}
	if chapter == 0 {
		next, err := a.queries.NextChapterNumber(userID, bookID)
		if err != nil {
			return domain.Chapter{}, err
		}
		chapter = next
	}
	locked, err := a.chapterFinalized(bookID, chapter)
	if err != nil {
		return domain.Chapter{}, err
	}
	if locked {
		return domain.Chapter{}, ErrChapterFinalized
	}

	userPrompt := fmt.Sprintf("Chapter %d.\n%s", chapter, prompt)
	text, err := a.gen.GenerateText(ctx, chapterSystemPrompt, userPrompt)
	if err != nil {
		a.recordFailure(userID, bookID, &chapter, domain.EndpointGenerateChapter, prompt, err)
		return domain.Chapter{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if _, err := a.store.SaveResponse(domain.RawResponse{
		UserID:     userID,
		BookID:     bookID,
		Chapter:    &chapter,
		Endpoint:   domain.EndpointGenerateChapter,
		Payload:    text,
		StatusCode: domain.StatusOK,
		Meta:       promptMeta(prompt),
	}); err != nil {
		return domain.Chapter{}, fmt.Errorf("save response: %w", err)
	}
	return a.materializedChapter(userID, bookID, chapter)
}

// SubmitEdit sends a corrective rewrite of an existing chapter to the provider
// and records the result as a new edit row. Edits against finalized chapters
// are rejected before the provider is called.
func (a *App) SubmitEdit(ctx context.Context, req domain.EditRequest, instructions string) (domain.Chapter, error) {
	if err := validateKey(req.UserID, req.BookID); err != nil {
		return domain.Chapter{}, err
	}
	if req.Chapter <= 0 {
		return domain.Chapter{}, book.ErrInvalidChapter
	}
	if strings.TrimSpace(instructions) == "" {
		return domain.Chapter{}, ErrPromptRequired
	}
	locked, err := a.chapterFinalized(req.BookID, req.Chapter)
	if err != nil {
		return domain.Chapter{}, err
	}
	if locked {
		return domain.Chapter{}, ErrChapterFinalized
	}
	current, err := a.materializedChapter(req.UserID, req.BookID, req.Chapter)
	if err != nil {
		return domain.Chapter{}, err
	}

	userPrompt := fmt.Sprintf("Chapter %d: %s\n\n%s\n\nInstructions: %s",
		current.Number, current.Title, current.Content, instructions)
	text, err := a.gen.GenerateText(ctx, editSystemPrompt, userPrompt)
	if err != nil {
		if _, saveErr := a.store.SaveEdit(req, "", domain.EndpointEditChapter, domain.StatusError, err.Error()); saveErr != nil {
			return domain.Chapter{}, fmt.Errorf("record failed edit: %w", saveErr)
		}
		return domain.Chapter{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if _, err := a.store.SaveEdit(req, text, domain.EndpointEditChapter, domain.StatusOK, ""); err != nil {
		return domain.Chapter{}, fmt.Errorf("save edit: %w", err)
	}
	return a.materializedChapter(req.UserID, req.BookID, req.Chapter)
}

// BookView returns the materialized book plus any rows that failed to parse.
func (a *App) BookView(userID, bookID string) (domain.BookDetails, []book.ParseDefect, error) {
	if err := validateKey(userID, bookID); err != nil {
		return domain.BookDetails{}, nil, err
	}
	has, err := a.queries.HasResponses(userID, bookID)
	if err != nil {
		return domain.BookDetails{}, nil, err
	}
	if !has {
		return domain.BookDetails{}, nil, ErrBookNotFound
	}
	return a.materializer.Materialize(userID, bookID)
}

// ChapterView returns the materialized content for one chapter.
func (a *App) ChapterView(userID, bookID string, chapter int) (domain.Chapter, error) {
	if err := validateKey(userID, bookID); err != nil {
		return domain.Chapter{}, err
	}
	if chapter <= 0 {
		return domain.Chapter{}, book.ErrInvalidChapter
	}
	return a.materializedChapter(userID, bookID, chapter)
}

// Finalize locks a chapter, or the whole book when chapter is nil, as of now.
// The returned bool reports whether a new mark was created; false means the
// scope was already finalized.
func (a *App) Finalize(userID, bookID string, chapter *int) (bool, error) {
	if err := validateKey(userID, bookID); err != nil {
		return false, err
	}
	created, err := a.finalizer.Finalize(userID, bookID, chapter, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrBookNotFound
		}
		return false, err
	}
	return created, nil
}

// Summaries lists the user's books by latest activity, newest first.
func (a *App) Summaries(userID string) ([]domain.BookSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id required")
	}
	return a.queries.BookSummaries(userID)
}

// ExportBook renders the materialized book to JSON, uploads it to object
// storage, and returns a pre-signed download URL.
func (a *App) ExportBook(ctx context.Context, userID, bookID string) (string, error) {
	if a.objects == nil {
		return "", fmt.Errorf("object storage not configured")
	}
	view, _, err := a.BookView(userID, bookID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	key := storage.ExportKey(userID, bookID)
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	url, err := a.objects.PresignGet(ctx, key, a.presignExpiry)
	if err != nil {
		_ = a.objects.Delete(ctx, key)
		return "", fmt.Errorf("presign export: %w", err)
	}
	return url, nil
}

// EnqueueGeneration submits an asynchronous generation job. Chapter 0 means a
// whole-book generation.
func (a *App) EnqueueGeneration(ctx context.Context, userID, bookID string, chapter int, prompt string) (queue.Job, error) {
	if a.jobs == nil {
		return queue.Job{}, ErrQueueDisabled
	}
	if err := validateKey(userID, bookID); err != nil {
		return queue.Job{}, err
	}
	if strings.TrimSpace(prompt) == "" {
		return queue.Job{}, ErrPromptRequired
	}
	if chapter < 0 {
		return queue.Job{}, book.ErrInvalidChapter
	}
	if chapter == 0 {
		locked, err := a.bookFinalized(bookID)
		if err != nil {
			return queue.Job{}, err
		}
		if locked {
			return queue.Job{}, ErrBookFinalized
		}
	} else {
		locked, err := a.chapterFinalized(bookID, chapter)
		if err != nil {
			return queue.Job{}, err
		}
		if locked {
			return queue.Job{}, ErrChapterFinalized
		}
	}
	return a.jobs.Enqueue(ctx, userID, bookID, chapter, prompt)
}

// JobStatus reports the state of an asynchronous generation job.
func (a *App) JobStatus(ctx context.Context, jobID string) (queue.Job, bool, error) {
	if a.jobs == nil {
		return queue.Job{}, false, ErrQueueDisabled
	}
	return a.jobs.GetJob(ctx, jobID)
}

// HandleGenerationJob executes one queued job. It is the handler passed to
// the queue consumer.
func (a *App) HandleGenerationJob(ctx context.Context, job queue.Job) error {
	if job.Chapter == 0 {
		_, err := a.GenerateBook(ctx, job.UserID, job.BookID, job.Prompt)
		return err
	}
	_, err := a.GenerateChapter(ctx, job.UserID, job.BookID, job.Chapter, job.Prompt)
	return err
}

// RawResponse returns one stored row by id, for internal inspection.
func (a *App) RawResponse(id int64) (domain.RawResponse, error) {
	rec, err := a.store.GetResponse(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.RawResponse{}, ErrResponseNotFound
		}
		return domain.RawResponse{}, err
	}
	return rec, nil
}

func (a *App) materializedChapter(userID, bookID string, chapter int) (domain.Chapter, error) {
	view, _, err := a.materializer.Materialize(userID, bookID)
	if err != nil {
		return domain.Chapter{}, err
	}
	for _, ch := range view.Chapters {
		if ch.Number == chapter {
			return ch, nil
		}
	}
	return domain.Chapter{}, ErrChapterNotFound
}

func (a *App) bookFinalized(bookID string) (bool, error) {
	marks, err := a.store.ListMarks(bookID)
	if err != nil {
		return false, err
	}
	for _, m := range marks {
		if m.Chapter == nil {
			return true, nil
		}
	}
	return false, nil
}

func (a *App) chapterFinalized(bookID string, chapter int) (bool, error) {
	marks, err := a.store.ListMarks(bookID)
	if err != nil {
		return false, err
	}
	for _, m := range marks {
		if m.Chapter == nil || *m.Chapter == chapter {
			return true, nil
		}
	}
	return false, nil
}

func (a *App) recordFailure(userID, bookID string, chapter *int, endpoint, prompt string, cause error) {
	if _, err := a.store.SaveResponse(domain.RawResponse{
		UserID:       userID,
		BookID:       bookID,
		Chapter:      chapter,
		Endpoint:     endpoint,
		StatusCode:   domain.StatusError,
		ErrorMessage: cause.Error(),
		Meta:         promptMeta(prompt),
	}); err != nil {
		slog.Warn("failed to record provider error row",
			"user_id", userID, "book_id", bookID, "endpoint", endpoint, "err", err)
	}
}

func promptMeta(prompt string) map[string]string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil
	}
	if len(prompt) > 512 {
		prompt = prompt[:512]
	}
	return map[string]string{"prompt": prompt}
}

func validateKey(userID, bookID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id required")
	}
	if strings.TrimSpace(bookID) == "" {
		return fmt.Errorf("book id required")
	}
	return nil
}
