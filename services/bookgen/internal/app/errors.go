package app

import "errors"

var (
	// ErrBookNotFound indicates no raw responses exist for the book.
	ErrBookNotFound = errors.New("book not found")
	// ErrChapterNotFound indicates no row or snapshot covers the chapter.
	ErrChapterNotFound = errors.New("chapter not found")
	// ErrResponseNotFound indicates no raw response row exists for the id.
	ErrResponseNotFound = errors.New("response not found")
	// ErrBookFinalized indicates the whole book is locked for regeneration.
	ErrBookFinalized = errors.New("book finalized")
	// ErrChapterFinalized indicates the target chapter is locked for edits.
	ErrChapterFinalized = errors.New("chapter finalized")
	// ErrGenerationFailed wraps provider call failures. The failed attempt is
	// still recorded as a raw response row with an error status.
	ErrGenerationFailed = errors.New("generation failed")
	ErrPromptRequired   = errors.New("prompt required")
	ErrQueueDisabled    = errors.New("job queue not configured")
)
