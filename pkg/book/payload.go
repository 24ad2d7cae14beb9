package book

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bookforge/pkg/domain"
)

// ErrInvalidChapter is returned for chapter numbers below 1. Missing coverage
// is never an error; a malformed identity always is.
var ErrInvalidChapter = errors.New("book: chapter number must be positive")

// snapshot is the tagged parse result of a raw payload: exactly one of the
// two fields is set. Chapter-scoped rows yield a single chapter, whole-book
// rows a chapter list.
type snapshot struct {
	book    *domain.BookPayload
	chapter *domain.ChapterPayload
}

// parseRow parses a raw response payload according to the row's scope.
//
// A chapter-scoped row is expected to carry the single-chapter form, but a
// provider sometimes replies with a whole-book wrapper even when asked for
// one chapter; in that case the named chapter is extracted and the rest of
// the wrapper is ignored, since an edit row's scope is strictly the chapter
// it names.
func parseRow(row domain.RawResponse) (snapshot, error) {
	payload := strings.TrimSpace(row.Payload)
	if payload == "" {
		return snapshot{}, errors.New("empty payload")
	}
	if row.Chapter != nil {
		return parseChapterPayload(payload, *row.Chapter)
	}
	return parseBookPayload(payload)
}

func parseChapterPayload(payload string, chapter int) (snapshot, error) {
	var ch domain.ChapterPayload
	if err := json.Unmarshal([]byte(payload), &ch); err == nil && ch.Content != "" {
		// The row's key decides the scope; a payload claiming another number is
		// untrusted provider output and must not leak into other chapters.
		ch.Number = chapter
		return snapshot{chapter: &ch}, nil
	}
	// Whole-book wrapper fallback: keep only the named chapter.
	var wb domain.BookPayload
	if err := json.Unmarshal([]byte(payload), &wb); err != nil {
		return snapshot{}, fmt.Errorf("parse chapter payload: %w", err)
	}
	for _, c := range wb.Chapters {
		if c.Number == chapter {
			ch := c
			return snapshot{chapter: &ch}, nil
		}
	}
	return snapshot{}, fmt.Errorf("chapter payload does not contain chapter %d", chapter)
}

func parseBookPayload(payload string) (snapshot, error) {
	var wb domain.BookPayload
	if err := json.Unmarshal([]byte(payload), &wb); err != nil {
		return snapshot{}, fmt.Errorf("parse book payload: %w", err)
	}
	chapters := make([]domain.ChapterPayload, 0, len(wb.Chapters))
	for _, c := range wb.Chapters {
		if c.Number <= 0 {
			continue
		}
		chapters = append(chapters, c)
	}
	if len(chapters) == 0 {
		return snapshot{}, errors.New("book payload contains no chapters")
	}
	wb.Chapters = chapters
	return snapshot{book: &wb}, nil
}
