package store

import (
	"sort"
	"sync"
	"time"

	"bookforge/pkg/domain"
)

// MemoryStore keeps raw responses and finalization marks in-process. It backs
// tests and local development; the id sequence is store-wide and monotonic,
// which satisfies the per-key ordering the materializer depends on.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	responses []domain.RawResponse
	marks     map[markKey]domain.FinalizationMark
}

type markKey struct {
	bookID  string
	chapter int // 0 => whole book
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		marks:  make(map[markKey]domain.FinalizationMark),
	}
}

// SaveResponse appends a raw response row and returns the allocated id.
func (m *MemoryStore) SaveResponse(rec domain.RawResponse) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextID
	m.nextID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Chapter != nil {
		chapter := *rec.Chapter
		rec.Chapter = &chapter
	}
	m.responses = append(m.responses, rec)
	return rec.ID, nil
}

// SaveEdit appends a row produced by the edit path.
func (m *MemoryStore) SaveEdit(req domain.EditRequest, payload, endpoint, statusCode, errMsg string) (int64, error) {
	chapter := req.Chapter
	return m.SaveResponse(domain.RawResponse{
		UserID:       req.UserID,
		BookID:       req.BookID,
		Chapter:      &chapter,
		Endpoint:     endpoint,
		Payload:      payload,
		StatusCode:   statusCode,
		ErrorMessage: errMsg,
	})
}

// GetResponse returns one raw response by id.
func (m *MemoryStore) GetResponse(id int64) (domain.RawResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.responses {
		if rec.ID == id {
			return rec, nil
		}
	}
	return domain.RawResponse{}, ErrNotFound
}

// ListResponses returns every row for the key ordered by ascending id.
func (m *MemoryStore) ListResponses(userID, bookID string) ([]domain.RawResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.RawResponse
	for _, rec := range m.responses {
		if rec.UserID == userID && rec.BookID == bookID {
			res = append(res, rec)
		}
	}
	return res, nil
}

// ResponseCount returns the number of rows for the key.
func (m *MemoryStore) ResponseCount(userID, bookID string) (int, error) {
	rows, _ := m.ListResponses(userID, bookID)
	return len(rows), nil
}

// HasResponses reports whether any row exists for the key.
func (m *MemoryStore) HasResponses(userID, bookID string) (bool, error) {
	count, _ := m.ResponseCount(userID, bookID)
	return count > 0, nil
}

// LatestResponseID returns the greatest id among rows for the key.
func (m *MemoryStore) LatestResponseID(userID, bookID string) (int64, bool, error) {
	rows, _ := m.ListResponses(userID, bookID)
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[len(rows)-1].ID, true, nil
}

// LatestResponses returns the newest row per book for the user, newest first.
func (m *MemoryStore) LatestResponses(userID string) ([]domain.RawResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := make(map[string]domain.RawResponse)
	for _, rec := range m.responses {
		if rec.UserID != userID {
			continue
		}
		if cur, ok := latest[rec.BookID]; !ok || rec.ID > cur.ID {
			latest[rec.BookID] = rec
		}
	}
	res := make([]domain.RawResponse, 0, len(latest))
	for _, rec := range latest {
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	return res, nil
}

// SaveMark inserts a finalization mark unless the scope already carries one.
func (m *MemoryStore) SaveMark(mark domain.FinalizationMark) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := markKey{bookID: mark.BookID}
	if mark.Chapter != nil {
		key.chapter = *mark.Chapter
	}
	if _, exists := m.marks[key]; exists {
		return false, nil
	}
	if mark.LockedAt.IsZero() {
		mark.LockedAt = time.Now().UTC()
	}
	m.marks[key] = mark
	return true, nil
}

// ListMarks returns all finalization marks for a book.
func (m *MemoryStore) ListMarks(bookID string) ([]domain.FinalizationMark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.FinalizationMark
	for key, mark := range m.marks {
		if key.bookID == bookID {
			res = append(res, mark)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		ci, cj := 0, 0
		if res[i].Chapter != nil {
			ci = *res[i].Chapter
		}
		if res[j].Chapter != nil {
			cj = *res[j].Chapter
		}
		return ci < cj
	})
	return res, nil
}
