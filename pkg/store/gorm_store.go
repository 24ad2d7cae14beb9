package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookforge/pkg/domain"
)

const migrateLockID int64 = 48120731

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&RawResponseModel{}, &FinalizationMarkModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveResponse appends a raw response row and returns the allocated id.
// The id and creation time are assigned here; values on rec are ignored.
func (s *GormStore) SaveResponse(rec domain.RawResponse) (int64, error) {
	model := responseToModel(rec)
	model.ID = 0
	model.CreatedAt = time.Now().UTC()
	if err := s.db.Create(&model).Error; err != nil {
		return 0, fmt.Errorf("save response: %w", err)
	}
	return model.ID, nil
}

// SaveEdit appends a row produced by the edit path. Storage-wise it is the
// same insert as SaveResponse; only the input shape differs.
func (s *GormStore) SaveEdit(req domain.EditRequest, payload, endpoint, statusCode, errMsg string) (int64, error) {
	chapter := req.Chapter
	return s.SaveResponse(domain.RawResponse{
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
func (s *GormStore) GetResponse(id int64) (domain.RawResponse, error) {
	var model RawResponseModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.RawResponse{}, ErrNotFound
		}
		return domain.RawResponse{}, err
	}
	return responseFromModel(model), nil
}

// ListResponses returns every row for the key ordered by ascending id.
func (s *GormStore) ListResponses(userID, bookID string) ([]domain.RawResponse, error) {
	var models []RawResponseModel
	if err := s.db.Where("user_id = ? AND book_id = ?", userID, bookID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.RawResponse, 0, len(models))
	for _, m := range models {
		res = append(res, responseFromModel(m))
	}
	return res, nil
}

// ResponseCount returns the number of rows for the key.
func (s *GormStore) ResponseCount(userID, bookID string) (int, error) {
	var count int64
	if err := s.db.Model(&RawResponseModel{}).
		Where("user_id = ? AND book_id = ?", userID, bookID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// HasResponses reports whether any row exists for the key.
func (s *GormStore) HasResponses(userID, bookID string) (bool, error) {
	count, err := s.ResponseCount(userID, bookID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// LatestResponseID returns the greatest id among rows for the key.
func (s *GormStore) LatestResponseID(userID, bookID string) (int64, bool, error) {
	var id sql.NullInt64
	if err := s.db.Model(&RawResponseModel{}).
		Where("user_id = ? AND book_id = ?", userID, bookID).
		Select("MAX(id)").
		Scan(&id).Error; err != nil {
		return 0, false, err
	}
	if !id.Valid {
		return 0, false, nil
	}
	return id.Int64, true, nil
}

// LatestResponses returns the row with the greatest id per book for the user,
// newest first.
func (s *GormStore) LatestResponses(userID string) ([]domain.RawResponse, error) {
	sub := s.db.Model(&RawResponseModel{}).
		Select("MAX(id)").
		Where("user_id = ?", userID).
		Group("book_id")
	var models []RawResponseModel
	if err := s.db.Where("id IN (?)", sub).
		Order("created_at DESC").
		Order("id DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.RawResponse, 0, len(models))
	for _, m := range models {
		res = append(res, responseFromModel(m))
	}
	return res, nil
}

// SaveMark inserts a finalization mark unless the scope already carries one.
// The unique index makes the insert-if-absent atomic under concurrent
// finalize calls.
func (s *GormStore) SaveMark(mark domain.FinalizationMark) (bool, error) {
	model := markToModel(mark)
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}, {Name: "chapter"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, fmt.Errorf("save mark: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListMarks returns all finalization marks for a book.
func (s *GormStore) ListMarks(bookID string) ([]domain.FinalizationMark, error) {
	var models []FinalizationMarkModel
	if err := s.db.Where("book_id = ?", bookID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.FinalizationMark, 0, len(models))
	for _, m := range models {
		res = append(res, markFromModel(m))
	}
	return res, nil
}

func responseToModel(r domain.RawResponse) RawResponseModel {
	var meta datatypes.JSON
	if len(r.Meta) > 0 {
		raw, _ := json.Marshal(r.Meta)
		meta = raw
	}
	return RawResponseModel{
		ID:           r.ID,
		UserID:       r.UserID,
		BookID:       r.BookID,
		Chapter:      r.Chapter,
		Endpoint:     r.Endpoint,
		Payload:      r.Payload,
		StatusCode:   r.StatusCode,
		ErrorMessage: r.ErrorMessage,
		Meta:         meta,
		CreatedAt:    r.CreatedAt,
	}
}

func responseFromModel(m RawResponseModel) domain.RawResponse {
	var meta map[string]string
	if len(m.Meta) > 0 {
		_ = json.Unmarshal(m.Meta, &meta)
	}
	return domain.RawResponse{
		ID:           m.ID,
		UserID:       m.UserID,
		BookID:       m.BookID,
		Chapter:      m.Chapter,
		Endpoint:     m.Endpoint,
		Payload:      m.Payload,
		StatusCode:   m.StatusCode,
		ErrorMessage: m.ErrorMessage,
		Meta:         meta,
		CreatedAt:    m.CreatedAt,
	}
}

func markToModel(mark domain.FinalizationMark) FinalizationMarkModel {
	chapter := 0
	if mark.Chapter != nil {
		chapter = *mark.Chapter
	}
	lockedAt := mark.LockedAt
	if lockedAt.IsZero() {
		lockedAt = time.Now().UTC()
	}
	return FinalizationMarkModel{
		BookID:   mark.BookID,
		Chapter:  chapter,
		LockedAt: lockedAt,
	}
}

func markFromModel(m FinalizationMarkModel) domain.FinalizationMark {
	mark := domain.FinalizationMark{
		BookID:   m.BookID,
		LockedAt: m.LockedAt,
	}
	if m.Chapter > 0 {
		chapter := m.Chapter
		mark.Chapter = &chapter
	}
	return mark
}
