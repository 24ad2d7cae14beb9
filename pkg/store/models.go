package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.

// RawResponseModel rows are insert-only. The bigserial primary key doubles as
// the version order: a higher id always means a later logical write.
type RawResponseModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	UserID       string `gorm:"not null;index:idx_raw_responses_key,priority:1"`
	BookID       string `gorm:"not null;index:idx_raw_responses_key,priority:2"`
	Chapter      *int
	Endpoint     string `gorm:"not null"`
	Payload      string `gorm:"type:text;not null"`
	StatusCode   string `gorm:"not null"`
	ErrorMessage string
	Meta         datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null;index"`
}

// FinalizationMarkModel stores chapter 0 for a whole-book mark so the unique
// index can enforce one mark per scope (Postgres does not treat NULLs as
// equal in unique indexes).
type FinalizationMarkModel struct {
	ID       int64     `gorm:"primaryKey;autoIncrement"`
	BookID   string    `gorm:"not null;uniqueIndex:idx_finalization_scope,priority:1"`
	Chapter  int       `gorm:"not null;uniqueIndex:idx_finalization_scope,priority:2"`
	LockedAt time.Time `gorm:"not null"`
}
