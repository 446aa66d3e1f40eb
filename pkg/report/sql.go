package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// cycleRecord is the table row. The full report is kept as JSON next to the
// columns used for ordering and filtering.
type cycleRecord struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Trigger      string    `gorm:"size:16"`
	StartedAt    time.Time `gorm:"index"`
	FinishedAt   time.Time
	StageReached string `gorm:"size:16"`
	Status       string `gorm:"size:16;index"`
	Promoted     bool
	ErrorKind    string `gorm:"size:32"`
	Payload      string `gorm:"type:text"`
}

func (cycleRecord) TableName() string { return "cycle_reports" }

// SQLStore keeps the full report history in a SQL database through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL opens a database for the report history. driver is "sqlite" or
// "postgres"; dsn is passed to the driver unchanged.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported report database driver %q (must be sqlite or postgres)", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open report database: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open database and migrates the report table.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&cycleRecord{}); err != nil {
		return nil, fmt.Errorf("migrate report table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Save implements Store. Saving a report with an existing ID replaces it.
func (s *SQLStore) Save(ctx context.Context, r CycleReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	rec := cycleRecord{
		ID:           r.ID,
		Trigger:      string(r.Trigger),
		StartedAt:    r.StartedAt.UTC(),
		FinishedAt:   r.FinishedAt.UTC(),
		StageReached: string(r.StageReached),
		Status:       string(r.Status),
		Promoted:     r.Promoted,
		ErrorKind:    string(r.ErrorKind),
		Payload:      string(payload),
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *SQLStore) Latest(ctx context.Context) (CycleReport, bool, error) {
	var rec cycleRecord
	err := s.db.WithContext(ctx).Order("started_at DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CycleReport{}, false, nil
	}
	if err != nil {
		return CycleReport{}, false, fmt.Errorf("failed to get latest report: %w", err)
	}

	r, err := rec.decode()
	if err != nil {
		return CycleReport{}, false, err
	}
	return r, true, nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, limit int) ([]CycleReport, error) {
	var recs []cycleRecord
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(listLimit(limit)).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	out := make([]CycleReport, 0, len(recs))
	for _, rec := range recs {
		r, err := rec.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (rec cycleRecord) decode() (CycleReport, error) {
	var r CycleReport
	if err := json.Unmarshal([]byte(rec.Payload), &r); err != nil {
		return CycleReport{}, fmt.Errorf("failed to unmarshal report %s: %w", rec.ID, err)
	}
	return r, nil
}
