package store

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/pkg/utils/json"
)

// QuarantinedRecord is a source record that failed resolution or
// normalization, kept for operator review instead of being dropped.
type QuarantinedRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RunID     string    `gorm:"index;size:32" json:"run_id"`
	Kind      string    `gorm:"size:32" json:"kind"`
	SourceID  string    `gorm:"size:256" json:"source_id"`
	Reason    string    `gorm:"size:1024" json:"reason"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName sets the quarantine table name.
func (QuarantinedRecord) TableName() string {
	return "quarantined_records"
}

// Record decodes the original source record from the stored payload.
func (q *QuarantinedRecord) Record() (model.SourceRecord, error) {
	var rec model.SourceRecord
	if err := json.Unmarshal([]byte(q.Payload), &rec); err != nil {
		return rec, fmt.Errorf("decode quarantined payload %d: %w", q.ID, err)
	}
	return rec, nil
}

// QuarantineStore persists quarantined records in SQLite.
type QuarantineStore struct {
	db *gorm.DB
}

// NewQuarantineStore opens (or creates) the quarantine database at
// path. Use ":memory:" for an ephemeral store.
func NewQuarantineStore(path string) (*QuarantineStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open quarantine db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&QuarantinedRecord{}); err != nil {
		return nil, fmt.Errorf("migrate quarantine schema: %w", err)
	}
	return &QuarantineStore{db: db}, nil
}

// Save quarantines a record with the reason it was rejected.
func (s *QuarantineStore) Save(ctx context.Context, runID string, rec model.SourceRecord, reason string) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode quarantined record: %w", err)
	}

	row := QuarantinedRecord{
		RunID:    runID,
		Kind:     string(rec.Kind),
		SourceID: rec.SourceID,
		Reason:   reason,
		Payload:  string(payload),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save quarantined record: %w", err)
	}
	return nil
}

// List returns quarantined records, newest first.
func (s *QuarantineStore) List(ctx context.Context, limit, offset int) ([]QuarantinedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []QuarantinedRecord
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list quarantined records: %w", err)
	}
	return rows, nil
}

// ListByRun returns the quarantined records of a single ingestion run.
func (s *QuarantineStore) ListByRun(ctx context.Context, runID string) ([]QuarantinedRecord, error) {
	var rows []QuarantinedRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list quarantined records for run %s: %w", runID, err)
	}
	return rows, nil
}

// Take removes records by ID and returns their decoded source records
// so they can be re-submitted for ingestion.
func (s *QuarantineStore) Take(ctx context.Context, ids []uint) ([]model.SourceRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []QuarantinedRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id IN ?", ids).Find(&rows).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&QuarantinedRecord{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("take quarantined records: %w", err)
	}

	records := make([]model.SourceRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].Record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Count returns the number of quarantined records.
func (s *QuarantineStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&QuarantinedRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count quarantined records: %w", err)
	}
	return n, nil
}

// Purge deletes quarantined records older than the cutoff.
func (s *QuarantineStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", olderThan).
		Delete(&QuarantinedRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge quarantined records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
