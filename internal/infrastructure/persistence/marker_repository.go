package persistence

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MarkerModel is the GORM model for durable duplicate-detection markers.
// The fast path is the Redis marker store; this table is the durable
// backstop that survives Redis restarts and TTL expiry.
type MarkerModel struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	DedupKey    string    `gorm:"size:512;not null;uniqueIndex:idx_markers_dedup_key"`
	ProcessedID string    `gorm:"size:64;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for the model
func (MarkerModel) TableName() string {
	return "usage_markers"
}

// MarkerRepository persists duplicate-detection markers.
type MarkerRepository struct {
	db *gorm.DB
}

// NewMarkerRepository creates a new marker repository
func NewMarkerRepository(db *gorm.DB) *MarkerRepository {
	return &MarkerRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *MarkerRepository) WithTx(tx *gorm.DB) *MarkerRepository {
	return &MarkerRepository{db: tx}
}

// Insert records the marker and reports whether it was newly created.
// A false return means the dedup key was already marked.
func (r *MarkerRepository) Insert(ctx context.Context, dedupKey, processedID string) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoNothing: true,
	}).Create(&MarkerModel{DedupKey: dedupKey, ProcessedID: processedID})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Exists reports whether a marker for the dedup key has been recorded.
func (r *MarkerRepository) Exists(ctx context.Context, dedupKey string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&MarkerModel{}).
		Where("dedup_key = ?", dedupKey).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
