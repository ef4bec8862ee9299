package persistence

import (
	"context"
	"time"

	"github.com/metermesh/aggregator/internal/domain/usage"
	"gorm.io/gorm"
)

// EventLogModel is the GORM model for the append-only usage event log.
// Replay walks it in processed-id order to rebuild snapshots.
type EventLogModel struct {
	ID          uint         `gorm:"primaryKey;autoIncrement"`
	ProcessedID string       `gorm:"size:64;not null;uniqueIndex:idx_event_log_processed_id"`
	OrgID       string       `gorm:"size:128;not null;index:idx_event_log_org"`
	DedupKey    string       `gorm:"size:512;not null"`
	Processed   int64        `gorm:"not null;index:idx_event_log_processed"`
	Doc         *usage.Event `gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt   time.Time    `gorm:"autoCreateTime"`
}

// TableName returns the table name for the model
func (EventLogModel) TableName() string {
	return "usage_event_log"
}

// EventLogRepository persists inbound usage events before aggregation.
type EventLogRepository struct {
	db *gorm.DB
}

// NewEventLogRepository creates a new event log repository
func NewEventLogRepository(db *gorm.DB) *EventLogRepository {
	return &EventLogRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *EventLogRepository) WithTx(tx *gorm.DB) *EventLogRepository {
	return &EventLogRepository{db: tx}
}

// Append records one event. Appending the same processed id twice is a
// pipeline defect and surfaces as a unique constraint error.
func (r *EventLogRepository) Append(ctx context.Context, dedupKey string, event *usage.Event) error {
	return r.db.WithContext(ctx).Create(&EventLogModel{
		ProcessedID: event.ProcessedID,
		OrgID:       event.OrganizationID,
		DedupKey:    dedupKey,
		Processed:   event.Processed,
		Doc:         event,
	}).Error
}

// ReplaySince streams events with processed time at or after the given
// epoch millisecond time, in processed-id order, through fn. Returning an
// error from fn stops the replay.
func (r *EventLogRepository) ReplaySince(ctx context.Context, since int64, fn func(event *usage.Event) error) error {
	const batchSize = 200
	last := ""
	for {
		var models []EventLogModel
		err := r.db.WithContext(ctx).
			Where("processed >= ? AND processed_id > ?", since, last).
			Order("processed_id ASC").
			Limit(batchSize).
			Find(&models).Error
		if err != nil {
			return err
		}
		for i := range models {
			if err := fn(models[i].Doc); err != nil {
				return err
			}
		}
		if len(models) < batchSize {
			return nil
		}
		last = models[len(models)-1].ProcessedID
	}
}

// CountByOrg returns the number of logged events for an organization.
func (r *EventLogRepository) CountByOrg(ctx context.Context, orgID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&EventLogModel{}).
		Where("org_id = ?", orgID).
		Count(&count).Error
	return count, err
}
