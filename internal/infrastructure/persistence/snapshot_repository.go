package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metermesh/aggregator/internal/domain/shared"
	"github.com/metermesh/aggregator/internal/domain/usage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// The three aggregation views are persisted as whole JSON documents, one
// row per (partition key, sampled time). Events inside one sampling
// interval overwrite the same row; a new interval starts a new row, so
// history stays queryable by time.

// OrgSnapshotModel is the GORM model for organization-level snapshots
type OrgSnapshotModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	OrgID     string    `gorm:"size:128;not null;uniqueIndex:idx_org_snapshots_key,priority:1"`
	DocTime   string    `gorm:"size:16;not null;uniqueIndex:idx_org_snapshots_key,priority:2"`
	Doc       []byte    `gorm:"type:jsonb;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (OrgSnapshotModel) TableName() string {
	return "org_snapshots"
}

// SpaceSnapshotModel is the GORM model for space-level snapshots
type SpaceSnapshotModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	SpaceKey  string    `gorm:"size:256;not null;uniqueIndex:idx_space_snapshots_key,priority:1"`
	DocTime   string    `gorm:"size:16;not null;uniqueIndex:idx_space_snapshots_key,priority:2"`
	Doc       []byte    `gorm:"type:jsonb;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (SpaceSnapshotModel) TableName() string {
	return "space_snapshots"
}

// ConsumerSnapshotModel is the GORM model for consumer-level snapshots
type ConsumerSnapshotModel struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ConsumerKey string    `gorm:"size:384;not null;uniqueIndex:idx_consumer_snapshots_key,priority:1"`
	DocTime     string    `gorm:"size:16;not null;uniqueIndex:idx_consumer_snapshots_key,priority:2"`
	Doc         []byte    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (ConsumerSnapshotModel) TableName() string {
	return "consumer_snapshots"
}

// SnapshotRepository persists and loads the org, space and consumer
// aggregation documents.
type SnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *SnapshotRepository) WithTx(tx *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: tx}
}

func marshalDoc(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return raw, nil
}

func unmarshalDoc(raw []byte, doc any) error {
	if err := json.Unmarshal(raw, doc); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrCorruptSnapshot, err)
	}
	return nil
}

func upsertSnapshot(db *gorm.DB, keyColumn string, model any) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: keyColumn}, {Name: "doc_time"}},
		DoUpdates: clause.AssignmentColumns([]string{"doc", "updated_at"}),
	}).Create(model).Error
}

// SaveOrg upserts the org document for the sampled time.
func (r *SnapshotRepository) SaveOrg(ctx context.Context, docTime string, org *usage.Org) error {
	raw, err := marshalDoc(org)
	if err != nil {
		return err
	}
	return upsertSnapshot(r.db.WithContext(ctx), "org_id", &OrgSnapshotModel{
		OrgID:   org.OrganizationID,
		DocTime: docTime,
		Doc:     raw,
	})
}

// SaveSpace upserts the space document for the sampled time.
func (r *SnapshotRepository) SaveSpace(ctx context.Context, docTime string, spaceKey string, space *usage.Space) error {
	raw, err := marshalDoc(space)
	if err != nil {
		return err
	}
	return upsertSnapshot(r.db.WithContext(ctx), "space_key", &SpaceSnapshotModel{
		SpaceKey: spaceKey,
		DocTime:  docTime,
		Doc:      raw,
	})
}

// SaveConsumer upserts the consumer document for the sampled time.
func (r *SnapshotRepository) SaveConsumer(ctx context.Context, docTime string, consumerKey string, consumer *usage.Consumer) error {
	raw, err := marshalDoc(consumer)
	if err != nil {
		return err
	}
	return upsertSnapshot(r.db.WithContext(ctx), "consumer_key", &ConsumerSnapshotModel{
		ConsumerKey: consumerKey,
		DocTime:     docTime,
		Doc:         raw,
	})
}

// LatestOrg loads the most recent org document, or nil when the org has
// never reported usage.
func (r *SnapshotRepository) LatestOrg(ctx context.Context, orgID string) (*usage.Org, error) {
	var model OrgSnapshotModel
	err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("doc_time DESC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	var org usage.Org
	if err := unmarshalDoc(model.Doc, &org); err != nil {
		return nil, err
	}
	return &org, nil
}

// OrgAt loads the latest org document at or before the given zero-padded
// time key, or nil when none exists.
func (r *SnapshotRepository) OrgAt(ctx context.Context, orgID string, docTime string) (*usage.Org, error) {
	var model OrgSnapshotModel
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND doc_time <= ?", orgID, docTime).
		Order("doc_time DESC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	var org usage.Org
	if err := unmarshalDoc(model.Doc, &org); err != nil {
		return nil, err
	}
	return &org, nil
}

// LatestSpace loads the most recent space document for the partition key,
// or nil when the space has never reported usage.
func (r *SnapshotRepository) LatestSpace(ctx context.Context, spaceKey string) (*usage.Space, error) {
	var model SpaceSnapshotModel
	err := r.db.WithContext(ctx).
		Where("space_key = ?", spaceKey).
		Order("doc_time DESC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	var space usage.Space
	if err := unmarshalDoc(model.Doc, &space); err != nil {
		return nil, err
	}
	return &space, nil
}

// LatestConsumer loads the most recent consumer document for the partition
// key, or nil when the consumer has never reported usage.
func (r *SnapshotRepository) LatestConsumer(ctx context.Context, consumerKey string) (*usage.Consumer, error) {
	var model ConsumerSnapshotModel
	err := r.db.WithContext(ctx).
		Where("consumer_key = ?", consumerKey).
		Order("doc_time DESC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	var consumer usage.Consumer
	if err := unmarshalDoc(model.Doc, &consumer); err != nil {
		return nil, err
	}
	return &consumer, nil
}
