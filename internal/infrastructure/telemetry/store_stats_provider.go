// Package telemetry provides OpenTelemetry integration for metrics collection.
package telemetry

import (
	"context"

	"gorm.io/gorm"
)

// GormStatsProvider implements StatsProvider using GORM.
// It queries the snapshot and event log tables directly for gauge metrics.
type GormStatsProvider struct {
	db *gorm.DB
}

// NewGormStatsProvider creates a new GormStatsProvider.
func NewGormStatsProvider(db *gorm.DB) *GormStatsProvider {
	return &GormStatsProvider{db: db}
}

// CountOrganizations returns the number of organizations with at least
// one aggregated snapshot.
func (p *GormStatsProvider) CountOrganizations(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Table("org_snapshots").
		Distinct("org_id").
		Count(&count).Error

	return count, err
}

// CountLoggedEvents returns the number of rows in the usage event log.
func (p *GormStatsProvider) CountLoggedEvents(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Table("usage_event_log").
		Count(&count).Error

	return count, err
}
