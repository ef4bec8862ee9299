// Package telemetry provides OpenTelemetry integration for metrics collection.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// PipelineMetrics provides metrics for the usage aggregation pipeline.
// It tracks submissions, business errors, downstream deliveries, and the
// size of the aggregated state.
type PipelineMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	// Counter metrics (monotonically increasing)
	eventsSubmittedTotal *Counter
	businessErrorsTotal  *Counter
	deliveriesTotal      *Counter

	// Histogram metrics
	aggregationDuration *Histogram

	// Gauge metrics (point-in-time values)
	trackedOrganizations *Gauge
	eventLogRows         *Gauge

	// Periodic collector
	stopChan    chan struct{}
	stopOnce    sync.Once
	collectOnce sync.Once

	// Data provider for periodic collection
	statsProvider StatsProvider
}

// StatsProvider provides aggregation state counts for periodic metrics
// collection. This interface allows the telemetry layer to query the
// store without depending on the persistence layer directly.
type StatsProvider interface {
	// CountOrganizations returns the number of organizations with at
	// least one aggregated snapshot.
	CountOrganizations(ctx context.Context) (int64, error)

	// CountLoggedEvents returns the number of rows in the usage event log.
	CountLoggedEvents(ctx context.Context) (int64, error)
}

// PipelineMetricsConfig holds configuration for pipeline metrics.
type PipelineMetricsConfig struct {
	Meter           metric.Meter
	Logger          *zap.Logger
	CollectInterval time.Duration // Default: 5 minutes
	StatsProvider   StatsProvider
}

// NewPipelineMetrics creates a new PipelineMetrics instance.
func NewPipelineMetrics(cfg PipelineMetricsConfig) (*PipelineMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pm := &PipelineMetrics{
		meter:         cfg.Meter,
		logger:        logger,
		stopChan:      make(chan struct{}),
		statsProvider: cfg.StatsProvider,
	}

	var err error

	pm.eventsSubmittedTotal, err = NewCounter(
		cfg.Meter,
		"usage_events_submitted_total",
		"Total number of usage documents submitted for aggregation",
		"{events}",
	)
	if err != nil {
		return nil, err
	}

	pm.businessErrorsTotal, err = NewCounter(
		cfg.Meter,
		"usage_business_errors_total",
		"Total number of usage documents rejected with a business error",
		"{events}",
	)
	if err != nil {
		return nil, err
	}

	pm.deliveriesTotal, err = NewCounter(
		cfg.Meter,
		"usage_deliveries_total",
		"Total number of aggregated documents posted downstream",
		"{deliveries}",
	)
	if err != nil {
		return nil, err
	}

	pm.aggregationDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "usage_aggregation_duration_seconds",
		Description: "Time spent folding one usage document into its snapshots",
		Unit:        "s",
		Boundaries:  DBDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	pm.trackedOrganizations, err = NewGauge(
		cfg.Meter,
		"usage_tracked_organizations",
		"Number of organizations with aggregated state",
		"{organizations}",
	)
	if err != nil {
		return nil, err
	}

	pm.eventLogRows, err = NewGauge(
		cfg.Meter,
		"usage_event_log_rows",
		"Number of rows in the usage event log",
		"{rows}",
	)
	if err != nil {
		return nil, err
	}

	return pm, nil
}

// =============================================================================
// Submission Metrics
// =============================================================================

// Outcome classifies the result of a usage submission for metrics labeling.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeError     Outcome = "error"
)

// RecordSubmission records one submitted usage document and its outcome.
// This should be called from the interface layer once per submission.
func (pm *PipelineMetrics) RecordSubmission(ctx context.Context, orgID string, outcome Outcome) {
	pm.eventsSubmittedTotal.Inc(ctx,
		AttrOrganizationID.String(orgID),
		AttrOutcome.String(string(outcome)),
	)
}

// RecordBusinessError records a usage document rejected by plan functions.
func (pm *PipelineMetrics) RecordBusinessError(ctx context.Context, orgID, reason string) {
	pm.businessErrorsTotal.Inc(ctx,
		AttrOrganizationID.String(orgID),
		AttrErrorDoc.String(reason),
	)
}

// ObserveAggregation records the time spent aggregating one document.
func (pm *PipelineMetrics) ObserveAggregation(ctx context.Context, d time.Duration) {
	pm.aggregationDuration.RecordDuration(ctx, d)
}

// =============================================================================
// Delivery Metrics
// =============================================================================

// RecordDelivery records a delivery attempt to a downstream sink.
func (pm *PipelineMetrics) RecordDelivery(ctx context.Context, sinkURL string, ok bool) {
	outcome := OutcomeAccepted
	if !ok {
		outcome = OutcomeError
	}
	pm.deliveriesTotal.Inc(ctx,
		AttrSinkURL.String(sinkURL),
		AttrOutcome.String(string(outcome)),
	)
}

// =============================================================================
// Periodic Collection
// =============================================================================

// StartPeriodicCollection starts periodic collection of gauge metrics.
// It samples store sizes every interval (default: 5 minutes).
// This is non-blocking - use Stop() to stop collection.
func (pm *PipelineMetrics) StartPeriodicCollection(ctx context.Context, interval time.Duration) {
	pm.collectOnce.Do(func() {
		if interval <= 0 {
			interval = 5 * time.Minute
		}

		go pm.runPeriodicCollection(ctx, interval)
	})
}

// runPeriodicCollection runs the periodic collection loop.
func (pm *PipelineMetrics) runPeriodicCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	pm.collectStoreMetrics(ctx)

	for {
		select {
		case <-pm.stopChan:
			pm.logger.Info("Stopping periodic pipeline metrics collection")
			return
		case <-ctx.Done():
			pm.logger.Info("Context cancelled, stopping periodic pipeline metrics collection")
			return
		case <-ticker.C:
			pm.collectStoreMetrics(ctx)
		}
	}
}

// collectStoreMetrics samples aggregation state gauges.
func (pm *PipelineMetrics) collectStoreMetrics(ctx context.Context) {
	if pm.statsProvider == nil {
		pm.logger.Debug("No stats provider configured, skipping store metrics collection")
		return
	}

	orgs, err := pm.statsProvider.CountOrganizations(ctx)
	if err != nil {
		pm.logger.Warn("Failed to count organizations for metrics collection", zap.Error(err))
	} else {
		pm.trackedOrganizations.Record(ctx, orgs)
	}

	rows, err := pm.statsProvider.CountLoggedEvents(ctx)
	if err != nil {
		pm.logger.Warn("Failed to count event log rows for metrics collection", zap.Error(err))
	} else {
		pm.eventLogRows.Record(ctx, rows)
	}
}

// Stop stops the periodic collection.
func (pm *PipelineMetrics) Stop() {
	pm.stopOnce.Do(func() {
		close(pm.stopChan)
	})
}

// =============================================================================
// Error Types
// =============================================================================

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewPipelineMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
