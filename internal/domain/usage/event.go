// Package usage defines the metered-usage documents flowing through the
// aggregation stage: the inbound accumulated-usage event and the
// hierarchical org/space/consumer aggregation trees it folds into.
package usage

import "github.com/metermesh/aggregator/internal/domain/plan"

// UnknownConsumer substitutes for a missing consumer id so consumer-level
// views and partition keys stay well formed.
const UnknownConsumer = "UNKNOWN"

// DeltaQuantity is one accumulated window cell on an inbound event: the
// accumulator's previous and current values for that bucket.
type DeltaQuantity struct {
	Previous *float64 `json:"previous,omitempty"`
	Current  float64  `json:"current"`
}

// AccumCell is a window bucket of an inbound accumulated-usage metric.
type AccumCell struct {
	Quantity DeltaQuantity `json:"quantity"`
}

// MetricUsage carries one metric's accumulated usage across the five
// window scales, mirroring the target Metric shape.
type MetricUsage struct {
	Metric  string         `json:"metric"`
	Windows [5][]*AccumCell `json:"windows"`
}

// PriceMetric is the configured price for one metric.
type PriceMetric struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Prices is the price list attached to an event.
type Prices struct {
	Metrics []PriceMetric `json:"metrics"`
}

// Price returns the configured price for a metric, or 0 when absent.
func (p *Prices) Price(metric string) float64 {
	if p == nil {
		return 0
	}
	for _, m := range p.Metrics {
		if m.Name == metric {
			return m.Price
		}
	}
	return 0
}

// Event is one accumulated-usage document delivered by the upstream
// accumulation stage. Start, End and Processed are epoch milliseconds;
// ProcessedID is the sortable sequence id assigned on intake.
type Event struct {
	AccumulatedUsageID string `json:"accumulated_usage_id,omitempty"`

	OrganizationID     string `json:"organization_id" binding:"required"`
	SpaceID            string `json:"space_id" binding:"required"`
	ConsumerID         string `json:"consumer_id,omitempty"`
	ResourceID         string `json:"resource_id" binding:"required"`
	ResourceInstanceID string `json:"resource_instance_id" binding:"required"`
	AccountID          string `json:"account_id,omitempty"`

	PlanID         string `json:"plan_id" binding:"required"`
	MeteringPlanID string `json:"metering_plan_id" binding:"required"`
	RatingPlanID   string `json:"rating_plan_id" binding:"required"`
	PricingPlanID  string `json:"pricing_plan_id" binding:"required"`

	PricingCountry string  `json:"pricing_country,omitempty"`
	Prices         *Prices `json:"prices,omitempty"`

	Start       int64  `json:"start" binding:"required"`
	End         int64  `json:"end" binding:"required"`
	Processed   int64  `json:"processed,omitempty"`
	ProcessedID string `json:"processed_id,omitempty"`

	AccumulatedUsage []MetricUsage `json:"accumulated_usage" binding:"required,min=1"`

	// Populated only on error documents routed out of the pipeline.
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PlanKey returns the typed composite plan key for the event.
func (e *Event) PlanKey() plan.Key {
	return plan.NewKey(e.PlanID, e.MeteringPlanID, e.RatingPlanID, e.PricingPlanID)
}

// Consumer returns the event's consumer id, substituting UnknownConsumer
// when none was reported.
func (e *Event) Consumer() string {
	if e.ConsumerID == "" {
		return UnknownConsumer
	}
	return e.ConsumerID
}

// WithError returns a copy of the event annotated with a business error,
// the shape routed to the error sink instead of the aggregation output.
func (e *Event) WithError(be *plan.BusinessError) *Event {
	out := *e
	out.Error = be.Err
	out.Reason = be.Reason
	return &out
}
