// Package plan holds the metering and rating plan configuration documents
// the aggregation engine resolves per event, and the registry that maps the
// formula names those documents carry to executable functions.
package plan

import "context"

// Metric describes one metric inside a metering or rating plan: its name
// and the names of the business formulas applied to it.
type Metric struct {
	Name        string `json:"name"`
	AggregateFn string `json:"aggregatefn,omitempty"`
	RateFn      string `json:"ratefn,omitempty"`
}

// MeteringPlan is the metering-side plan configuration document.
type MeteringPlan struct {
	PlanID  string   `json:"plan_id"`
	Metrics []Metric `json:"metrics"`
}

// RatingPlan is the rating-side plan configuration document.
type RatingPlan struct {
	PlanID  string   `json:"plan_id"`
	Metrics []Metric `json:"metrics"`
}

// Metric returns the metric entry with the given name, or nil.
func (p *MeteringPlan) Metric(name string) *Metric {
	return findMetric(p.Metrics, name)
}

// Metric returns the metric entry with the given name, or nil.
func (p *RatingPlan) Metric(name string) *Metric {
	return findMetric(p.Metrics, name)
}

func findMetric(metrics []Metric, name string) *Metric {
	for i := range metrics {
		if metrics[i].Name == name {
			return &metrics[i]
		}
	}
	return nil
}

// BusinessError is a plan-configuration problem reported by a lookup.
// It is attached to the triggering usage document verbatim and routed out
// of the pipeline instead of being raised as a processing failure.
type BusinessError struct {
	Err    string `json:"error"`
	Reason string `json:"reason"`
}

// Error implements the error interface.
func (e *BusinessError) Error() string {
	return e.Err + ": " + e.Reason
}

// MeteringLookup resolves metering plan configuration documents.
// A nil BusinessError and nil error means the plan was found.
type MeteringLookup interface {
	MeteringPlan(ctx context.Context, planID string) (*MeteringPlan, *BusinessError, error)
}

// RatingLookup resolves rating plan configuration documents.
type RatingLookup interface {
	RatingPlan(ctx context.Context, planID string) (*RatingPlan, *BusinessError, error)
}
