// Package aggregation implements the hierarchical, time-windowed
// aggregation algorithm: folding one accumulated-usage event into the
// org, consumer and space aggregation trees.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/metermesh/aggregator/internal/domain/plan"
	"github.com/metermesh/aggregator/internal/domain/timewindow"
	"github.com/metermesh/aggregator/internal/domain/usage"
	"github.com/metermesh/aggregator/internal/infrastructure/cache"
	"github.com/metermesh/aggregator/internal/infrastructure/seqid"
	"go.uber.org/zap"
)

// ErrQuantityRegression signals that an aggregation formula turned a
// non-zero bucket quantity into zero or NaN. Formulas are expected never
// to silently erase prior totals, so this is a defect in a
// business-supplied formula or in window indexing, not a recoverable
// condition.
var ErrQuantityRegression = errors.New("aggregation resulted in invalid value")

// Snapshots is the previous persisted state of the three views, any of
// which may be nil when the entity has not been seen before.
type Snapshots struct {
	Org      *usage.Org
	Consumer *usage.Consumer
	Space    *usage.Space
}

// Marker is the empty duplicate-detection document produced alongside
// every aggregation result. It carries no business fields; the
// persistence layer registers it to suppress duplicate delivery.
type Marker struct{}

// Result is the outcome of one aggregation: the three updated documents
// plus the marker, or an error document when a plan lookup reported a
// business error (in which case no tree was mutated).
type Result struct {
	Org      *usage.Org
	Consumer *usage.Consumer
	Space    *usage.Space
	Marker   *Marker

	// ErrorDoc is the input event annotated with the business error that
	// short-circuited processing. When set, all other fields are nil.
	ErrorDoc *usage.Event
}

// Config carries the engine's tunables.
type Config struct {
	Support  timewindow.Support
	Slack    timewindow.Slack
	Sampling time.Duration
}

// Engine aggregates usage events. It holds no mutable tree state between
// events: every Aggregate call is a pure function of its snapshot and
// event arguments, except for the staleness pruner's wall-clock
// comparisons.
type Engine struct {
	metering plan.MeteringLookup
	rating   plan.RatingLookup
	formulas *plan.Formulas
	cache    *cache.FormulaCache
	pruner   *usage.Pruner
	support  timewindow.Support
	sampling time.Duration
	logger   *zap.Logger
}

// NewEngine creates an aggregation engine. The formula cache and pruner
// are constructor-injected so tests can isolate them and multiple engine
// instances can coexist.
func NewEngine(
	metering plan.MeteringLookup,
	rating plan.RatingLookup,
	formulas *plan.Formulas,
	formulaCache *cache.FormulaCache,
	pruner *usage.Pruner,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.Support == nil {
		cfg.Support = timewindow.AllDimensions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		metering: metering,
		rating:   rating,
		formulas: formulas,
		cache:    formulaCache,
		pruner:   pruner,
		support:  cfg.Support,
		sampling: cfg.Sampling,
		logger:   logger,
	}
}

// Aggregate folds one usage event into the previous snapshots and
// returns the next ones. The inputs are never mutated.
func (e *Engine) Aggregate(ctx context.Context, prev Snapshots, event *usage.Event) (*Result, error) {
	e.logger.Debug("Aggregating usage",
		zap.String("organization_id", event.OrganizationID),
		zap.String("resource_instance_id", event.ResourceInstanceID),
		zap.Int64("end", event.End))

	mplan, rplan, be, err := e.lookupPlans(ctx, event)
	if err != nil {
		return nil, err
	}
	if be != nil {
		e.logger.Debug("Usage has business errors",
			zap.String("error", be.Err),
			zap.String("reason", be.Reason))
		return &Result{ErrorDoc: event.WithError(be)}, nil
	}

	newEnd := event.Processed
	docEnd := event.End

	org, consumer, space := e.materialize(prev, event)

	// Roll the window arrays forward from the previous document's
	// processed time to this event's, then clear the prior application's
	// transient previous_quantity bookkeeping.
	if prev.Org != nil {
		org.ShiftWindows(prev.Org.Processed, event.Processed, e.support)
	}
	if prev.Consumer != nil {
		consumer.ShiftWindows(prev.Consumer.Processed, event.Processed, e.support)
	}
	if prev.Space != nil {
		space.ShiftWindows(prev.Space.Processed, event.Processed, e.support)
	}
	org.PurgePreviousQuantities()
	consumer.PurgePreviousQuantities()
	space.PurgePreviousQuantities()

	doctime := seqid.Sample(event.ProcessedID, e.sampling)
	org.Space(event.SpaceID, doctime, e.pruner)

	key := event.PlanKey()
	for i := range event.AccumulatedUsage {
		mu := &event.AccumulatedUsage[i]

		aggregateFn, rateFn, be := e.resolveFormulas(mplan, rplan, key, mu.Metric)
		if be != nil {
			return &Result{ErrorDoc: event.WithError(be)}, nil
		}
		price := event.Prices.Price(mu.Metric)
		accAccessor := accumAccessor(mu, newEnd)

		if err := e.applyMetric(org.Resource(event.ResourceID).Plan(key).Metric(mu.Metric), mu, aggregateFn, rateFn, price, newEnd, docEnd, accAccessor); err != nil {
			return nil, err
		}
		if err := e.applyMetric(space.Resource(event.ResourceID).Plan(key).Metric(mu.Metric), mu, aggregateFn, rateFn, price, newEnd, docEnd, accAccessor); err != nil {
			return nil, err
		}

		space.Consumer(event.Consumer(), doctime, e.pruner)

		consumerPlan := consumer.Resource(event.ResourceID).Plan(key)
		if err := e.applyMetric(consumerPlan.Metric(mu.Metric), mu, aggregateFn, rateFn, price, newEnd, docEnd, accAccessor); err != nil {
			return nil, err
		}
		consumerPlan.RegisterResourceInstance(event.ResourceInstanceID, dedupTime(event), event.Processed, e.pruner)
	}

	// Second shift: the sequence id's time may differ in granularity from
	// the wall-clock processed time used above.
	if seqTime := seqid.Time(event.ProcessedID); seqTime > 0 {
		org.ShiftWindows(event.Processed, seqTime, e.support)
		consumer.ShiftWindows(event.Processed, seqTime, e.support)
		space.ShiftWindows(event.Processed, seqTime, e.support)
	}

	return &Result{Org: org, Consumer: consumer, Space: space, Marker: &Marker{}}, nil
}

// lookupPlans resolves the metering and rating plan configuration
// documents concurrently; the two lookups are independent.
func (e *Engine) lookupPlans(ctx context.Context, event *usage.Event) (*plan.MeteringPlan, *plan.RatingPlan, *plan.BusinessError, error) {
	var (
		wg         sync.WaitGroup
		mplan      *plan.MeteringPlan
		rplan      *plan.RatingPlan
		mbe, rbe   *plan.BusinessError
		merr, rerr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		mplan, mbe, merr = e.metering.MeteringPlan(ctx, event.MeteringPlanID)
	}()
	go func() {
		defer wg.Done()
		rplan, rbe, rerr = e.rating.RatingPlan(ctx, event.RatingPlanID)
	}()
	wg.Wait()

	if merr != nil {
		return nil, nil, nil, fmt.Errorf("metering plan %s lookup: %w", event.MeteringPlanID, merr)
	}
	if rerr != nil {
		return nil, nil, nil, fmt.Errorf("rating plan %s lookup: %w", event.RatingPlanID, rerr)
	}
	if mbe != nil {
		return nil, nil, mbe, nil
	}
	if rbe != nil {
		return nil, nil, rbe, nil
	}
	return mplan, rplan, nil, nil
}

// materialize clones the previous snapshots (or builds fresh roots) and
// overwrites the denormalized event context on each.
func (e *Engine) materialize(prev Snapshots, event *usage.Event) (*usage.Org, *usage.Consumer, *usage.Space) {
	var org *usage.Org
	if prev.Org != nil {
		org = prev.Org.Clone()
	} else {
		org = usage.NewOrg(event.OrganizationID)
	}
	org.Context = usage.Context{
		AccountID:          event.AccountID,
		Start:              event.Start,
		End:                event.End,
		ResourceInstanceID: event.ResourceInstanceID,
		ConsumerID:         event.ConsumerID,
		ResourceID:         event.ResourceID,
		PlanID:             event.PlanID,
		PricingCountry:     event.PricingCountry,
		Prices:             event.Prices,
		Processed:          event.Processed,
		ProcessedID:        event.ProcessedID,
	}

	var consumer *usage.Consumer
	if prev.Consumer != nil {
		consumer = prev.Consumer.Clone()
	} else {
		consumer = usage.NewConsumer(event.Consumer())
	}
	consumer.OrganizationID = event.OrganizationID
	consumer.Context = usage.Context{
		Start:              event.Start,
		End:                event.End,
		ResourceInstanceID: event.ResourceInstanceID,
		ResourceID:         event.ResourceID,
		PlanID:             event.PlanID,
		PricingCountry:     event.PricingCountry,
		Prices:             event.Prices,
		Processed:          event.Processed,
		ProcessedID:        event.ProcessedID,
	}

	var space *usage.Space
	if prev.Space != nil {
		space = prev.Space.Clone()
	} else {
		// The space document is stored separately; the org only holds a
		// lightweight back-reference, which is superseded by the fresh root.
		org.RemoveSpaceRef(event.SpaceID)
		space = usage.NewSpace(event.SpaceID)
	}
	space.OrganizationID = event.OrganizationID
	space.Context.Start = event.Start
	space.Context.End = event.End
	space.Context.Processed = event.Processed
	space.Context.ProcessedID = event.ProcessedID

	return org, consumer, space
}

// resolveFormulas looks up the aggregate and rate formulas for a metric
// through the formula cache.
func (e *Engine) resolveFormulas(mplan *plan.MeteringPlan, rplan *plan.RatingPlan, key plan.Key, metric string) (plan.AggregateFn, plan.RateFn, *plan.BusinessError) {
	aggregateFn, be := e.cache.Aggregate(key.MeteringPlanID, metric, func() (plan.AggregateFn, *plan.BusinessError) {
		m := mplan.Metric(metric)
		if m == nil {
			return nil, &plan.BusinessError{Err: "emetricmissing", Reason: "metric " + metric + " not in metering plan " + key.MeteringPlanID}
		}
		return e.formulas.Aggregate(m.AggregateFn)
	})
	if be != nil {
		return nil, nil, be
	}
	rateFn, be := e.cache.Rate(key.RatingPlanID, metric, func() (plan.RateFn, *plan.BusinessError) {
		m := rplan.Metric(metric)
		if m == nil {
			return nil, &plan.BusinessError{Err: "emetricmissing", Reason: "metric " + metric + " not in rating plan " + key.RatingPlanID}
		}
		return e.formulas.Rate(m.RateFn)
	})
	if be != nil {
		return nil, nil, be
	}
	return aggregateFn, rateFn, nil
}

// applyMetric folds one metric's accumulated windows into the target
// metric. Only the bucket at the computed time-window index may be
// written; every other bucket carries over unchanged.
func (e *Engine) applyMetric(
	target *usage.Metric,
	mu *usage.MetricUsage,
	aggregateFn plan.AggregateFn,
	rateFn plan.RateFn,
	price float64,
	newEnd, docEnd int64,
	accAccessor plan.WindowAccessor,
) error {
	aggAccessor := targetAccessor(target, newEnd)

	for i, d := range timewindow.Dimensions {
		if !e.support.Supported(d) {
			target.Windows[i] = usage.Window{nil}
			continue
		}

		w := target.Windows[i]
		// Grow the slot to the incoming width; never shrink.
		for len(w) < len(mu.Windows[i]) {
			w = append(w, nil)
		}

		twi := timewindow.Index(d, newEnd, docEnd, len(w))

		for j := range w {
			if j != twi || j >= len(mu.Windows[i]) || mu.Windows[i][j] == nil {
				continue
			}
			incoming := mu.Windows[i][j]

			var oldQuantity float64
			if w[j] != nil {
				oldQuantity = w[j].Quantity
			}
			accumPrev := 0.0
			if incoming.Quantity.Previous != nil {
				accumPrev = *incoming.Quantity.Previous
			}

			newQuantity, err := aggregateFn(oldQuantity, accumPrev, incoming.Quantity.Current, aggAccessor, accAccessor)
			if err != nil {
				return fmt.Errorf("aggregate %s at %s[%d]: %w", mu.Metric, d, j, err)
			}
			if oldQuantity != 0 && (newQuantity == 0 || math.IsNaN(newQuantity)) {
				return fmt.Errorf("%w: metric %s window %s[%d]: %v -> %v",
					ErrQuantityRegression, mu.Metric, d, j, oldQuantity, newQuantity)
			}

			cost := 0.0
			if newQuantity != 0 && !math.IsNaN(newQuantity) {
				if cost, err = rateFn(price, newQuantity); err != nil {
					return fmt.Errorf("rate %s at %s[%d]: %w", mu.Metric, d, j, err)
				}
			}

			var prevQuantity *float64
			if oldQuantity != 0 {
				q := oldQuantity
				prevQuantity = &q
			}
			w[j] = &usage.Cell{Quantity: newQuantity, Cost: cost, PreviousQuantity: prevQuantity}
		}

		target.Windows[i] = w
	}
	return nil
}

// targetAccessor exposes the target metric's window state to formulas:
// the quantity in the bucket of dimension d containing time t. The
// windows are snapshotted up front so formulas observe the
// pre-application buckets even while the slots are being rewritten.
func targetAccessor(m *usage.Metric, newEnd int64) plan.WindowAccessor {
	var snap [5]usage.Window
	for i, w := range m.Windows {
		snap[i] = append(usage.Window(nil), w...)
	}
	return func(d timewindow.Dimension, t int64) (float64, bool) {
		i := dimensionSlot(d)
		if i < 0 {
			return 0, false
		}
		w := snap[i]
		idx := timewindow.Delta(d, t, newEnd)
		if idx < 0 || idx >= len(w) || w[idx] == nil {
			return 0, false
		}
		return w[idx].Quantity, true
	}
}

// accumAccessor exposes the event's accumulated window state to formulas.
func accumAccessor(mu *usage.MetricUsage, newEnd int64) plan.WindowAccessor {
	return func(d timewindow.Dimension, t int64) (float64, bool) {
		i := dimensionSlot(d)
		if i < 0 {
			return 0, false
		}
		w := mu.Windows[i]
		idx := timewindow.Delta(d, t, newEnd)
		if idx < 0 || idx >= len(w) || w[idx] == nil {
			return 0, false
		}
		return w[idx].Quantity.Current, true
	}
}

func dimensionSlot(d timewindow.Dimension) int {
	for i, dim := range timewindow.Dimensions {
		if dim == d {
			return i
		}
	}
	return -1
}

// dedupTime derives the resource-instance reference time from the
// event's dedup key components.
func dedupTime(event *usage.Event) string {
	return seqid.Pad16(event.End) + "/" + seqid.Pad16(event.Start)
}
