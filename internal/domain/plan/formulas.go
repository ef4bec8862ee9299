package plan

import (
	"math"

	"github.com/metermesh/aggregator/internal/domain/timewindow"
	"github.com/shopspring/decimal"
)

// WindowAccessor lets a formula inspect sibling window buckets across
// scales: it returns the aggregated quantity in the bucket of dimension d
// containing time t (epoch milliseconds), and whether that bucket holds a
// value.
type WindowAccessor func(d timewindow.Dimension, t int64) (float64, bool)

// AggregateFn folds one accumulated quantity into a running total.
// prev is the target bucket's current quantity (0 when empty), accumPrev
// and accumCurrent are the event's previous and current accumulated values
// for the bucket, and the two accessors expose the target's and the
// event's window state.
type AggregateFn func(prev, accumPrev, accumCurrent float64, agg, acc WindowAccessor) (float64, error)

// RateFn prices a quantity with the metric's configured price.
type RateFn func(price, quantity float64) (float64, error)

// Default formula names applied when a plan metric does not name one.
const (
	DefaultAggregateFn = "sum"
	DefaultRateFn      = "price"
)

// Formulas resolves the formula names carried in plan documents to
// executable functions. Unknown names are a plan configuration problem,
// reported as a BusinessError so the event is routed out rather than
// failing the process.
type Formulas struct {
	aggregates map[string]AggregateFn
	rates      map[string]RateFn
}

// NewFormulas returns a registry preloaded with the built-in formulas.
func NewFormulas() *Formulas {
	f := &Formulas{
		aggregates: make(map[string]AggregateFn),
		rates:      make(map[string]RateFn),
	}
	f.RegisterAggregate("sum", sumAggregate)
	f.RegisterAggregate("max", maxAggregate)
	f.RegisterAggregate("identity", identityAggregate)
	f.RegisterRate("price", priceRate)
	f.RegisterRate("zero", zeroRate)
	return f
}

// RegisterAggregate adds or replaces a named aggregate formula.
func (f *Formulas) RegisterAggregate(name string, fn AggregateFn) {
	f.aggregates[name] = fn
}

// RegisterRate adds or replaces a named rate formula.
func (f *Formulas) RegisterRate(name string, fn RateFn) {
	f.rates[name] = fn
}

// Aggregate resolves the aggregate formula for a plan metric.
func (f *Formulas) Aggregate(name string) (AggregateFn, *BusinessError) {
	if name == "" {
		name = DefaultAggregateFn
	}
	fn, ok := f.aggregates[name]
	if !ok {
		return nil, &BusinessError{Err: "eaggregatefn", Reason: "unknown aggregate function " + name}
	}
	return fn, nil
}

// Rate resolves the rate formula for a plan metric.
func (f *Formulas) Rate(name string) (RateFn, *BusinessError) {
	if name == "" {
		name = DefaultRateFn
	}
	fn, ok := f.rates[name]
	if !ok {
		return nil, &BusinessError{Err: "eratefn", Reason: "unknown rate function " + name}
	}
	return fn, nil
}

// sumAggregate adds the delta between the event's current and previous
// accumulated values to the running total.
func sumAggregate(prev, accumPrev, accumCurrent float64, _, _ WindowAccessor) (float64, error) {
	return prev + accumCurrent - accumPrev, nil
}

// maxAggregate keeps the largest accumulated value seen in the bucket.
func maxAggregate(prev, _, accumCurrent float64, _, _ WindowAccessor) (float64, error) {
	return math.Max(prev, accumCurrent), nil
}

// identityAggregate overwrites the bucket with the event's current value.
func identityAggregate(_, _, accumCurrent float64, _, _ WindowAccessor) (float64, error) {
	return accumCurrent, nil
}

// priceRate computes price times quantity in decimal arithmetic so costs
// do not drift across repeated float multiplication.
func priceRate(price, quantity float64) (float64, error) {
	cost, _ := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(quantity)).Float64()
	return cost, nil
}

func zeroRate(_, _ float64) (float64, error) {
	return 0, nil
}
