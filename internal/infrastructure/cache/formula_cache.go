package cache

import (
	"strconv"
	"time"

	"github.com/metermesh/aggregator/internal/domain/plan"
)

// Formula cache defaults, matching a long-lived process that re-sees the
// same plan/metric pairs continuously.
const (
	DefaultFormulaCacheSize   = 100
	DefaultFormulaCacheMaxAge = 120 * time.Second
)

// FormulaCache avoids re-resolving and re-wrapping the business-supplied
// aggregate and rate formulas on every event. The outer cache is keyed by
// (plan id, metric, function kind); each cached function is additionally
// wrapped in its own result-memoizing LRU keyed by the input tuple. Both
// layers are size- and age-bounded.
type FormulaCache struct {
	resolved *LRU
	size     int
	maxAge   time.Duration
}

// NewFormulaCache creates a formula cache; non-positive arguments take
// the defaults.
func NewFormulaCache(size int, maxAge time.Duration) *FormulaCache {
	if size <= 0 {
		size = DefaultFormulaCacheSize
	}
	if maxAge <= 0 {
		maxAge = DefaultFormulaCacheMaxAge
	}
	return &FormulaCache{
		resolved: NewLRU(size, maxAge),
		size:     size,
		maxAge:   maxAge,
	}
}

// Aggregate returns the memoized aggregate formula for a plan metric,
// resolving and wrapping it on first use.
func (fc *FormulaCache) Aggregate(planID, metric string, resolve func() (plan.AggregateFn, *plan.BusinessError)) (plan.AggregateFn, *plan.BusinessError) {
	key := planID + "/" + metric + "/aggrFn"
	if v, ok := fc.resolved.Get(key); ok {
		return v.(plan.AggregateFn), nil
	}
	fn, be := resolve()
	if be != nil {
		return nil, be
	}
	memoized := fc.memoizeAggregate(fn)
	fc.resolved.Set(key, memoized)
	return memoized, nil
}

// Rate returns the memoized rate formula for a plan metric, resolving and
// wrapping it on first use.
func (fc *FormulaCache) Rate(planID, metric string, resolve func() (plan.RateFn, *plan.BusinessError)) (plan.RateFn, *plan.BusinessError) {
	key := planID + "/" + metric + "/rateFn"
	if v, ok := fc.resolved.Get(key); ok {
		return v.(plan.RateFn), nil
	}
	fn, be := resolve()
	if be != nil {
		return nil, be
	}
	memoized := fc.memoizeRate(fn)
	fc.resolved.Set(key, memoized)
	return memoized, nil
}

func (fc *FormulaCache) memoizeAggregate(fn plan.AggregateFn) plan.AggregateFn {
	results := NewLRU(fc.size, fc.maxAge)
	return func(prev, accumPrev, accumCurrent float64, agg, acc plan.WindowAccessor) (float64, error) {
		key := floatKey(prev) + "|" + floatKey(accumPrev) + "|" + floatKey(accumCurrent)
		if v, ok := results.Get(key); ok {
			return v.(float64), nil
		}
		v, err := fn(prev, accumPrev, accumCurrent, agg, acc)
		if err != nil {
			return 0, err
		}
		results.Set(key, v)
		return v, nil
	}
}

func (fc *FormulaCache) memoizeRate(fn plan.RateFn) plan.RateFn {
	results := NewLRU(fc.size, fc.maxAge)
	return func(price, quantity float64) (float64, error) {
		key := floatKey(price) + "|" + floatKey(quantity)
		if v, ok := results.Get(key); ok {
			return v.(float64), nil
		}
		v, err := fn(price, quantity)
		if err != nil {
			return 0, err
		}
		results.Set(key, v)
		return v, nil
	}
}

func floatKey(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
