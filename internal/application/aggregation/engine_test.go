package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/metermesh/aggregator/internal/domain/plan"
	"github.com/metermesh/aggregator/internal/domain/timewindow"
	"github.com/metermesh/aggregator/internal/domain/usage"
	"github.com/metermesh/aggregator/internal/infrastructure/cache"
	"github.com/metermesh/aggregator/internal/infrastructure/seqid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubMetering struct {
	plan *plan.MeteringPlan
	be   *plan.BusinessError
	err  error
}

func (s *stubMetering) MeteringPlan(_ context.Context, _ string) (*plan.MeteringPlan, *plan.BusinessError, error) {
	return s.plan, s.be, s.err
}

type stubRating struct {
	plan *plan.RatingPlan
	be   *plan.BusinessError
	err  error
}

func (s *stubRating) RatingPlan(_ context.Context, _ string) (*plan.RatingPlan, *plan.BusinessError, error) {
	return s.plan, s.be, s.err
}

func defaultMetering() *stubMetering {
	return &stubMetering{plan: &plan.MeteringPlan{
		PlanID:  "test-metering-plan",
		Metrics: []plan.Metric{{Name: "heavy_api_calls", AggregateFn: "sum"}},
	}}
}

func defaultRating() *stubRating {
	return &stubRating{plan: &plan.RatingPlan{
		PlanID:  "test-rating-plan",
		Metrics: []plan.Metric{{Name: "heavy_api_calls", RateFn: "price"}},
	}}
}

func newTestEngine(t *testing.T, metering plan.MeteringLookup, rating plan.RatingLookup, cfg Config) *Engine {
	// Anchor the pruner clock just after the test events so retention math
	// does not depend on when the suite runs.
	return newTestEngineAt(t, metering, rating, cfg, time.Date(2015, 1, 7, 0, 0, 0, 0, time.UTC))
}

func newTestEngineAt(t *testing.T, metering plan.MeteringLookup, rating plan.RatingLookup, cfg Config, now time.Time) *Engine {
	t.Helper()
	pruner := usage.NewPruner(timewindow.DefaultSlack, seqid.Time, func() time.Time { return now })
	return NewEngine(
		metering, rating,
		plan.NewFormulas(),
		cache.NewFormulaCache(0, 0),
		pruner,
		cfg,
		zap.NewNop(),
	)
}

// testEvent builds an event at the given time with one accumulated cell per
// window scale, all in the most recent bucket.
func testEvent(at time.Time, current float64, previous *float64) *usage.Event {
	t := at.UTC().UnixMilli()
	e := &usage.Event{
		OrganizationID:     "org-1",
		SpaceID:            "space-1",
		ConsumerID:         "consumer-1",
		ResourceID:         "object-storage",
		ResourceInstanceID: "instance-1",
		AccountID:          "account-1",
		PlanID:             "basic",
		MeteringPlanID:     "test-metering-plan",
		RatingPlanID:       "test-rating-plan",
		PricingPlanID:      "test-pricing-plan",
		PricingCountry:     "USA",
		Prices: &usage.Prices{Metrics: []usage.PriceMetric{
			{Name: "heavy_api_calls", Price: 1.5},
		}},
		Start:       t,
		End:         t,
		Processed:   t,
		ProcessedID: seqid.New(at),
	}
	mu := usage.MetricUsage{Metric: "heavy_api_calls"}
	for i := range mu.Windows {
		mu.Windows[i] = []*usage.AccumCell{
			{Quantity: usage.DeltaQuantity{Previous: previous, Current: current}},
		}
	}
	e.AccumulatedUsage = []usage.MetricUsage{mu}
	return e
}

func metricAt(t *testing.T, resources []*usage.Resource, resourceID string, key plan.Key, name string) *usage.Metric {
	t.Helper()
	for _, r := range resources {
		if r.ResourceID != resourceID {
			continue
		}
		for _, p := range r.Plans {
			if p.PlanID != key.String() {
				continue
			}
			for _, m := range p.AggregatedUsage {
				if m.Metric == name {
					return m
				}
			}
		}
	}
	t.Fatalf("metric %s not found under %s/%s", name, resourceID, key)
	return nil
}

func TestEngineAggregate(t *testing.T) {
	at := time.Date(2015, 1, 6, 12, 0, 0, 0, time.UTC)

	t.Run("FirstEventBuildsAllThreeViews", func(t *testing.T) {
		e := newTestEngine(t, defaultMetering(), defaultRating(), Config{Sampling: time.Hour})
		event := testEvent(at, 10, nil)

		res, err := e.Aggregate(context.Background(), Snapshots{}, event)
		require.NoError(t, err)
		require.Nil(t, res.ErrorDoc)
		require.NotNil(t, res.Org)
		require.NotNil(t, res.Consumer)
		require.NotNil(t, res.Space)
		require.NotNil(t, res.Marker)

		key := event.PlanKey()
		for _, resources := range [][]*usage.Resource{res.Org.Resources, res.Space.Resources, res.Consumer.Resources} {
			m := metricAt(t, resources, "object-storage", key, "heavy_api_calls")
			for i := range m.Windows {
				require.Len(t, m.Windows[i], 1)
				cell := m.Windows[i][0]
				require.NotNil(t, cell)
				assert.Equal(t, 10.0, cell.Quantity)
				assert.Equal(t, 15.0, cell.Cost)
				assert.Nil(t, cell.PreviousQuantity)
			}
		}

		assert.Equal(t, "account-1", res.Org.AccountID)
		assert.Equal(t, "org-1", res.Consumer.OrganizationID)
		assert.Equal(t, "org-1", res.Space.OrganizationID)

		require.Len(t, res.Org.Spaces, 1)
		assert.Equal(t, "space-1", res.Org.Spaces[0].SpaceID)
		assert.NotEmpty(t, res.Org.Spaces[0].T)

		require.Len(t, res.Space.Consumers, 1)
		assert.Equal(t, "consumer-1", res.Space.Consumers[0].ID)

		instances := res.Consumer.Resources[0].Plans[0].ResourceInstances
		require.Len(t, instances, 1)
		assert.Equal(t, "instance-1", instances[0].ID)
		assert.Equal(t, event.Processed, instances[0].P)
	})

	t.Run("SecondEventAccumulates", func(t *testing.T) {
		e := newTestEngine(t, defaultMetering(), defaultRating(), Config{Sampling: time.Hour})
		first := testEvent(at, 10, nil)

		res1, err := e.Aggregate(context.Background(), Snapshots{}, first)
		require.NoError(t, err)

		prev := 10.0
		second := testEvent(at, 15, &prev)
		res2, err := e.Aggregate(context.Background(), Snapshots{
			Org:      res1.Org,
			Consumer: res1.Consumer,
			Space:    res1.Space,
		}, second)
		require.NoError(t, err)
		require.Nil(t, res2.ErrorDoc)

		m := metricAt(t, res2.Org.Resources, "object-storage", second.PlanKey(), "heavy_api_calls")
		cell := m.Windows[4][0]
		require.NotNil(t, cell)
		assert.Equal(t, 15.0, cell.Quantity)
		assert.Equal(t, 22.5, cell.Cost)
		require.NotNil(t, cell.PreviousQuantity)
		assert.Equal(t, 10.0, *cell.PreviousQuantity)
	})

	t.Run("DoesNotMutateInputs", func(t *testing.T) {
		e := newTestEngine(t, defaultMetering(), defaultRating(), Config{Sampling: time.Hour})
		first := testEvent(at, 10, nil)

		res1, err := e.Aggregate(context.Background(), Snapshots{}, first)
		require.NoError(t, err)

		before, err := json.Marshal(res1.Org)
		require.NoError(t, err)

		prev := 10.0
		second := testEvent(at, 15, &prev)
		res2a, err := e.Aggregate(context.Background(), Snapshots{
			Org:      res1.Org,
			Consumer: res1.Consumer,
			Space:    res1.Space,
		}, second)
		require.NoError(t, err)

		after, err := json.Marshal(res1.Org)
		require.NoError(t, err)
		assert.JSONEq(t, string(before), string(after))

		// Replaying the identical (previous, event) pair yields the
		// identical result.
		res2b, err := e.Aggregate(context.Background(), Snapshots{
			Org:      res1.Org,
			Consumer: res1.Consumer,
			Space:    res1.Space,
		}, second)
		require.NoError(t, err)

		for _, docs := range [][2]any{
			{res2a.Org, res2b.Org},
			{res2a.Consumer, res2b.Consumer},
			{res2a.Space, res2b.Space},
		} {
			first, err := json.Marshal(docs[0])
			require.NoError(t, err)
			repeat, err := json.Marshal(docs[1])
			require.NoError(t, err)
			assert.JSONEq(t, string(first), string(repeat))
		}
	})

	t.Run("MonthRolloverShiftsWindows", func(t *testing.T) {
		e := newTestEngine(t, defaultMetering(), defaultRating(), Config{Sampling: time.Hour})
		jan := time.Date(2015, 1, 31, 12, 0, 0, 0, time.UTC)
		feb := time.Date(2015, 2, 1, 12, 0, 0, 0, time.UTC)

		first := testEvent(jan, 10, nil)
		// Two month buckets so January survives the rollover.
		first.AccumulatedUsage[0].Windows[4] = []*usage.AccumCell{
			{Quantity: usage.DeltaQuantity{Current: 10}}, nil,
		}
		res1, err := e.Aggregate(context.Background(), Snapshots{}, first)
		require.NoError(t, err)

		second := testEvent(feb, 8, nil)
		second.AccumulatedUsage[0].Windows[4] = []*usage.AccumCell{
			{Quantity: usage.DeltaQuantity{Current: 8}}, nil,
		}
		res2, err := e.Aggregate(context.Background(), Snapshots{
			Org:      res1.Org,
			Consumer: res1.Consumer,
			Space:    res1.Space,
		}, second)
		require.NoError(t, err)

		m := metricAt(t, res2.Org.Resources, "object-storage", second.PlanKey(), "heavy_api_calls")
		months := m.Windows[4]
		require.Len(t, months, 2)
		require.NotNil(t, months[0])
		assert.Equal(t, 8.0, months[0].Quantity)
		require.NotNil(t, months[1])
		assert.Equal(t, 10.0, months[1].Quantity)
	})

	t.Run("BusinessErrorShortCircuits", func(t *testing.T) {
		metering := defaultMetering()
		metering.plan = nil
		metering.be = &plan.BusinessError{Err: "emplannotfound", Reason: "metering plan not found"}
		e := newTestEngine(t, metering, defaultRating(), Config{})

		res, err := e.Aggregate(context.Background(), Snapshots{}, testEvent(at, 10, nil))
		require.NoError(t, err)
		require.NotNil(t, res.ErrorDoc)
		assert.Equal(t, "emplannotfound", res.ErrorDoc.Error)
		assert.Equal(t, "metering plan not found", res.ErrorDoc.Reason)
		assert.Nil(t, res.Org)
		assert.Nil(t, res.Consumer)
		assert.Nil(t, res.Space)
		assert.Nil(t, res.Marker)
	})

	t.Run("MetricMissingFromPlanShortCircuits", func(t *testing.T) {
		metering := defaultMetering()
		metering.plan = &plan.MeteringPlan{PlanID: "test-metering-plan"}
		e := newTestEngine(t, metering, defaultRating(), Config{})

		res, err := e.Aggregate(context.Background(), Snapshots{}, testEvent(at, 10, nil))
		require.NoError(t, err)
		require.NotNil(t, res.ErrorDoc)
		assert.Equal(t, "emetricmissing", res.ErrorDoc.Error)
	})

	t.Run("LookupFailureIsAnError", func(t *testing.T) {
		rating := defaultRating()
		rating.plan = nil
		rating.err = errors.New("connection refused")
		e := newTestEngine(t, defaultMetering(), rating, Config{})

		res, err := e.Aggregate(context.Background(), Snapshots{}, testEvent(at, 10, nil))
		require.Error(t, err)
		assert.Nil(t, res)
		assert.Contains(t, err.Error(), "rating plan")
	})

	t.Run("QuantityRegressionIsFatal", func(t *testing.T) {
		e := newTestEngine(t, defaultMetering(), defaultRating(), Config{})
		res1, err := e.Aggregate(context.Background(), Snapshots{}, testEvent(at, 10, nil))
		require.NoError(t, err)

		metering := defaultMetering()
		metering.plan.Metrics[0].AggregateFn = "drop"
		dropping := newTestEngine(t, metering, defaultRating(), Config{})
		dropping.formulas.RegisterAggregate("drop", func(_, _, _ float64, _, _ plan.WindowAccessor) (float64, error) {
			return 0, nil
		})

		_, err = dropping.Aggregate(context.Background(), Snapshots{
			Org:      res1.Org,
			Consumer: res1.Consumer,
			Space:    res1.Space,
		}, testEvent(at, 15, nil))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrQuantityRegression)
	})

	t.Run("FormulasSeePreApplicationWindows", func(t *testing.T) {
		e := newTestEngine(t, defaultMetering(), defaultRating(), Config{Sampling: time.Hour})
		res1, err := e.Aggregate(context.Background(), Snapshots{}, testEvent(at, 10, nil))
		require.NoError(t, err)

		metering := defaultMetering()
		metering.plan.Metrics[0].AggregateFn = "plusday"
		inspecting := newTestEngine(t, metering, defaultRating(), Config{Sampling: time.Hour})
		// Adds the day bucket's prior quantity to the incoming value. The
		// day slot is rewritten partway through application, so every
		// scale must still observe the same pre-application quantity.
		inspecting.formulas.RegisterAggregate("plusday", func(_, _, current float64, target, _ plan.WindowAccessor) (float64, error) {
			q, _ := target(timewindow.Day, at.UnixMilli())
			return current + q, nil
		})

		second := testEvent(at, 15, nil)
		res2, err := inspecting.Aggregate(context.Background(), Snapshots{
			Org:      res1.Org,
			Consumer: res1.Consumer,
			Space:    res1.Space,
		}, second)
		require.NoError(t, err)

		m := metricAt(t, res2.Org.Resources, "object-storage", second.PlanKey(), "heavy_api_calls")
		for i := range m.Windows {
			require.NotNil(t, m.Windows[i][0])
			assert.Equal(t, 25.0, m.Windows[i][0].Quantity)
		}
	})

	t.Run("StaleConsumerRefsPruned", func(t *testing.T) {
		e := newTestEngine(t, defaultMetering(), defaultRating(), Config{Sampling: time.Hour})
		res1, err := e.Aggregate(context.Background(), Snapshots{}, testEvent(at, 10, nil))
		require.NoError(t, err)
		require.Len(t, res1.Space.Consumers, 1)

		// Over two months later a different consumer reports; the January
		// reference has aged past retention + slack.
		later := time.Date(2015, 3, 15, 12, 0, 0, 0, time.UTC)
		e2 := newTestEngineAt(t, defaultMetering(), defaultRating(), Config{Sampling: time.Hour},
			time.Date(2015, 3, 20, 0, 0, 0, 0, time.UTC))
		event := testEvent(later, 5, nil)
		event.ConsumerID = "consumer-2"

		res2, err := e2.Aggregate(context.Background(), Snapshots{
			Org:   res1.Org,
			Space: res1.Space,
		}, event)
		require.NoError(t, err)

		require.Len(t, res2.Space.Consumers, 1)
		assert.Equal(t, "consumer-2", res2.Space.Consumers[0].ID)
	})

	t.Run("MissingConsumerSubstituted", func(t *testing.T) {
		e := newTestEngine(t, defaultMetering(), defaultRating(), Config{})
		event := testEvent(at, 10, nil)
		event.ConsumerID = ""

		res, err := e.Aggregate(context.Background(), Snapshots{}, event)
		require.NoError(t, err)
		assert.Equal(t, usage.UnknownConsumer, res.Consumer.ConsumerID)
		require.Len(t, res.Space.Consumers, 1)
		assert.Equal(t, usage.UnknownConsumer, res.Space.Consumers[0].ID)
	})

	t.Run("UnsupportedScalesStayEmpty", func(t *testing.T) {
		e := newTestEngine(t, defaultMetering(), defaultRating(), Config{
			Support: timewindow.Support{timewindow.Day: true, timewindow.Month: true},
		})

		res, err := e.Aggregate(context.Background(), Snapshots{}, testEvent(at, 10, nil))
		require.NoError(t, err)

		m := metricAt(t, res.Org.Resources, "object-storage", testEvent(at, 10, nil).PlanKey(), "heavy_api_calls")
		for i := 0; i < 3; i++ {
			require.Len(t, m.Windows[i], 1)
			assert.Nil(t, m.Windows[i][0])
		}
		require.NotNil(t, m.Windows[3][0])
		require.NotNil(t, m.Windows[4][0])
		assert.Equal(t, 10.0, m.Windows[3][0].Quantity)
	})

	t.Run("ZeroQuantityCostsNothing", func(t *testing.T) {
		e := newTestEngine(t, defaultMetering(), defaultRating(), Config{})
		res, err := e.Aggregate(context.Background(), Snapshots{}, testEvent(at, 0, nil))
		require.NoError(t, err)

		m := metricAt(t, res.Org.Resources, "object-storage", testEvent(at, 0, nil).PlanKey(), "heavy_api_calls")
		cell := m.Windows[4][0]
		require.NotNil(t, cell)
		assert.Equal(t, 0.0, cell.Quantity)
		assert.Equal(t, 0.0, cell.Cost)
	})
}
