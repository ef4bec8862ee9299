package usage

import (
	"github.com/metermesh/aggregator/internal/domain/plan"
	"github.com/metermesh/aggregator/internal/domain/timewindow"
)

// Cell is one aggregated window bucket: the running quantity, the cost
// computed by the rate formula, and the bucket's quantity before this
// update. PreviousQuantity is transient bookkeeping for the aggregation
// formula and is purged before each new application.
type Cell struct {
	Quantity         float64  `json:"quantity"`
	Cost             float64  `json:"cost"`
	PreviousQuantity *float64 `json:"previous_quantity"`
}

// Window is one scale's ordered bucket sequence; index 0 is the most
// recent bucket. A [nil] window marks an unsupported scale.
type Window []*Cell

// Metric is a metric's aggregated usage across the five window scales,
// ordered [second, minute, hour, day, month].
type Metric struct {
	Metric  string    `json:"metric"`
	Windows [5]Window `json:"windows"`
}

// NewMetric creates a metric with all five window slots at [null].
func NewMetric(name string) *Metric {
	m := &Metric{Metric: name}
	for i := range m.Windows {
		m.Windows[i] = Window{nil}
	}
	return m
}

// Plan is one composite plan's aggregated usage under a resource.
// ResourceInstances is populated only on the consumer view.
type Plan struct {
	PlanID            string                 `json:"plan_id"`
	MeteringPlanID    string                 `json:"metering_plan_id"`
	RatingPlanID      string                 `json:"rating_plan_id"`
	PricingPlanID     string                 `json:"pricing_plan_id"`
	AggregatedUsage   []*Metric              `json:"aggregated_usage"`
	ResourceInstances []*ResourceInstanceRef `json:"resource_instances,omitempty"`
}

// Key returns the plan's typed composite key.
func (p *Plan) Key() plan.Key {
	return plan.NewKey(firstSegment(p.PlanID), p.MeteringPlanID, p.RatingPlanID, p.PricingPlanID)
}

func firstSegment(composite string) string {
	for i := 0; i < len(composite); i++ {
		if composite[i] == '/' {
			return composite[:i]
		}
	}
	return composite
}

// Metric finds or creates the named metric.
func (p *Plan) Metric(name string) *Metric {
	for _, m := range p.AggregatedUsage {
		if m.Metric == name {
			return m
		}
	}
	m := NewMetric(name)
	p.AggregatedUsage = append(p.AggregatedUsage, m)
	return m
}

// Resource is one resource's aggregated usage under a root.
type Resource struct {
	ResourceID string  `json:"resource_id"`
	Plans      []*Plan `json:"plans"`
}

// Plan finds or creates the plan for the composite key.
func (r *Resource) Plan(key plan.Key) *Plan {
	composite := key.String()
	for _, p := range r.Plans {
		if p.PlanID == composite {
			return p
		}
	}
	p := &Plan{
		PlanID:         composite,
		MeteringPlanID: key.MeteringPlanID,
		RatingPlanID:   key.RatingPlanID,
		PricingPlanID:  key.PricingPlanID,
	}
	r.Plans = append(r.Plans, p)
	return p
}

// SpaceRef is a lightweight back-reference from an org document to a
// separately stored space document. T is the sampled sequence id of the
// space document's last update.
type SpaceRef struct {
	SpaceID string `json:"space_id"`
	T       string `json:"t,omitempty"`
}

// ConsumerRef is a space document's reference to a consumer document.
type ConsumerRef struct {
	ID string `json:"id"`
	T  string `json:"t,omitempty"`
}

// ResourceInstanceRef records a resource instance reporting under a
// consumer plan. T is derived from the event's dedup key and P is the
// event's processed time in epoch milliseconds.
type ResourceInstanceRef struct {
	ID string `json:"id"`
	T  string `json:"t,omitempty"`
	P  int64  `json:"p,omitempty"`
}

// Context is the denormalized event context carried on every root and
// overwritten from each triggering event.
type Context struct {
	AccountID          string  `json:"account_id,omitempty"`
	Start              int64   `json:"start,omitempty"`
	End                int64   `json:"end,omitempty"`
	ResourceInstanceID string  `json:"resource_instance_id,omitempty"`
	ConsumerID         string  `json:"consumer_id,omitempty"`
	ResourceID         string  `json:"resource_id,omitempty"`
	PlanID             string  `json:"plan_id,omitempty"`
	PricingCountry     string  `json:"pricing_country,omitempty"`
	Prices             *Prices `json:"prices,omitempty"`
	Processed          int64   `json:"processed,omitempty"`
	ProcessedID        string  `json:"processed_id,omitempty"`
}

// Org is the organization-wide aggregation tree. It owns full resource
// sub-trees but only lightweight references to its spaces; space trees are
// persisted as top-level documents of their own.
type Org struct {
	OrganizationID string `json:"organization_id"`
	Context
	Resources []*Resource `json:"resources"`
	Spaces    []*SpaceRef `json:"spaces"`
}

// NewOrg creates an empty org tree.
func NewOrg(id string) *Org {
	return &Org{OrganizationID: id, Resources: []*Resource{}, Spaces: []*SpaceRef{}}
}

// Resource finds or creates the resource with the given id.
func (o *Org) Resource(id string) *Resource {
	return findOrCreateResource(&o.Resources, id)
}

// Space registers the space reference with the given last-seen sequence id
// and prunes references that have aged past the retention policy.
func (o *Org) Space(id, doctime string, pruner *Pruner) {
	var ref *SpaceRef
	for _, s := range o.Spaces {
		if s.SpaceID == id {
			ref = s
			break
		}
	}
	if ref == nil {
		ref = &SpaceRef{SpaceID: id}
		o.Spaces = append(o.Spaces, ref)
	}
	ref.T = doctime
	if pruner != nil {
		kept := o.Spaces[:0]
		for _, s := range o.Spaces {
			if pruner.KeepSequenceID(s.T) {
				kept = append(kept, s)
			}
		}
		o.Spaces = kept
	}
}

// RemoveSpaceRef drops the reference for the given space id and reports
// whether it was present.
func (o *Org) RemoveSpaceRef(id string) bool {
	for i, s := range o.Spaces {
		if s.SpaceID == id {
			o.Spaces = append(o.Spaces[:i], o.Spaces[i+1:]...)
			return true
		}
	}
	return false
}

// Space is the per-space aggregation tree, persisted as a top-level
// document referenced from the org.
type Space struct {
	SpaceID        string `json:"space_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	Context
	Resources []*Resource    `json:"resources"`
	Consumers []*ConsumerRef `json:"consumers"`
}

// NewSpace creates an empty space tree.
func NewSpace(id string) *Space {
	return &Space{SpaceID: id, Resources: []*Resource{}, Consumers: []*ConsumerRef{}}
}

// Resource finds or creates the resource with the given id.
func (s *Space) Resource(id string) *Resource {
	return findOrCreateResource(&s.Resources, id)
}

// Consumer registers the consumer reference with the given last-seen
// sequence id and prunes references older than the retention policy.
func (s *Space) Consumer(id, doctime string, pruner *Pruner) {
	var ref *ConsumerRef
	for _, c := range s.Consumers {
		if c.ID == id {
			ref = c
			break
		}
	}
	if ref == nil {
		ref = &ConsumerRef{ID: id}
		s.Consumers = append(s.Consumers, ref)
	}
	ref.T = doctime
	if pruner != nil {
		kept := s.Consumers[:0]
		for _, c := range s.Consumers {
			if pruner.KeepSequenceID(c.T) {
				kept = append(kept, c)
			}
		}
		s.Consumers = kept
	}
}

// Consumer is the per-consumer aggregation tree.
type Consumer struct {
	ConsumerID     string `json:"consumer_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	Context
	Resources []*Resource `json:"resources"`
}

// NewConsumer creates an empty consumer tree.
func NewConsumer(id string) *Consumer {
	return &Consumer{ConsumerID: id, Resources: []*Resource{}}
}

// Resource finds or creates the resource with the given id.
func (c *Consumer) Resource(id string) *Resource {
	return findOrCreateResource(&c.Resources, id)
}

// RegisterResourceInstance records a resource instance under the plan and
// prunes instance references older than the retention policy.
func (p *Plan) RegisterResourceInstance(id, doctime string, processed int64, pruner *Pruner) {
	var ref *ResourceInstanceRef
	for _, ri := range p.ResourceInstances {
		if ri.ID == id {
			ref = ri
			break
		}
	}
	if ref == nil {
		ref = &ResourceInstanceRef{ID: id}
		p.ResourceInstances = append(p.ResourceInstances, ref)
	}
	ref.T = doctime
	ref.P = processed
	if pruner != nil {
		kept := p.ResourceInstances[:0]
		for _, ri := range p.ResourceInstances {
			if pruner.KeepTime(ri.P) {
				kept = append(kept, ri)
			}
		}
		p.ResourceInstances = kept
	}
}

func findOrCreateResource(list *[]*Resource, id string) *Resource {
	for _, r := range *list {
		if r.ResourceID == id {
			return r
		}
	}
	r := &Resource{ResourceID: id, Plans: []*Plan{}}
	*list = append(*list, r)
	return r
}

// shiftWindow rolls a window forward by n buckets, inserting empty buckets
// at index 0 and dropping buckets that aged out. Length is preserved.
func shiftWindow(w Window, n int) Window {
	if n <= 0 || len(w) == 0 {
		return w
	}
	if n >= len(w) {
		return make(Window, len(w))
	}
	out := make(Window, len(w))
	copy(out[n:], w[:len(w)-n])
	return out
}

// shiftMetric realigns every supported window of the metric from `from` to
// `to` (epoch milliseconds). Unsupported scales stay at [null].
func shiftMetric(m *Metric, from, to int64, sup timewindow.Support) {
	for i, d := range timewindow.Dimensions {
		if !sup.Supported(d) {
			m.Windows[i] = Window{nil}
			continue
		}
		m.Windows[i] = shiftWindow(m.Windows[i], timewindow.Delta(d, from, to))
	}
}

func shiftResources(resources []*Resource, from, to int64, sup timewindow.Support) {
	for _, r := range resources {
		for _, p := range r.Plans {
			for _, m := range p.AggregatedUsage {
				shiftMetric(m, from, to, sup)
			}
		}
	}
}

// ShiftWindows rolls every metric window in the tree forward from the
// previous reference time to the new one.
func (o *Org) ShiftWindows(from, to int64, sup timewindow.Support) {
	shiftResources(o.Resources, from, to, sup)
}

// ShiftWindows rolls every metric window in the tree forward from the
// previous reference time to the new one.
func (s *Space) ShiftWindows(from, to int64, sup timewindow.Support) {
	shiftResources(s.Resources, from, to, sup)
}

// ShiftWindows rolls every metric window in the tree forward from the
// previous reference time to the new one.
func (c *Consumer) ShiftWindows(from, to int64, sup timewindow.Support) {
	shiftResources(c.Resources, from, to, sup)
}

func purgeResources(resources []*Resource) {
	for _, r := range resources {
		for _, p := range r.Plans {
			for _, m := range p.AggregatedUsage {
				for _, w := range m.Windows {
					for _, cell := range w {
						if cell != nil {
							cell.PreviousQuantity = nil
						}
					}
				}
			}
		}
	}
}

// PurgePreviousQuantities clears the transient previous_quantity
// bookkeeping left by the prior aggregation of this tree.
func (o *Org) PurgePreviousQuantities() { purgeResources(o.Resources) }

// PurgePreviousQuantities clears the transient previous_quantity
// bookkeeping left by the prior aggregation of this tree.
func (s *Space) PurgePreviousQuantities() { purgeResources(s.Resources) }

// PurgePreviousQuantities clears the transient previous_quantity
// bookkeeping left by the prior aggregation of this tree.
func (c *Consumer) PurgePreviousQuantities() { purgeResources(c.Resources) }
