package usage

// Deep clones of the aggregation trees. Every aggregation reads a
// persisted snapshot, clones it, and mutates only the clone so the
// previous version stays intact for diffing and retry by the caller.

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Clone returns a deep copy of the cell.
func (c *Cell) Clone() *Cell {
	if c == nil {
		return nil
	}
	return &Cell{
		Quantity:         c.Quantity,
		Cost:             c.Cost,
		PreviousQuantity: cloneFloat(c.PreviousQuantity),
	}
}

// Clone returns a deep copy of the window.
func (w Window) Clone() Window {
	if w == nil {
		return nil
	}
	out := make(Window, len(w))
	for i, cell := range w {
		out[i] = cell.Clone()
	}
	return out
}

// Clone returns a deep copy of the metric.
func (m *Metric) Clone() *Metric {
	out := &Metric{Metric: m.Metric}
	for i, w := range m.Windows {
		out.Windows[i] = w.Clone()
	}
	return out
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	out := &Plan{
		PlanID:         p.PlanID,
		MeteringPlanID: p.MeteringPlanID,
		RatingPlanID:   p.RatingPlanID,
		PricingPlanID:  p.PricingPlanID,
	}
	if p.AggregatedUsage != nil {
		out.AggregatedUsage = make([]*Metric, len(p.AggregatedUsage))
		for i, m := range p.AggregatedUsage {
			out.AggregatedUsage[i] = m.Clone()
		}
	}
	if p.ResourceInstances != nil {
		out.ResourceInstances = make([]*ResourceInstanceRef, len(p.ResourceInstances))
		for i, ri := range p.ResourceInstances {
			cp := *ri
			out.ResourceInstances[i] = &cp
		}
	}
	return out
}

// Clone returns a deep copy of the resource.
func (r *Resource) Clone() *Resource {
	out := &Resource{ResourceID: r.ResourceID}
	if r.Plans != nil {
		out.Plans = make([]*Plan, len(r.Plans))
		for i, p := range r.Plans {
			out.Plans[i] = p.Clone()
		}
	}
	return out
}

func cloneResources(resources []*Resource) []*Resource {
	if resources == nil {
		return nil
	}
	out := make([]*Resource, len(resources))
	for i, r := range resources {
		out[i] = r.Clone()
	}
	return out
}

func (c Context) clone() Context {
	out := c
	if c.Prices != nil {
		prices := &Prices{Metrics: make([]PriceMetric, len(c.Prices.Metrics))}
		copy(prices.Metrics, c.Prices.Metrics)
		out.Prices = prices
	}
	return out
}

// Clone returns a deep copy of the org tree.
func (o *Org) Clone() *Org {
	out := &Org{
		OrganizationID: o.OrganizationID,
		Context:        o.Context.clone(),
		Resources:      cloneResources(o.Resources),
	}
	if o.Spaces != nil {
		out.Spaces = make([]*SpaceRef, len(o.Spaces))
		for i, s := range o.Spaces {
			cp := *s
			out.Spaces[i] = &cp
		}
	}
	return out
}

// Clone returns a deep copy of the space tree.
func (s *Space) Clone() *Space {
	out := &Space{
		SpaceID:        s.SpaceID,
		OrganizationID: s.OrganizationID,
		Context:        s.Context.clone(),
		Resources:      cloneResources(s.Resources),
	}
	if s.Consumers != nil {
		out.Consumers = make([]*ConsumerRef, len(s.Consumers))
		for i, c := range s.Consumers {
			cp := *c
			out.Consumers[i] = &cp
		}
	}
	return out
}

// Clone returns a deep copy of the consumer tree.
func (c *Consumer) Clone() *Consumer {
	return &Consumer{
		ConsumerID:     c.ConsumerID,
		OrganizationID: c.OrganizationID,
		Context:        c.Context.clone(),
		Resources:      cloneResources(c.Resources),
	}
}
