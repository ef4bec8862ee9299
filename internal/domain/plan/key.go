package plan

import (
	"fmt"
	"strings"
)

// Key is the composite plan identity the aggregation tree groups usage
// under. The legacy wire format joins the four ids with "/" into a single
// plan_id string; Key keeps them as explicit fields and renders the joined
// form only at the serialization edge.
type Key struct {
	PlanID         string
	MeteringPlanID string
	RatingPlanID   string
	PricingPlanID  string
}

// NewKey builds a Key directly from the four source ids.
func NewKey(planID, meteringPlanID, ratingPlanID, pricingPlanID string) Key {
	return Key{
		PlanID:         planID,
		MeteringPlanID: meteringPlanID,
		RatingPlanID:   ratingPlanID,
		PricingPlanID:  pricingPlanID,
	}
}

// ParseKey parses the "/"-joined composite id found in persisted documents.
func ParseKey(composite string) (Key, error) {
	parts := strings.Split(composite, "/")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("invalid composite plan id %q: want 4 segments, got %d", composite, len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return Key{}, fmt.Errorf("invalid composite plan id %q: empty segment %d", composite, i)
		}
	}
	return NewKey(parts[0], parts[1], parts[2], parts[3]), nil
}

// String renders the legacy "/"-joined composite id.
func (k Key) String() string {
	return strings.Join([]string{k.PlanID, k.MeteringPlanID, k.RatingPlanID, k.PricingPlanID}, "/")
}

// IsZero reports whether no ids are set.
func (k Key) IsZero() bool {
	return k == Key{}
}
