package usage

import "strings"

// Partition keys group events that must be serialized against each other:
// concurrent read-modify-write cycles against the same key would silently
// lose updates, so the pipeline routes same-key events through one lock.

// OrgKey is the organization-level partition key.
func (e *Event) OrgKey() string {
	return e.OrganizationID
}

// ConsumerKey is the organization/space/consumer partition key.
func (e *Event) ConsumerKey() string {
	return strings.Join([]string{e.OrganizationID, e.SpaceID, e.Consumer()}, "/")
}

// SpaceKey is the organization/space partition key.
func (e *Event) SpaceKey() string {
	return strings.Join([]string{e.OrganizationID, e.SpaceID}, "/")
}

// InstanceKey is the fine-grained partition key combining organization,
// resource instance, consumer and all plan ids. It doubles as the base of
// the duplicate-detection key.
func (e *Event) InstanceKey() string {
	return strings.Join([]string{
		e.OrganizationID,
		e.ResourceInstanceID,
		e.Consumer(),
		e.PlanID,
		e.MeteringPlanID,
		e.RatingPlanID,
		e.PricingPlanID,
	}, "/")
}
