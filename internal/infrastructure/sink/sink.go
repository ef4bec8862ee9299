// Package sink delivers aggregation output downstream: to the next
// pipeline stage over HTTP, to an S3-compatible archive, or nowhere when
// no downstream is configured.
package sink

import (
	"context"

	"github.com/metermesh/aggregator/internal/domain/usage"
)

// Delivery is the downstream notification for one processed event: the
// three updated documents, or the annotated error document when the event
// carried a plan configuration problem.
type Delivery struct {
	OrganizationID string          `json:"organization_id"`
	AccountID      string          `json:"account_id,omitempty"`
	ProcessedID    string          `json:"processed_id"`
	DocTime        string          `json:"doc_time,omitempty"`
	Org            *usage.Org      `json:"org,omitempty"`
	Space          *usage.Space    `json:"space,omitempty"`
	Consumer       *usage.Consumer `json:"consumer,omitempty"`
	ErrorDoc       *usage.Event    `json:"error_doc,omitempty"`
}

// Sink delivers aggregation results downstream. Delivery is
// fire-and-forget from the pipeline's point of view: a sink failure is
// logged and retried by replay, never rolled back into the aggregation.
type Sink interface {
	Post(ctx context.Context, d *Delivery) error
}

// Nop is the sink used when no downstream is configured.
type Nop struct{}

// NewNop creates a no-op sink.
func NewNop() *Nop {
	return &Nop{}
}

// Post discards the delivery.
func (*Nop) Post(context.Context, *Delivery) error {
	return nil
}

var _ Sink = (*Nop)(nil)

// Multi fans a delivery out to several sinks, stopping at the first
// failure.
type Multi []Sink

// Post delivers to each sink in order.
func (m Multi) Post(ctx context.Context, d *Delivery) error {
	for _, s := range m {
		if err := s.Post(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

var _ Sink = (Multi)(nil)
