package usage

import (
	"time"

	"github.com/metermesh/aggregator/internal/domain/timewindow"
)

// RetentionMonths is the fixed calendar retention applied to consumer and
// resource-instance references before slack is added.
const RetentionMonths = 2

// Pruner decides whether a nested reference has aged past the retention
// window. Pruning runs inline on every reference-list touch, not as a
// background sweep.
type Pruner struct {
	slack  timewindow.Slack
	timeOf func(id string) int64
	now    func() time.Time
}

// NewPruner creates a pruner with the given slack. timeOf extracts the
// epoch-millisecond time component of a sequence id, returning 0 when the
// id is unparseable. now may be nil, in which case wall-clock time is
// used.
func NewPruner(slack timewindow.Slack, timeOf func(id string) int64, now func() time.Time) *Pruner {
	if now == nil {
		now = time.Now
	}
	return &Pruner{slack: slack, timeOf: timeOf, now: now}
}

// KeepSequenceID reports whether a reference stamped with a sequence id
// is still inside the retention window. Ids whose time cannot be
// extracted are kept.
func (p *Pruner) KeepSequenceID(id string) bool {
	if p.timeOf == nil {
		return true
	}
	return p.KeepTime(p.timeOf(id))
}

// KeepTime reports whether an entity last seen at the given epoch
// millisecond time is still inside retention + slack.
func (p *Pruner) KeepTime(lastSeen int64) bool {
	if lastSeen == 0 {
		return true
	}
	deadline := time.UnixMilli(lastSeen).UTC().AddDate(0, RetentionMonths, 0)
	deadline = p.slack.AddTo(deadline)
	return deadline.After(p.now())
}
