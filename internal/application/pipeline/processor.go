// Package pipeline drives one usage event end to end: dedup, snapshot
// load, aggregation, transactional persistence, and downstream delivery.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/metermesh/aggregator/internal/application/aggregation"
	"github.com/metermesh/aggregator/internal/domain/shared"
	"github.com/metermesh/aggregator/internal/domain/usage"
	"github.com/metermesh/aggregator/internal/infrastructure/persistence"
	"github.com/metermesh/aggregator/internal/infrastructure/seqid"
	"github.com/metermesh/aggregator/internal/infrastructure/sink"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result is the outcome of processing one event.
type Result struct {
	Org      *usage.Org
	Space    *usage.Space
	Consumer *usage.Consumer
	DocTime  string

	// ErrorDoc is set instead of the documents when the event carried a
	// plan configuration problem. It has been routed to the sink.
	ErrorDoc *usage.Event
}

// Config carries the processor tunables.
type Config struct {
	Sampling  time.Duration
	MarkerTTL time.Duration
}

// Processor serializes events per organization and folds each one into
// the persisted snapshots exactly once.
type Processor struct {
	db          *persistence.Database
	snapshots   *persistence.SnapshotRepository
	eventLog    *persistence.EventLogRepository
	markers     *persistence.MarkerRepository
	markerStore shared.MarkerStore
	engine      *aggregation.Engine
	sink        sink.Sink
	sampling    time.Duration
	markerTTL   time.Duration
	locks       *keyedMutex
	logger      *zap.Logger
}

// NewProcessor wires a processor. markerStore is the fast-path duplicate
// check in front of the durable marker table and may be nil.
func NewProcessor(
	db *persistence.Database,
	engine *aggregation.Engine,
	markerStore shared.MarkerStore,
	deliverTo sink.Sink,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if deliverTo == nil {
		deliverTo = sink.NewNop()
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = shared.DefaultMarkerConfig().TTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		db:          db,
		snapshots:   persistence.NewSnapshotRepository(db.DB),
		eventLog:    persistence.NewEventLogRepository(db.DB),
		markers:     persistence.NewMarkerRepository(db.DB),
		markerStore: markerStore,
		engine:      engine,
		sink:        deliverTo,
		sampling:    cfg.Sampling,
		markerTTL:   cfg.MarkerTTL,
		locks:       newKeyedMutex(),
		logger:      logger,
	}
}

// DedupKey identifies one usage occurrence: the fine-grained partition
// key plus the usage interval.
func DedupKey(event *usage.Event) string {
	return event.InstanceKey() + "/" + seqid.Pad16(event.End) + "/" + seqid.Pad16(event.Start)
}

// Process folds one event into the aggregation. It stamps the event's
// processed time and sequence id when the intake stage has not,
// serializes against other events of the same organization, and persists
// the three updated documents, the event log entry and the duplicate
// marker in one transaction. Duplicates return shared.ErrDuplicateUsage.
func (p *Processor) Process(ctx context.Context, event *usage.Event) (*Result, error) {
	if event.Processed == 0 {
		event.Processed = time.Now().UnixMilli()
	}
	if event.ProcessedID == "" {
		event.ProcessedID = seqid.New(time.UnixMilli(event.Processed))
	}
	if event.AccumulatedUsageID == "" {
		event.AccumulatedUsageID = "k/" + event.InstanceKey() + "/t/" + seqid.Pad16(event.End)
	}

	dedupKey := DedupKey(event)
	dup, err := p.isDuplicate(ctx, dedupKey)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, shared.ErrDuplicateUsage
	}

	// All events of one organization rewrite the same org document;
	// interleaving two read-modify-write cycles would lose one of them.
	unlock := p.locks.lock(event.OrgKey())
	defer unlock()

	prev, err := p.loadSnapshots(ctx, event)
	if err != nil {
		return nil, err
	}

	out, err := p.engine.Aggregate(ctx, prev, event)
	if err != nil {
		return nil, err
	}

	if out.ErrorDoc != nil {
		return p.routeError(ctx, dedupKey, out.ErrorDoc)
	}

	docTime := p.docTime(event)
	err = p.db.Transaction(func(tx *gorm.DB) error {
		created, err := p.markers.WithTx(tx).Insert(ctx, dedupKey, event.ProcessedID)
		if err != nil {
			return err
		}
		if !created {
			return shared.ErrDuplicateUsage
		}
		if err := p.eventLog.WithTx(tx).Append(ctx, dedupKey, event); err != nil {
			return err
		}
		snapshots := p.snapshots.WithTx(tx)
		if err := snapshots.SaveOrg(ctx, docTime, out.Org); err != nil {
			return err
		}
		if err := snapshots.SaveSpace(ctx, docTime, event.SpaceKey(), out.Space); err != nil {
			return err
		}
		return snapshots.SaveConsumer(ctx, docTime, event.ConsumerKey(), out.Consumer)
	})
	if err != nil {
		return nil, err
	}

	p.markFastPath(ctx, dedupKey)

	delivery := &sink.Delivery{
		OrganizationID: event.OrganizationID,
		AccountID:      event.AccountID,
		ProcessedID:    event.ProcessedID,
		DocTime:        docTime,
		Org:            out.Org,
		Space:          out.Space,
		Consumer:       out.Consumer,
	}
	if err := p.sink.Post(ctx, delivery); err != nil {
		// Delivery is retried by replay; the aggregation itself stands.
		p.logger.Warn("Sink delivery failed",
			zap.String("organization_id", event.OrganizationID),
			zap.String("processed_id", event.ProcessedID),
			zap.Error(err))
	}

	p.logger.Info("Processed usage event",
		zap.String("organization_id", event.OrganizationID),
		zap.String("resource_instance_id", event.ResourceInstanceID),
		zap.String("processed_id", event.ProcessedID),
		zap.String("doc_time", docTime))

	return &Result{
		Org:      out.Org,
		Space:    out.Space,
		Consumer: out.Consumer,
		DocTime:  docTime,
	}, nil
}

// routeError logs the offending event and forwards the annotated error
// document downstream instead of the aggregation output.
func (p *Processor) routeError(ctx context.Context, dedupKey string, errorDoc *usage.Event) (*Result, error) {
	if err := p.eventLog.Append(ctx, dedupKey, errorDoc); err != nil {
		return nil, err
	}
	delivery := &sink.Delivery{
		OrganizationID: errorDoc.OrganizationID,
		AccountID:      errorDoc.AccountID,
		ProcessedID:    errorDoc.ProcessedID,
		ErrorDoc:       errorDoc,
	}
	if err := p.sink.Post(ctx, delivery); err != nil {
		p.logger.Warn("Error document delivery failed",
			zap.String("organization_id", errorDoc.OrganizationID),
			zap.Error(err))
	}
	p.logger.Info("Routed usage with business error",
		zap.String("organization_id", errorDoc.OrganizationID),
		zap.String("error", errorDoc.Error),
		zap.String("reason", errorDoc.Reason))
	return &Result{ErrorDoc: errorDoc}, nil
}

func (p *Processor) isDuplicate(ctx context.Context, dedupKey string) (bool, error) {
	if p.markerStore != nil {
		seen, err := p.markerStore.IsProcessed(ctx, dedupKey)
		if err != nil {
			p.logger.Warn("Fast-path marker check failed", zap.Error(err))
		} else if seen {
			return true, nil
		}
	}
	return p.markers.Exists(ctx, dedupKey)
}

func (p *Processor) markFastPath(ctx context.Context, dedupKey string) {
	if p.markerStore == nil {
		return
	}
	if _, err := p.markerStore.MarkProcessed(ctx, dedupKey, p.markerTTL); err != nil {
		p.logger.Warn("Fast-path marker write failed", zap.Error(err))
	}
}

func (p *Processor) loadSnapshots(ctx context.Context, event *usage.Event) (aggregation.Snapshots, error) {
	var prev aggregation.Snapshots
	org, err := p.snapshots.LatestOrg(ctx, event.OrganizationID)
	if err != nil {
		return prev, fmt.Errorf("load org snapshot: %w", err)
	}
	space, err := p.snapshots.LatestSpace(ctx, event.SpaceKey())
	if err != nil {
		return prev, fmt.Errorf("load space snapshot: %w", err)
	}
	consumer, err := p.snapshots.LatestConsumer(ctx, event.ConsumerKey())
	if err != nil {
		return prev, fmt.Errorf("load consumer snapshot: %w", err)
	}
	prev.Org, prev.Space, prev.Consumer = org, space, consumer
	return prev, nil
}

// docTime is the zero-padded sampled time keying the stored documents.
// Every event inside one sampling interval maps to the same key.
func (p *Processor) docTime(event *usage.Event) string {
	sampled := seqid.Sample(event.ProcessedID, p.sampling)
	if t := seqid.Time(sampled); t > 0 {
		return seqid.Pad16(t)
	}
	return seqid.Pad16(event.Processed)
}

// OrgUsageAt returns the organization document current at the given epoch
// millisecond time, or nil when the organization had no usage by then.
func (p *Processor) OrgUsageAt(ctx context.Context, orgID string, t int64) (*usage.Org, error) {
	return p.snapshots.OrgAt(ctx, orgID, seqid.Pad16(t))
}

// SpaceUsage returns the latest space document for the partition key.
func (p *Processor) SpaceUsage(ctx context.Context, orgID, spaceID string) (*usage.Space, error) {
	return p.snapshots.LatestSpace(ctx, orgID+"/"+spaceID)
}

// ConsumerUsage returns the latest consumer document for the partition key.
func (p *Processor) ConsumerUsage(ctx context.Context, orgID, spaceID, consumerID string) (*usage.Consumer, error) {
	return p.snapshots.LatestConsumer(ctx, orgID+"/"+spaceID+"/"+consumerID)
}

// Replay re-aggregates logged events with processed time at or after
// since, rebuilding snapshots and re-posting deliveries. Markers keep
// their original state; replay bypasses dedup on purpose.
func (p *Processor) Replay(ctx context.Context, since int64) (int, error) {
	replayed := 0
	err := p.eventLog.ReplaySince(ctx, since, func(event *usage.Event) error {
		if event.Error != "" {
			return nil
		}
		unlock := p.locks.lock(event.OrgKey())
		defer unlock()

		prev, err := p.loadSnapshots(ctx, event)
		if err != nil {
			return err
		}
		out, err := p.engine.Aggregate(ctx, prev, event)
		if err != nil {
			return err
		}
		if out.ErrorDoc != nil {
			return nil
		}
		docTime := p.docTime(event)
		err = p.db.Transaction(func(tx *gorm.DB) error {
			snapshots := p.snapshots.WithTx(tx)
			if err := snapshots.SaveOrg(ctx, docTime, out.Org); err != nil {
				return err
			}
			if err := snapshots.SaveSpace(ctx, docTime, event.SpaceKey(), out.Space); err != nil {
				return err
			}
			return snapshots.SaveConsumer(ctx, docTime, event.ConsumerKey(), out.Consumer)
		})
		if err != nil {
			return err
		}
		replayed++
		return nil
	})
	return replayed, err
}
