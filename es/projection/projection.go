// Package projection provides projection processing capabilities.
package projection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/getpup/pupledger/es"
)

var (
	// ErrProjectionStopped indicates the projection was stopped due to an error.
	ErrProjectionStopped = errors.New("projection stopped")

	// ErrInvalidPartitionConfig indicates invalid partition configuration.
	ErrInvalidPartitionConfig = errors.New("invalid partition configuration")
)

// Projection defines the interface for event projection handlers.
type Projection interface {
	// Name returns the unique name of this projection.
	// This name is used as the subscription cursor id.
	Name() string

	// Handle processes a single event.
	// Return an error to stop projection processing.
	Handle(ctx context.Context, event es.Event) error
}

// ScopedProjection is a projection that only receives specific event types.
// The filter is applied by the store, so skipped events are never loaded.
type ScopedProjection interface {
	Projection

	// EventTypes returns the event types this projection handles.
	// An empty list means all events.
	EventTypes() []string
}

// Feed is the part of the ledger a processor reads from.
// *ledger.Ledger satisfies it.
type Feed interface {
	ReadAll(ctx context.Context, opts es.ReadAllOptions) ([]es.Event, error)
	GetSubscriptionPosition(ctx context.Context, subscriptionID string) (int64, error)
	UpdateSubscriptionPosition(ctx context.Context, subscriptionID string, position int64) error
}

// PartitionStrategy defines how events are partitioned across projection instances.
type PartitionStrategy interface {
	// ShouldProcess returns true if this projection instance should process the given event.
	// streamID is the stream the event belongs to.
	// partitionKey identifies this projection instance (e.g., 0 for first of 4 workers).
	// totalPartitions is the total number of projection instances.
	ShouldProcess(streamID string, partitionKey int, totalPartitions int) bool
}

// HashPartitionStrategy implements deterministic hash-based partitioning.
// Events are distributed across partitions based on a hash of the stream ID,
// so all events of one stream go to the same partition in version order.
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy using FNV-1a hashing.
func (HashPartitionStrategy) ShouldProcess(streamID string, partitionKey int, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}

	h := fnv.New32a()
	h.Write([]byte(streamID))
	partition := int(h.Sum32() % uint32(totalPartitions))
	return partition == partitionKey
}

// ProcessorConfig configures a projection processor.
type ProcessorConfig struct {
	// PartitionStrategy determines which events this processor handles
	PartitionStrategy PartitionStrategy

	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// SubscriptionID overrides the cursor id; it defaults to the projection name.
	// Partitioned processors append the partition to it.
	SubscriptionID string

	// BatchSize is the number of events to read per batch
	BatchSize int

	// PartitionKey identifies this processor instance (0-indexed)
	PartitionKey int

	// TotalPartitions is the total number of processor instances
	TotalPartitions int

	// PollInterval is how long to wait when the feed is drained.
	// Notify cuts the wait short.
	PollInterval time.Duration
}

// DefaultProcessorConfig returns the default configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:         100,
		PartitionKey:      0,
		TotalPartitions:   1,
		PartitionStrategy: HashPartitionStrategy{},
		PollInterval:      100 * time.Millisecond,
	}
}

// Validate checks the partition and batch settings.
func (c ProcessorConfig) Validate() error {
	if c.TotalPartitions < 1 {
		return fmt.Errorf("%w: total partitions must be at least 1, got %d", ErrInvalidPartitionConfig, c.TotalPartitions)
	}
	if c.PartitionKey < 0 || c.PartitionKey >= c.TotalPartitions {
		return fmt.Errorf("%w: partition key %d out of range [0, %d)", ErrInvalidPartitionConfig, c.PartitionKey, c.TotalPartitions)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative, got %d", c.BatchSize)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative, got %s", c.PollInterval)
	}
	return nil
}

// ProcessorRunner runs a projection until the context is cancelled or it fails.
// *Processor implements it.
type ProcessorRunner interface {
	Run(ctx context.Context, projection Projection) error
}

// Processor drives a projection from the global feed and keeps its cursor.
// Delivery is at-least-once: the cursor advances only after Handle succeeds,
// so a crash between the two replays the event.
type Processor struct {
	feed   Feed
	wake   chan struct{}
	config ProcessorConfig
}

// NewProcessor creates a processor reading from feed.
func NewProcessor(feed Feed, config *ProcessorConfig) *Processor {
	cfg := *config
	if cfg.PartitionStrategy == nil {
		cfg.PartitionStrategy = HashPartitionStrategy{}
	}
	if cfg.TotalPartitions == 0 {
		cfg.TotalPartitions = 1
	}
	return &Processor{
		feed:   feed,
		config: cfg,
		wake:   make(chan struct{}, 1),
	}
}

// Notify wakes a processor waiting for new events. It never blocks, so it can
// be registered as a publisher handler.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SubscriptionID returns the cursor id used for proj.
func (p *Processor) SubscriptionID(proj Projection) string {
	id := p.config.SubscriptionID
	if id == "" {
		id = proj.Name()
	}
	if p.config.TotalPartitions > 1 {
		id = fmt.Sprintf("%s:%d/%d", id, p.config.PartitionKey, p.config.TotalPartitions)
	}
	return id
}

// Run processes events until the context is cancelled or the projection fails.
// Transient storage errors are logged and retried after PollInterval; any
// other error stops the processor and is wrapped in ErrProjectionStopped.
func (p *Processor) Run(ctx context.Context, proj Projection) error {
	if err := p.config.Validate(); err != nil {
		return err
	}

	if p.config.Logger != nil {
		p.config.Logger.Info(ctx, "projection processor starting",
			"projection", proj.Name(),
			"subscription", p.SubscriptionID(proj),
			"partition_key", p.config.PartitionKey,
			"total_partitions", p.config.TotalPartitions,
			"batch_size", p.config.BatchSize)
	}

	for {
		n, err := p.RunOnce(ctx, proj)
		switch {
		case ctx.Err() != nil:
			if p.config.Logger != nil {
				p.config.Logger.Info(ctx, "projection processor stopped", "projection", proj.Name())
			}
			return ctx.Err()
		case err != nil && es.IsTransient(err):
			if p.config.Logger != nil {
				p.config.Logger.Error(ctx, "projection batch failed, retrying",
					"projection", proj.Name(), "error", err)
			}
		case err != nil:
			if p.config.Logger != nil {
				p.config.Logger.Error(ctx, "projection processor stopped",
					"projection", proj.Name(), "error", err)
			}
			return fmt.Errorf("%w: %w", ErrProjectionStopped, err)
		case n >= p.batchSize():
			// Full batch: there is probably more to read.
			continue
		}

		if err := p.wait(ctx); err != nil {
			return err
		}
	}
}

// RunOnce reads and handles at most one batch and returns the number of
// events read from the feed, including events skipped by partitioning.
func (p *Processor) RunOnce(ctx context.Context, proj Projection) (int, error) {
	subscriptionID := p.SubscriptionID(proj)

	position, err := p.feed.GetSubscriptionPosition(ctx, subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}

	opts := es.ReadAllOptions{After: position, BatchSize: p.batchSize()}
	if scoped, ok := proj.(ScopedProjection); ok {
		opts.EventTypes = scoped.EventTypes()
	}

	events, err := p.feed.ReadAll(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	processed, skipped := 0, 0
	last := position
	for i := range events {
		event := events[i]
		if !p.config.PartitionStrategy.ShouldProcess(event.StreamID, p.config.PartitionKey, p.config.TotalPartitions) {
			skipped++
			last = event.GlobalID
			continue
		}

		if handleErr := proj.Handle(ctx, event); handleErr != nil {
			// Keep the progress made so far; the failed event is retried on restart.
			if last > position {
				if err := p.feed.UpdateSubscriptionPosition(ctx, subscriptionID, last); err != nil {
					return processed + skipped, errors.Join(
						fmt.Errorf("projection handler error at position %d: %w", event.GlobalID, handleErr),
						fmt.Errorf("failed to update cursor: %w", err))
				}
			}
			return processed + skipped, fmt.Errorf("projection handler error at position %d: %w", event.GlobalID, handleErr)
		}
		processed++
		last = event.GlobalID
	}

	if err := p.feed.UpdateSubscriptionPosition(ctx, subscriptionID, last); err != nil {
		return len(events), fmt.Errorf("failed to update cursor: %w", err)
	}

	if p.config.Logger != nil {
		p.config.Logger.Debug(ctx, "batch processed",
			"projection", proj.Name(),
			"processed", processed,
			"skipped", skipped,
			"position", last)
	}

	return len(events), nil
}

func (p *Processor) batchSize() int {
	if p.config.BatchSize <= 0 {
		return es.DefaultBatchSize
	}
	return p.config.BatchSize
}

func (p *Processor) wait(ctx context.Context) error {
	if p.config.PollInterval <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	timer := time.NewTimer(p.config.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.wake:
	case <-timer.C:
	}
	return nil
}
