// Package runner provides optional tooling for running multiple projections and scaling them safely.
// This package is designed to be explicit, deterministic, and CLI-friendly without imposing
// framework behavior or automatic scheduling.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getpup/pupledger/es/projection"
)

// ErrNoProjections indicates that no projections were provided to run.
var ErrNoProjections = errors.New("no projections provided")

// ProjectionRunner pairs a projection with its processor.
type ProjectionRunner struct {
	Projection projection.Projection
	Processor  projection.ProcessorRunner
}

// Runner orchestrates multiple projections concurrently.
//
// Example:
//
//	l := ledger.New(db, sqlite.NewStore(sqlite.DefaultStoreConfig()))
//	config := projection.DefaultProcessorConfig()
//
//	err := runner.New().Run(ctx, []runner.ProjectionRunner{
//	    {Projection: &TaskBoard{}, Processor: projection.NewProcessor(l, &config)},
//	    {Projection: &AuditLog{}, Processor: projection.NewProcessor(l, &config)},
//	})
type Runner struct{}

// New creates a new projection runner.
func New() *Runner {
	return &Runner{}
}

// Run runs multiple projections concurrently until the context is canceled.
// Each projection runs in its own goroutine with its processor.
//
// If a projection returns an error, all other projections are canceled and the
// first error is returned once every goroutine has exited.
func (r *Runner) Run(ctx context.Context, runners []ProjectionRunner) error {
	if len(runners) == 0 {
		return ErrNoProjections
	}

	for i, runner := range runners {
		if runner.Projection == nil {
			return fmt.Errorf("projection at index %d is nil", i)
		}
		if runner.Processor == nil {
			return fmt.Errorf("processor at index %d is nil", i)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)

	for _, runner := range runners {
		wg.Add(1)
		go func(pr ProjectionRunner) {
			defer wg.Done()

			err := pr.Processor.Run(ctx, pr.Projection)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			once.Do(func() {
				firstErr = fmt.Errorf("projection %q failed: %w", pr.Projection.Name(), err)
				cancel()
			})
		}(runner)
	}

	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Partitions builds one runner per partition of proj. Each processor gets
// its own PartitionKey and therefore its own cursor. proj is shared by every
// partition and must be safe for concurrent use.
func Partitions(feed projection.Feed, proj projection.Projection, base projection.ProcessorConfig, totalPartitions int) ([]ProjectionRunner, error) {
	if totalPartitions < 1 {
		return nil, fmt.Errorf("%w: total partitions must be at least 1, got %d",
			projection.ErrInvalidPartitionConfig, totalPartitions)
	}

	runners := make([]ProjectionRunner, 0, totalPartitions)
	for key := 0; key < totalPartitions; key++ {
		config := base
		config.PartitionKey = key
		config.TotalPartitions = totalPartitions
		runners = append(runners, ProjectionRunner{
			Projection: proj,
			Processor:  projection.NewProcessor(feed, &config),
		})
	}
	return runners, nil
}
