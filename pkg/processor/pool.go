package processor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

// Pool runs one processor per partition under a shared configuration.
type Pool struct {
	processors []*Processor
}

// NewPool creates a processor for every partition. The dead-letter partition is skipped.
func NewPool(store stream.Store, partitions []event.Partition, cfg Config, opts ...Option) *Pool {
	p := &Pool{processors: make([]*Processor, 0, len(partitions))}
	for _, part := range partitions {
		if part == event.PartitionDeadLetter {
			continue
		}
		p.processors = append(p.processors, New(store, part, cfg, opts...))
	}
	return p
}

// Processors returns the pool members.
func (p *Pool) Processors() []*Processor { return p.processors }

// EnsureGroups creates the consumer group of every processor.
func (p *Pool) EnsureGroups(ctx context.Context) error {
	for _, proc := range p.processors {
		if err := proc.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("consumer group for %s: %w", proc.Partition(), err)
		}
	}
	return nil
}

// Run returns a function for errgroup that runs every processor until ctx is done.
func (p *Pool) Run(ctx context.Context) func() error {
	return func() error {
		g, gctx := errgroup.WithContext(ctx)
		for _, proc := range p.processors {
			g.Go(proc.Run(gctx))
		}
		return g.Wait()
	}
}

// Status returns the status of every processor.
func (p *Pool) Status() []Status {
	out := make([]Status, 0, len(p.processors))
	for _, proc := range p.processors {
		out = append(out, proc.Status())
	}
	return out
}
