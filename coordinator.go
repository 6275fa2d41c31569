package coopcore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// coordinator drives a node's periodic work from background workers. The
// components themselves never start timers.
type coordinator struct {
	node    *Node
	options options
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// newCoordinator creates a new coordinator.
func newCoordinator(node *Node, opts options) *coordinator {
	return &coordinator{
		node:    node,
		options: opts,
	}
}

// start migrates the journal, if any, and begins the background workers:
// maintenance and journal flushing.
//
// Context handling: The caller's context only bounds the startup phase. Background workers run
// with a separate context.Background() so they keep running independently of the caller's
// context. The workers are stopped via the internal cancel function when stop() is called.
func (c *coordinator) start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.node.journal != nil {
		if err := c.node.journal.migrate(); err != nil {
			return fmt.Errorf("failed to prepare journal: %w", err)
		}
	}

	var workerCtx context.Context
	workerCtx, c.cancel = context.WithCancel(context.Background())

	c.workers.Add(1)
	go c.maintainWorker(workerCtx)

	if c.node.journal != nil {
		c.workers.Add(1)
		go c.flushWorker(workerCtx)
	}

	c.options.logger.Info("node started",
		"node_id", c.node.id,
		"run_id", c.node.runID.String(),
		"maintenance_interval", c.options.maintenanceInterval,
		"journal", c.node.journal != nil)

	return nil
}

// stop cancels the workers, waits for them to return and flushes the journal.
func (c *coordinator) stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.workers.Wait()

	if err := c.node.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush journal on stop: %w", err)
	}

	c.options.logger.Info("node stopped", "node_id", c.node.id)
	return nil
}

// maintainWorker periodically runs Maintain with the configured time source.
func (c *coordinator) maintainWorker(ctx context.Context) {
	defer c.workers.Done()

	var ticker = time.NewTicker(c.options.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var report = c.node.Maintain(c.options.now())
			if !report.Empty() {
				c.options.logger.Debug("maintenance pass",
					"transitions", len(report.Transitions),
					"timed_out", len(report.TimedOut),
					"expired_leases", len(report.ExpiredLeases),
					"skew_alerts", len(report.SkewAlerts),
					"rebalances", len(report.Rebalances))
			}
		}
	}
}

// flushWorker periodically writes new events to the journal.
func (c *coordinator) flushWorker(ctx context.Context) {
	defer c.workers.Done()

	var ticker = time.NewTicker(c.options.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Flush logs its own failures and keeps the events for the next tick.
			_ = c.node.Flush(ctx)
		}
	}
}
