// Package ticker drives the platform heartbeat: one shared timestamp per
// round, components invoked in registration order, and no overlapping
// rounds.
package ticker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Component is a participant in the tick loop. Start is called in
// registration order, Stop in reverse. OnTick receives the shared round
// timestamp.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnTick(ctx context.Context, ts time.Time) error
	Healthy() bool
}

// Coordinator owns the component registry and the tick loop.
type Coordinator struct {
	interval   time.Duration
	components []Component

	inRound atomic.Bool
	rounds  atomic.Int64
	skipped atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator ticking at the given interval.
func NewCoordinator(interval time.Duration) *Coordinator {
	return &Coordinator{interval: interval}
}

// Register appends a component. Registration order is invocation order
// within a round; register upstream producers before their consumers.
func (c *Coordinator) Register(component Component) {
	c.components = append(c.components, component)
}

// Start brings components up in registration order and begins ticking. A
// component failing to start aborts the bring-up and stops the components
// already started, in reverse order.
func (c *Coordinator) Start(ctx context.Context) error {
	for i, component := range c.components {
		if err := component.Start(ctx); err != nil {
			log.Error().Err(err).
				Str("service", "ticker").
				Str("component", component.Name()).
				Msg("component failed to start")
			for j := i - 1; j >= 0; j-- {
				if stopErr := c.components[j].Stop(ctx); stopErr != nil {
					log.Error().Err(stopErr).
						Str("service", "ticker").
						Str("component", c.components[j].Name()).
						Msg("component failed to stop during rollback")
				}
			}
			return err
		}
		log.Info().
			Str("service", "ticker").
			Str("component", component.Name()).
			Msg("component started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(runCtx)

	log.Info().
		Str("service", "ticker").
		Dur("interval", c.interval).
		Int("components", len(c.components)).
		Msg("tick coordinator started")
	return nil
}

// Stop ends the tick loop and stops components in reverse registration
// order.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	var firstErr error
	for i := len(c.components) - 1; i >= 0; i-- {
		component := c.components[i]
		if err := component.Stop(ctx); err != nil {
			log.Error().Err(err).
				Str("service", "ticker").
				Str("component", component.Name()).
				Msg("component failed to stop")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	log.Info().
		Str("service", "ticker").
		Int64("rounds", c.rounds.Load()).
		Int64("skipped", c.skipped.Load()).
		Msg("tick coordinator stopped")
	return firstErr
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	t := time.NewTicker(c.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ts := <-t.C:
			// Each round runs off the loop goroutine; a firing that lands
			// mid-round hits the in-round guard and is counted as skipped
			// instead of being coalesced silently by the ticker.
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.tick(ctx, ts)
			}()
		}
	}
}

// tick runs one round. A round still in flight when the next firing arrives
// skips the new firing entirely rather than overlapping.
func (c *Coordinator) tick(ctx context.Context, ts time.Time) {
	if !c.inRound.CompareAndSwap(false, true) {
		c.skipped.Add(1)
		log.Warn().
			Str("service", "ticker").
			Time("round", ts).
			Msg("previous round still running, skipping")
		return
	}
	defer c.inRound.Store(false)

	c.rounds.Add(1)
	for _, component := range c.components {
		if ctx.Err() != nil {
			return
		}
		if !component.Healthy() {
			log.Warn().
				Str("service", "ticker").
				Str("component", component.Name()).
				Msg("component unhealthy, skipping this round")
			continue
		}
		if err := component.OnTick(ctx, ts); err != nil {
			log.Error().Err(err).
				Str("service", "ticker").
				Str("component", component.Name()).
				Time("round", ts).
				Msg("component tick failed")
		}
	}
}

// Rounds returns the number of completed rounds.
func (c *Coordinator) Rounds() int64 { return c.rounds.Load() }

// Skipped returns the number of firings dropped because a round was still
// in flight.
func (c *Coordinator) Skipped() int64 { return c.skipped.Load() }
