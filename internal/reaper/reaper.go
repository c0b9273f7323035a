// Package reaper runs the kill-switch on a timer so expired and evicted
// rentals are torn down even when nobody calls the API.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/neurogrid/lifecycle/internal/logger"
)

// Sweeper reclaims whatever is due and reports how many nodes it freed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	log      *logger.Entry

	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func New(sweeper Sweeper, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reaper{
		sweeper:  sweeper,
		interval: interval,
		log:      logger.GetLogger().WithComponent("reaper"),
		shutdown: make(chan struct{}),
	}
}

// Run sweeps once immediately and then every interval until ctx is done or
// Stop is called.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-r.shutdown:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Start runs the reaper in the background.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Run(ctx)
	}()
}

// Stop ends the loop and waits for a background run to return.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.shutdown) })
	r.wg.Wait()
}

func (r *Reaper) sweep(ctx context.Context) {
	started := time.Now()
	n, err := r.sweeper.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		r.log.WithError(err).Error("sweep failed")
	}
	if n > 0 {
		r.log.WithField("reclaimed", n).Info("reclaimed rentals")
	}
	logger.LogDuration(r.log, "sweep", started, nil)
}
