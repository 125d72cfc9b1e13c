/*
scheduler.go - Automated overdue sweep

PURPOSE:
  Periodically moves sent and partially paid invoices whose due date has
  passed to overdue. The same sweep is available on demand through
  POST /api/invoices/overdue.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on Start
  - Each run is one ledger transaction (billing.Ledger.MarkOverdue)
  - A failed run is logged and retried on the next tick

CONFIGURATION:
  - scheduler.overdue_interval: How often to sweep (default: 1 hour, 0 disables)

USAGE:
  scheduler := NewOverdueScheduler(ledger, interval, metrics, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: MarkOverdue endpoint (manual sweep)
  - billing/invoice.go: MarkOverdue
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/rent-ledger/billing"
)

// OverdueScheduler runs the overdue sweep on a ticker.
type OverdueScheduler struct {
	Ledger        *billing.Ledger
	CheckInterval time.Duration
	Metrics       *Metrics

	log     *zap.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex // guards ticker and stop

	lastRunMu sync.Mutex
	lastRun   time.Time
}

// NewOverdueScheduler creates a scheduler. A non-positive interval
// disables it.
func NewOverdueScheduler(ledger *billing.Ledger, interval time.Duration, metrics *Metrics, log *zap.Logger) *OverdueScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OverdueScheduler{
		Ledger:        ledger,
		CheckInterval: interval,
		Metrics:       metrics,
		log:           log.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *OverdueScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CheckInterval <= 0 {
		s.log.Info("overdue sweep disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.log.Info("overdue sweep started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *OverdueScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("overdue sweep stopped")
}

func (s *OverdueScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns how many invoices it marked.
func (s *OverdueScheduler) RunNow(ctx context.Context) int {
	marked, err := s.Ledger.MarkOverdue(ctx)
	if err != nil {
		s.log.Error("overdue sweep failed", zap.Error(err))
		return 0
	}
	s.Metrics.markedOverdue(len(marked))

	s.lastRunMu.Lock()
	s.lastRun = time.Now()
	s.lastRunMu.Unlock()
	return len(marked)
}

// LastRun returns when the last successful sweep finished.
func (s *OverdueScheduler) LastRun() time.Time {
	s.lastRunMu.Lock()
	defer s.lastRunMu.Unlock()
	return s.lastRun
}
