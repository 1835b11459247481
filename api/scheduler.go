/*
scheduler.go - Automated billing month rollover

PURPOSE:
  Periodically ensures every ACTIVE enrollment has a billing month row for
  the current calendar month and flips past-due unpaid months to MISSED.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass walks every retailer with ACTIVE enrollments
  - Row creation is idempotent per (enrollment, month), so re-runs are free
  - Payments create missing rows on demand too; the scheduler just keeps
    the dues view current without waiting for a payment

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewRolloverScheduler(store)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerRollover endpoint (manual, per-tenant)
  - savings/schedule.go: Scheduler.Rollover
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/swarna/savings-engine/notify"
	"github.com/swarna/savings-engine/savings"
)

// RolloverScheduler runs the billing month rollover on a timer.
type RolloverScheduler struct {
	Store         savings.Store
	Notifier      *notify.Dispatcher
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRolloverScheduler creates a new scheduler.
func NewRolloverScheduler(store savings.Store) *RolloverScheduler {
	return &RolloverScheduler{
		Store:         store,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (rs *RolloverScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	log.Printf("[Scheduler] Started with check interval: %v", rs.CheckInterval)
}

// Stop stops the scheduler.
func (rs *RolloverScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (rs *RolloverScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.rolloverAll()

	for {
		select {
		case <-rs.ticker.C:
			rs.rolloverAll()
		case <-rs.stop:
			return
		}
	}
}

func (rs *RolloverScheduler) rolloverAll() {
	ctx := context.Background()
	today := time.Now().UTC()

	retailers, err := rs.Store.Retailers(ctx)
	if err != nil {
		log.Printf("[Scheduler] Error listing retailers: %v", err)
		return
	}

	sched := savings.NewScheduler(rs.Store)
	totalCreated, totalMissed := 0, 0

	for _, retailerID := range retailers {
		created, missed, err := sched.Rollover(ctx, retailerID, today)
		if err != nil {
			log.Printf("[Scheduler] Rollover failed for retailer %s: %v", retailerID, err)
			continue
		}
		totalCreated += created
		totalMissed += missed
		if missed > 0 && rs.Notifier != nil {
			rs.Notifier.Publish(notify.Event{
				RetailerID: retailerID,
				Type:       notify.EventBillingMonthMissed,
				Message:    "billing months marked missed in rollover",
			})
		}
	}

	rolloverRuns.Inc()
	billingMonthsCreated.Add(float64(totalCreated))
	billingMonthsMissed.Add(float64(totalMissed))

	if totalCreated > 0 || totalMissed > 0 {
		log.Printf("[Scheduler] Completed: %d months created, %d marked missed", totalCreated, totalMissed)
	}
}

// RunNow triggers an immediate pass (for testing/admin).
func (rs *RolloverScheduler) RunNow() {
	rs.rolloverAll()
}

// GetNextRunTime returns when the next scheduled pass will occur.
func (rs *RolloverScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
