// Package reconcile runs read-only consistency audits over the balance
// ledger, the reward pipeline and the intent stream. The auditor reports
// violations; it never repairs them.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/makerdesk/mm-core/internal/intent"
	"github.com/makerdesk/mm-core/internal/ledger"
	"github.com/makerdesk/mm-core/internal/reward"
	"github.com/makerdesk/mm-core/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Audit check names.
const (
	CheckBalanceInvariant   = "balance_invariant"
	CheckRewardConservation = "reward_conservation"
	CheckIntentConsistency  = "intent_consistency"
)

// sentStaleness is how long an intent may sit in SENT before it is flagged
// as stuck.
const sentStaleness = 5 * time.Minute

// Violation is one audit finding.
type Violation struct {
	Check   string `json:"check"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// Report is the outcome of one audit pass.
type Report struct {
	RanAt      time.Time   `json:"ran_at"`
	Duration   string      `json:"duration"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations"`
}

// Clean reports whether the pass found no violations.
func (r *Report) Clean() bool { return len(r.Violations) == 0 }

// Auditor runs the audit passes on its own schedule.
type Auditor struct {
	ledgerDB *ledger.Database
	rewardDB *reward.Database
	intents  *intent.Store

	interval time.Duration
	// dry-run executions finish without an exchange order id; the intent
	// consistency check is meaningless there.
	skipExchangeChecks bool

	mu         sync.RWMutex
	lastReport *Report
	running    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAuditor wires the auditor against its read-only stores.
func NewAuditor(ledgerDB *ledger.Database, rewardDB *reward.Database, intents *intent.Store, interval time.Duration, skipExchangeChecks bool) *Auditor {
	return &Auditor{
		ledgerDB:           ledgerDB,
		rewardDB:           rewardDB,
		intents:            intents,
		interval:           interval,
		skipExchangeChecks: skipExchangeChecks,
	}
}

// Start begins the periodic audit loop.
func (a *Auditor) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run(ctx)
	log.Info().
		Str("service", "reconcile").
		Dur("interval", a.interval).
		Msg("reconciliation auditor started")
}

// Stop ends the audit loop.
func (a *Auditor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	log.Info().Str("service", "reconcile").Msg("reconciliation auditor stopped")
}

func (a *Auditor) run(ctx context.Context) {
	defer a.wg.Done()

	t := time.NewTicker(a.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			report, err := a.RunOnce(ctx)
			if err != nil {
				log.Error().Err(err).Str("service", "reconcile").Msg("audit pass failed")
				continue
			}
			if !report.Clean() {
				log.Warn().
					Str("service", "reconcile").
					Int("violations", len(report.Violations)).
					Msg("audit found violations")
			}
		}
	}
}

// RunOnce executes one audit pass and retains the report.
func (a *Auditor) RunOnce(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{RanAt: started}

	checks := []func(context.Context, *Report) error{
		a.checkBalanceInvariant,
		a.checkRewardConservation,
		a.checkIntentConsistency,
	}
	for _, check := range checks {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := check(ctx, report); err != nil {
			return nil, err
		}
	}

	report.Duration = time.Since(started).String()

	a.mu.Lock()
	a.lastReport = report
	a.mu.Unlock()
	return report, nil
}

// LastReport returns the most recent audit report, or nil before the first
// pass.
func (a *Auditor) LastReport() *Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastReport
}

// checkBalanceInvariant verifies total == available + locked and that no
// component is negative, for every balance row.
func (a *Auditor) checkBalanceInvariant(ctx context.Context, report *Report) error {
	balances, err := a.ledgerDB.GetAllBalances()
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}

	for _, balance := range balances {
		report.Checked++
		subject := balance.UserID + "/" + balance.AssetID

		available, err1 := decimal.NewFromString(balance.Available)
		locked, err2 := decimal.NewFromString(balance.Locked)
		total, err3 := decimal.NewFromString(balance.Total)
		if err1 != nil || err2 != nil || err3 != nil {
			report.Violations = append(report.Violations, Violation{
				Check:   CheckBalanceInvariant,
				Subject: subject,
				Detail:  "balance holds a non-decimal component",
			})
			continue
		}

		if available.Sign() < 0 || locked.Sign() < 0 {
			report.Violations = append(report.Violations, Violation{
				Check:   CheckBalanceInvariant,
				Subject: subject,
				Detail:  fmt.Sprintf("negative component: available=%s locked=%s", available, locked),
			})
		}
		if !total.Equal(available.Add(locked)) {
			report.Violations = append(report.Violations, Violation{
				Check:   CheckBalanceInvariant,
				Subject: subject,
				Detail:  fmt.Sprintf("total %s != available %s + locked %s", total, available, locked),
			})
		}
	}
	return nil
}

// checkRewardConservation verifies that no allocated reward's slices sum to
// more than the reward amount.
func (a *Auditor) checkRewardConservation(ctx context.Context, report *Report) error {
	rewards, err := a.rewardDB.ListAllocatedRewards()
	if err != nil {
		return fmt.Errorf("load allocated rewards: %w", err)
	}

	for _, rw := range rewards {
		report.Checked++

		amount, err := decimal.NewFromString(rw.Amount)
		if err != nil {
			report.Violations = append(report.Violations, Violation{
				Check:   CheckRewardConservation,
				Subject: rw.RewardID,
				Detail:  "reward amount is not a decimal",
			})
			continue
		}

		allocations, err := a.rewardDB.AllocationsForReward(rw.RewardID)
		if err != nil {
			return fmt.Errorf("load allocations for %s: %w", rw.RewardID, err)
		}

		allocated := decimal.Zero
		for _, allocation := range allocations {
			slice, err := decimal.NewFromString(allocation.Amount)
			if err != nil {
				report.Violations = append(report.Violations, Violation{
					Check:   CheckRewardConservation,
					Subject: allocation.AllocationID,
					Detail:  "allocation amount is not a decimal",
				})
				continue
			}
			allocated = allocated.Add(slice)
		}

		if allocated.GreaterThan(amount) {
			report.Violations = append(report.Violations, Violation{
				Check:   CheckRewardConservation,
				Subject: rw.RewardID,
				Detail:  fmt.Sprintf("allocated %s exceeds reward %s", allocated, amount),
			})
		}
	}
	return nil
}

// checkIntentConsistency flags DONE order creations missing their exchange
// order id and SENT intents older than the staleness window.
func (a *Auditor) checkIntentConsistency(ctx context.Context, report *Report) error {
	if !a.skipExchangeChecks {
		done, err := a.intents.ListByStatus(types.IntentStatusDone)
		if err != nil {
			return fmt.Errorf("load done intents: %w", err)
		}
		for _, it := range done {
			if it.Type != types.IntentCreateLimitOrder {
				continue
			}
			report.Checked++
			if it.ExchangeOrderID == "" {
				report.Violations = append(report.Violations, Violation{
					Check:   CheckIntentConsistency,
					Subject: it.IntentID,
					Detail:  "completed order creation has no exchange order id",
				})
			}
		}
	}

	sent, err := a.intents.ListByStatus(types.IntentStatusSent)
	if err != nil {
		return fmt.Errorf("load sent intents: %w", err)
	}
	cutoff := time.Now().Add(-sentStaleness)
	for _, it := range sent {
		report.Checked++
		if it.UpdatedAt.Before(cutoff) {
			report.Violations = append(report.Violations, Violation{
				Check:   CheckIntentConsistency,
				Subject: it.IntentID,
				Detail:  fmt.Sprintf("stuck in SENT since %s", it.UpdatedAt.Format(time.RFC3339)),
			})
		}
	}
	return nil
}
